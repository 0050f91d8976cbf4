// Package banguard holds the static set of client addresses that are refused
// before any bytes are read.
package banguard

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/netip"
	"os"
	"strings"

	logx "roombridge/pkg/logx"
)

// Guard is immutable after Load and safe for concurrent use.
type Guard struct {
	addrs   map[netip.Addr]struct{}
	skipped int
}

// Empty returns a guard that bans nothing.
func Empty() *Guard { return &Guard{addrs: map[netip.Addr]struct{}{}} }

// Load reads newline-delimited IP literals from path. Blank lines and lines
// starting with '#' are ignored; malformed lines are skipped with a warning.
// An empty path or a missing file yields an empty guard.
func Load(path string, log logx.Logger) (*Guard, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return Empty(), nil
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Info("ban list not found; no addresses banned", logx.String("path", path))
		return Empty(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ban list: %w", err)
	}
	defer f.Close()

	g, err := Parse(f, log)
	if err != nil {
		return nil, fmt.Errorf("read ban list %s: %w", path, err)
	}
	log.Info("ban list loaded", logx.String("path", path), logx.Int("count", g.Len()), logx.Int("skipped", g.skipped))
	return g, nil
}

// Parse builds a guard from r.
func Parse(r io.Reader, log logx.Logger) (*Guard, error) {
	g := Empty()
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			g.skipped++
			log.Warn("skipping malformed ban entry", logx.Int("line", line), logx.String("value", s))
			continue
		}
		g.addrs[addr.Unmap()] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return g, nil
}

// IsBanned reports whether addr is in the set. IPv4-mapped IPv6 addresses
// match their IPv4 form.
func (g *Guard) IsBanned(addr netip.Addr) bool {
	if g == nil || len(g.addrs) == 0 || !addr.IsValid() {
		return false
	}
	_, ok := g.addrs[addr.Unmap()]
	return ok
}

// IsBannedConn checks the remote address of a TCP connection.
func (g *Guard) IsBannedConn(remote net.Addr) bool {
	if remote == nil {
		return false
	}
	if tcp, ok := remote.(*net.TCPAddr); ok {
		return g.IsBanned(tcp.AddrPort().Addr())
	}
	ap, err := netip.ParseAddrPort(remote.String())
	if err != nil {
		return false
	}
	return g.IsBanned(ap.Addr())
}

func (g *Guard) Len() int {
	if g == nil {
		return 0
	}
	return len(g.addrs)
}

// Skipped is the number of malformed lines seen while loading.
func (g *Guard) Skipped() int {
	if g == nil {
		return 0
	}
	return g.skipped
}
