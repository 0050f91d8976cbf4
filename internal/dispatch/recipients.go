package dispatch

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	logx "roombridge/pkg/logx"
)

// LoadRecipients reads `id|isGroup` lines from path. Spaces are ignored;
// blank, comment and malformed lines are skipped. An empty path or missing
// file yields no recipients.
func LoadRecipients(path string, log logx.Logger) ([]Recipient, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn("recipient list not found", logx.String("path", path))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open recipient list: %w", err)
	}
	defer f.Close()
	return ParseRecipients(f, log)
}

// ParseRecipients parses the recipient list format from r.
func ParseRecipients(r io.Reader, log logx.Logger) ([]Recipient, error) {
	var out []Recipient
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		s := strings.ReplaceAll(sc.Text(), " ", "")
		s = strings.TrimSpace(s)
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		rc, err := parseRecipient(s)
		if err != nil {
			log.Warn("skipping malformed recipient", logx.Int("line", line), logx.Err(err))
			continue
		}
		out = append(out, rc)
	}
	return out, sc.Err()
}

func parseRecipient(s string) (Recipient, error) {
	idStr, groupStr, ok := strings.Cut(s, "|")
	if !ok {
		return Recipient{}, fmt.Errorf("missing '|' in %q", s)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return Recipient{}, fmt.Errorf("bad id %q", idStr)
	}
	group, err := strconv.ParseBool(groupStr)
	if err != nil {
		return Recipient{}, fmt.Errorf("bad group flag %q", groupStr)
	}
	return Recipient{ID: id, Group: group}, nil
}
