package storage

import (
	"errors"
	"fmt"
	"time"
)

var ErrClosed = errors.New("ban log closed")

// Config configures the ban log.
//
// Driver values:
//   - "file": append-only text file, one formatted line per ban
//   - "sqlite": SQLite database file
//
// If Driver is empty, "file" is used.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// BanEntry is one persisted ban.
type BanEntry struct {
	At       time.Time
	ClientID int
	Identity string
	Name     string
	Reason   string
	Count    int
}

// FormatBanLine renders e in the ban log line format.
func FormatBanLine(e BanEntry) string {
	return fmt.Sprintf("Id:%dFriendCode:%sName:%sReason:%s : Count%d",
		e.ClientID, e.Identity, e.Name, e.Reason, e.Count)
}
