// Package transport defines the gateway chat platforms the queued lane can
// deliver through.
package transport

import (
	"context"
	"strings"
)

// ChannelSender is a logged-in session on a chat platform that can post text
// to a channel by numeric id.
type ChannelSender interface {
	// Name identifies the platform in logs ("telegram", "discord").
	Name() string
	// Login establishes the session. It is safe to call again after a
	// failure.
	Login(ctx context.Context) error
	SendToChannel(ctx context.Context, channelID int64, text string) error
	Close() error
}

// SplitText cuts s into chunks of at most limit runes, preferring to break
// after a newline in the last two thirds of a window.
func SplitText(s string, limit int) []string {
	rs := []rune(s)
	if limit <= 0 || len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
	}
	return out
}
