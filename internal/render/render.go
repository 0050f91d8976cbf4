// Package render fills `{Key}` placeholders in message templates.
package render

import (
	"strconv"
	"strings"

	"roombridge/internal/protocol"
)

// Context is an immutable set of placeholder values. With returns a new
// Context; the receiver is never modified, so one value can be shared
// across goroutines and extended per route.
type Context struct {
	keys []string
	vals map[string]string
}

// New returns an empty context.
func New() Context { return Context{} }

// With returns a copy of c with key set to value. Setting an existing key
// replaces its value and keeps its original position.
func (c Context) With(key, value string) Context {
	vals := make(map[string]string, len(c.vals)+1)
	for k, v := range c.vals {
		vals[k] = v
	}
	keys := c.keys
	if _, ok := vals[key]; !ok {
		keys = append(append(make([]string, 0, len(c.keys)+1), c.keys...), key)
	}
	vals[key] = value
	return Context{keys: keys, vals: vals}
}

// Get returns the value for key.
func (c Context) Get(key string) (string, bool) {
	v, ok := c.vals[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (c Context) Keys() []string { return append([]string(nil), c.keys...) }

// Render replaces every `{Key}` in tmpl with its value. Unknown placeholders
// are left as-is.
func (c Context) Render(tmpl string) string {
	if len(c.keys) == 0 || !strings.Contains(tmpl, "{") {
		return tmpl
	}
	pairs := make([]string, 0, len(c.keys)*2)
	for _, k := range c.keys {
		pairs = append(pairs, "{"+k+"}", c.vals[k])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// Room builds the context for a room announcement, using the language
// display names for loc.
func Room(r protocol.Room, loc protocol.DisplayLocale) Context {
	return New().
		With("RoomCode", r.Code).
		With("Version", r.Version).
		With("PlayerCount", strconv.Itoa(r.PlayerCount)).
		With("Language", r.Language.DisplayName(loc)).
		With("ServerName", r.ServerName).
		With("PlayerName", r.PlayerName)
}

// Default message templates.
const (
	RoomTemplateZH = "房间号: {RoomCode}\n版本号: {Version}\n人数: {PlayerCount}\n语言: {Language}\n服务器: {ServerName}\n房主: {PlayerName}"
	RoomTemplateEN = "Room: {RoomCode}\nVersion: {Version}\nPlayer Count: {PlayerCount}\nLanguage: {Language}\nServer: {ServerName}\nHost: {PlayerName}"
	BanTemplate    = "AddBan\nName:{Name}\nFriendCode:{FriendCode}Reason:{Reason}Count:{Count}"
)
