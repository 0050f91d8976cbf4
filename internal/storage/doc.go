// Package storage persists bans.
//
// Every ban is appended synchronously and is durable once AppendBan returns.
package storage
