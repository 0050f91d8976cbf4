package logx

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestExpandPath(t *testing.T) {
	now := time.Date(2024, 3, 9, 14, 5, 0, 0, time.UTC)
	got := ExpandPath("logs/log_{time}.txt", now)
	if got != "logs/log_2024_09_03[02-05].txt" {
		t.Fatalf("got %q", got)
	}
	if ExpandPath("plain.log", now) != "plain.log" {
		t.Fatalf("path without placeholder must be unchanged")
	}
}

func TestFormatChatRecord(t *testing.T) {
	line := []byte(`{"level":"warn","time":"x","message":"send failed","route":"bridge","caller":"a.go:1"}`)
	got := formatChatRecord(line)
	want := "[WARN] send failed\n- caller=a.go:1\n- route=bridge"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got := formatChatRecord([]byte("not json\n")); got != "not json" {
		t.Fatalf("raw fallback: %q", got)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("ignored", String("k", "v"))
	l.With(Int("n", 1)).Warn("ignored")
}

type chanSender struct {
	mu   sync.Mutex
	msgs []string
	got  chan struct{}
}

func (c *chanSender) SendToChannel(_ context.Context, id int64, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	select {
	case c.got <- struct{}{}:
	default:
	}
	return nil
}

func TestServiceFileAndChat(t *testing.T) {
	dir := t.TempDir()
	sender := &chanSender{got: make(chan struct{}, 4)}
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: filepath.Join(dir, "bridge_{time}.log")},
		Chat:  ChatConfig{Enabled: true, ChannelID: 99, MinLevel: "warn", RatePerSec: 10},
	}, sender)
	defer svc.Close()

	log.Info("info only to file")
	log.Warn("warn to chat", String("code", "ABCD"))

	select {
	case <-sender.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("chat sink did not forward warning")
	}
	sender.mu.Lock()
	if len(sender.msgs) != 1 || !strings.HasPrefix(sender.msgs[0], "[WARN] warn to chat") {
		t.Fatalf("unexpected chat messages %q", sender.msgs)
	}
	sender.mu.Unlock()

	path := svc.FilePath()
	if path == "" || strings.Contains(path, "{time}") {
		t.Fatalf("file path not expanded: %q", path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "info only to file") {
		t.Fatalf("file missing record: %s", b)
	}

	// Reapplying the same raw path keeps the file.
	svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: filepath.Join(dir, "bridge_{time}.log")}})
	if svc.FilePath() != path {
		t.Fatalf("reload should keep %q, got %q", path, svc.FilePath())
	}
}
