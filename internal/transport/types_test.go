package transport

import (
	"strings"
	"testing"
)

func TestSplitText(t *testing.T) {
	if got := SplitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("unexpected %q", got)
	}

	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := SplitText(s, 10)
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("expected newline split, got %q", got)
	}

	got = SplitText(strings.Repeat("x", 25), 10)
	if len(got) != 3 || len(got[2]) != 5 {
		t.Fatalf("expected hard split, got %q", got)
	}
}
