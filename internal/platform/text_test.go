package platform

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 80); got != "hello" {
		t.Errorf("short input changed: %q", got)
	}
	if got := Truncate("hello world", 5); got != "hello…" {
		t.Errorf("got %q", got)
	}
	// A cut landing inside a multi-byte rune must back up to its start.
	for max := 1; max < 12; max++ {
		got := Truncate("日本語のテキスト", max)
		if !utf8.ValidString(got) {
			t.Errorf("Truncate(max=%d) = %q, invalid UTF-8", max, got)
		}
		if !strings.HasSuffix(got, "…") {
			t.Errorf("Truncate(max=%d) = %q, missing ellipsis", max, got)
		}
	}
}
