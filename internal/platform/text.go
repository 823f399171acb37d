package platform

import "unicode/utf8"

// Truncate caps s at max bytes, backing up to a rune boundary so the cut
// never splits a multi-byte character, and appends an ellipsis when anything
// was dropped.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
