package platform

import "strings"

// Normalised emoji groups shared by all interactions. Adapters deliver
// platform emoji names; NormalizeEmoji maps them onto one canonical name per
// group so the state machines match on a single token.

const (
	EmojiApprove   = "+1"
	EmojiDeny      = "-1"
	EmojiAllowAll  = "white_check_mark"
	EmojiCancel    = "x"
	EmojiInterrupt = "pause"
	EmojiResume    = "arrows_counterclockwise"
	EmojiToggle    = "small_red_triangle_down"
	EmojiBug       = "bug"
)

// NumberEmojis are the option reactions for numbered prompts, in order.
var NumberEmojis = []string{"one", "two", "three", "four", "five"}

var emojiAliases = map[string]string{
	"+1":                     EmojiApprove,
	"thumbsup":               EmojiApprove,
	"-1":                     EmojiDeny,
	"thumbsdown":             EmojiDeny,
	"white_check_mark":       EmojiAllowAll,
	"heavy_check_mark":       EmojiAllowAll,
	"x":                      EmojiCancel,
	"stop":                   EmojiCancel,
	"octagonal_sign":         EmojiCancel,
	"stop_sign":              EmojiCancel,
	"pause":                  EmojiInterrupt,
	"pause_button":           EmojiInterrupt,
	"double_vertical_bar":    EmojiInterrupt,
	"arrows_counterclockwise": EmojiResume,
	"arrow_forward":          EmojiResume,
	"repeat":                 EmojiResume,
	"small_red_triangle_down": EmojiToggle,
	"arrow_down_small":       EmojiToggle,
	"bug":                    EmojiBug,
	"one":                    "one",
	"two":                    "two",
	"three":                  "three",
	"four":                   "four",
	"five":                   "five",
	// Unicode keycaps as delivered by some clients.
	"1️⃣": "one",
	"2️⃣": "two",
	"3️⃣": "three",
	"4️⃣": "four",
	"5️⃣": "five",
}

// NormalizeEmoji maps a platform emoji name onto its canonical group name.
// Unknown names are returned lowercased and unchanged.
func NormalizeEmoji(name string) string {
	name = strings.ToLower(strings.Trim(name, ":"))
	if canon, ok := emojiAliases[name]; ok {
		return canon
	}
	return name
}

// NumberFromEmoji returns the zero-based option index for a number emoji,
// or -1 if the emoji is not a number.
func NumberFromEmoji(name string) int {
	switch NormalizeEmoji(name) {
	case "one":
		return 0
	case "two":
		return 1
	case "three":
		return 2
	case "four":
		return 3
	case "five":
		return 4
	}
	return -1
}
