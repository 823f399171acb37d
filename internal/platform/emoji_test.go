package platform

import "testing"

func TestNormalizeEmoji(t *testing.T) {
	tests := []struct{ in, want string }{
		{"thumbsup", EmojiApprove},
		{"+1", EmojiApprove},
		{":thumbsdown:", EmojiDeny},
		{"heavy_check_mark", EmojiAllowAll},
		{"octagonal_sign", EmojiCancel},
		{"double_vertical_bar", EmojiInterrupt},
		{"repeat", EmojiResume},
		{"arrow_down_small", EmojiToggle},
		{"PARTY_PARROT", "party_parrot"},
	}
	for _, tt := range tests {
		if got := NormalizeEmoji(tt.in); got != tt.want {
			t.Errorf("NormalizeEmoji(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNumberFromEmoji(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"one", 0},
		{"two", 1},
		{"three", 2},
		{"four", 3},
		{"five", 4},
		{"3️⃣", 2},
		{"5️⃣", 4},
		{"shrug", -1},
	}
	for _, tt := range tests {
		if got := NumberFromEmoji(tt.in); got != tt.want {
			t.Errorf("NumberFromEmoji(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
