package logutil

import "testing"

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"alice", "alice"},
		{"alice\nINFO forged", "alice INFO forged"},
		{"a\r\tb", "a  b"},
		{"bell\x07del\x7f", "belldel"},
		{"üñí", "üñí"},
	}
	for _, tt := range tests {
		if got := SanitizeForLog(tt.in); got != tt.want {
			t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("expected unchanged string, got %q", got)
	}
	if got := Truncate("0123456789abcdef", 8); got != "01234..." {
		t.Errorf("expected truncated string, got %q", got)
	}
	// "ü" is two bytes; cutting after 5 bytes would split the second one.
	if got := Truncate("abüüüü", 8); got != "abü..." {
		t.Errorf("expected cut at a rune boundary, got %q", got)
	}
}
