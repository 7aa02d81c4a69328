package logutil

import (
	"strings"
	"unicode/utf8"
)

// SanitizeForLog removes newlines and control characters from user-provided
// strings so a crafted username or path cannot forge extra log lines.
func SanitizeForLog(s string) string {
	s = strings.NewReplacer("\n", " ", "\r", " ", "\t", " ").Replace(s)
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r != 0x7f {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Truncate shortens s to at most n bytes, marking the cut with "...". The
// cut never splits a UTF-8 sequence.
func Truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
