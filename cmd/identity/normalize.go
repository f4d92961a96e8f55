package identity

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MinUsernameRunes = 2
	MaxUsernameRunes = 32
)

// NormalizeUsername trims surrounding whitespace. Case is preserved and
// uniqueness is exact, so "Alice" and "alice" are different accounts.
func NormalizeUsername(s string) string {
	return strings.TrimSpace(s)
}

// ValidUsername reports whether a normalized username is acceptable:
// 2..32 runes, valid UTF-8, no control characters.
func ValidUsername(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	n := utf8.RuneCountInString(s)
	if n < MinUsernameRunes || n > MaxUsernameRunes {
		return false
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}
