package utils

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// ValidateIdentifier checks that a session or agent identifier is non-empty
// and cannot escape a directory when used as a file name.
func ValidateIdentifier(identifier string) error {
	trimmed := strings.TrimSpace(identifier)
	if trimmed == "" {
		return errors.New("identifier is required and must be a non-empty string")
	}
	if trimmed != identifier {
		return errors.New("identifier must not have leading or trailing whitespace")
	}
	if strings.ContainsAny(trimmed, "/\\") || strings.Contains(trimmed, "..") {
		return errors.New("identifier must not contain path separators or '..' to prevent directory traversal")
	}
	if strings.ContainsFunc(trimmed, func(r rune) bool { return r < 0x20 || r == 0x7f }) {
		return errors.New("identifier must not contain control characters")
	}
	return nil
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
