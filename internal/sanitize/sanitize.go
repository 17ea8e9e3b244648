// Package sanitize masks secrets embedded in shell commands and cleans
// captured output before it is persisted or logged.
package sanitize

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Mask replaces every secret value.
const Mask = "********"

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

const value = `('[^']*'|"[^"]*"|[^\s'"]\S*)`

var rules = []rule{
	{regexp.MustCompile(`(\bsshpass\s+-p\s*)` + value), "${1}" + Mask},
	{regexp.MustCompile(`(--password[=\s]\s*)` + value), "${1}" + Mask},
	// mysql clients accept -psecret and -p secret.
	{regexp.MustCompile(`(\b(?:mysql|mysqldump|mysqladmin|mariadb|mariadb-dump)\b[^|;&]*?\s-p\s*)` + value), "${1}" + Mask},
	{regexp.MustCompile(`(?i)(\bpassword=)('[^']*'|"[^"]*"|[^\s&;'"]+)`), "${1}" + Mask},
	{regexp.MustCompile(`(\b[A-Z0-9_]*(?:PASS|SECRET|TOKEN|KEY)[A-Z0-9_]*=)` + value), "${1}" + Mask},
	{regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://[^:/@\s]+:)([^@\s]+)(@)`), "${1}" + Mask + "${3}"},
}

// Command masks secrets in command. Applying it twice yields the same result.
func Command(command string) string {
	out := command
	for _, r := range rules {
		out = r.pattern.ReplaceAllString(out, r.replacement)
	}
	return out
}

// Text makes s storable in a Postgres TEXT column: invalid UTF-8 sequences
// become U+FFFD and NUL bytes are dropped.
func Text(s string) string {
	if utf8.ValidString(s) && strings.IndexByte(s, 0) < 0 {
		return s
	}
	return strings.ReplaceAll(strings.ToValidUTF8(s, "\uFFFD"), "\x00", "")
}

// Truncate cuts s to at most limit bytes without splitting a rune.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
