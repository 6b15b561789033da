package contacts

import "strings"

// EscapeField escapes a value for line-delimited provider commands.
// Backslash must be replaced first so later replacements are not
// double-escaped; the remaining order is double quote, single quote,
// newline, carriage return.
func EscapeField(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, "\r", `\r`)
	return s
}
