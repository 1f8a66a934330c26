// Package security holds helpers for handling operator-supplied names.
package security

import "strings"

const maxFilenameLen = 128

// SanitizeFilename maps s onto ASCII letters, digits, '.', '_' and '-'
// so it can be embedded in a file name. Runs of other characters become
// a single underscore and leading or trailing dots and underscores are
// dropped. The empty result is "unknown".
func SanitizeFilename(s string) string {
	var b strings.Builder
	underscore := false
	for _, r := range s {
		if b.Len() >= maxFilenameLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-':
			b.WriteRune(r)
			underscore = false
		case r == '_':
			b.WriteRune(r)
			underscore = true
		default:
			if !underscore {
				b.WriteByte('_')
				underscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
