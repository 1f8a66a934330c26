package extract

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	intPattern   = regexp.MustCompile(`^[+-]?\d+$`)
	hexPattern   = regexp.MustCompile(`^[+-]?0[xX][0-9a-fA-F]+$`)
	floatPattern = regexp.MustCompile(`^[+-]?(?:\d+(?:\.\d+)?(?:[eE][+-]?\d+)?|\.\d+(?:[eE][+-]?\d+)?)$`)
)

// RemoveQuotes strips one pair of matching single or double quotes.
func RemoveQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	first, last := s[0], s[len(s)-1]
	if (first == '"' || first == '\'') && first == last {
		return s[1 : len(s)-1]
	}
	return s
}

// ConvertToValue interprets s as an integer (decimal or 0x hex), a float,
// a boolean, or a bracketed array of such values. Anything else is
// returned unchanged as a string. Integers too large for int64 become
// uint64.
func ConvertToValue(s string) any {
	t := strings.TrimSpace(s)
	switch {
	case intPattern.MatchString(t):
		if v, err := strconv.ParseInt(t, 10, 64); err == nil {
			return v
		}
		if v, err := strconv.ParseUint(strings.TrimPrefix(t, "+"), 10, 64); err == nil {
			return v
		}
		return s
	case hexPattern.MatchString(t):
		neg := strings.HasPrefix(t, "-")
		digits := strings.TrimLeft(t, "+-")[2:]
		v, err := strconv.ParseUint(digits, 16, 64)
		if err != nil {
			return s
		}
		if neg {
			return -int64(v)
		}
		if v <= 1<<63-1 {
			return int64(v)
		}
		return v
	case floatPattern.MatchString(t):
		if v, err := strconv.ParseFloat(t, 64); err == nil {
			return v
		}
		return s
	case strings.EqualFold(t, "true"):
		return true
	case strings.EqualFold(t, "false"):
		return false
	case len(t) >= 2 && t[0] == '[' && t[len(t)-1] == ']':
		return convertArray(t[1 : len(t)-1])
	}
	return s
}

func convertArray(body string) []any {
	out := []any{}
	for _, elem := range splitTopLevel(body) {
		elem = strings.TrimSpace(elem)
		if elem == "" {
			continue
		}
		unquoted := RemoveQuotes(elem)
		if unquoted != elem {
			out = append(out, unquoted)
			continue
		}
		out = append(out, ConvertToValue(elem))
	}
	return out
}

// splitTopLevel splits on commas outside quotes and nested brackets.
func splitTopLevel(s string) []string {
	var parts []string
	var quote byte
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '[':
			depth++
		case c == ']':
			depth--
		case c == ',' && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}
