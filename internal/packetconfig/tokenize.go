package packetconfig

import (
	"fmt"
	"strings"
)

// tokenize splits a definition line into its keyword and parameters.
// Double or single quoted strings and bracketed arrays are kept as single
// tokens with their quotes removed; brackets are kept. A '#' outside a
// quoted string starts a comment.
func tokenize(line string) ([]string, error) {
	var (
		tokens []string
		cur    strings.Builder
		inTok  bool
	)
	flush := func() {
		if inTok {
			tokens = append(tokens, cur.String())
			cur.Reset()
			inTok = false
		}
	}

	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '#' && !inTok:
			flush()
			return tokens, nil
		case r == ' ' || r == '\t' || r == '\r' || r == '\n':
			flush()
		case (r == '"' || r == '\'') && !inTok:
			end := closing(runes, i+1, r)
			if end < 0 {
				return nil, fmt.Errorf("unterminated %c quoted string", r)
			}
			tokens = append(tokens, unescape(string(runes[i+1:end]), r))
			i = end
		case r == '[' && !inTok:
			end := closing(runes, i+1, ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated array")
			}
			tokens = append(tokens, string(runes[i:end+1]))
			i = end
		default:
			inTok = true
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens, nil
}

// closing returns the index of the unescaped delimiter at or after start.
func closing(runes []rune, start int, delim rune) int {
	for i := start; i < len(runes); i++ {
		switch runes[i] {
		case '\\':
			i++
		case delim:
			return i
		}
	}
	return -1
}

func unescape(s string, quote rune) string {
	return strings.ReplaceAll(s, `\`+string(quote), string(quote))
}
