// Package extract parses operator text into command and telemetry
// references. It understands four forms:
//
//	TGT CMD with PARAM1 1, PARAM2 'a b'   command with parameters
//	TGT PKT ITEM                          telemetry item
//	TGT PKT ITEM = 'new value'            set telemetry
//	TGT PKT ITEM > 5                      check with a comparison
//
// Values are coerced with ConvertToValue; quoted values keep their text.
package extract

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/banshee-data/cmdtlm/internal/packet"
)

// Error reports malformed operator text.
type Error struct {
	Text string
	Msg  string
}

func (e *Error) Error() string {
	if strings.TrimSpace(e.Text) == "" {
		return "ERROR: " + e.Msg
	}
	return fmt.Sprintf("ERROR: %s : %s", e.Msg, e.Text)
}

func errorf(text, format string, args ...any) *Error {
	return &Error{Text: text, Msg: fmt.Sprintf(format, args...)}
}

// Command is a command reference with its parameters.
type Command struct {
	Target string
	Name   string
	Params map[string]any
}

// Ref names one telemetry item.
type Ref struct {
	Target string
	Packet string
	Item   string
}

var (
	scanner   = regexp.MustCompile(`"(?:[^\\"]|\\.)*"|'(?:[^\\']|\\.)*'|\[(?:[^\\\[\]]|\\.)*\]|\S+`)
	withSplit = regexp.MustCompile(`(?i)\s+with(?:\s+|$)`)
)

// CmdFields parses command text. lookup resolves parameter types so that
// 0x values of STRING and BLOCK parameters become bytes; it may be nil,
// and a command missing from it is not an error.
func CmdFields(text string, lookup packet.Lookup) (Command, error) {
	if strings.TrimSpace(text) == "" {
		return Command{}, &Error{Text: text, Msg: "text must not be empty"}
	}

	head, tail, with := text, "", false
	if loc := withSplit.FindStringIndex(text); loc != nil {
		head, tail, with = text[:loc[0]], text[loc[1]:], true
	}
	if with && strings.TrimSpace(tail) == "" {
		return Command{}, errorf(text, "'with' must be followed by parameters")
	}

	names := strings.Fields(head)
	if len(names) < 2 {
		return Command{}, errorf(text, "Both Target Name and Command Name must be given")
	}
	if len(names) > 2 {
		return Command{}, errorf(text, "Only Target Name and Command Name must be given before 'with'")
	}
	cmd := Command{Target: names[0], Name: names[1], Params: map[string]any{}}

	var pkt *packet.Packet
	if lookup != nil {
		pkt, _ = lookup.LookupPacket(cmd.Target, cmd.Name, packet.Command)
	}

	if !with {
		return cmd, nil
	}

	var keyword, value string
	var haveKeyword, haveValue, comma bool
	for _, tok := range scanner.FindAllString(tail, -1) {
		if !haveKeyword {
			keyword, haveKeyword = tok, true
			continue
		}
		if !haveValue {
			if strings.HasSuffix(tok, ",") {
				value, haveValue, comma = tok[:len(tok)-1], true, true
			} else {
				value, haveValue = tok, true
				continue
			}
		}
		if !comma && tok != "," {
			return Command{}, errorf(text, "Missing comma in command parameters")
		}
		cmd.Params[keyword] = paramValue(keyword, value, pkt)
		haveKeyword, haveValue, comma = false, false, false
	}
	if haveKeyword {
		if !haveValue {
			return Command{}, errorf(text, "Missing value for last command parameter")
		}
		cmd.Params[keyword] = paramValue(keyword, value, pkt)
	}
	return cmd, nil
}

func paramValue(keyword, value string, pkt *packet.Packet) any {
	unquoted := RemoveQuotes(value)
	if unquoted != value {
		return unquoted
	}
	if pkt != nil {
		if item, ok := pkt.Item(keyword); ok && (item.DataType == packet.STRING || item.DataType == packet.BLOCK) {
			if b, ok := hexBytes(value); ok {
				return b
			}
		}
	}
	return ConvertToValue(value)
}

func hexBytes(s string) ([]byte, bool) {
	if len(s) < 2 || !strings.EqualFold(s[:2], "0x") {
		return nil, false
	}
	digits := s[2:]
	if len(digits)%2 == 1 {
		digits = "0" + digits
	}
	b, err := hex.DecodeString(digits)
	if err != nil {
		return nil, false
	}
	return b, true
}

// TlmFields parses "TGT PKT ITEM".
func TlmFields(text string) (Ref, error) {
	f := strings.Fields(text)
	if len(f) != 3 {
		return Ref{}, errorf(text, "Telemetry Item must be specified as 'TargetName PacketName ItemName'")
	}
	return Ref{Target: f[0], Packet: f[1], Item: f[2]}, nil
}

// SetTlmFields parses "TGT PKT ITEM = VALUE". Spacing around the first
// '=' is free; later '=' characters belong to the value, but the text
// between the first '=' and the next must not be blank, so "==" is
// rejected.
func SetTlmFields(text string) (Ref, any, error) {
	bad := errorf(text, "Set Telemetry Item must be specified as 'TargetName PacketName ItemName = Value'")
	head, raw, ok := strings.Cut(text, "=")
	first, _, _ := strings.Cut(raw, "=")
	raw = strings.TrimSpace(raw)
	if !ok || strings.TrimSpace(first) == "" {
		return Ref{}, nil, bad
	}
	f := strings.Fields(head)
	if len(f) != 3 {
		return Ref{}, nil, bad
	}
	value := ConvertToValue(raw)
	if s, ok := value.(string); ok {
		value = RemoveQuotes(s)
	}
	return Ref{Target: f[0], Packet: f[1], Item: f[2]}, value, nil
}

// CheckFields parses "TGT PKT ITEM [comparison]". The comparison is
// everything after the item, verbatim; it is empty when absent.
func CheckFields(text string) (Ref, string, error) {
	f := strings.Fields(text)
	if len(f) < 3 {
		return Ref{}, "", errorf(text, "Check improperly specified")
	}
	ref := Ref{Target: f[0], Packet: f[1], Item: f[2]}
	if len(f) == 3 {
		return ref, "", nil
	}

	parts := strings.Split(text, " ")
	for len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	idx := -1
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] == ref.Item {
			idx = i
			break
		}
	}
	var comparison string
	if idx < 0 {
		comparison = strings.Join(f[3:], " ")
	} else {
		comparison = strings.Join(parts[idx+1:], " ")
	}
	if f[3] == "=" {
		return Ref{}, "", errorf(text, "Use '==' instead of '='")
	}
	return ref, comparison, nil
}
