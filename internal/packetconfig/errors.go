package packetconfig

import "fmt"

// CompileError reports a malformed definition line. It names the file and
// line number, the keyword being processed and the original text.
type CompileError struct {
	File    string
	Line    int
	Keyword string
	Text    string
	Msg     string
	Err     error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("%s:%d: %s\n  %s", e.File, e.Line, e.Msg, e.Text)
}

func (e *CompileError) Unwrap() error { return e.Err }

// CapabilityError reports a registered class whose products do not
// implement the interface the keyword requires.
type CapabilityError struct {
	Keyword    string
	Capability string
	Got        string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s must be a %s but is a %s", role(e.Keyword), e.Capability, e.Got)
}

func role(keyword string) string {
	switch keyword {
	case "LIMITS_RESPONSE":
		return "response"
	case "READ_CONVERSION":
		return "conversion"
	case "PROCESSOR":
		return "processor"
	default:
		return "class"
	}
}
