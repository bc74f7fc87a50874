package term

import (
	"strconv"

	"github.com/ptyhub/mcp-pty/internal/errdefs"
)

// rawCodeMax is the longest raw byte sequence accepted in place of a
// named control code.
const rawCodeMax = 4

// ControlCode is one entry of the accepted control-code set.
type ControlCode struct {
	Name        string `json:"name"`
	Sequence    string `json:"sequence"`
	Description string `json:"description"`
}

// controlCodes lists every accepted name in catalog order. Ctrl+A
// through Ctrl+Z are appended by init.
var controlCodes = []ControlCode{
	{Name: "Enter", Sequence: "\n", Description: "line feed"},
	{Name: "Return", Sequence: "\r", Description: "carriage return"},
	{Name: "Tab", Sequence: "\t", Description: "horizontal tab"},
	{Name: "Escape", Sequence: "\x1b", Description: "escape"},
	{Name: "Ctrl+[", Sequence: "\x1b", Description: "escape"},
	{Name: "Backspace", Sequence: "\x7f", Description: "delete previous character"},
	{Name: "ArrowUp", Sequence: "\x1b[A", Description: "cursor up"},
	{Name: "ArrowDown", Sequence: "\x1b[B", Description: "cursor down"},
	{Name: "ArrowRight", Sequence: "\x1b[C", Description: "cursor right"},
	{Name: "ArrowLeft", Sequence: "\x1b[D", Description: "cursor left"},
	{Name: "EOF", Sequence: "\x04", Description: "end of input, alias for Ctrl+D"},
	{Name: "Interrupt", Sequence: "\x03", Description: "interrupt, alias for Ctrl+C"},
}

var codeIndex = map[string]string{}

func init() {
	for c := 'A'; c <= 'Z'; c++ {
		controlCodes = append(controlCodes, ControlCode{
			Name:        "Ctrl+" + string(c),
			Sequence:    string(c - 'A' + 1),
			Description: "control character " + string(c),
		})
	}
	for _, cc := range controlCodes {
		codeIndex[cc.Name] = cc.Sequence
	}
}

// ResolveControlCode maps a named control code to its byte sequence.
// Unknown names pass through as raw bytes when they are at most four
// bytes long; anything longer is rejected.
func ResolveControlCode(code string) ([]byte, error) {
	if seq, ok := codeIndex[code]; ok {
		return []byte(seq), nil
	}
	if code == "" {
		return nil, errdefs.Validation("empty control code")
	}
	if len(code) > rawCodeMax {
		return nil, errdefs.Validation("unknown control code %q", code)
	}
	return []byte(code), nil
}

// ControlCodes returns the accepted named codes with their sequences in
// printable escape form, for example "\x1b[A" for ArrowUp.
func ControlCodes() []ControlCode {
	out := make([]ControlCode, len(controlCodes))
	for i, cc := range controlCodes {
		q := strconv.Quote(cc.Sequence)
		out[i] = ControlCode{Name: cc.Name, Sequence: q[1 : len(q)-1], Description: cc.Description}
	}
	return out
}
