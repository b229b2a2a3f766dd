package katcp

import (
	"fmt"
)

// escapeLookup maps an escape continuation byte to the literal byte it
// represents. Mirrors original_source/katcp/katcp.py Message.ESCAPE_LOOKUP.
var escapeLookup = map[byte]byte{
	'\\': '\\',
	' ':  ' ',
	'0':  0x00,
	'n':  '\n',
	'r':  '\r',
	'e':  0x1b,
	't':  '\t',
}

// reverseEscapeLookup maps a literal byte needing escaping to its
// continuation character.
var reverseEscapeLookup = map[byte]byte{
	'\\': '\\',
	' ':  ' ',
	0x00: '0',
	'\n': 'n',
	'\r': 'r',
	0x1b: 'e',
	'\t': 't',
}

// isSpecial reports whether b is one of the bytes that may never appear
// literally in an argument -- they must either be escaped or act as a
// separator.
func isSpecial(b byte) bool {
	switch b {
	case ' ', '\t', 0x1b, '\n', '\r', '\\', 0x00:
		return true
	default:
		return false
	}
}

func needsEscape(b byte) bool {
	_, ok := reverseEscapeLookup[b]
	return ok
}

// Encode serializes m into its wire form, including the trailing LF.
func (m Message) Encode() []byte {
	buf := make([]byte, 0, 32)
	buf = append(buf, m.Type.Symbol())
	buf = append(buf, m.Name...)
	if m.MID != "" {
		buf = append(buf, '[')
		buf = append(buf, m.MID...)
		buf = append(buf, ']')
	}
	for _, arg := range m.Arguments {
		buf = append(buf, ' ')
		buf = appendEscaped(buf, arg)
	}
	buf = append(buf, '\n')
	return buf
}

func appendEscaped(buf []byte, arg []byte) []byte {
	for _, b := range arg {
		if needsEscape(b) {
			buf = append(buf, '\\', reverseEscapeLookup[b])
		} else {
			buf = append(buf, b)
		}
	}
	return buf
}

// SyntaxError reports a malformed inbound line. It carries the offending
// line so callers (typically the connection engine's logger) can report
// it without re-deriving context.
type SyntaxError struct {
	Line   []byte
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("katcp: syntax error: %s (line: %q)", e.Reason, e.Line)
}

func syntaxErrorf(line []byte, format string, args ...any) error {
	return &SyntaxError{Line: append([]byte(nil), line...), Reason: fmt.Sprintf(format, args...)}
}

func isAlpha(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func isNameByte(b byte) bool {
	return isAlpha(b) || isDigit(b) || b == '-'
}

func validName(name []byte) bool {
	if len(name) == 0 || !isAlpha(name[0]) {
		return false
	}
	for _, b := range name[1:] {
		if !isNameByte(b) {
			return false
		}
	}
	return true
}

// Parse parses a single line (with any trailing LF/CR already stripped by
// the caller -- see conn.go's framer) into a Message.
//
// Grammar: TYPE NAME([MID])? (WS ARGUMENT)*. The "[MID]" token, when
// present, is attached directly to NAME with no separating space (e.g.
// "?halt[7]", "!halt[7] ok"). An empty line is a syntax error, as is
// anything that does not begin with one of ?!#.
func Parse(line []byte) (Message, error) {
	if len(line) == 0 {
		return Message{}, syntaxErrorf(line, "empty line")
	}

	typ, ok := typeForSymbol(line[0])
	if !ok {
		return Message{}, syntaxErrorf(line, "bad type character %q", line[0])
	}

	rest := line[1:]
	sp := indexByte(rest, ' ')
	var nameField, tail []byte
	hasTail := false
	if sp < 0 {
		nameField = rest
	} else {
		nameField = rest[:sp]
		tail = rest[sp+1:]
		hasTail = true
	}

	if len(nameField) == 0 {
		return Message{}, syntaxErrorf(line, "missing command name")
	}

	name := nameField
	var mid string

	if idx := indexByte(nameField, '['); idx >= 0 {
		if nameField[len(nameField)-1] != ']' {
			return Message{}, syntaxErrorf(line, "malformed message id suffix")
		}
		mid = string(nameField[idx+1 : len(nameField)-1])
		if mid == "" || !allDigits(mid) {
			return Message{}, syntaxErrorf(line, "invalid message id %q", mid)
		}
		name = nameField[:idx]
	}

	if !validName(name) {
		return Message{}, syntaxErrorf(line, "invalid command name %q", name)
	}

	msg := Message{Type: typ, Name: string(name), MID: mid}

	if hasTail {
		args, err := parseArguments(line, tail)
		if err != nil {
			return Message{}, err
		}
		msg.Arguments = args
	}

	return msg, nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// parseArguments walks the argument tail of a line, splitting on
// unescaped spaces and resolving escape sequences. A trailing empty
// argument (a line ending in a space) is preserved, per spec.md section
// 4.1 step 3.
func parseArguments(line, tail []byte) ([][]byte, error) {
	args := make([][]byte, 0, 4)
	cur := make([]byte, 0, len(tail))

	i := 0
	for i < len(tail) {
		b := tail[i]
		switch {
		case b == '\\':
			if i+1 >= len(tail) {
				return nil, syntaxErrorf(line, "trailing backslash")
			}
			esc, ok := escapeLookup[tail[i+1]]
			if !ok {
				return nil, syntaxErrorf(line, "invalid escape character %q", tail[i+1])
			}
			cur = append(cur, esc)
			i += 2
		case b == ' ':
			args = append(args, cur)
			cur = make([]byte, 0, len(tail)-i)
			i++
		case isSpecial(b):
			return nil, syntaxErrorf(line, "unescaped special byte %q", b)
		default:
			cur = append(cur, b)
			i++
		}
	}
	args = append(args, cur)
	return args, nil
}
