package resp

import (
	"bytes"
	"fmt"
)

// Command is a single parsed command frame: its upper-cased name, its
// argument list (raw bytes, may contain arbitrary binary including CRLF),
// and the number of bytes the frame occupied in the source buffer.
type Command struct {
	Name   string
	Args   [][]byte
	Length int
}

// ParseFrames consumes buf and returns every complete command found in it.
// Parsing stops at the first malformed frame or the first incomplete
// (not-yet-fully-arrived) frame; in the former case it returns the error
// from that frame, in the latter it returns the commands parsed so far with
// a nil error — the caller is expected to retain the unconsumed remainder
// of buf (past the sum of each Command's Length) and retry once more bytes
// arrive.
func ParseFrames(buf []byte) ([]Command, error) {
	var cmds []Command
	offset := 0
	for offset < len(buf) {
		cmd, n, err := parseOne(buf[offset:])
		if err != nil {
			return cmds, err
		}
		if n == 0 {
			// Frame not fully buffered yet; wait for more bytes.
			break
		}
		cmd.Length = n
		cmds = append(cmds, cmd)
		offset += n
	}
	return cmds, nil
}

// parseOne parses a single top-level "*N\r\n..." command frame from the
// front of buf. It returns (cmd, bytesConsumed, err). bytesConsumed == 0
// with a nil error means buf does not yet hold a complete frame.
func parseOne(buf []byte) (Command, int, error) {
	if len(buf) == 0 {
		return Command{}, 0, nil
	}
	if buf[0] != '*' {
		return Command{}, 0, fmt.Errorf("resp: expected '*' at start of command, got %q", buf[0])
	}

	line, lineLen, ok := readCRLFLine(buf)
	if !ok {
		return Command{}, 0, nil
	}
	count, err := parseInt(line[1:])
	if err != nil {
		return Command{}, 0, fmt.Errorf("resp: invalid array count %q: %w", line[1:], err)
	}
	if count < 0 {
		return Command{}, 0, fmt.Errorf("resp: negative array count %d in command frame", count)
	}

	pos := lineLen
	args := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if pos >= len(buf) {
			return Command{}, 0, nil
		}
		elem, n, err := parseElement(buf[pos:])
		if err != nil {
			return Command{}, 0, err
		}
		if n == 0 {
			return Command{}, 0, nil
		}
		args = append(args, elem)
		pos += n
	}

	if len(args) == 0 {
		return Command{}, 0, fmt.Errorf("resp: empty command array")
	}

	return Command{
		Name: upperASCII(string(args[0])),
		Args: args[1:],
	}, pos, nil
}

// parseElement parses one array element: a bulk string ($L\r\n<L
// bytes>\r\n) or a simple string (+<text>\r\n). Any other leading sigil is
// a parse error.
func parseElement(buf []byte) ([]byte, int, error) {
	if len(buf) == 0 {
		return nil, 0, nil
	}
	switch buf[0] {
	case '$':
		line, lineLen, ok := readCRLFLine(buf)
		if !ok {
			return nil, 0, nil
		}
		size, err := parseInt(line[1:])
		if err != nil {
			return nil, 0, fmt.Errorf("resp: invalid bulk length %q: %w", line[1:], err)
		}
		if size < 0 {
			return nil, 0, fmt.Errorf("resp: negative bulk length %d", size)
		}
		need := lineLen + size + 2
		if len(buf) < need {
			return nil, 0, nil
		}
		if buf[lineLen+size] != '\r' || buf[lineLen+size+1] != '\n' {
			return nil, 0, fmt.Errorf("resp: bulk string missing trailing CRLF")
		}
		payload := make([]byte, size)
		copy(payload, buf[lineLen:lineLen+size])
		return payload, need, nil
	case '+':
		line, lineLen, ok := readCRLFLine(buf)
		if !ok {
			return nil, 0, nil
		}
		return []byte(line[1:]), lineLen, nil
	default:
		return nil, 0, fmt.Errorf("resp: unexpected element sigil %q", buf[0])
	}
}

// readCRLFLine returns the line up to but excluding "\r\n" along with the
// total byte length including the terminator. ok is false if no CRLF is
// present yet in buf.
func readCRLFLine(buf []byte) (string, int, bool) {
	idx := bytes.Index(buf, []byte("\r\n"))
	if idx < 0 {
		return "", 0, false
	}
	return string(buf[:idx]), idx + 2, true
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("empty integer")
	}
	neg := false
	i := 0
	if s[0] == '-' {
		neg = true
		i = 1
	}
	if i >= len(s) {
		return 0, fmt.Errorf("no digits")
	}
	n := 0
	for ; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("non-digit %q", c)
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

func upperASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}
