package server

import (
	"bufio"
	"io"
)

const (
	// telnetIAC is Interpret As Command
	telnetIAC = 0xFF
	// telnetWILL negotiation command
	telnetWILL = 0xFB
	// telnetWONT negotiation command
	telnetWONT = 0xFC
	// telnetDO negotiation command
	telnetDO = 0xFD
	// telnetDONT negotiation command
	telnetDONT = 0xFE
)

// telnetReader reads control lines, dropping Telnet command sequences.
// Clients send "IAC IP IAC DM" ahead of ABOR; after filtering only the
// command text remains.
type telnetReader struct {
	r *bufio.Reader
}

func newTelnetReader(r io.Reader) *telnetReader {
	return &telnetReader{r: bufio.NewReader(r)}
}

// ReadLine returns the next line without its line terminator. A line
// longer than limit bytes is consumed up to its terminator and reported as
// errCommandLong.
func (t *telnetReader) ReadLine(limit int) ([]byte, error) {
	var line []byte
	overflow := false
	for {
		b, err := t.r.ReadByte()
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return line, err
		}

		if b == telnetIAC {
			next, err := t.r.ReadByte()
			if err != nil {
				return line, err
			}
			switch next {
			case telnetIAC:
				// Escaped 0xFF is data.
			case telnetWILL, telnetWONT, telnetDO, telnetDONT:
				if _, err := t.r.ReadByte(); err != nil {
					return line, err
				}
				continue
			default:
				continue
			}
		}

		if b == '\n' {
			if overflow {
				return nil, errCommandLong
			}
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
			return line, nil
		}
		if overflow {
			continue
		}
		if len(line) > limit {
			overflow = true
			line = nil
			continue
		}
		line = append(line, b)
	}
}
