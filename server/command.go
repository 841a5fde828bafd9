package server

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// MaxCommandLength is the maximum length of a command line.
const MaxCommandLength = 4096

var (
	errEmptyCommand = errors.New("empty command line")
	errCommandLong  = errors.New("command too long")
)

// Command is one parsed control line.
type Command struct {
	// Verb is the upper-cased first token.
	Verb string

	// Argument is everything after the first run of whitespace,
	// preserved verbatim.
	Argument string
}

func (c Command) String() string {
	if c.Argument == "" {
		return c.Verb
	}
	return c.Verb + " " + c.Argument
}

// ParseCommand splits a control line into verb and argument.
// The trailing CRLF is ignored. A line without a verb is an error.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	line = strings.TrimLeftFunc(line, unicode.IsSpace)
	if line == "" {
		return Command{}, errEmptyCommand
	}

	verb, arg := line, ""
	if i := strings.IndexFunc(line, unicode.IsSpace); i >= 0 {
		verb = line[:i]
		arg = strings.TrimLeftFunc(line[i:], unicode.IsSpace)
	}
	return Command{Verb: strings.ToUpper(verb), Argument: arg}, nil
}

// splitVerb splits an extension argument such as "BLST control" into its
// upper-cased sub-verb and the remaining argument.
func splitVerb(arg string) (string, string) {
	c, err := ParseCommand(arg)
	if err != nil {
		return "", ""
	}
	return c.Verb, c.Argument
}

// Response is a reply to a command. A response with several lines is
// written as a multi-line reply: every line but the last is prefixed with
// "code-", except continuation lines that start with a space, and the last
// line with "code ".
type Response struct {
	Code  int
	Lines []string
}

// NewResponse returns a response with the given code and text lines.
func NewResponse(code int, lines ...string) *Response {
	return &Response{Code: code, Lines: lines}
}

// reply is shorthand for a single-line response built with fmt.Sprintf.
func reply(code int, format string, args ...any) *Response {
	if len(args) > 0 {
		format = fmt.Sprintf(format, args...)
	}
	return &Response{Code: code, Lines: []string{format}}
}

// Positive reports whether the code is a 1xx, 2xx or 3xx reply.
func (r *Response) Positive() bool {
	return r.Code < 400
}

// String renders the response in wire format.
func (r *Response) String() string {
	var b strings.Builder
	lines := r.Lines
	if len(lines) == 0 {
		lines = []string{""}
	}
	last := len(lines) - 1
	for i, line := range lines[:last] {
		if i > 0 && strings.HasPrefix(line, " ") {
			b.WriteString(line)
		} else {
			fmt.Fprintf(&b, "%03d-%s", r.Code, line)
		}
		b.WriteString("\r\n")
	}
	fmt.Fprintf(&b, "%03d %s\r\n", r.Code, lines[last])
	return b.String()
}
