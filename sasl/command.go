// Package sasl implements the SASL handshake that DBus peers perform
// before exchanging messages.
//
// The handshake is line based. The client sends a single NUL byte,
// then both sides exchange CRLF terminated commands until the client
// sends BEGIN, after which the stream carries DBus messages.
package sasl

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Verb is a SASL command name.
type Verb string

// Client to server commands.
const (
	Auth            Verb = "AUTH"
	Cancel          Verb = "CANCEL"
	Begin           Verb = "BEGIN"
	NegotiateUnixFD Verb = "NEGOTIATE_UNIX_FD"
)

// Server to client commands.
const (
	Rejected    Verb = "REJECTED"
	OK          Verb = "OK"
	AgreeUnixFD Verb = "AGREE_UNIX_FD"
)

// Commands sent in both directions.
const (
	Data  Verb = "DATA"
	Error Verb = "ERROR"
)

var knownVerbs = map[Verb]bool{
	Auth: true, Cancel: true, Begin: true, NegotiateUnixFD: true,
	Rejected: true, OK: true, AgreeUnixFD: true,
	Data: true, Error: true,
}

// maxLineLen bounds the length of a single command line.
const maxLineLen = 16 << 10

// ErrUnknownCommand is returned by [ParseCommand] for lines that do
// not start with a known verb.
var ErrUnknownCommand = errors.New("unknown SASL command")

// Command is a single SASL protocol line.
type Command struct {
	Verb Verb
	Args []string
}

// ParseCommand parses a command line. The trailing CRLF is optional.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	fs := strings.Fields(line)
	if len(fs) == 0 {
		return Command{}, fmt.Errorf("%w: empty line", ErrUnknownCommand)
	}
	v := Verb(fs[0])
	if !knownVerbs[v] {
		return Command{}, fmt.Errorf("%w %q", ErrUnknownCommand, fs[0])
	}
	return Command{Verb: v, Args: fs[1:]}, nil
}

// String returns the command line, without the CRLF terminator.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return string(c.Verb)
	}
	return string(c.Verb) + " " + strings.Join(c.Args, " ")
}

// Arg returns the i-th argument, or the empty string.
func (c Command) Arg(i int) string {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return ""
}

// HexArg decodes the i-th argument as hex. ok is false if the
// argument is missing.
func (c Command) HexArg(i int) (data []byte, ok bool, err error) {
	if i >= len(c.Args) {
		return nil, false, nil
	}
	data, err = hex.DecodeString(c.Args[i])
	if err != nil {
		return nil, true, fmt.Errorf("invalid hex data in %s: %w", c.Verb, err)
	}
	return data, true, nil
}

func cmd(v Verb, args ...string) Command {
	return Command{Verb: v, Args: args}
}

func dataCmd(v Verb, data []byte) Command {
	return cmd(v, hex.EncodeToString(data))
}

// conn reads and writes commands. It reads one byte at a time so
// that nothing past the end of the handshake is consumed from the
// underlying stream.
type conn struct {
	rw io.ReadWriter
	// onLine, if set, observes every line sent (out=true) and
	// received.
	onLine func(out bool, line string)
}

func (c *conn) write(cmd Command) error {
	line := cmd.String()
	if c.onLine != nil {
		c.onLine(true, line)
	}
	_, err := io.WriteString(c.rw, line+"\r\n")
	return err
}

func (c *conn) readLine() (string, error) {
	var (
		b   [1]byte
		ret []byte
	)
	for {
		if _, err := io.ReadFull(c.rw, b[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		switch b[0] {
		case '\n':
			if len(ret) == 0 || ret[len(ret)-1] != '\r' {
				return "", errors.New("SASL line not terminated by CRLF")
			}
			line := string(ret[:len(ret)-1])
			if c.onLine != nil {
				c.onLine(false, line)
			}
			return line, nil
		case 0:
			return "", errors.New("unexpected NUL byte in SASL line")
		default:
			if len(ret) >= maxLineLen {
				return "", errors.New("SASL line too long")
			}
			ret = append(ret, b[0])
		}
	}
}

// read reads the next command. Lines with unknown verbs are returned
// as errors wrapping ErrUnknownCommand, and the caller decides
// whether to answer them with ERROR.
func (c *conn) read() (Command, error) {
	line, err := c.readLine()
	if err != nil {
		return Command{}, err
	}
	return ParseCommand(line)
}
