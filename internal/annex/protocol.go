package annex

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// errChannel marks failures of the channel itself. They end the session.
var errChannel = errors.New("git-annex channel failed")

// ParentError is an ERROR line sent by git-annex. It ends the session.
type ParentError struct {
	Message string
}

func (e *ParentError) Error() string {
	return "git-annex reported an error: " + e.Message
}

// Conn is the line based channel to git-annex. Every write is flushed at once
// so that a response is out before the next request is read.
type Conn struct {
	r *bufio.Reader
	w *bufio.Writer
}

func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{r: bufio.NewReader(r), w: bufio.NewWriter(w)}
}

// Send writes one line made of the given words.
func (c *Conn) Send(words ...string) error {
	line := strings.Join(words, " ")
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("%w: line breaks in %q", errChannel, line)
	}
	if _, err := c.w.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("%w: could not write: %w", errChannel, err)
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("%w: could not write: %w", errChannel, err)
	}
	return nil
}

// Receive reads the next line. io.EOF means git-annex closed the channel.
func (c *Conn) Receive() (string, error) {
	line, err := c.r.ReadString('\n')
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		if line == "" {
			return "", io.EOF
		}
	default:
		return "", fmt.Errorf("%w: could not read: %w", errChannel, err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Query sends a request that git-annex answers with a single VALUE line and
// returns the value.
func (c *Conn) Query(words ...string) (string, error) {
	if err := c.Send(words...); err != nil {
		return "", err
	}
	return c.value(words[0])
}

// QueryList sends a request that git-annex answers with VALUE lines ended by
// an empty VALUE.
func (c *Conn) QueryList(words ...string) ([]string, error) {
	if err := c.Send(words...); err != nil {
		return nil, err
	}
	var values []string
	for {
		v, err := c.value(words[0])
		if err != nil {
			return nil, err
		}
		if v == "" {
			return values, nil
		}
		values = append(values, v)
	}
}

func (c *Conn) value(query string) (string, error) {
	line, err := c.Receive()
	if err != nil {
		return "", err
	}
	verb, rest := splitVerb(line)
	switch verb {
	case "VALUE":
		return rest, nil
	case "ERROR":
		return "", &ParentError{Message: rest}
	}
	return "", fmt.Errorf("%w: unexpected answer to %s: '%s'", errChannel, query, line)
}

// ending reports whether err means git-annex can no longer be talked to.
func ending(err error) bool {
	var pe *ParentError
	return errors.As(err, &pe) || errors.Is(err, errChannel) || errors.Is(err, io.EOF)
}

func splitVerb(line string) (verb, rest string) {
	verb, rest, _ = strings.Cut(line, " ")
	return verb, rest
}

// splitArgs splits s into exactly n space separated fields. The last field
// keeps its spaces.
func splitArgs(s string, n int) ([]string, bool) {
	if s == "" {
		return nil, false
	}
	args := strings.SplitN(s, " ", n)
	return args, len(args) == n
}

// oneLine makes an error message safe to send as part of a response.
func oneLine(err error) string {
	msg := strings.Join(strings.Fields(err.Error()), " ")
	if msg == "" {
		return "unknown error"
	}
	return msg
}
