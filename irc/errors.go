package irc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrIncompleteLine is returned by Parse for input not terminated by CR LF.
	// The receive loop drops such reads without logging them as malformed.
	ErrIncompleteLine = errors.New("irc: line not terminated by CRLF")

	// ErrMalformed is wrapped by every *ParseError.
	ErrMalformed = errors.New("irc: malformed message")

	// ErrNotConnected is returned by outbound primitives when no transport is open.
	ErrNotConnected = errors.New("irc: not connected")

	// ErrInvalidLine is returned for outbound lines that would break framing.
	ErrInvalidLine = errors.New("irc: outbound line contains CR, LF or NUL")
)

// ParseError describes where a line stopped matching the message grammar.
type ParseError struct {
	Line   string
	Pos    int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("irc: malformed message at offset %d: %s", e.Pos, e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrMalformed }

// IsExpectedClose reports whether err is an ordinary end of a session: EOF,
// a locally closed connection or pipe, a reset or a broken pipe. Keepalive
// timeouts and RECONNECT requests surface as one of these because they close
// the transport underneath the reader.
func IsExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
