package stomp

import "github.com/pkg/errors"

var (
	// ErrConnectFailed is returned when every connection attempt has been
	// exhausted, or when a waited-for CONNECT is answered with an ERROR.
	ErrConnectFailed = errors.New("stomp: connect failed")

	// ErrNotConnected is returned by Transmit when no socket is bound.
	ErrNotConnected = errors.New("stomp: not connected")

	// ErrMalformedFrame indicates an inbound frame the parser rejected.
	// The receiver reports it to listeners and keeps running; the stream
	// may resynchronize at the next NUL.
	ErrMalformedFrame = errors.New("stomp: malformed frame")

	// ErrFrameTooLarge indicates an inbound frame that would overflow the
	// receive buffer. The session is terminated.
	ErrFrameTooLarge = errors.New("stomp: frame exceeds receive buffer")

	// ErrTxDone is returned when a completed transaction is used after a
	// commit or abort.
	ErrTxDone = errors.New("stomp: transaction has already been committed or aborted")
)
