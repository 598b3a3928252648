package stomp

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

const (

	// Client generated commands.
	CONNECT     = "CONNECT"
	SEND        = "SEND"
	SUBSCRIBE   = "SUBSCRIBE"
	UNSUBSCRIBE = "UNSUBSCRIBE"
	ACK         = "ACK"
	BEGIN       = "BEGIN"
	COMMIT      = "COMMIT"
	ABORT       = "ABORT"
	DISCONNECT  = "DISCONNECT"

	// Server generated commands.
	CONNECTED = "CONNECTED"
	MESSAGE   = "MESSAGE"
	RECEIPT   = "RECEIPT"
	ERROR     = "ERROR"

	// Internal pseudo commands, dispatched to listeners for connection
	// lifecycle events. These never appear on the wire.
	CONNECTING              = "CONNECTING"
	DISCONNECTED            = "DISCONNECTED"
	BEFORE_MESSAGE          = "BEFORE_MESSAGE"
	HEARTBEAT               = "HEARTBEAT"
	HEARTBEAT_TIMEOUT       = "HEARTBEAT_TIMEOUT"
	RECEIVER_LOOP_COMPLETED = "RECEIVER_LOOP_COMPLETED"

	// Supported STOMP protocol version.
	SPL_10 = "1.0"
)

// Header keys used by this package.
const (
	HK_ACCEPT_VERSION = "accept-version"
	HK_ACK            = "ack"
	HK_CONTENT_LENGTH = "content-length"
	HK_CONTENT_TYPE   = "content-type"
	HK_DESTINATION    = "destination"
	HK_ID             = "id"
	HK_LOGIN          = "login"
	HK_MESSAGE        = "message"
	HK_MESSAGE_ID     = "message-id"
	HK_PASSCODE       = "passcode"
	HK_RECEIPT        = "receipt"
	HK_RECEIPT_ID     = "receipt-id"
	HK_SUBSCRIPTION   = "subscription"
	HK_TRANSACTION    = "transaction"
)

/*
	Headers are a slice of string, with key values at even numbered
	indices and values at odd numbered indices. The slice keeps the order
	headers were added, which is the order they are written to the wire.
	When a key occurs more than once, the first occurrence wins on lookup.
*/
type Headers []string

// Contains returns the value of the first occurrence of key, and whether
// the key was present at all.
func (h Headers) Contains(key string) (string, bool) {
	for i := 0; i+1 < len(h); i += 2 {
		if h[i] == key {
			return h[i+1], true
		}
	}
	return "", false
}

// Value returns the value of the first occurrence of key, or the empty
// string if key is not present.
func (h Headers) Value(key string) string {
	v, _ := h.Contains(key)
	return v
}

// Add appends a key/value pair without checking for duplicates.
func (h Headers) Add(key, value string) Headers {
	return append(h, key, value)
}

// Set replaces the value of the first occurrence of key, appending the
// pair if key is not present.
func (h Headers) Set(key, value string) Headers {
	for i := 0; i+1 < len(h); i += 2 {
		if h[i] == key {
			h[i+1] = value
			return h
		}
	}
	return append(h, key, value)
}

// Del removes every occurrence of key.
func (h Headers) Del(key string) Headers {
	out := h[:0]
	for i := 0; i+1 < len(h); i += 2 {
		if h[i] != key {
			out = append(out, h[i], h[i+1])
		}
	}
	return out
}

// Clone returns an independent copy of the headers.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// Frame is a single STOMP frame: a command, a collection of headers and an
// opaque body. Frames are built either by the protocol layer (outbound) or
// by the transport's framer (inbound).
type Frame struct {
	Command string
	Headers Headers
	Body    []byte
}

// NewFrame creates a frame with the specified command and headers. The
// headers should contain an even number of entries, alternating keys and
// values.
func NewFrame(command string, headers ...string) *Frame {
	return &Frame{
		Command: command,
		Headers: Headers(headers).Clone(),
	}
}

// Serialize renders the frame in wire form: the command line, one line per
// header in order, a blank line and the body. The terminating NUL is
// appended by the transport, not here.
func (f *Frame) Serialize() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s\n", f.Command)
	for i := 0; i+1 < len(f.Headers); i += 2 {
		fmt.Fprintf(&buf, "%s:%s\n", f.Headers[i], f.Headers[i+1])
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	return buf.Bytes()
}

func (f *Frame) String() string {
	return fmt.Sprintf("Frame(%s, %d headers, %d byte body)", f.Command, len(f.Headers)/2, len(f.Body))
}

// ParseFrame decodes a single frame from data, which must hold exactly one
// frame image without its terminating NUL. Header lines split on the first
// ':' only, so values keep any further colons.
func ParseFrame(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, errors.Wrap(ErrMalformedFrame, "empty frame")
	}

	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		return nil, errors.Wrap(ErrMalformedFrame, "no header separator")
	}
	command := strings.TrimRight(string(data[:nl]), "\r")
	rest := data[nl+1:]

	f := &Frame{Command: command}
	for {
		nl = bytes.IndexByte(rest, '\n')
		if nl < 0 {
			return nil, errors.Wrap(ErrMalformedFrame, "no header separator")
		}
		line := strings.TrimRight(string(rest[:nl]), "\r")
		rest = rest[nl+1:]
		if line == "" {
			break
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return nil, errors.Wrapf(ErrMalformedFrame, "header line %q has no colon", line)
		}
		f.Headers = f.Headers.Add(line[:colon], line[colon+1:])
	}

	if len(rest) > 0 {
		f.Body = make([]byte, len(rest))
		copy(f.Body, rest)
	}
	return f, nil
}
