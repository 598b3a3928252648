package stomp

import "strconv"

// ProtocolListenerName is the reserved registry name under which the
// protocol registers its own listener on the transport.
const ProtocolListenerName = "protocol-listener"

// AckMode defines a subscription ack mode.
type AckMode string

const (
	// AutoMode defines STOMP 'auto' mode.
	AutoMode AckMode = "auto"

	// ClientMode defines STOMP 'client' mode.
	ClientMode AckMode = "client"
)

// protocolListener is the dispatcher the protocol registers on the
// transport. It is a distinct object, so the transport holds no reference
// to the protocol itself; extensions embed it to override connection event
// behavior.
type protocolListener struct {
	NoopListener
}

// Protocol is a stateless STOMP 1.0 encoder over a Transport. Each
// operation builds a command frame and transmits it; the only bookkeeping
// is the receipt registration that lets a DISCONNECT's RECEIPT drive the
// socket close.
type Protocol struct {
	transport         *Transport
	autoContentLength bool
	version           string
}

// NewProtocol wraps transport with a STOMP 1.0 encoder. The transport does
// not own the protocol; it only holds the protocol's listener under
// ProtocolListenerName.
func NewProtocol(transport *Transport, autoContentLength bool) *Protocol {
	p := &Protocol{
		transport:         transport,
		autoContentLength: autoContentLength,
		version:           SPL_10,
	}
	transport.SetListener(ProtocolListenerName, &protocolListener{})
	return p
}

// SendFrame transmits a frame with the given command, headers and body
// unchanged. The operation methods below start from the caller-supplied
// extra headers and then set their own keys, so those keys take precedence.
func (p *Protocol) SendFrame(command string, headers Headers, body []byte) error {
	return p.transport.Transmit(&Frame{Command: command, Headers: headers, Body: body})
}

// Connect sends a CONNECT frame. Empty login or passcode are omitted. When
// wait is true, Connect blocks until the server answers and returns
// ErrConnectFailed if the answer was an ERROR.
func (p *Protocol) Connect(login, passcode string, wait bool, extra ...string) error {
	headers := Headers(extra).Clone().Set(HK_ACCEPT_VERSION, p.version)
	if login != "" {
		headers = headers.Set(HK_LOGIN, login)
	}
	if passcode != "" {
		headers = headers.Set(HK_PASSCODE, passcode)
	}
	if err := p.SendFrame(CONNECT, headers, nil); err != nil {
		return err
	}
	if wait {
		p.transport.WaitForConnection(0)
		if p.transport.HasConnectError() {
			return ErrConnectFailed
		}
	}
	return nil
}

// Send sends a message body to a destination. An empty contentType is
// omitted. A content-length header is added automatically unless disabled
// or already supplied by the caller.
func (p *Protocol) Send(destination string, body []byte, contentType string, extra ...string) error {
	headers := Headers(extra).Clone()
	autoLength := p.autoContentLength
	if _, ok := headers.Contains(HK_CONTENT_LENGTH); ok {
		autoLength = false
	}
	headers = headers.Set(HK_DESTINATION, destination)
	if contentType != "" {
		headers = headers.Set(HK_CONTENT_TYPE, contentType)
	}
	if autoLength {
		headers = headers.Set(HK_CONTENT_LENGTH, strconv.Itoa(len(body)))
	}
	return p.SendFrame(SEND, headers, body)
}

// Subscribe registers interest in a destination. An empty id is omitted;
// an empty ack defaults to auto mode.
func (p *Protocol) Subscribe(destination, id string, ack AckMode, extra ...string) error {
	if ack == "" {
		ack = AutoMode
	}
	headers := Headers(extra).Clone().Set(HK_DESTINATION, destination)
	if id != "" {
		headers = headers.Set(HK_ID, id)
	}
	headers = headers.Set(HK_ACK, string(ack))
	return p.SendFrame(SUBSCRIBE, headers, nil)
}

// UnsubscribeDestination removes the subscription to a destination.
func (p *Protocol) UnsubscribeDestination(destination string, extra ...string) error {
	headers := Headers(extra).Clone().Set(HK_DESTINATION, destination)
	return p.SendFrame(UNSUBSCRIBE, headers, nil)
}

// UnsubscribeID removes the subscription with the given id.
func (p *Protocol) UnsubscribeID(id string, extra ...string) error {
	headers := Headers(extra).Clone().Set(HK_ID, id)
	return p.SendFrame(UNSUBSCRIBE, headers, nil)
}

// Ack acknowledges consumption of a message by id. Empty transaction and
// receipt are omitted.
func (p *Protocol) Ack(messageID, transaction, receipt string, extra ...string) error {
	headers := Headers(extra).Clone().Set(HK_MESSAGE_ID, messageID)
	if transaction != "" {
		headers = headers.Set(HK_TRANSACTION, transaction)
	}
	if receipt != "" {
		headers = headers.Set(HK_RECEIPT, receipt)
	}
	return p.SendFrame(ACK, headers, nil)
}

// Begin starts a transaction and returns its id, generating one if the
// caller passed the empty string.
func (p *Protocol) Begin(transaction string, extra ...string) (string, error) {
	if transaction == "" {
		transaction = newUUID()
	}
	headers := Headers(extra).Clone().Set(HK_TRANSACTION, transaction)
	if err := p.SendFrame(BEGIN, headers, nil); err != nil {
		return "", err
	}
	return transaction, nil
}

// Commit commits a transaction.
func (p *Protocol) Commit(transaction string, extra ...string) error {
	headers := Headers(extra).Clone().Set(HK_TRANSACTION, transaction)
	return p.SendFrame(COMMIT, headers, nil)
}

// Abort rolls back a transaction.
func (p *Protocol) Abort(transaction string, extra ...string) error {
	headers := Headers(extra).Clone().Set(HK_TRANSACTION, transaction)
	return p.SendFrame(ABORT, headers, nil)
}

// Disconnect sends a DISCONNECT frame carrying a receipt header, generated
// if absent. The receipt id is registered on the transport first, so the
// matching RECEIPT from the server drives the socket close.
func (p *Protocol) Disconnect(receipt string, extra ...string) error {
	if receipt == "" {
		receipt = newUUID()
	}
	headers := Headers(extra).Clone().Set(HK_RECEIPT, receipt)
	p.transport.SetReceipt(receipt, DISCONNECT)
	return p.SendFrame(DISCONNECT, headers, nil)
}
