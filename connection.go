package stomp

// Connection ties a Transport and a Protocol into the client-facing
// object: transport lifecycle plus the STOMP 1.0 command surface.
type Connection struct {
	transport *Transport
	protocol  *Protocol
}

// NewConnection creates an unconnected client from cfg. A nil cfg means
// DefaultConfig.
func NewConnection(cfg *Config) (*Connection, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	transport, err := NewTransport(cfg)
	if err != nil {
		return nil, err
	}
	return &Connection{
		transport: transport,
		protocol:  NewProtocol(transport, cfg.AutoContentLength),
	}, nil
}

// Transport returns the underlying transport.
func (c *Connection) Transport() *Transport { return c.transport }

// Protocol returns the underlying STOMP encoder.
func (c *Connection) Protocol() *Protocol { return c.protocol }

// SetListener registers a named listener. Listeners should be registered
// before Connect.
func (c *Connection) SetListener(name string, listener Listener) {
	c.transport.SetListener(name, listener)
}

// RemoveListener removes the named listener.
func (c *Connection) RemoveListener(name string) {
	c.transport.RemoveListener(name)
}

// GetListener returns the named listener, or nil.
func (c *Connection) GetListener(name string) Listener {
	return c.transport.GetListener(name)
}

// IsConnected reports whether a STOMP session is established.
func (c *Connection) IsConnected() bool { return c.transport.IsConnected() }

// SetReceipt records what a pending receipt id is for.
func (c *Connection) SetReceipt(receiptID, value string) {
	c.transport.SetReceipt(receiptID, value)
}

// Connect starts the transport and performs the STOMP handshake, blocking
// until the server answers. Empty login and passcode are omitted from the
// CONNECT frame.
func (c *Connection) Connect(login, passcode string) error {
	if err := c.transport.Start(); err != nil {
		return err
	}
	if err := c.protocol.Connect(login, passcode, true); err != nil {
		c.transport.Stop()
		return err
	}
	return nil
}

// Disconnect sends a DISCONNECT frame carrying a receipt, then stops the
// transport: Stop closes the socket and joins the receiver goroutine. It
// does not wait for the server's RECEIPT; one that arrives before Stop
// closes the socket is processed as usual.
func (c *Connection) Disconnect() error {
	err := c.protocol.Disconnect("")
	c.transport.Stop()
	return err
}

// Send sends body to a destination.
func (c *Connection) Send(destination string, body []byte, contentType string, extra ...string) error {
	return c.protocol.Send(destination, body, contentType, extra...)
}

// Subscribe registers interest in a destination and returns the
// subscription id, generating one if id is empty.
func (c *Connection) Subscribe(destination, id string, ack AckMode, extra ...string) (string, error) {
	if id == "" {
		id = newUUID()
	}
	if err := c.protocol.Subscribe(destination, id, ack, extra...); err != nil {
		return "", err
	}
	return id, nil
}

// UnsubscribeDestination removes the subscription to a destination.
func (c *Connection) UnsubscribeDestination(destination string, extra ...string) error {
	return c.protocol.UnsubscribeDestination(destination, extra...)
}

// UnsubscribeID removes the subscription with the given id.
func (c *Connection) UnsubscribeID(id string, extra ...string) error {
	return c.protocol.UnsubscribeID(id, extra...)
}

// Ack acknowledges consumption of a message by id.
func (c *Connection) Ack(messageID string, extra ...string) error {
	return c.protocol.Ack(messageID, "", "", extra...)
}

// Begin starts a transaction.
func (c *Connection) Begin() (*Tx, error) {
	id, err := c.protocol.Begin("")
	if err != nil {
		return nil, err
	}
	return &Tx{id: id, protocol: c.protocol}, nil
}
