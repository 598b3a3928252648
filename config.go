package stomp

import (
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// HostAndPort is a single broker endpoint. The transport tries each
// configured endpoint in declaration order on every connect attempt.
type HostAndPort struct {
	Host string
	Port uint16
}

// Addr returns the endpoint in host:port form.
func (hp HostAndPort) Addr() string {
	return net.JoinHostPort(hp.Host, strconv.Itoa(int(hp.Port)))
}

func (hp HostAndPort) String() string {
	return hp.Addr()
}

// Config is the transport configuration. Start from DefaultConfig and
// override fields as needed; the zero value is not usable.
type Config struct {
	// HostsAndPorts lists broker endpoints to try in order.
	HostsAndPorts []HostAndPort

	// Dial defines the dial function used for creating connections.
	// If Dial is nil, net.Dial is used. Callers wanting TLS wrap the
	// connection here.
	Dial func(network, addr string) (net.Conn, error)

	// AutoDecode controls whether inbound MESSAGE bodies are decoded to
	// UTF-8 text from Encoding.
	AutoDecode bool

	// Encoding is the IANA charset name used when AutoDecode is on.
	Encoding string

	// AutoContentLength controls whether SEND frames get an automatic
	// content-length header when the caller did not set one.
	AutoContentLength bool

	// Reconnect backoff tuning. Sleeps between failed connection rounds
	// grow geometrically by ReconnectSleepIncrease from
	// ReconnectSleepInitial up to ReconnectSleepMax, with multiplicative
	// jitter drawn uniformly from [0, ReconnectSleepJitter).
	ReconnectSleepInitial  time.Duration
	ReconnectSleepIncrease float64
	ReconnectSleepJitter   float64
	ReconnectSleepMax      time.Duration

	// ReconnectAttemptsMax bounds the number of socket open attempts per
	// Start. -1 means unbounded.
	ReconnectAttemptsMax int

	// RecvBufferSize is the capacity of the receive carryover buffer,
	// and so the largest inbound frame the transport accepts.
	RecvBufferSize int

	// Logger receives transport diagnostics. If nil, the logrus standard
	// logger is used.
	Logger *logrus.Logger
}

// DefaultConfig returns the default configuration: a single endpoint at
// localhost:61613, UTF-8 body decoding, automatic content-length, and three
// connection attempts starting at a 100ms backoff.
func DefaultConfig() *Config {
	return &Config{
		HostsAndPorts:          []HostAndPort{{Host: "localhost", Port: 61613}},
		AutoDecode:             true,
		Encoding:               "utf8",
		AutoContentLength:      true,
		ReconnectSleepInitial:  100 * time.Millisecond,
		ReconnectSleepIncrease: 0.5,
		ReconnectSleepJitter:   0.1,
		ReconnectSleepMax:      60 * time.Second,
		ReconnectAttemptsMax:   3,
		RecvBufferSize:         4096,
	}
}
