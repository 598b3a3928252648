package stomp

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
)

// Transport owns the connection to the broker: the socket, the receiver
// goroutine draining it, the reconnect policy and the receipt table. It
// carries no knowledge of STOMP commands beyond the frame types that drive
// its own state; the Protocol layer builds command frames and hands them to
// Transmit.
//
// Listener callbacks run inline on the receiver goroutine and must not
// block on this transport.
type Transport struct {
	*listenerRegistry

	hostsAndPorts []HostAndPort
	dial          func(network, addr string) (net.Conn, error)
	decoder       *encoding.Decoder
	log           *logrus.Entry

	reconnectSleepInitial  time.Duration
	reconnectSleepIncrease float64
	reconnectSleepJitter   float64
	reconnectSleepMax      time.Duration
	reconnectAttemptsMax   int

	mu                   sync.Mutex
	connCond             *sync.Cond
	running              bool
	connected            bool
	connectionError      bool
	notifiedOnDisconnect bool
	currentHostAndPort   *HostAndPort
	disconnectReceipt    string
	receipts             map[string]string
	conn                 net.Conn

	// writeMu serializes socket writes against the socket teardown.
	writeMu sync.Mutex

	wg  sync.WaitGroup
	rnd *rand.Rand

	// Receive carryover buffer. Bytes [0, bufEnd) are the prefix of a
	// frame whose terminating NUL has not yet arrived. Only the receiver
	// goroutine touches it.
	buf    []byte
	bufEnd int
}

var _ Publisher = (*Transport)(nil)

// NewTransport creates an idle transport from cfg. A nil cfg means
// DefaultConfig. The returned transport does nothing until Start is called.
func NewTransport(cfg *Config) (*Transport, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	hps := cfg.HostsAndPorts
	if len(hps) == 0 {
		hps = DefaultConfig().HostsAndPorts
	}
	dial := cfg.Dial
	if dial == nil {
		dial = net.Dial
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	size := cfg.RecvBufferSize
	if size <= 0 {
		size = DefaultConfig().RecvBufferSize
	}

	var decoder *encoding.Decoder
	if cfg.AutoDecode {
		var err error
		decoder, err = newBodyDecoder(cfg.Encoding)
		if err != nil {
			return nil, err
		}
	}

	t := &Transport{
		listenerRegistry:       newListenerRegistry(),
		hostsAndPorts:          append([]HostAndPort(nil), hps...),
		dial:                   dial,
		decoder:                decoder,
		log:                    logger.WithField("component", "stomp.transport"),
		reconnectSleepInitial:  cfg.ReconnectSleepInitial,
		reconnectSleepIncrease: cfg.ReconnectSleepIncrease,
		reconnectSleepJitter:   cfg.ReconnectSleepJitter,
		reconnectSleepMax:      cfg.ReconnectSleepMax,
		reconnectAttemptsMax:   cfg.ReconnectAttemptsMax,
		receipts:               make(map[string]string),
		rnd:                    rand.New(rand.NewSource(time.Now().UnixNano())),
		buf:                    make([]byte, size),
	}
	t.connCond = sync.NewCond(&t.mu)
	return t, nil
}

func newBodyDecoder(name string) (*encoding.Decoder, error) {
	switch strings.ToLower(name) {
	case "", "utf8", "utf-8":
		return unicode.UTF8.NewDecoder(), nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, errors.Wrapf(err, "stomp: unknown encoding %q", name)
	}
	if enc == nil {
		return nil, errors.Errorf("stomp: unsupported encoding %q", name)
	}
	return enc.NewDecoder(), nil
}

// Start attempts a connection and spawns the receiver goroutine. This
// should be called after all listeners have been registered; no frames are
// received before it. Start on a running transport is a no-op.
func (t *Transport) Start() error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = true
	t.notifiedOnDisconnect = false
	t.mu.Unlock()

	if err := t.attemptConnection(); err != nil {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		return err
	}

	t.wg.Add(1)
	go t.receiverLoop()
	t.notify(NewFrame(CONNECTING))
	return nil
}

// Stop performs a clean shutdown: it ends the receiver loop by closing the
// socket and waits for it to exit. Stop is idempotent and safe to call
// after a failed Start.
func (t *Transport) Stop() {
	t.mu.Lock()
	t.running = false
	conn := t.conn
	t.conn = nil
	t.currentHostAndPort = nil
	t.mu.Unlock()

	if conn != nil {
		t.writeMu.Lock()
		_ = conn.Close()
		t.writeMu.Unlock()
	}
	t.wg.Wait()
}

// IsConnected reports whether a socket is bound and a CONNECTED frame has
// been received without a subsequent disconnect event.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && t.connected
}

// HasConnectError reports whether an ERROR frame arrived while the
// connection was not yet established.
func (t *Transport) HasConnectError() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectionError
}

// SetReceipt records what a pending receipt id is for. An empty value
// removes the entry.
func (t *Transport) SetReceipt(receiptID, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if value == "" {
		delete(t.receipts, receiptID)
		return
	}
	t.receipts[receiptID] = value
}

// WaitForConnection blocks until the connection is established or a
// connect error is recorded. A timeout of 0 waits indefinitely; on expiry
// of a positive timeout it returns without error, leaving the caller to
// inspect IsConnected and HasConnectError.
func (t *Transport) WaitForConnection(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		timer := time.AfterFunc(timeout, func() {
			t.mu.Lock()
			t.connCond.Broadcast()
			t.mu.Unlock()
		})
		defer timer.Stop()
	}
	for !t.connected && !t.connectionError {
		if timeout > 0 && !time.Now().Before(deadline) {
			return
		}
		t.connCond.Wait()
	}
}

// Transmit fires the OnSend hooks, serializes the frame, appends the
// terminating NUL and writes it to the socket. Frames from concurrent
// callers reach the socket whole; frames transmitted one after another
// from a single goroutine reach it in call order.
func (t *Transport) Transmit(frame *Frame) error {
	for _, nl := range t.snapshot() {
		name := nl.name
		if err := safeCall(func() { nl.listener.OnSend(frame) }); err != nil {
			t.log.WithError(err).WithField("listener", name).Error("OnSend callback failed")
			t.fanOut(errorFrame(fmt.Sprintf("listener %s: %v", name, err)), nil)
		}
	}

	if frame.Command == DISCONNECT {
		if receipt, ok := frame.Headers.Contains(HK_RECEIPT); ok {
			t.mu.Lock()
			t.disconnectReceipt = receipt
			t.mu.Unlock()
		}
	}

	data := append(frame.Serialize(), 0)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	t.log.WithFields(logrus.Fields{"cmd": frame.Command, "bytes": len(data)}).Debug("frame sent")
	if _, err := conn.Write(data); err != nil {
		return errors.Wrap(err, "stomp: send")
	}
	return nil
}

// attemptConnection tries each configured endpoint in order, sleeping with
// geometric backoff between rounds, until a socket is bound or the attempt
// budget is spent.
func (t *Transport) attemptConnection() error {
	t.mu.Lock()
	t.connectionError = false
	t.mu.Unlock()

	sleepExp := 1
	connectCount := 0
	for t.isRunning() && t.currentConn() == nil &&
		(connectCount < t.reconnectAttemptsMax || t.reconnectAttemptsMax == -1) {
		for _, hp := range t.hostsAndPorts {
			conn, err := t.dial("tcp", hp.Addr())
			if err != nil {
				connectCount++
				t.log.WithError(err).WithField("addr", hp.Addr()).Warn("connection attempt failed")
				continue
			}
			hp := hp
			t.mu.Lock()
			t.conn = conn
			t.currentHostAndPort = &hp
			t.mu.Unlock()
			t.log.WithField("addr", hp.Addr()).Info("connection established")
			break
		}
		if t.currentConn() == nil {
			sleep := t.backoffSleep(sleepExp)
			t.log.WithField("sleep", sleep).Debug("backing off before next attempt")
			time.Sleep(sleep)
			if sleep < t.reconnectSleepMax {
				sleepExp++
			}
		}
	}
	if t.currentConn() == nil {
		return ErrConnectFailed
	}
	return nil
}

func (t *Transport) backoffSleep(sleepExp int) time.Duration {
	base := t.reconnectSleepInitial.Seconds() / (1 + t.reconnectSleepIncrease) *
		math.Pow(1+t.reconnectSleepIncrease, float64(sleepExp))
	s := math.Min(t.reconnectSleepMax.Seconds(),
		base*(1+t.rnd.Float64()*t.reconnectSleepJitter))
	return time.Duration(s * float64(time.Second))
}

// disconnectSocket ends the session: it stops the receiver loop, drops the
// socket and emits a synthetic DISCONNECTED frame.
func (t *Transport) disconnectSocket() {
	t.mu.Lock()
	t.running = false
	t.currentHostAndPort = nil
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		t.writeMu.Lock()
		if err := conn.Close(); err != nil {
			t.log.WithError(err).Debug("socket close failed")
		}
		t.writeMu.Unlock()
	}
	t.notify(NewFrame(DISCONNECTED))
}

// receiverLoop drains the socket until the transport stops or the socket
// fails, dispatching each complete frame in arrival order.
func (t *Transport) receiverLoop() {
	defer t.wg.Done()
	for t.isRunning() {
		frames, err := t.read()
		if err != nil {
			switch {
			case errors.Is(err, ErrFrameTooLarge):
				t.log.WithError(err).Error("inbound frame too large")
				t.fanOut(errorFrame(err.Error()), nil)
				t.disconnectSocket()
			case t.isRunning():
				t.log.WithError(err).Warn("receive failed")
				t.disconnectSocket()
			}
			continue
		}
		for _, data := range frames {
			t.processFrame(data)
		}
	}
	t.notify(NewFrame(RECEIVER_LOOP_COMPLETED))
	if !t.hasNotifiedOnDisconnect() {
		t.notify(NewFrame(DISCONNECTED))
	}
}

// read receives a chunk of data into the carryover buffer and splits off
// every complete frame. A frame's bytes end at its NUL terminator; any run
// of newlines after the NUL is the inter-frame separator and is skipped. A
// trailing partial frame is compacted to the front of the buffer for the
// next call.
func (t *Transport) read() ([][]byte, error) {
	if t.bufEnd == len(t.buf) {
		return nil, errors.Wrapf(ErrFrameTooLarge, "limit %d bytes", len(t.buf))
	}
	conn := t.currentConn()
	if conn == nil {
		return nil, ErrNotConnected
	}
	n, err := conn.Read(t.buf[t.bufEnd:])
	if n <= 0 {
		if err == nil {
			err = io.EOF
		}
		return nil, errors.Wrap(err, "stomp: receive")
	}
	t.bufEnd += n

	var frames [][]byte
	bufPos := 0
	// Newlines at the start of a fresh read follow a NUL consumed by an
	// earlier call; a carried-over partial frame never starts with one.
	for bufPos < t.bufEnd && t.buf[bufPos] == '\n' {
		bufPos++
	}
	for bufPos < t.bufEnd {
		nul := bytes.IndexByte(t.buf[bufPos:t.bufEnd], 0)
		if nul < 0 {
			// Incomplete frame: carry it over to the start of the buffer.
			t.bufEnd = copy(t.buf, t.buf[bufPos:t.bufEnd])
			return frames, nil
		}
		msg := make([]byte, nul)
		copy(msg, t.buf[bufPos:bufPos+nul])
		frames = append(frames, msg)
		bufPos += nul + 1
		for bufPos < t.bufEnd && t.buf[bufPos] == '\n' {
			bufPos++
		}
		if bufPos == t.bufEnd {
			// All buffer consumed.
			t.bufEnd = 0
			return frames, nil
		}
	}
	t.bufEnd = 0
	return frames, nil
}

// processFrame parses one frame image and dispatches it. MESSAGE frames are
// preceded by a synthetic BEFORE_MESSAGE event whose (possibly mutated)
// headers and body are folded back into the frame before delivery.
func (t *Transport) processFrame(data []byte) {
	frame, err := ParseFrame(data)
	if err != nil {
		t.log.WithError(err).Warn("dropping malformed frame")
		t.fanOut(errorFrame(err.Error()), nil)
		return
	}
	t.log.WithFields(logrus.Fields{"cmd": frame.Command, "bytes": len(data)}).Debug("frame received")

	switch frame.Command {
	case MESSAGE:
		if t.decoder != nil && len(frame.Body) > 0 {
			decoded, err := t.decoder.Bytes(frame.Body)
			if err != nil {
				t.log.WithError(err).Warn("body decode failed, keeping raw bytes")
			} else {
				frame.Body = decoded
			}
		}
		before := &Frame{Command: BEFORE_MESSAGE, Headers: frame.Headers.Clone(), Body: frame.Body}
		failed := t.notify(before)
		frame.Headers = before.Headers
		frame.Body = before.Body
		t.notifyExcept(frame, failed)
	case CONNECTED, RECEIPT, ERROR, HEARTBEAT:
		t.notify(frame)
	}
}

func (t *Transport) notify(frame *Frame) map[string]struct{} {
	return t.notifyExcept(frame, nil)
}

// notifyExcept applies the frame's effect on connection state, then fans
// the frame out to every registered listener not in skip. It returns the
// names of listeners whose callback failed.
func (t *Transport) notifyExcept(frame *Frame, skip map[string]struct{}) map[string]struct{} {
	disconnectNow := false
	switch frame.Command {
	case RECEIPT:
		id := frame.Headers.Value(HK_RECEIPT_ID)
		t.mu.Lock()
		purpose := t.receipts[id]
		delete(t.receipts, id)
		if purpose == DISCONNECT {
			t.setConnectedLocked(false)
			if t.disconnectReceipt != "" && id == t.disconnectReceipt {
				disconnectNow = true
			}
			t.disconnectReceipt = ""
		}
		t.mu.Unlock()
	case CONNECTED:
		t.mu.Lock()
		t.setConnectedLocked(true)
		t.mu.Unlock()
	case DISCONNECTED:
		t.mu.Lock()
		t.setConnectedLocked(false)
		t.notifiedOnDisconnect = true
		t.mu.Unlock()
	case ERROR:
		t.mu.Lock()
		if !t.connected {
			t.connectionError = true
			t.connCond.Broadcast()
		}
		t.mu.Unlock()
	}

	failed := t.fanOut(frame, skip)

	if disconnectNow {
		t.disconnectSocket()
	}
	return failed
}

// fanOut delivers the frame to every listener in registration order. A
// callback that panics does not prevent the remaining listeners from being
// notified; the failure is reported as a synthetic ERROR dispatch.
func (t *Transport) fanOut(frame *Frame, skip map[string]struct{}) map[string]struct{} {
	t.mu.Lock()
	hp := t.currentHostAndPort
	t.mu.Unlock()

	var failed map[string]struct{}
	for _, nl := range t.snapshot() {
		if _, ok := skip[nl.name]; ok {
			continue
		}
		nl := nl
		if err := safeCall(func() { dispatch(nl.listener, frame, hp) }); err != nil {
			t.log.WithError(err).WithField("listener", nl.name).Error("listener callback failed")
			if failed == nil {
				failed = make(map[string]struct{})
			}
			failed[nl.name] = struct{}{}
			if frame.Command != ERROR {
				t.fanOut(errorFrame(fmt.Sprintf("listener %s: %v", nl.name, err)), nil)
			}
		}
	}
	return failed
}

func safeCall(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("listener panic: %v", r)
		}
	}()
	fn()
	return nil
}

func errorFrame(msg string) *Frame {
	return NewFrame(ERROR, HK_MESSAGE, msg)
}

func (t *Transport) setConnectedLocked(connected bool) {
	t.connected = connected
	t.connCond.Broadcast()
}

func (t *Transport) isRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Transport) currentConn() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *Transport) hasNotifiedOnDisconnect() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notifiedOnDisconnect
}
