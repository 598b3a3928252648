package stomp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newProtoHarness wires a protocol over a pipe-backed transport and
// returns a sink for the broker side. The sink drains the pipe
// continuously, so protocol calls do not block.
func newProtoHarness(t *testing.T, autoContentLength bool) (*Protocol, *Transport, *frameSink) {
	t.Helper()
	tr, server := newPipeTransport(t, nil)
	require.NoError(t, tr.Start())
	return NewProtocol(tr, autoContentLength), tr, newFrameSink(server)
}

func TestProtocolRegistersListener(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logger = quietLogger()
	tr, err := NewTransport(cfg)
	require.NoError(t, err)

	NewProtocol(tr, true)
	assert.NotNil(t, tr.GetListener(ProtocolListenerName))
}

func TestConnectHeaders(t *testing.T) {
	p, _, sink := newProtoHarness(t, true)

	require.NoError(t, p.Connect("guest", "secret", false))
	f := sink.next(t)
	assert.Equal(t, CONNECT, f.Command)
	assert.Equal(t, SPL_10, f.Headers.Value(HK_ACCEPT_VERSION))
	assert.Equal(t, "guest", f.Headers.Value(HK_LOGIN))
	assert.Equal(t, "secret", f.Headers.Value(HK_PASSCODE))
}

func TestConnectOmitsEmptyCredentials(t *testing.T) {
	p, _, sink := newProtoHarness(t, true)

	require.NoError(t, p.Connect("", "", false))
	f := sink.next(t)
	_, hasLogin := f.Headers.Contains(HK_LOGIN)
	_, hasPasscode := f.Headers.Contains(HK_PASSCODE)
	assert.False(t, hasLogin)
	assert.False(t, hasPasscode)
}

func TestSendAutoContentLength(t *testing.T) {
	p, _, sink := newProtoHarness(t, true)

	require.NoError(t, p.Send("/q", []byte("hello"), ""))
	f := sink.next(t)
	assert.Equal(t, SEND, f.Command)
	assert.Equal(t, "/q", f.Headers.Value(HK_DESTINATION))
	assert.Equal(t, "5", f.Headers.Value(HK_CONTENT_LENGTH))
	assert.Equal(t, "hello", string(f.Body))
}

func TestSendNoAutoContentLength(t *testing.T) {
	p, _, sink := newProtoHarness(t, false)

	require.NoError(t, p.Send("/q", []byte("hello"), ""))
	f := sink.next(t)
	_, present := f.Headers.Contains(HK_CONTENT_LENGTH)
	assert.False(t, present)
}

func TestSendCallerContentLengthWins(t *testing.T) {
	p, _, sink := newProtoHarness(t, true)

	require.NoError(t, p.Send("/q", []byte("hello"), "", HK_CONTENT_LENGTH, "99"))
	f := sink.next(t)
	assert.Equal(t, "99", f.Headers.Value(HK_CONTENT_LENGTH))
}

func TestSendContentType(t *testing.T) {
	p, _, sink := newProtoHarness(t, true)

	require.NoError(t, p.Send("/q", nil, "text/plain"))
	f := sink.next(t)
	assert.Equal(t, "text/plain", f.Headers.Value(HK_CONTENT_TYPE))
}

func TestSendExtraHeadersKeptButRequiredKeysWin(t *testing.T) {
	p, _, sink := newProtoHarness(t, true)

	require.NoError(t, p.Send("/real", nil, "", HK_DESTINATION, "/spoofed", "priority", "9"))
	f := sink.next(t)
	assert.Equal(t, "/real", f.Headers.Value(HK_DESTINATION))
	assert.Equal(t, "9", f.Headers.Value("priority"))
}

func TestSubscribe(t *testing.T) {
	p, _, sink := newProtoHarness(t, true)

	require.NoError(t, p.Subscribe("/q", "sub-1", ClientMode))
	f := sink.next(t)
	assert.Equal(t, SUBSCRIBE, f.Command)
	assert.Equal(t, "/q", f.Headers.Value(HK_DESTINATION))
	assert.Equal(t, "sub-1", f.Headers.Value(HK_ID))
	assert.Equal(t, "client", f.Headers.Value(HK_ACK))
}

func TestSubscribeDefaultsToAutoAck(t *testing.T) {
	p, _, sink := newProtoHarness(t, true)

	require.NoError(t, p.Subscribe("/q", "", ""))
	f := sink.next(t)
	assert.Equal(t, "auto", f.Headers.Value(HK_ACK))
	_, hasID := f.Headers.Contains(HK_ID)
	assert.False(t, hasID)
}

func TestUnsubscribe(t *testing.T) {
	p, _, sink := newProtoHarness(t, true)

	require.NoError(t, p.UnsubscribeDestination("/q"))
	f := sink.next(t)
	assert.Equal(t, UNSUBSCRIBE, f.Command)
	assert.Equal(t, "/q", f.Headers.Value(HK_DESTINATION))

	require.NoError(t, p.UnsubscribeID("sub-1"))
	f = sink.next(t)
	assert.Equal(t, UNSUBSCRIBE, f.Command)
	assert.Equal(t, "sub-1", f.Headers.Value(HK_ID))
}

func TestAck(t *testing.T) {
	p, _, sink := newProtoHarness(t, true)

	require.NoError(t, p.Ack("m1", "tx1", "r1"))
	f := sink.next(t)
	assert.Equal(t, ACK, f.Command)
	assert.Equal(t, "m1", f.Headers.Value(HK_MESSAGE_ID))
	assert.Equal(t, "tx1", f.Headers.Value(HK_TRANSACTION))
	assert.Equal(t, "r1", f.Headers.Value(HK_RECEIPT))
}

func TestAckOmitsEmptyOptionals(t *testing.T) {
	p, _, sink := newProtoHarness(t, true)

	require.NoError(t, p.Ack("m1", "", ""))
	f := sink.next(t)
	_, hasTx := f.Headers.Contains(HK_TRANSACTION)
	_, hasReceipt := f.Headers.Contains(HK_RECEIPT)
	assert.False(t, hasTx)
	assert.False(t, hasReceipt)
}

func TestBeginGeneratesTransactionID(t *testing.T) {
	p, _, sink := newProtoHarness(t, true)

	id, err := p.Begin("")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	f := sink.next(t)
	assert.Equal(t, BEGIN, f.Command)
	assert.Equal(t, id, f.Headers.Value(HK_TRANSACTION))
}

func TestBeginCommitAbort(t *testing.T) {
	p, _, sink := newProtoHarness(t, true)

	id, err := p.Begin("tx9")
	require.NoError(t, err)
	assert.Equal(t, "tx9", id)
	assert.Equal(t, "tx9", sink.next(t).Headers.Value(HK_TRANSACTION))

	require.NoError(t, p.Commit("tx9"))
	f := sink.next(t)
	assert.Equal(t, COMMIT, f.Command)
	assert.Equal(t, "tx9", f.Headers.Value(HK_TRANSACTION))

	require.NoError(t, p.Abort("tx9"))
	f = sink.next(t)
	assert.Equal(t, ABORT, f.Command)
	assert.Equal(t, "tx9", f.Headers.Value(HK_TRANSACTION))
}

func TestDisconnectRegistersReceipt(t *testing.T) {
	p, tr, sink := newProtoHarness(t, true)

	require.NoError(t, p.Disconnect("r9"))
	f := sink.next(t)
	assert.Equal(t, DISCONNECT, f.Command)
	assert.Equal(t, "r9", f.Headers.Value(HK_RECEIPT))

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, DISCONNECT, tr.receipts["r9"])
	assert.Equal(t, "r9", tr.disconnectReceipt)
}

func TestDisconnectGeneratesReceipt(t *testing.T) {
	p, _, sink := newProtoHarness(t, true)

	require.NoError(t, p.Disconnect(""))
	f := sink.next(t)
	assert.NotEmpty(t, f.Headers.Value(HK_RECEIPT))
}
