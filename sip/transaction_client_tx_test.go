package sip

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientTransactionInviteFSM(t *testing.T) {
	SetTimers(5*time.Millisecond, 20*time.Millisecond, 5*time.Millisecond)
	defer SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	req := testCreateInvite(t, "sip:bob@127.0.0.99:5060", "udp", "127.0.0.2:5060")
	outgoing := &syncBuffer{}
	conn := testUDPConn(outgoing, "127.0.0.99:5060")

	tx := NewClientTx("test-invite", req, conn, log.Logger)
	require.NoError(t, tx.Init())
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateCalling))

	// 100 moves to proceeding and stops retransmissions
	go func() { <-tx.Responses() }()
	tx.Receive(NewResponseFromRequest(req, StatusTrying, "", nil))
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateProceeding))

	// 2xx moves to accepted - RFC 6026 - and terminates on Timer M
	go func() { <-tx.Responses() }()
	tx.Receive(NewResponseFromRequest(req, StatusOK, "", nil))
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateAccepted))

	select {
	case <-tx.Done():
	case <-time.After(10 * Timer_M):
		t.Fatal("transaction did not terminate after Timer M")
	}
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateTerminated))
}

func TestClientTransactionInviteRetransmitSchedule(t *testing.T) {
	// T1=10ms: retransmissions due at 10, 30, 70ms... doubling gaps
	SetTimers(10*time.Millisecond, 80*time.Millisecond, 10*time.Millisecond)
	defer SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	req := testCreateInvite(t, "sip:bob@127.0.0.99:5060", "udp", "127.0.0.2:5060")
	outgoing := &syncBuffer{}
	udp := testUDPConn(outgoing, "127.0.0.99:5060")

	tx := NewClientTx("test-retransmit", req, udp, log.Logger)
	require.NoError(t, tx.Init())
	defer tx.Terminate()

	one := len(req.String())
	require.Equal(t, one, outgoing.Len(), "initial send expected")

	// After slightly more than T1+2T1 two retransmissions happened
	time.Sleep(35 * time.Millisecond)
	sent := outgoing.Len() / one
	assert.GreaterOrEqual(t, sent, 3)
	assert.LessOrEqual(t, sent, 4)
}

func TestClientTransactionTimerB(t *testing.T) {
	SetTimers(2*time.Millisecond, 8*time.Millisecond, 2*time.Millisecond)
	defer SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	req := testCreateInvite(t, "sip:bob@127.0.0.99:5060", "udp", "127.0.0.2:5060")
	outgoing := &syncBuffer{}
	udp := testUDPConn(outgoing, "127.0.0.99:5060")

	tx := NewClientTx("test-timeout", req, udp, log.Logger)
	require.NoError(t, tx.Init())

	select {
	case <-tx.Done():
	case <-time.After(10 * Timer_B):
		t.Fatal("timer B never fired")
	}
	assert.True(t, errors.Is(tx.Err(), ErrTransactionTimeout))
}

func TestClientTransactionInviteNon2xxAck(t *testing.T) {
	SetTimers(10*time.Millisecond, 40*time.Millisecond, 10*time.Millisecond)
	defer SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	req := testCreateInvite(t, "sip:bob@127.0.0.99:5060", "udp", "127.0.0.2:5060")
	outgoing := &syncBuffer{}
	udp := testUDPConn(outgoing, "127.0.0.99:5060")

	tx := NewClientTx("test-ack", req, udp, log.Logger)
	require.NoError(t, tx.Init())
	defer tx.Terminate()

	res500 := NewResponseFromRequest(req, StatusInternalServerError, "", nil)
	go func() { <-tx.Responses() }()
	tx.Receive(res500)
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateCompleted))

	// Wire now holds the INVITE followed by the ACK
	data := outgoing.String()
	ackIdx := bytes.Index([]byte(data), []byte("ACK "))
	require.Positive(t, ackIdx, "no ACK on the wire")

	ackMsg, err := ParseMessage([]byte(data[ackIdx:]))
	require.NoError(t, err)
	ack := ackMsg.(*Request)

	// ACK reuses the INVITE topmost Via including the branch
	assert.Equal(t, req.Via().String(), ack.Via().String())
	assert.Equal(t, res500.To().Tag(), ack.To().Tag())

	// A retransmitted final response does not resend the ACK inline,
	// the resend is paced by a timer re-entering the FSM
	tx.Receive(res500)
	assert.Equal(t, 1, countOccurrences(outgoing.String(), "ACK sip:"))
	require.Eventually(t, func() bool {
		return countOccurrences(outgoing.String(), "ACK sip:") == 2
	}, 10*T2, T2/10)
}

func TestClientTransactionNonInviteFSM(t *testing.T) {
	SetTimers(5*time.Millisecond, 20*time.Millisecond, 5*time.Millisecond)
	defer SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	req := testCreateInvite(t, "sip:bob@127.0.0.99:5060", "udp", "127.0.0.2:5060")
	req.Method = OPTIONS
	req.CSeq().MethodName = OPTIONS

	outgoing := &syncBuffer{}
	udp := testUDPConn(outgoing, "127.0.0.99:5060")

	tx := NewClientTx("test-non-invite", req, udp, log.Logger)
	require.NoError(t, tx.Init())
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.stateTrying))

	go func() { <-tx.Responses() }()
	tx.Receive(NewResponseFromRequest(req, StatusOK, "", nil))
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.stateCompleted))

	// Timer K (T4) absorbs retransmissions, then terminated
	select {
	case <-tx.Done():
	case <-time.After(20 * Timer_K):
		t.Fatal("transaction did not terminate after Timer K")
	}
}

func TestClientTransactionResponseOrder(t *testing.T) {
	req := testCreateInvite(t, "sip:bob@127.0.0.99:5060", "udp", "127.0.0.2:5060")
	outgoing := &syncBuffer{}
	udp := testUDPConn(outgoing, "127.0.0.99:5060")

	tx := NewClientTx("test-order", req, udp, log.Logger)
	require.NoError(t, tx.Init())
	defer tx.Terminate()

	res100 := NewResponseFromRequest(req, StatusTrying, "", nil)
	res180 := NewResponseFromRequest(req, StatusRinging, "", nil)

	go func() {
		tx.Receive(res100)
		tx.Receive(res180)
	}()

	first := <-tx.Responses()
	second := <-tx.Responses()
	assert.Equal(t, StatusTrying, first.StatusCode)
	assert.Equal(t, StatusRinging, second.StatusCode)
}

// syncBuffer is a bytes.Buffer safe for the timer goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
