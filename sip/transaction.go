package sip

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Protocol timer base values - RFC 3261 appendix A. Use SetTimers
	// to repopulate every derived timer consistently.
	// T1: round-trip time estimate
	T1,
	// T2: maximum retransmit interval for non-INVITE requests and
	// INVITE responses
	T2,
	// T4: maximum duration a message remains in the network
	T4,
	// Timer_A drives INVITE request retransmits on unreliable
	// transports, doubling on every firing
	Timer_A,
	// Timer_B is the INVITE transaction timeout, 64*T1
	Timer_B,
	Timer_D,
	Timer_E,
	// Timer_F is the non-INVITE transaction timeout, 64*T1
	Timer_F,
	Timer_G,
	Timer_H,
	Timer_I,
	Timer_J,
	Timer_K,
	Timer_L,
	Timer_M time.Duration

	// Timer1xx delays the automatic 100 Trying on INVITE server
	// transactions when the TU has not answered yet - RFC 3261 17.2.1
	Timer1xx = 200 * time.Millisecond

	txKeySep = "__"

	// TransactionFSMDebug traces every FSM spin to the logger
	TransactionFSMDebug bool
)

func init() {
	SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)
}

// SetTimers derives all protocol timers from the three base values.
func SetTimers(t1, t2, t4 time.Duration) {
	T1 = t1
	T2 = t2
	T4 = t4
	Timer_A = T1
	Timer_B = 64 * T1
	Timer_D = 32 * time.Second
	Timer_E = T1
	Timer_F = 64 * T1
	Timer_G = T1
	Timer_H = 64 * T1
	Timer_I = T4
	Timer_J = 64 * T1
	Timer_K = T4
	Timer_L = 64 * T1
	Timer_M = 64 * T1
}

var (
	// Terminal transaction errors, matchable with errors.Is on tx.Err()
	// https://www.rfc-editor.org/rfc/rfc3261#section-8.1.3.1
	ErrTransactionTimeout    = errors.New("transaction timeout")
	ErrTransactionTransport  = errors.New("transaction transport error")
	ErrTransactionCanceled   = errors.New("transaction canceled")
	ErrTransactionTerminated = errors.New("transaction terminated")
)

func wrapTransportError(err error) error {
	return fmt.Errorf("%s: %w", err.Error(), ErrTransactionTransport)
}

// Transaction is the lifetime surface shared by client and server
// transactions.
type Transaction interface {
	// Terminate stops the FSM and frees the transaction.
	Terminate()
	// Done closes when the FSM reaches terminated.
	Done() <-chan struct{}
	// Err returns the terminal error, nil before termination.
	Err() error
	// OnTerminate registers a callback fired once on termination.
	// Returns false when the transaction already terminated.
	OnTerminate(f FnTxTerminate) bool
}

// ServerTransaction accepts responses from the TU and surfaces ACKs.
type ServerTransaction interface {
	Transaction

	// Respond sends a prebuilt response through the transaction.
	// Use NewResponseFromRequest to build it.
	Respond(res *Response) error
	// Acks delivers ACK requests received inside the transaction.
	Acks() <-chan *Request
	// OnCancel fires when a CANCEL arrives for this transaction.
	OnCancel(f FnTxCancel) bool
}

// ClientTransaction delivers responses for the sent request.
type ClientTransaction interface {
	Transaction

	Responses() <-chan *Response
	// OnRetransmission handles 2xx retransmissions arriving after the
	// first was passed up - RFC 6026.
	OnRetransmission(f FnTxResponse) bool
}

type FnTxTerminate func(key string, err error)
type FnTxCancel func(r *Request)
type FnTxResponse func(r *Response)

// baseTx carries what both FSM kinds share: key, origin request,
// connection, the spin lock and the state function itself.
type baseTx struct {
	mu sync.Mutex

	key    string
	origin *Request

	conn   Connection
	done   chan struct{}
	closed bool

	fsmMu    sync.Mutex
	fsmState fsmContextState

	// Values below feed the FSM while it spins and are only touched
	// under fsmMu.
	fsmResp   *Response
	fsmErr    error
	fsmAck    *Request
	fsmCancel *Request

	log         zerolog.Logger
	onTerminate FnTxTerminate
}

func (tx *baseTx) String() string {
	if tx == nil {
		return "<nil>"
	}
	return tx.key
}

func (tx *baseTx) Origin() *Request {
	return tx.origin
}

func (tx *baseTx) Key() string {
	return tx.key
}

func (tx *baseTx) Done() <-chan struct{} {
	return tx.done
}

// OnTerminate chains f behind any previously registered callback.
// The callback must not call back into the transaction.
func (tx *baseTx) OnTerminate(f FnTxTerminate) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	select {
	case <-tx.done:
		return false
	default:
	}

	if prev := tx.onTerminate; prev != nil {
		tx.onTerminate = func(key string, err error) {
			prev(key, err)
			f(key, err)
		}
		return true
	}
	tx.onTerminate = f
	return true
}

func (tx *baseTx) currentFsmState() fsmContextState {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()
	return tx.fsmState
}

func (tx *baseTx) initFSM(state fsmContextState) {
	tx.fsmMu.Lock()
	tx.fsmState = state
	tx.fsmMu.Unlock()
}

// spinFsmUnsafe feeds input through states until no transition remains.
// Caller holds fsmMu.
func (tx *baseTx) spinFsmUnsafe(in fsmInput) {
	for i := in; i != FsmInputNone; {
		if TransactionFSMDebug {
			tx.log.Debug().Str("tx", tx.key).Str("input", fsmString(i)).Msg("Changing transaction state")
		}
		i = tx.fsmState(i)
	}
}

func (tx *baseTx) spinFsm(in fsmInput) {
	tx.fsmMu.Lock()
	tx.spinFsmUnsafe(in)
	tx.fsmMu.Unlock()
}

func (tx *baseTx) spinFsmWithResponse(in fsmInput, resp *Response) {
	tx.fsmMu.Lock()
	tx.fsmResp = resp
	tx.spinFsmUnsafe(in)
	tx.fsmMu.Unlock()
}

func (tx *baseTx) spinFsmWithRequest(in fsmInput, req *Request) {
	tx.fsmMu.Lock()
	switch {
	case req.IsAck():
		tx.fsmAck = req
	case req.IsCancel():
		tx.fsmCancel = req
	}
	tx.spinFsmUnsafe(in)
	tx.fsmMu.Unlock()
}

func (tx *baseTx) spinFsmWithError(in fsmInput, err error) {
	tx.fsmMu.Lock()
	tx.fsmErr = err
	tx.spinFsmUnsafe(in)
	tx.fsmMu.Unlock()
}

func (tx *baseTx) Err() error {
	tx.fsmMu.Lock()
	err := tx.fsmErr
	tx.fsmMu.Unlock()
	return err
}

func isRFC3261Branch(branch string) bool {
	return strings.HasPrefix(branch, RFC3261BranchMagicCookie) &&
		len(branch) > len(RFC3261BranchMagicCookie)
}

// MakeServerTxKey builds the server transaction key - RFC 3261 17.2.3:
// branch, sent-by host and port plus method, with ACK matching the
// INVITE it acknowledges. asMethod overrides the method, used by CANCEL
// matching.
func MakeServerTxKey(msg Message, asMethod RequestMethod) (string, error) {
	via := msg.Via()
	if via == nil {
		return "", fmt.Errorf("no Via header in message %q", MessageShortString(msg))
	}
	cseq := msg.CSeq()
	if cseq == nil {
		return "", fmt.Errorf("no CSeq header in message %q", MessageShortString(msg))
	}

	method := cseq.MethodName
	if method == ACK {
		method = INVITE
	}
	if asMethod != "" {
		method = asMethod
	}

	branch := via.Branch()
	if isRFC3261Branch(branch) {
		port := via.Port
		if port == 0 {
			port = DefaultPort(via.Transport)
		}

		var b strings.Builder
		b.Grow(len(branch) + len(via.Host) + len(method) + 16)
		b.WriteString(branch)
		b.WriteString(txKeySep)
		b.WriteString(via.Host)
		b.WriteString(txKeySep)
		b.WriteString(strconv.Itoa(port))
		b.WriteString(txKeySep)
		b.WriteString(string(method))
		return b.String(), nil
	}

	// RFC 2543 fallback keying
	from := msg.From()
	if from == nil {
		return "", fmt.Errorf("no From header in message %q", MessageShortString(msg))
	}
	fromTag, ok := from.Params.Get("tag")
	if !ok {
		return "", fmt.Errorf("no tag in From header of message %q", MessageShortString(msg))
	}
	callID := msg.CallID()
	if callID == nil {
		return "", fmt.Errorf("no Call-ID header in message %q", MessageShortString(msg))
	}

	var b strings.Builder
	b.WriteString(fromTag)
	b.WriteString(txKeySep)
	b.WriteString(string(*callID))
	b.WriteString(txKeySep)
	b.WriteString(string(method))
	b.WriteString(txKeySep)
	b.WriteString(strconv.Itoa(int(cseq.SeqNo)))
	b.WriteString(txKeySep)
	via.StringWrite(&b)
	return b.String(), nil
}

// MakeClientTxKey builds the client transaction key - RFC 3261 17.1.3:
// branch plus CSeq method, ACK mapped to INVITE.
func MakeClientTxKey(msg Message) (string, error) {
	cseq := msg.CSeq()
	if cseq == nil {
		return "", fmt.Errorf("no CSeq header in message %q", MessageShortString(msg))
	}
	method := cseq.MethodName
	if method == ACK {
		method = INVITE
	}

	via := msg.Via()
	if via == nil {
		return "", fmt.Errorf("no Via header in message %q", MessageShortString(msg))
	}
	branch := via.Branch()
	if !isRFC3261Branch(branch) {
		return "", fmt.Errorf("no branch in Via header of message %q", MessageShortString(msg))
	}

	var b strings.Builder
	b.Grow(len(branch) + len(method) + len(txKeySep))
	b.WriteString(branch)
	b.WriteString(txKeySep)
	b.WriteString(string(method))
	return b.String(), nil
}

// transactionStore is the shared key to transaction table.
type transactionStore[T Transaction] struct {
	items map[string]T
	mu    sync.RWMutex
}

func newTransactionStore[T Transaction]() *transactionStore[T] {
	return &transactionStore[T]{
		items: make(map[string]T),
	}
}

func (store *transactionStore[T]) put(key string, tx T) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.items[key] = tx
}

func (store *transactionStore[T]) get(key string) (T, bool) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	tx, ok := store.items[key]
	return tx, ok
}

func (store *transactionStore[T]) drop(key string) bool {
	store.mu.Lock()
	defer store.mu.Unlock()
	_, exists := store.items[key]
	delete(store.items, key)
	return exists
}

func (store *transactionStore[T]) terminateAll() {
	store.mu.RLock()
	txs := make([]T, 0, len(store.items))
	for _, tx := range store.items {
		txs = append(txs, tx)
	}
	store.mu.RUnlock()
	for _, tx := range txs {
		// Terminate triggers the drop callback, must run outside lock
		tx.Terminate()
	}
}
