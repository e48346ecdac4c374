package sip

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ServerTx is a server transaction - RFC 3261 17.2. INVITE and
// non-INVITE flavor is chosen from the origin request method.
type ServerTx struct {
	baseTx
	acks     chan *Request
	onCancel FnTxCancel

	// timer_g retransmits the non 2xx final response on unreliable
	// transports, doubling capped at T2
	timer_g      *time.Timer
	timer_g_time time.Duration
	// timer_h bounds waiting for the ACK
	timer_h *time.Timer
	// timer_i absorbs ACK retransmissions in confirmed
	timer_i      *time.Timer
	timer_i_time time.Duration
	// timer_j absorbs request retransmissions after a non-INVITE final
	timer_j      *time.Timer
	timer_j_time time.Duration
	// timer_l bounds the accepted state - RFC 6026
	timer_l *time.Timer
	// timer_100 fires the automatic 100 Trying
	timer_100 *time.Timer

	reliable bool

	closeOnce sync.Once
}

func NewServerTx(key string, origin *Request, conn Connection, logger zerolog.Logger) *ServerTx {
	tx := &ServerTx{}
	tx.key = key
	tx.conn = conn
	tx.acks = make(chan *Request)
	tx.done = make(chan struct{})
	tx.log = logger
	tx.origin = origin
	tx.reliable = IsReliable(origin.Transport())
	return tx
}

// Init prepares timers and arms the automatic 100 Trying for INVITE -
// RFC 3261 17.2.1. Call exactly once.
func (tx *ServerTx) Init() error {
	tx.initFSM()

	tx.mu.Lock()
	if !tx.reliable {
		tx.timer_g_time = Timer_G
		tx.timer_i_time = Timer_I
		tx.timer_j_time = Timer_J
	}

	if tx.origin.IsInvite() {
		// If the TU does not answer within Timer1xx, the transaction
		// answers 100 Trying on its own
		tx.timer_100 = time.AfterFunc(Timer1xx, func() {
			trying := NewResponseFromRequest(tx.origin, StatusTrying, "Trying", nil)
			if err := tx.Respond(trying); err != nil {
				tx.log.Error().Err(err).Msg("send '100 Trying' response failed")
			}
		})
	}
	tx.mu.Unlock()

	activeServerTransactions.Inc()
	tx.log.Debug().Str("tx", tx.Key()).Msg("Server transaction initialized")
	return nil
}

func (tx *ServerTx) initFSM() {
	if tx.origin.IsInvite() {
		tx.baseTx.initFSM(tx.inviteStateProceeding)
	} else {
		tx.baseTx.initFSM(tx.stateTrying)
	}
}

// Receive feeds a matched inbound request (retransmission, ACK or
// CANCEL) into the FSM. May block passing the ACK up, run it on its
// own goroutine.
func (tx *ServerTx) Receive(req *Request) error {
	tx.stopTimer100()

	var input fsmInput
	switch {
	case req.Method == tx.origin.Method:
		input = server_input_request
	case req.IsAck():
		input = server_input_ack
	case req.IsCancel():
		input = server_input_cancel
	default:
		return fmt.Errorf("unexpected request method %q for transaction %q", req.Method, tx.key)
	}

	tx.spinFsmWithRequest(input, req)
	return nil
}

// Respond sends a response built by the TU through the transaction.
func (tx *ServerTx) Respond(res *Response) error {
	if res.IsCancel() {
		// 200 for CANCEL goes out directly, not through this FSM
		return tx.conn.WriteMsg(res)
	}

	tx.stopTimer100()

	var input fsmInput
	switch {
	case res.IsProvisional():
		input = server_input_user_1xx
	case res.IsSuccess():
		input = server_input_user_2xx
	default:
		input = server_input_user_300_plus
	}
	tx.spinFsmWithResponse(input, res)
	return tx.Err()
}

// Acks surfaces ACK requests received inside this transaction.
func (tx *ServerTx) Acks() <-chan *Request {
	return tx.acks
}

func (tx *ServerTx) OnCancel(f FnTxCancel) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return false
	}
	if prev := tx.onCancel; prev != nil {
		tx.onCancel = func(r *Request) {
			prev(r)
			f(r)
		}
		return true
	}
	tx.onCancel = f
	return true
}

func (tx *ServerTx) Connection() Connection {
	return tx.conn
}

func (tx *ServerTx) Terminate() {
	tx.fsmMu.Lock()
	if tx.fsmErr == nil {
		tx.fsmErr = ErrTransactionTerminated
	}
	err := tx.fsmErr
	tx.fsmMu.Unlock()
	tx.delete(err)
}

func (tx *ServerTx) stopTimer100() {
	tx.mu.Lock()
	if tx.timer_100 != nil {
		tx.timer_100.Stop()
		tx.timer_100 = nil
	}
	tx.mu.Unlock()
}

func (tx *ServerTx) ackSend(r *Request) {
	select {
	case <-tx.done:
		tx.log.Warn().Str("tx", tx.Key()).Msg("ACK missed, transaction terminated")
	case tx.acks <- r:
	}
}

func (tx *ServerTx) ackSendAsync(r *Request) {
	select {
	case tx.acks <- r:
		return
	default:
	}
	// Nobody reading yet, hand off without blocking the FSM
	go tx.ackSend(r)
}

func (tx *ServerTx) delete(err error) {
	var terminated bool
	tx.closeOnce.Do(func() {
		terminated = true
		tx.mu.Lock()
		tx.closed = true
		close(tx.done)
		onterm := tx.onTerminate
		tx.mu.Unlock()
		if onterm != nil {
			onterm(tx.key, err)
		}
	})

	tx.mu.Lock()
	if tx.timer_g != nil {
		tx.timer_g.Stop()
		tx.timer_g = nil
	}
	if tx.timer_h != nil {
		tx.timer_h.Stop()
		tx.timer_h = nil
	}
	if tx.timer_i != nil {
		tx.timer_i.Stop()
		tx.timer_i = nil
	}
	if tx.timer_j != nil {
		tx.timer_j.Stop()
		tx.timer_j = nil
	}
	if tx.timer_l != nil {
		tx.timer_l.Stop()
		tx.timer_l = nil
	}
	if tx.timer_100 != nil {
		tx.timer_100.Stop()
		tx.timer_100 = nil
	}
	tx.mu.Unlock()

	if terminated {
		activeServerTransactions.Dec()
		tx.log.Debug().Str("tx", tx.Key()).Msg("Server transaction destroyed")
	}
}
