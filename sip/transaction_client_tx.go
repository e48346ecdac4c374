package sip

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ClientTx is a client transaction, either the INVITE or the non-INVITE
// flavor depending on the origin request method - RFC 3261 17.1.
type ClientTx struct {
	baseTx
	responses chan *Response

	// timer_a drives retransmissions, doubling interval each firing.
	// Non-INVITE caps the interval at T2 (the Timer E rule).
	timer_a_time time.Duration
	timer_a      *time.Timer
	// timer_b is the transaction timeout (Timer F for non-INVITE)
	timer_b *time.Timer
	// timer_d absorbs final response retransmissions in completed
	// (Timer K for non-INVITE)
	timer_d_time time.Duration
	timer_d      *time.Timer
	// timer_m absorbs 2xx retransmissions in accepted - RFC 6026
	timer_m *time.Timer
	// timer_ack paces ACK resends against retransmitted final responses
	timer_ack *time.Timer

	onRetransmission FnTxResponse
}

func NewClientTx(key string, origin *Request, conn Connection, logger zerolog.Logger) *ClientTx {
	tx := &ClientTx{}
	tx.key = key
	tx.conn = conn
	tx.responses = make(chan *Response)
	tx.done = make(chan struct{})
	tx.log = logger
	tx.origin = origin
	return tx
}

// Init sends the request and starts the timers - RFC 3261 17.1.1.2 and
// 17.1.2.2. Caller must invoke it exactly once after construction.
func (tx *ClientTx) Init() error {
	tx.initFSM()

	if err := tx.conn.WriteMsg(tx.origin); err != nil {
		return wrapTransportError(fmt.Errorf("fail to write request on init req=%q: %w", tx.origin.StartLine(), err))
	}

	reliable := IsReliable(tx.origin.Transport())
	tx.mu.Lock()
	if reliable {
		// Reliable transports retransmit nothing and free the
		// transaction right after the final response
		tx.timer_d_time = 0
	} else {
		// Unreliable transports start Timer A (E) at T1
		tx.timer_a_time = Timer_A
		tx.timer_a = time.AfterFunc(tx.timer_a_time, func() {
			tx.spinFsm(client_input_timer_a)
		})
		// INVITE absorbs response retransmissions for Timer D,
		// non-INVITE for Timer K (T4)
		if tx.origin.IsInvite() {
			tx.timer_d_time = Timer_D
		} else {
			tx.timer_d_time = Timer_K
		}
	}

	// Timer B (F) is the hard timeout regardless of transport
	tx.timer_b = time.AfterFunc(Timer_B, func() {
		tx.spinFsmWithError(client_input_timer_b, fmt.Errorf("timer_b fired: %w", ErrTransactionTimeout))
	})
	tx.mu.Unlock()

	activeClientTransactions.Inc()
	tx.log.Debug().Str("tx", tx.Key()).Msg("Client transaction initialized")
	return nil
}

func (tx *ClientTx) initFSM() {
	if tx.origin.IsInvite() {
		tx.baseTx.initFSM(tx.inviteStateCalling)
	} else {
		tx.baseTx.initFSM(tx.stateTrying)
	}
}

func (tx *ClientTx) Responses() <-chan *Response {
	return tx.responses
}

func (tx *ClientTx) OnRetransmission(f FnTxResponse) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return false
	}
	if prev := tx.onRetransmission; prev != nil {
		tx.onRetransmission = func(r *Response) {
			prev(r)
			f(r)
		}
		return true
	}
	tx.onRetransmission = f
	return true
}

func (tx *ClientTx) Connection() Connection {
	return tx.conn
}

// Receive feeds an inbound response into the FSM. It may block while
// the response is passed up, run it on its own goroutine.
func (tx *ClientTx) Receive(res *Response) {
	var input fsmInput
	switch {
	case res.IsProvisional():
		input = client_input_1xx
	case res.IsSuccess():
		input = client_input_2xx
	default:
		input = client_input_300_plus
	}
	tx.spinFsmWithResponse(input, res)
}

func (tx *ClientTx) Terminate() {
	if tx.delete(ErrTransactionTerminated) {
		tx.fsmMu.Lock()
		tx.fsmErr = ErrTransactionCanceled
		tx.fsmMu.Unlock()
	}
}

// ack sends the transaction ACK for a non 2xx final response.
// The ACK reuses the INVITE Via with its branch and goes to the same
// destination the INVITE went - RFC 3261 17.1.1.3.
func (tx *ClientTx) ack() {
	resp := tx.fsmResp
	if resp == nil {
		return
	}

	ack := NewAckRequestNon2xx(tx.origin, resp, nil)
	tx.fsmAck = ack

	if err := tx.conn.WriteMsg(ack); err != nil {
		tx.log.Error().Err(err).
			Str("invite_request", tx.origin.Short()).
			Str("invite_response", resp.Short()).
			Str("tx", tx.Key()).
			Msg("send ACK request failed")
		go tx.spinFsmWithError(client_input_transport_err, wrapTransportError(err))
	}
}

func (tx *ClientTx) resend() {
	select {
	case <-tx.done:
		return
	default:
	}

	if err := tx.conn.WriteMsg(tx.origin); err != nil {
		tx.log.Debug().Err(err).Str("req", tx.origin.StartLine()).Msg("Fail to resend request")
		go tx.spinFsmWithError(client_input_transport_err, wrapTransportError(err))
	}
}

func (tx *ClientTx) delete(err error) bool {
	tx.mu.Lock()
	if tx.closed {
		tx.mu.Unlock()
		return false
	}
	tx.closed = true

	close(tx.done)
	onterm := tx.onTerminate

	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}
	if tx.timer_d != nil {
		tx.timer_d.Stop()
		tx.timer_d = nil
	}
	if tx.timer_m != nil {
		tx.timer_m.Stop()
		tx.timer_m = nil
	}
	if tx.timer_ack != nil {
		tx.timer_ack.Stop()
		tx.timer_ack = nil
	}
	tx.mu.Unlock()

	if onterm != nil {
		onterm(tx.key, err)
	}

	if _, err := tx.conn.TryClose(); err != nil {
		tx.log.Info().Err(err).Str("tx", tx.Key()).Msg("Closing connection returned error")
	}

	activeClientTransactions.Dec()
	tx.log.Debug().Str("tx", tx.Key()).Msg("Client transaction destroyed")
	return true
}
