package sip

import (
	"time"
)

// INVITE client transaction - RFC 3261 17.1.1.2, accepted state per
// RFC 6026.

func (tx *ClientTx) inviteStateCalling(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case client_input_1xx:
		tx.fsmState, spinfn = tx.inviteStateProceeding, tx.actInviteProceeding
	case client_input_2xx:
		tx.fsmState, spinfn = tx.inviteStateAccepted, tx.actPassupAccept
	case client_input_300_plus:
		tx.fsmState, spinfn = tx.inviteStateCompleted, tx.actInviteFinal
	case client_input_timer_a:
		tx.fsmState, spinfn = tx.inviteStateCalling, tx.actInviteResend
	case client_input_timer_b:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actTimeout
	case client_input_transport_err:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) inviteStateProceeding(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case client_input_1xx:
		tx.fsmState, spinfn = tx.inviteStateProceeding, tx.actPassup
	case client_input_2xx:
		tx.fsmState, spinfn = tx.inviteStateAccepted, tx.actPassupAccept
	case client_input_300_plus:
		tx.fsmState, spinfn = tx.inviteStateCompleted, tx.actInviteFinal
	case client_input_timer_b:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actTimeout
	case client_input_transport_err:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) inviteStateCompleted(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case client_input_300_plus:
		// Retransmitted final response, answer with the same ACK
		tx.fsmState, spinfn = tx.inviteStateCompleted, tx.actAckResend
	case client_input_timer_ack:
		tx.fsmState, spinfn = tx.inviteStateCompleted, tx.actAckNow
	case client_input_timer_d:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actDelete
	case client_input_transport_err:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) inviteStateAccepted(s fsmInput) fsmInput {
	// RFC 6026 7.2: 2xx moves the transaction to accepted instead of
	// terminating it, so 2xx retransmissions keep a home
	var spinfn fsmState
	switch s {
	case client_input_2xx:
		tx.fsmState, spinfn = tx.inviteStateAccepted, tx.actPassupRetransmission
	case client_input_timer_m:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actDelete
	case client_input_transport_err:
		tx.fsmState, spinfn = tx.inviteStateAccepted, tx.actTransErrNoDelete
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) inviteStateTerminated(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case client_input_delete:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return spinfn()
}

// Non-INVITE client transaction - RFC 3261 17.1.2.2.

func (tx *ClientTx) stateTrying(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case client_input_1xx:
		tx.fsmState, spinfn = tx.stateProceeding, tx.actPassup
	case client_input_2xx, client_input_300_plus:
		tx.fsmState, spinfn = tx.stateCompleted, tx.actFinal
	case client_input_timer_a:
		tx.fsmState, spinfn = tx.stateTrying, tx.actResend
	case client_input_timer_b:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actTimeout
	case client_input_transport_err:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) stateProceeding(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case client_input_1xx:
		tx.fsmState, spinfn = tx.stateProceeding, tx.actPassup
	case client_input_2xx, client_input_300_plus:
		tx.fsmState, spinfn = tx.stateCompleted, tx.actFinal
	case client_input_timer_a:
		tx.fsmState, spinfn = tx.stateProceeding, tx.actResend
	case client_input_timer_b:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actTimeout
	case client_input_transport_err:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actTransErr
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) stateCompleted(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case client_input_timer_d, client_input_delete:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ClientTx) stateTerminated(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case client_input_delete:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return spinfn()
}

// Actions

func (tx *ClientTx) actInviteResend() fsmInput {
	tx.mu.Lock()
	tx.timer_a_time *= 2
	if tx.timer_a != nil {
		tx.timer_a.Reset(tx.timer_a_time)
	}
	tx.mu.Unlock()

	tx.resend()
	return FsmInputNone
}

func (tx *ClientTx) actResend() fsmInput {
	tx.mu.Lock()
	tx.timer_a_time *= 2
	// Timer E caps at T2 for non-INVITE
	if tx.timer_a_time > T2 {
		tx.timer_a_time = T2
	}
	if tx.timer_a != nil {
		tx.timer_a.Reset(tx.timer_a_time)
	}
	tx.mu.Unlock()

	tx.resend()
	return FsmInputNone
}

func (tx *ClientTx) actInviteProceeding() fsmInput {
	tx.fsmPassUp()
	tx.stopTimerA()
	return FsmInputNone
}

func (tx *ClientTx) actInviteFinal() fsmInput {
	tx.ack()
	tx.fsmPassUp()

	tx.mu.Lock()
	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}
	tx.timer_d = time.AfterFunc(tx.timer_d_time, func() {
		tx.spinFsm(client_input_timer_d)
	})
	tx.mu.Unlock()
	return FsmInputNone
}

func (tx *ClientTx) actFinal() fsmInput {
	tx.fsmPassUp()

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}

	if tx.timer_d_time > 0 {
		// Timer K absorbs retransmissions on unreliable transports
		tx.timer_d = time.AfterFunc(tx.timer_d_time, func() {
			tx.spinFsm(client_input_timer_d)
		})
		return FsmInputNone
	}
	return client_input_delete
}

func (tx *ClientTx) actAckResend() fsmInput {
	if tx.fsmAck == nil {
		tx.ack()
		return FsmInputNone
	}

	// ACK already sent once; pace the answer with a timer instead of
	// resending per retransmission, a peer stuck retransmitting would
	// otherwise drive a tight loop. The FSM must not block here.
	tx.mu.Lock()
	if tx.timer_ack == nil {
		tx.timer_ack = time.AfterFunc(T2, func() {
			tx.spinFsm(client_input_timer_ack)
		})
	}
	tx.mu.Unlock()
	return FsmInputNone
}

func (tx *ClientTx) actAckNow() fsmInput {
	tx.mu.Lock()
	if tx.timer_ack != nil {
		tx.timer_ack.Stop()
		tx.timer_ack = nil
	}
	tx.mu.Unlock()

	tx.ack()
	return FsmInputNone
}

func (tx *ClientTx) actTransErr() fsmInput {
	tx.stopTimerA()
	return client_input_delete
}

func (tx *ClientTx) actTransErrNoDelete() fsmInput {
	tx.stopTimerA()
	return FsmInputNone
}

func (tx *ClientTx) actTimeout() fsmInput {
	tx.stopTimerA()
	return client_input_delete
}

func (tx *ClientTx) actPassup() fsmInput {
	tx.fsmPassUp()
	tx.stopTimerA()
	return FsmInputNone
}

func (tx *ClientTx) actPassupAccept() fsmInput {
	tx.fsmPassUp()

	tx.mu.Lock()
	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}
	tx.timer_m = time.AfterFunc(Timer_M, func() {
		tx.spinFsm(client_input_timer_m)
	})
	tx.mu.Unlock()
	return FsmInputNone
}

func (tx *ClientTx) actPassupRetransmission() fsmInput {
	lastResp := tx.fsmResp
	if lastResp == nil {
		return FsmInputNone
	}

	tx.mu.Lock()
	onResp := tx.onRetransmission
	tx.mu.Unlock()

	if onResp != nil {
		// Hook runs outside fsm lock, it may call tx methods
		tx.fsmMu.Unlock()
		onResp(lastResp)
		tx.fsmMu.Lock()
		return FsmInputNone
	}

	tx.log.Debug().Str("tx", tx.Key()).Msg("2xx retransmission skipped, no hook registered")
	return FsmInputNone
}

func (tx *ClientTx) actDelete() fsmInput {
	if tx.fsmErr == nil {
		tx.fsmErr = ErrTransactionTerminated
	}
	tx.delete(tx.fsmErr)
	return FsmInputNone
}

func (tx *ClientTx) stopTimerA() {
	tx.mu.Lock()
	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	tx.mu.Unlock()
}

func (tx *ClientTx) fsmPassUp() {
	lastResp := tx.fsmResp
	if lastResp == nil {
		return
	}
	select {
	case <-tx.done:
	case tx.responses <- lastResp:
	}
}
