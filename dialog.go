package sipua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/travelping/sipua/sip"
)

var (
	ErrDialogOutsideDialog   = errors.New("call/transaction outside dialog")
	ErrDialogDoesNotExist    = errors.New("call/transaction does not exist")
	ErrDialogInviteNoContact = errors.New("no Contact header")
	ErrDialogCanceled        = errors.New("dialog canceled")
	ErrDialogInvalidCSeq     = errors.New("invalid CSeq number")
)

// ErrDialogResponse reports an INVITE answered with a non 2xx final.
type ErrDialogResponse struct {
	Res *sip.Response
}

func (e ErrDialogResponse) Error() string {
	return fmt.Sprintf("invite failed with response: %s", e.Res.StartLine())
}

type DialogStateFn func(s sip.DialogState)

// Dialog is the peer to peer relationship from RFC 3261 12: id from
// Call-ID plus both tags, per-direction CSeq bookkeeping, remote target
// from Contact and the captured route set.
type Dialog struct {
	ID string

	// InviteRequest is set on creation. Read only afterwards.
	InviteRequest *sip.Request
	// InviteResponse is the last response seen. Read only.
	InviteResponse *sip.Response

	// remoteTarget is the Contact of the peer, refreshed on 2xx
	remoteTarget sip.Uri
	// routeSet captures Record-Route in the order this side uses it
	routeSet []sip.Uri
	// secure is set when the dialog established over sips
	secure bool

	lastCSeqNo   atomic.Uint32
	remoteCSeqNo atomic.Uint32
	state        atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	onStateMu sync.Mutex
	onState   []DialogStateFn
}

// Init sets up dialog state from the INVITE request.
func (d *Dialog) Init() {
	d.ctx, d.cancel = context.WithCancel(context.Background())
	if cseq := d.InviteRequest.CSeq(); cseq != nil {
		d.lastCSeqNo.Store(cseq.SeqNo)
	}
	d.secure = d.InviteRequest.Recipient.IsEncrypted()
}

func (d *Dialog) InitWithState(s sip.DialogState) {
	d.Init()
	d.state.Store(int32(s))
}

// Context closes when the dialog ends.
func (d *Dialog) Context() context.Context {
	return d.ctx
}

// State returns current dialog state.
func (d *Dialog) State() sip.DialogState {
	return sip.DialogState(d.state.Load())
}

// RemoteTarget is the URI in-dialog requests go to.
func (d *Dialog) RemoteTarget() *sip.Uri {
	return &d.remoteTarget
}

// RouteSet returns the captured route set, nearest hop first.
func (d *Dialog) RouteSet() []sip.Uri {
	return d.routeSet
}

// OnState registers a state transition callback.
func (d *Dialog) OnState(f DialogStateFn) {
	d.onStateMu.Lock()
	d.onState = append(d.onState, f)
	d.onStateMu.Unlock()
}

func (d *Dialog) setState(s sip.DialogState) {
	old := d.state.Swap(int32(s))
	if old == int32(s) {
		return
	}

	if s == sip.DialogStateEnded {
		d.cancel()
	}

	d.onStateMu.Lock()
	callbacks := d.onState
	d.onStateMu.Unlock()
	for _, f := range callbacks {
		f(s)
	}
}

// nextCSeq increments the local sequence number. Strictly monotonic per
// direction within the dialog.
func (d *Dialog) nextCSeq() uint32 {
	return d.lastCSeqNo.Add(1)
}

// checkRemoteCSeq validates the sequence number of an in-dialog request
// from the peer - RFC 3261 12.2.2.
func (d *Dialog) checkRemoteCSeq(req *sip.Request) error {
	cseq := req.CSeq()
	if cseq == nil {
		return ErrDialogInvalidCSeq
	}
	last := d.remoteCSeqNo.Load()
	if cseq.SeqNo < last {
		return ErrDialogInvalidCSeq
	}
	d.remoteCSeqNo.Store(cseq.SeqNo)
	return nil
}

// buildRouteHeader renders the dialog route set into a Route header
// chain for an in-dialog request.
func (d *Dialog) buildRouteHeader() *sip.RouteHeader {
	if len(d.routeSet) == 0 {
		return nil
	}
	var route *sip.RouteHeader
	for i := len(d.routeSet) - 1; i >= 0; i-- {
		route = &sip.RouteHeader{Address: *d.routeSet[i].Clone(), Next: route}
	}
	return route
}
