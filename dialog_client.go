package sipua

import (
	"context"
	"fmt"
	"sync"

	"github.com/travelping/sipua/sip"
)

// DialogClient creates and tracks dialogs from the UAC side.
type DialogClient struct {
	c          *Client
	dialogs    sync.Map // id -> *DialogClientSession
	contactHDR sip.ContactHeader
}

// NewDialogClient creates a UAC dialog handler. contactHDR goes on the
// INVITE and in-dialog requests.
func NewDialogClient(client *Client, contactHDR sip.ContactHeader) *DialogClient {
	return &DialogClient{
		c:          client,
		contactHDR: contactHDR,
	}
}

func (dc *DialogClient) loadDialog(id string) *DialogClientSession {
	val, ok := dc.dialogs.Load(id)
	if !ok {
		return nil
	}
	return val.(*DialogClientSession)
}

// MatchResponse finds the dialog session of an in-dialog response.
func (dc *DialogClient) MatchResponse(res *sip.Response) (*DialogClientSession, error) {
	id, err := sip.DialogIDFromResponse(res)
	if err != nil {
		return nil, err
	}
	s := dc.loadDialog(id)
	if s == nil {
		return nil, ErrDialogDoesNotExist
	}
	return s, nil
}

// Invite sends the dialog establishing INVITE. The session tracks the
// transaction; use WaitAnswer, Ack and Bye on it.
func (dc *DialogClient) Invite(ctx context.Context, recipient sip.Uri, body []byte, headers ...sip.Header) (*DialogClientSession, error) {
	req := sip.NewRequest(sip.INVITE, recipient)
	if body != nil {
		req.SetBody(body)
	}
	req.AppendHeader(&dc.contactHDR)
	for _, h := range headers {
		req.AppendHeader(h)
	}

	tx, err := dc.c.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	dtx := &DialogClientSession{
		dc:       dc,
		inviteTx: tx,
	}
	dtx.Dialog.InviteRequest = req
	dtx.Dialog.Init()
	return dtx, nil
}

// DialogClientSession is one UAC dialog with its INVITE transaction.
type DialogClientSession struct {
	Dialog
	dc       *DialogClient
	inviteTx sip.ClientTransaction
}

// WaitAnswer blocks until the 2xx establishing the dialog, an error
// final response (returned as ErrDialogResponse) or ctx cancel.
// Provisional responses with a To tag move the dialog to early state.
func (s *DialogClientSession) WaitAnswer(ctx context.Context) error {
	for {
		select {
		case res := <-s.inviteTx.Responses():
			if res.IsProvisional() {
				if to := res.To(); to != nil && to.Tag() != "" {
					// Early dialog - RFC 3261 12.1
					s.InviteResponse = res
					s.setState(sip.DialogStateEarly)
				}
				continue
			}
			if !res.IsSuccess() {
				return ErrDialogResponse{Res: res}
			}
			return s.inviteAnswered(res)

		case <-s.inviteTx.Done():
			return s.inviteTx.Err()

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *DialogClientSession) inviteAnswered(res *sip.Response) error {
	contact := res.Contact()
	if contact == nil {
		return ErrDialogInviteNoContact
	}

	id, err := sip.DialogIDFromRequestUAC(s.InviteRequest)
	if err != nil {
		// To tag comes from the response
		id, err = sip.DialogIDFromResponse(res)
		if err != nil {
			return err
		}
	}

	s.ID = id
	s.InviteResponse = res
	// Contact of the 2xx becomes the remote target - RFC 3261 12.1.2
	s.remoteTarget = *contact.Address.Clone()
	s.routeSet = sip.UACReadRouteSet(res)
	s.setState(sip.DialogStateEstablished)

	s.dc.dialogs.Store(id, s)
	return nil
}

// Ack acknowledges the 2xx. The ACK for a 2xx is its own transaction
// with a fresh branch and goes to the remote target through the route
// set - RFC 3261 13.2.2.4.
func (s *DialogClientSession) Ack(ctx context.Context) error {
	res := s.InviteResponse
	if res == nil || !res.IsSuccess() {
		return ErrDialogOutsideDialog
	}

	ack := sip.NewRequest(sip.ACK, s.remoteTarget)
	if route := s.buildRouteHeader(); route != nil {
		ack.AppendHeader(route)
	}
	if h := s.InviteRequest.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := res.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := s.InviteRequest.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := s.InviteRequest.CSeq(); h != nil {
		// Same sequence number as the INVITE, method ACK
		cseq := sip.HeaderClone(h).(*sip.CSeqHeader)
		cseq.MethodName = sip.ACK
		ack.AppendHeader(cseq)
	}
	ack.SetTransport(s.InviteRequest.Transport())

	if err := s.dc.c.WriteRequest(ack); err != nil {
		return fmt.Errorf("failed to send ACK: %w", err)
	}
	s.setState(sip.DialogStateConfirmed)
	return nil
}

// Bye ends the dialog - RFC 3261 15.1.1.
func (s *DialogClientSession) Bye(ctx context.Context) error {
	if s.State() == sip.DialogStateEnded {
		return nil
	}

	bye := sip.NewRequest(sip.BYE, s.remoteTarget)
	if route := s.buildRouteHeader(); route != nil {
		bye.AppendHeader(route)
	}
	if h := s.InviteRequest.From(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if res := s.InviteResponse; res != nil {
		if h := res.To(); h != nil {
			bye.AppendHeader(sip.HeaderClone(h))
		}
	}
	if h := s.InviteRequest.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	bye.AppendHeader(&sip.CSeqHeader{
		SeqNo:      s.nextCSeq(),
		MethodName: sip.BYE,
	})
	bye.SetTransport(s.InviteRequest.Transport())

	defer s.Close()

	res, err := s.dc.c.Do(ctx, bye)
	if err != nil {
		return err
	}
	if !res.IsSuccess() && res.StatusCode != sip.StatusCallTransactionDoesNotExist {
		return fmt.Errorf("BYE rejected with %d", res.StatusCode)
	}
	return nil
}

// Cancel cancels the pending INVITE - RFC 3261 9.1. Valid only before
// a final response.
func (s *DialogClientSession) Cancel(ctx context.Context) error {
	cancel := sip.NewCancelRequest(s.InviteRequest)
	res, err := s.dc.c.Do(ctx, cancel)
	if err != nil {
		return err
	}
	if !res.IsSuccess() {
		return fmt.Errorf("CANCEL rejected with %d", res.StatusCode)
	}
	return nil
}

// ReadBye processes the in-dialog BYE from the peer and answers 200.
func (s *DialogClientSession) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	if err := s.checkRemoteCSeq(req); err != nil {
		res := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Invalid CSeq", nil)
		return tx.Respond(res)
	}

	defer s.Close()
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "", nil)
	return tx.Respond(res)
}

// Close removes the session and marks the dialog ended. It does not
// send anything.
func (s *DialogClientSession) Close() error {
	if s.ID != "" {
		s.dc.dialogs.Delete(s.ID)
	}
	s.setState(sip.DialogStateEnded)
	s.inviteTx.Terminate()
	return nil
}
