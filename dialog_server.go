package sipua

import (
	"context"
	"fmt"
	"sync"

	"github.com/travelping/sipua/sip"
)

// DialogServer tracks dialogs from the UAS side.
type DialogServer struct {
	s          *Server
	c          *Client
	dialogs    sync.Map // id -> *DialogServerSession
	contactHDR sip.ContactHeader
}

// NewDialogServer creates a UAS dialog handler. contactHDR is placed on
// dialog establishing 2xx responses.
func NewDialogServer(client *Client, server *Server, contactHDR sip.ContactHeader) *DialogServer {
	return &DialogServer{
		s:          server,
		c:          client,
		contactHDR: contactHDR,
	}
}

func (ds *DialogServer) loadDialog(id string) *DialogServerSession {
	val, ok := ds.dialogs.Load(id)
	if !ok {
		return nil
	}
	return val.(*DialogServerSession)
}

// MatchRequest finds the dialog of an in-dialog request.
func (ds *DialogServer) MatchRequest(req *sip.Request) (*DialogServerSession, error) {
	id, err := sip.DialogIDFromRequestUAS(req)
	if err != nil {
		return nil, ErrDialogOutsideDialog
	}
	s := ds.loadDialog(id)
	if s == nil {
		return nil, ErrDialogDoesNotExist
	}
	return s, nil
}

// ReadInvite starts a UAS dialog from the INVITE and its transaction.
func (ds *DialogServer) ReadInvite(req *sip.Request, tx sip.ServerTransaction) (*DialogServerSession, error) {
	contact := req.Contact()
	if contact == nil {
		res := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Missing Contact header", nil)
		if err := tx.Respond(res); err != nil {
			return nil, err
		}
		return nil, ErrDialogInviteNoContact
	}

	dtx := &DialogServerSession{
		ds:       ds,
		inviteTx: tx,
	}
	dtx.Dialog.InviteRequest = req
	dtx.Dialog.Init()
	// The UAS captures Record-Route in direct order - RFC 3261 12.1.1
	dtx.routeSet = sip.UASReadRouteSet(req)
	dtx.remoteTarget = *contact.Address.Clone()
	return dtx, nil
}

// DialogServerSession is one UAS dialog with its INVITE transaction.
type DialogServerSession struct {
	Dialog
	ds       *DialogServer
	inviteTx sip.ServerTransaction
}

// Respond answers the INVITE. A 2xx carries the Contact header,
// establishes the dialog and registers it for in-dialog matching.
// Record-Route headers copy automatically via response construction.
func (s *DialogServerSession) Respond(statusCode int, reason string, body []byte, headers ...sip.Header) error {
	res := sip.NewResponseFromRequest(s.InviteRequest, statusCode, reason, body)
	for _, h := range headers {
		res.AppendHeader(h)
	}
	return s.WriteResponse(res)
}

// WriteResponse sends a prebuilt response through the INVITE
// transaction, tracking dialog state.
func (s *DialogServerSession) WriteResponse(res *sip.Response) error {
	s.InviteResponse = res

	if res.IsSuccess() {
		if res.Contact() == nil {
			res.AppendHeader(&s.ds.contactHDR)
		}

		id, err := sip.DialogIDFromRequestUAS(s.InviteRequest)
		if err != nil {
			// Local tag lives on the response To header
			id, err = sip.DialogIDFromResponse(res)
			if err != nil {
				return err
			}
		}
		s.ID = id
		s.ds.dialogs.Store(id, s)
		s.setState(sip.DialogStateEstablished)
	} else if res.IsProvisional() && res.StatusCode != sip.StatusTrying {
		if to := res.To(); to != nil && to.Tag() != "" {
			s.setState(sip.DialogStateEarly)
		}
	}

	return s.inviteTx.Respond(res)
}

// ReadAck confirms the dialog on the ACK for the 2xx.
func (s *DialogServerSession) ReadAck(req *sip.Request, tx sip.ServerTransaction) error {
	s.setState(sip.DialogStateConfirmed)
	return nil
}

// ReadBye processes the in-dialog BYE and answers 200.
func (s *DialogServerSession) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	if err := s.checkRemoteCSeq(req); err != nil {
		res := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Invalid CSeq", nil)
		return tx.Respond(res)
	}

	defer s.Close()
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "", nil)
	return tx.Respond(res)
}

// Bye ends the dialog from the UAS side - RFC 3261 15.1.2.
func (s *DialogServerSession) Bye(ctx context.Context) error {
	if s.State() == sip.DialogStateEnded {
		return nil
	}
	res := s.InviteResponse
	if res == nil || !res.IsSuccess() {
		// Without an accepted INVITE there is no dialog to end
		return ErrDialogOutsideDialog
	}

	bye := sip.NewRequest(sip.BYE, s.remoteTarget)
	if route := s.buildRouteHeader(); route != nil {
		bye.AppendHeader(route)
	}

	// From/To swap on the UAS side
	from := s.InviteRequest.From()
	to := res.To()
	if from == nil || to == nil {
		return fmt.Errorf("incomplete dialog state for BYE")
	}
	bye.AppendHeader(&sip.FromHeader{
		DisplayName: to.DisplayName,
		Address:     *to.Address.Clone(),
		Params:      to.Params.Clone(),
	})
	bye.AppendHeader(&sip.ToHeader{
		DisplayName: from.DisplayName,
		Address:     *from.Address.Clone(),
		Params:      from.Params.Clone(),
	})
	if h := s.InviteRequest.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	bye.AppendHeader(&sip.CSeqHeader{
		SeqNo:      s.nextCSeq(),
		MethodName: sip.BYE,
	})
	bye.SetTransport(s.InviteRequest.Transport())

	defer s.Close()

	byeRes, err := s.ds.c.Do(ctx, bye)
	if err != nil {
		return err
	}
	if !byeRes.IsSuccess() && byeRes.StatusCode != sip.StatusCallTransactionDoesNotExist {
		return fmt.Errorf("BYE rejected with %d", byeRes.StatusCode)
	}
	return nil
}

// Close removes the session and marks the dialog ended.
func (s *DialogServerSession) Close() error {
	if s.ID != "" {
		s.ds.dialogs.Delete(s.ID)
	}
	s.setState(sip.DialogStateEnded)
	return nil
}
