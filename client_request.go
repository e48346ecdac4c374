package sipua

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/travelping/sipua/sip"

	"github.com/google/uuid"
)

var (
	// ErrNoDestinations means the target set was exhausted before any
	// attempt could be made.
	ErrNoDestinations = errors.New("no destinations")
	// ErrNoRequest is returned when cancelling an unknown request id.
	ErrNoRequest = errors.New("no request")
)

// RequestID is the opaque handle of an in-flight UAC request.
type RequestID string

// ResponseHandler delivers responses and terminal errors for a request
// sent with SendRequest. It always runs on a goroutine distinct from
// the caller of SendRequest.
type ResponseHandler func(id RequestID, res *sip.Response, err error)

// RequestOption tunes a single SendRequest flow.
type RequestOption func(s *requestState)

// WithRequestDigestAuth arms one digest retry for 401/407 challenges.
func WithRequestDigestAuth(auth DigestAuth) RequestOption {
	return func(s *requestState) {
		s.auth = &auth
	}
}

// requestState drives one logical request through its target set:
// redirects, authentication retry and failover - RFC 3261 8.1.3.
type requestState struct {
	c       *Client
	id      RequestID
	handler ResponseHandler
	auth    *DigestAuth

	mu sync.Mutex
	// remaining target URIs, head is next to try
	targets []sip.Uri
	// remaining DNS-resolved endpoints of the current target URI
	// (RFC 3263); 408/503 and transport failures walk these before the
	// next target URI is tried
	addrs []sip.Addr
	// attempted counts target URI attempts, bounding redirect loops
	attempted int
	curReq    *sip.Request
	tx        sip.ClientTransaction
	authDone  bool
	// provisional response seen on current transaction, CANCEL is
	// legal only after one - RFC 3261 9.1
	gotProvisional bool
	cancelPending  bool
	canceled       bool
	finished       bool
}

// maxRedirectHops bounds recursion through 3xx contact chains.
const maxRedirectHops = 16

// SendRequest starts the request towards its target set and delivers
// every meaningful response through handler. The flow follows RFC 3261
// 8.1.3: provisionals forward as they come; 3xx repopulates the target
// set from Contact ordered by q-value; 401/407 triggers one digest
// retry when credentials were given; 408/503 and transport errors fail
// over to the next target; any other final response ends the flow for
// that target set position.
func (c *Client) SendRequest(ctx context.Context, req *sip.Request, handler ResponseHandler, options ...RequestOption) (RequestID, error) {
	if req.Recipient.Host == "" {
		return "", ErrNoDestinations
	}

	s := &requestState{
		c:       c,
		id:      RequestID(uuid.NewString()),
		handler: handler,
		targets: []sip.Uri{*req.Recipient.Clone()},
		curReq:  req,
	}
	for _, o := range options {
		o(s)
	}

	c.requestsMu.Lock()
	if c.requests == nil {
		c.requests = make(map[RequestID]*requestState)
	}
	c.requests[s.id] = s
	c.requestsMu.Unlock()

	if err := s.nextAttempt(ctx); err != nil {
		c.dropRequest(s.id)
		return "", err
	}
	return s.id, nil
}

// CancelRequest cancels the pending request - RFC 3261 9. The CANCEL
// goes out only after a provisional response was received, otherwise it
// is deferred until one arrives. Idempotent.
func (c *Client) CancelRequest(id RequestID) error {
	c.requestsMu.Lock()
	s, ok := c.requests[id]
	c.requestsMu.Unlock()
	if !ok {
		return ErrNoRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceled || s.finished {
		return nil
	}
	if !s.gotProvisional {
		s.cancelPending = true
		return nil
	}
	return s.sendCancel()
}

func (c *Client) dropRequest(id RequestID) {
	c.requestsMu.Lock()
	delete(c.requests, id)
	c.requestsMu.Unlock()
}

// sendCancel builds and writes the CANCEL for the current transaction.
// Caller holds s.mu.
func (s *requestState) sendCancel() error {
	s.canceled = true
	cancel := sip.NewCancelRequest(s.curReq)
	return s.c.writeReq(cancel)
}

// nextAttempt pops the next target URI and starts a transaction for it.
func (s *requestState) nextAttempt(ctx context.Context) error {
	s.mu.Lock()
	if len(s.targets) == 0 || s.attempted >= maxRedirectHops {
		s.mu.Unlock()
		return ErrNoDestinations
	}
	target := s.targets[0]
	s.targets = s.targets[1:]
	s.attempted++

	req := s.curReq.Clone()
	req.Recipient = *target.Clone()
	req.SetDestination("") // re-resolve for the new target
	// Fresh transaction wants a fresh branch
	req.RemoveHeader("Via")
	s.curReq = req
	s.gotProvisional = false
	s.mu.Unlock()

	// Resolve the endpoint list of this URI up front so failover can
	// walk it. A failed lookup leaves resolution to the transport layer.
	addrs := s.resolveEndpoints(ctx, req)
	s.mu.Lock()
	if len(addrs) > 0 {
		req.SetDestination(addrs[0].String())
		s.addrs = addrs[1:]
	} else {
		s.addrs = nil
	}
	s.mu.Unlock()

	tx, err := s.c.TransactionRequest(ctx, req, ClientRequestBuild)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.tx = tx
	s.mu.Unlock()

	go s.consume(ctx, tx)
	return nil
}

func (s *requestState) resolveEndpoints(ctx context.Context, req *sip.Request) []sip.Addr {
	tp := s.c.tp
	if tp == nil {
		return nil
	}
	scheme := "sip"
	if req.Recipient.IsEncrypted() {
		scheme = "sips"
	}
	addrs, err := tp.ResolveDestinations(ctx, sip.NetworkToLower(req.Transport()), req.Destination(), scheme)
	if err != nil {
		s.c.log.Debug().Err(err).Str("dest", req.Destination()).Msg("endpoint list resolution failed")
		return nil
	}
	return addrs
}

// nextEndpoint retries the current target URI against its next
// DNS-resolved endpoint. Returns false when the endpoint list is dry.
func (s *requestState) nextEndpoint(ctx context.Context) bool {
	s.mu.Lock()
	if len(s.addrs) == 0 || s.canceled || s.finished {
		s.mu.Unlock()
		return false
	}
	addr := s.addrs[0]
	s.addrs = s.addrs[1:]

	req := s.curReq.Clone()
	req.SetDestination(addr.String())
	// Fresh transaction wants a fresh branch
	req.RemoveHeader("Via")
	s.curReq = req
	s.gotProvisional = false
	s.mu.Unlock()

	tx, err := s.c.TransactionRequest(ctx, req, ClientRequestBuild)
	if err != nil {
		return false
	}

	s.mu.Lock()
	s.tx = tx
	s.mu.Unlock()

	go s.consume(ctx, tx)
	return true
}

// consume reads one transaction until a final disposition is reached.
func (s *requestState) consume(ctx context.Context, tx sip.ClientTransaction) {
	for {
		select {
		case res := <-tx.Responses():
			if done := s.disposeResponse(ctx, tx, res); done {
				return
			}
		case <-tx.Done():
			err := tx.Err()
			if errors.Is(err, sip.ErrTransactionTransport) {
				// Transport failure fails over before surfacing
				if s.failover(ctx, tx) {
					return
				}
			}
			if errors.Is(err, sip.ErrTransactionTerminated) {
				// Normal termination after a handled final response
				return
			}
			s.finish(tx, nil, err)
			return
		case <-ctx.Done():
			s.finish(tx, nil, ctx.Err())
			return
		}
	}
}

// disposeResponse routes one response per RFC 3261 8.1.3. Returns true
// when this transaction is finished for the flow.
func (s *requestState) disposeResponse(ctx context.Context, tx sip.ClientTransaction, res *sip.Response) bool {
	switch {
	case res.IsProvisional():
		s.mu.Lock()
		s.gotProvisional = true
		deferred := s.cancelPending && !s.canceled
		var cancelErr error
		if deferred {
			s.cancelPending = false
			cancelErr = s.sendCancel()
		}
		s.mu.Unlock()
		if cancelErr != nil {
			s.c.log.Error().Err(cancelErr).Msg("deferred CANCEL failed")
		}
		s.handler(s.id, res, nil)
		return false

	case res.IsSuccess():
		// 2xx terminates the flow. A 2xx after CANCEL still reaches
		// the handler, the application answers with BYE.
		s.finish(tx, res, nil)
		return true

	case res.IsRedirection():
		// Contact list joins the target set ordered by q descending,
		// stable for equal q - RFC 3261 8.1.3.4
		contacts := collectContacts(res)
		if len(contacts) > 0 {
			s.mu.Lock()
			s.targets = append(contacts, s.targets...)
			s.mu.Unlock()
		}
		return s.tryNext(ctx, tx, res)

	case res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired:
		s.mu.Lock()
		auth := s.auth
		done := s.authDone
		req := s.curReq
		s.mu.Unlock()
		if auth == nil || done {
			s.finish(tx, res, nil)
			return true
		}
		s.mu.Lock()
		s.authDone = true
		s.mu.Unlock()

		tx.Terminate()
		newTx, err := s.c.TransactionDigestAuth(ctx, req, res, *auth)
		if err != nil {
			s.finish(tx, res, err)
			return true
		}
		s.mu.Lock()
		s.tx = newTx
		s.gotProvisional = false
		s.mu.Unlock()
		go s.consume(ctx, newTx)
		return true

	case res.StatusCode == sip.StatusRequestTimeout || res.StatusCode == sip.StatusServiceUnavailable:
		// RFC 3263: the next DNS-resolved endpoint of the same URI
		// comes before the next target URI
		tx.Terminate()
		if s.nextEndpoint(ctx) {
			return true
		}
		return s.tryNext(ctx, tx, res)

	default:
		return s.tryNext(ctx, tx, res)
	}
}

// tryNext moves to the next target, delivering res when none remains.
func (s *requestState) tryNext(ctx context.Context, tx sip.ClientTransaction, res *sip.Response) bool {
	s.mu.Lock()
	exhausted := len(s.targets) == 0 || s.attempted >= maxRedirectHops || s.canceled
	s.mu.Unlock()

	if exhausted {
		s.finish(tx, res, nil)
		return true
	}

	tx.Terminate()
	if err := s.nextAttempt(ctx); err != nil {
		s.finish(tx, res, nil)
	}
	return true
}

// failover retries after a transport error: first the remaining
// endpoints of the current URI, then the next target. Returns true when
// a new attempt was started.
func (s *requestState) failover(ctx context.Context, tx sip.ClientTransaction) bool {
	if s.nextEndpoint(ctx) {
		return true
	}

	s.mu.Lock()
	exhausted := len(s.targets) == 0 || s.canceled
	s.mu.Unlock()
	if exhausted {
		return false
	}
	if err := s.nextAttempt(ctx); err != nil {
		return false
	}
	return true
}

func (s *requestState) finish(tx sip.ClientTransaction, res *sip.Response, err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.mu.Unlock()

	s.c.dropRequest(s.id)
	if tx != nil {
		tx.Terminate()
	}
	if res != nil || err != nil {
		s.handler(s.id, res, err)
	}
}

// collectContacts flattens response Contact headers sorted by q-value
// descending; order of equal q entries is preserved.
func collectContacts(res *sip.Response) []sip.Uri {
	type qUri struct {
		uri sip.Uri
		q   float64
	}
	var entries []qUri
	for _, h := range res.GetHeaders("Contact") {
		cnt, ok := h.(*sip.ContactHeader)
		if !ok {
			continue
		}
		for hop := cnt; hop != nil; hop = hop.Next {
			if hop.Address.Wildcard {
				continue
			}
			entries = append(entries, qUri{uri: *hop.Address.Clone(), q: hop.Qvalue()})
		}
	}

	slices.SortStableFunc(entries, func(a, b qUri) int {
		switch {
		case a.q > b.q:
			return -1
		case a.q < b.q:
			return 1
		}
		return 0
	})

	uris := make([]sip.Uri, len(entries))
	for i, e := range entries {
		uris[i] = e.uri
	}
	return uris
}
