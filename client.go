package sipua

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/icholy/digest"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/travelping/sipua/sip"
)

// ClientTransactionRequester abstracts transaction creation. Tests
// replace it to intercept outgoing requests.
type ClientTransactionRequester interface {
	Request(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error)
}

// Client is the UAC core handle.
type Client struct {
	*UserAgent
	host        string
	port        int
	rport       bool
	maxForwards int
	routeSet    []sip.Uri
	log         zerolog.Logger

	connAddr sip.Addr

	// in-flight SendRequest flows by request id
	requestsMu sync.Mutex
	requests   map[RequestID]*requestState

	// TxRequester replaces the default transaction layer requester.
	// Useful only for testing.
	TxRequester ClientTransactionRequester
}

type ClientOption func(c *Client) error

// WithClientLogger allows customizing client logger.
func WithClientLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) error {
		c.log = logger
		return nil
	}
}

// WithClientHostname sets the host placed on Via.
func WithClientHostname(hostname string) ClientOption {
	return func(c *Client) error {
		c.host = hostname
		return nil
	}
}

// WithClientPort sets the Via port. Default is the ephemeral port of
// the connection.
func WithClientPort(port int) ClientOption {
	return func(c *Client) error {
		c.port = port
		return nil
	}
}

// WithClientNAT adds rport to generated Via headers - RFC 3581.
func WithClientNAT() ClientOption {
	return func(c *Client) error {
		c.rport = true
		return nil
	}
}

// WithClientMaxForwards overrides the default Max-Forwards of 70.
func WithClientMaxForwards(maxfwd int) ClientOption {
	return func(c *Client) error {
		c.maxForwards = maxfwd
		return nil
	}
}

// WithClientRouteSet preloads a Route set prepended to every new
// request - RFC 3261 8.1.1.1 preloaded routes.
func WithClientRouteSet(routes []sip.Uri) ClientOption {
	return func(c *Client) error {
		c.routeSet = routes
		return nil
	}
}

// WithClientConnectionAddr pins requests to a local address. Useful for
// acting as client only without server listeners.
func WithClientConnectionAddr(hostPort string) ClientOption {
	return func(c *Client) error {
		host, port, err := sip.ParseAddr(hostPort)
		if err != nil {
			return err
		}
		c.connAddr = sip.Addr{
			IP:       net.ParseIP(host),
			Port:     port,
			Hostname: host,
		}
		return nil
	}
}

// NewClient creates the UAC handle over a user agent.
func NewClient(ua *UserAgent, options ...ClientOption) (*Client, error) {
	c := &Client{
		UserAgent:   ua,
		maxForwards: 70,
		log:         log.Logger.With().Str("caller", "Client").Logger(),
	}
	for _, o := range options {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Close client handle. UserAgent must be closed for layer shutdown.
func (c *Client) Close() error {
	return nil
}

func (c *Client) Hostname() string {
	return c.host
}

// TransactionRequest builds missing mandatory headers (To, From, CSeq,
// Call-ID, Max-Forwards, Via - RFC 3261 8.1.1) and starts a client
// transaction. Passing options disables the default build and runs the
// options instead.
func (c *Client) TransactionRequest(ctx context.Context, req *sip.Request, options ...ClientRequestOption) (sip.ClientTransaction, error) {
	if req.IsAck() {
		return nil, fmt.Errorf("ACK request must be sent directly through transport, use WriteRequest")
	}

	if len(options) == 0 {
		if err := clientRequestBuildReq(c, req); err != nil {
			return nil, err
		}
	} else {
		for _, o := range options {
			if err := o(c, req); err != nil {
				return nil, err
			}
		}
	}

	if c.TxRequester != nil {
		return c.TxRequester.Request(ctx, req)
	}

	// Content-Length locates the message end on streams, warn early
	if sip.IsReliable(req.Transport()) && req.ContentLength() == nil {
		c.log.Warn().Msg("Missing Content-Length for reliable transport")
	}

	return c.tx.Request(ctx, req)
}

// Do sends the request and blocks until the final response, like
// http.Client.Do. Provisional responses are skipped. For INVITE
// cancellation semantics use SendRequest/CancelRequest.
func (c *Client) Do(ctx context.Context, req *sip.Request, opts ...ClientRequestOption) (*sip.Response, error) {
	tx, err := c.TransactionRequest(ctx, req, opts...)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	for {
		select {
		case res := <-tx.Responses():
			if res.IsProvisional() {
				continue
			}
			return res, nil
		case <-tx.Done():
			return nil, tx.Err()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// WriteRequest sends the request directly through the transport layer,
// outside any transaction. Dialog ACKs go this way.
func (c *Client) WriteRequest(req *sip.Request, options ...ClientRequestOption) error {
	if len(options) == 0 {
		if err := clientRequestBuildReq(c, req); err != nil {
			return err
		}
		return c.writeReq(req)
	}
	for _, o := range options {
		if err := o(c, req); err != nil {
			return err
		}
	}
	return c.writeReq(req)
}

func (c *Client) writeReq(req *sip.Request) error {
	if c.TxRequester != nil {
		_, err := c.TxRequester.Request(context.TODO(), req)
		return err
	}
	return c.tp.WriteMsg(req)
}

// DigestAuth holds UAC credentials for 401/407 retries.
type DigestAuth struct {
	Username string
	Password string
}

// TransactionDigestAuth resubmits req answering the digest challenge in
// res with a fresh transaction - RFC 3261 22. CSeq increments and Via
// gets a new branch so the retry is its own transaction.
func (c *Client) TransactionDigestAuth(ctx context.Context, req *sip.Request, res *sip.Response, auth DigestAuth) (sip.ClientTransaction, error) {
	opts := digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.Addr(),
		Username: auth.Username,
		Password: auth.Password,
	}

	var err error
	if res.StatusCode == sip.StatusProxyAuthRequired {
		err = digestProxyAuthApply(req, res, opts)
	} else {
		err = digestAuthApply(req, res, opts)
	}
	if err != nil {
		return nil, err
	}

	if cseq := req.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	req.RemoveHeader("Via")
	return c.TransactionRequest(ctx, req, ClientRequestBuild)
}

// DoDigestAuth is Do with a digest retry applied.
func (c *Client) DoDigestAuth(ctx context.Context, req *sip.Request, res *sip.Response, auth DigestAuth) (*sip.Response, error) {
	tx, err := c.TransactionDigestAuth(ctx, req, res, auth)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	for {
		select {
		case res := <-tx.Responses():
			if res.IsProvisional() {
				continue
			}
			return res, nil
		case <-tx.Done():
			return nil, tx.Err()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func digestAuthApply(req *sip.Request, res *sip.Response, opts digest.Options) error {
	wwwAuth := res.GetHeader("WWW-Authenticate")
	if wwwAuth == nil {
		return fmt.Errorf("no WWW-Authenticate header present")
	}

	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return fmt.Errorf("failed to parse challenge %q: %w", wwwAuth.Value(), err)
	}
	// Upper case algorithm, some servers send it lower case
	chal.Algorithm = sip.ASCIIToUpper(chal.Algorithm)

	cred, err := digest.Digest(chal, opts)
	if err != nil {
		return fmt.Errorf("failed to build digest: %w", err)
	}

	req.RemoveHeader("Authorization")
	req.AppendHeader(sip.NewHeader("Authorization", cred.String()))
	return nil
}

func digestProxyAuthApply(req *sip.Request, res *sip.Response, opts digest.Options) error {
	authHeader := res.GetHeader("Proxy-Authenticate")
	if authHeader == nil {
		return fmt.Errorf("no Proxy-Authenticate header present")
	}

	chal, err := digest.ParseChallenge(authHeader.Value())
	if err != nil {
		return fmt.Errorf("failed to parse challenge %q: %w", authHeader.Value(), err)
	}
	chal.Algorithm = sip.ASCIIToUpper(chal.Algorithm)

	cred, err := digest.Digest(chal, opts)
	if err != nil {
		return fmt.Errorf("failed to build digest: %w", err)
	}

	req.RemoveHeader("Proxy-Authorization")
	req.AppendHeader(sip.NewHeader("Proxy-Authorization", cred.String()))
	return nil
}

type ClientRequestOption func(c *Client, req *sip.Request) error

// ClientRequestBuild fills missing mandatory headers. It is the default
// behavior of TransactionRequest, exported to combine with other
// options.
func ClientRequestBuild(c *Client, r *sip.Request) error {
	return clientRequestBuildReq(c, r)
}

func clientRequestBuildReq(c *Client, req *sip.Request) error {
	// RFC 3261 8.1.1: a UAC request must carry To, From, CSeq, Call-ID,
	// Max-Forwards and Via
	mustHeaders := make([]sip.Header, 0, 6)

	if v := req.Via(); v == nil {
		mustHeaders = append(mustHeaders, clientRequestCreateVia(c, req))
	}

	if v := req.From(); v == nil {
		from := sip.FromHeader{
			DisplayName: c.UserAgent.name,
			Address: sip.Uri{
				Scheme: req.Recipient.Scheme,
				User:   c.UserAgent.name,
				Host:   c.UserAgent.hostname,
			},
			Params: sip.NewParams(),
		}
		if from.Address.Host == "" {
			from.Address.Host = c.host
		}
		from.Params.Add("tag", sip.GenerateTag())
		mustHeaders = append(mustHeaders, &from)
	}

	if v := req.To(); v == nil {
		to := sip.ToHeader{
			Address: sip.Uri{
				Scheme:    req.Recipient.Scheme,
				Encrypted: req.Recipient.Encrypted,
				User:      req.Recipient.User,
				Host:      req.Recipient.Host,
				Port:      req.Recipient.Port,
			},
			Params: sip.NewParams(),
		}
		mustHeaders = append(mustHeaders, &to)
	}

	if v := req.CallID(); v == nil {
		id, err := uuid.NewRandom()
		if err != nil {
			return err
		}
		callid := sip.CallIDHeader(id.String() + "@" + c.UserAgent.hostname)
		mustHeaders = append(mustHeaders, &callid)
	}

	if v := req.CSeq(); v == nil {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			return err
		}
		// Keep below 2**31 with headroom for in-dialog increments
		n := binary.BigEndian.Uint32(b[:]) % (1 << 28)
		if n == 0 {
			n = 1
		}
		cseq := sip.CSeqHeader{
			SeqNo:      n,
			MethodName: req.Method,
		}
		mustHeaders = append(mustHeaders, &cseq)
	}

	if v := req.MaxForwards(); v == nil {
		maxfwd := sip.MaxForwardsHeader(c.maxForwards)
		mustHeaders = append(mustHeaders, &maxfwd)
	}

	req.PrependHeader(mustHeaders...)

	// Preloaded route set - RFC 3261 8.1.1.1
	if len(c.routeSet) > 0 && req.Route() == nil {
		var route *sip.RouteHeader
		for i := len(c.routeSet) - 1; i >= 0; i-- {
			route = &sip.RouteHeader{Address: *c.routeSet[i].Clone(), Next: route}
		}
		req.AppendHeader(route)
	}

	if req.Body() == nil {
		req.SetBody(nil)
	}

	if c.connAddr.IP != nil {
		c.connAddr.Copy(&req.Laddr)
	}
	return nil
}

// ClientRequestAddVia prepends a fresh Via with a new branch.
func ClientRequestAddVia(c *Client, r *sip.Request) error {
	r.PrependHeader(clientRequestCreateVia(c, r))
	return nil
}

func clientRequestCreateVia(c *Client, r *sip.Request) *sip.ViaHeader {
	newvia := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       r.Transport(),
		Host:            c.host, // transport layer overrides when empty
		Port:            c.port,
		Params:          sip.NewParams(),
	}
	newvia.Params.Add("branch", sip.GenerateBranch())
	if c.rport {
		newvia.Params.Add("rport", "")
	}
	return newvia
}

// ClientRequestIncreaseCSeq bumps CSeq for a new transaction reusing a
// built request. In-dialog requests manage CSeq themselves.
func ClientRequestIncreaseCSeq(c *Client, req *sip.Request) error {
	if cseq := req.CSeq(); cseq != nil {
		cseq.SeqNo++
		cseq.MethodName = req.Method
	}
	return nil
}
