package sipua

import (
	"slices"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/travelping/sipua/sip"
)

// RequestHandler is the application callback for one method.
type RequestHandler func(req *sip.Request, tx sip.ServerTransaction)

// Server is the UAS core handle. Every inbound request runs the
// RFC 3261 8.2 validation pipeline before the method handler fires:
// method allowed (405), loop detection (482), Require coverage (420).
type Server struct {
	*UserAgent

	requestHandlers map[sip.RequestMethod]RequestHandler
	noRouteHandler  RequestHandler

	serverName  string
	supported   []string
	detectLoops bool
	loops       *loopDetector

	log zerolog.Logger

	requestMiddlewares  []func(r *sip.Request)
	responseMiddlewares []func(r *sip.Response)
}

type ServerOption func(s *Server) error

// WithServerLogger allows customizing server logger.
func WithServerLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) error {
		s.log = logger
		return nil
	}
}

// WithServerName sets the Server header product string.
func WithServerName(name string) ServerOption {
	return func(s *Server) error {
		s.serverName = name
		return nil
	}
}

// WithServerSupported declares supported extension option tags,
// answered in Supported and checked against Require.
func WithServerSupported(tags []string) ServerOption {
	return func(s *Server) error {
		s.supported = tags
		return nil
	}
}

// WithServerLoopDetection enables RFC 3261 8.2.2.2 loop detection.
func WithServerLoopDetection() ServerOption {
	return func(s *Server) error {
		s.detectLoops = true
		return nil
	}
}

// NewServer creates the UAS handle over a user agent and hooks it to
// the transaction layer.
func NewServer(ua *UserAgent, options ...ServerOption) (*Server, error) {
	s := &Server{
		UserAgent:       ua,
		requestHandlers: make(map[sip.RequestMethod]RequestHandler),
		loops:           newLoopDetector(),
		log:             log.Logger.With().Str("caller", "Server").Logger(),
	}
	for _, o := range options {
		if err := o(s); err != nil {
			return nil, err
		}
	}
	s.noRouteHandler = s.defaultUnhandledHandler

	ua.tx.OnRequest(s.onRequest)
	return s, nil
}

// Close server handle. UserAgent must be closed for layer shutdown.
func (srv *Server) Close() error {
	return nil
}

// onRequest is the transaction layer entry.
func (srv *Server) onRequest(req *sip.Request, tx *sip.ServerTx) {
	go srv.handleRequest(req, tx)
}

// handleRequest runs middlewares, the validation pipeline and the
// method handler. Must run on its own goroutine.
func (srv *Server) handleRequest(req *sip.Request, tx sip.ServerTransaction) {
	for _, mid := range srv.requestMiddlewares {
		mid(req)
	}

	if res := srv.validate(req); res != nil {
		// Validation failed; the automatic response suppresses the
		// handler entirely
		if err := tx.Respond(res); err != nil {
			srv.log.Error().Err(err).Int("status", res.StatusCode).Msg("validation response failed")
		}
		tx.Terminate()
		return
	}

	handler, ok := srv.requestHandlers[req.Method]
	if !ok {
		if req.IsAck() {
			// ACK never gets a response - RFC 3261 17
			tx.Terminate()
			return
		}
		handler = srv.noRouteHandler
	}
	handler(req, &serverTx{tx, srv})
	// Must be called to prevent transaction leaks; termination waits
	// for retransmission absorption inside the FSM
	tx.Terminate()
}

// validate is the RFC 3261 8.2.1-8.2.2.3 pipeline. Any failing step
// produces the response ending the request; nil means dispatch.
func (srv *Server) validate(req *sip.Request) *sip.Response {
	// 8.2.1 method understood and allowed
	if _, ok := srv.requestHandlers[req.Method]; !ok && req.Method != sip.CANCEL && req.Method != sip.ACK {
		res := sip.NewResponseFromRequest(req, sip.StatusMethodNotAllowed, "", nil)
		res.AppendHeader(srv.allowHeader())
		return res
	}

	// 8.2.2.2 loop detection
	if srv.detectLoops {
		if srv.loops.check(req) {
			return sip.NewResponseFromRequest(req, sip.StatusLoopDetected, "", nil)
		}
	}

	// 8.2.2.3 Require must be covered by Supported. CANCEL is exempt,
	// as is ACK for a non-2xx (any ACK reaching a server transaction
	// here acknowledges a non-2xx final).
	if req.Method != sip.CANCEL && !req.IsAck() {
		if unsupported := srv.uncoveredRequire(req); len(unsupported) > 0 {
			res := sip.NewResponseFromRequest(req, sip.StatusBadExtension, "", nil)
			res.AppendHeader(sip.UnsupportedHeader(unsupported))
			return res
		}
	}
	return nil
}

func (srv *Server) uncoveredRequire(req *sip.Request) []string {
	var unsupported []string
	for _, h := range req.GetHeaders("Require") {
		require, ok := h.(sip.RequireHeader)
		if !ok {
			continue
		}
		for _, tag := range require {
			if !slices.Contains(srv.supported, tag) {
				unsupported = append(unsupported, tag)
			}
		}
	}
	return unsupported
}

// allowHeader lists the registered methods, sorted.
func (srv *Server) allowHeader() sip.AllowHeader {
	allow := make(sip.AllowHeader, 0, len(srv.requestHandlers))
	for m := range srv.requestHandlers {
		allow = append(allow, m)
	}
	slices.SortFunc(allow, func(a, b sip.RequestMethod) int {
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	})
	return allow
}

// WriteResponse sends a response through the transport layer without a
// transaction, the stateless path.
func (srv *Server) WriteResponse(r *sip.Response) error {
	return srv.tp.WriteMsg(r)
}

// OnRequest registers a handler for a method.
func (srv *Server) OnRequest(method sip.RequestMethod, handler RequestHandler) {
	srv.requestHandlers[method] = handler
}

// OnInvite registers INVITE request handler.
func (srv *Server) OnInvite(handler RequestHandler) {
	srv.requestHandlers[sip.INVITE] = handler
}

// OnAck registers ACK request handler.
func (srv *Server) OnAck(handler RequestHandler) {
	srv.requestHandlers[sip.ACK] = handler
}

// OnCancel registers CANCEL request handler.
func (srv *Server) OnCancel(handler RequestHandler) {
	srv.requestHandlers[sip.CANCEL] = handler
}

// OnBye registers BYE request handler.
func (srv *Server) OnBye(handler RequestHandler) {
	srv.requestHandlers[sip.BYE] = handler
}

// OnRegister registers REGISTER request handler.
func (srv *Server) OnRegister(handler RequestHandler) {
	srv.requestHandlers[sip.REGISTER] = handler
}

// OnOptions registers OPTIONS request handler.
func (srv *Server) OnOptions(handler RequestHandler) {
	srv.requestHandlers[sip.OPTIONS] = handler
}

// OnSubscribe registers SUBSCRIBE request handler.
func (srv *Server) OnSubscribe(handler RequestHandler) {
	srv.requestHandlers[sip.SUBSCRIBE] = handler
}

// OnNotify registers NOTIFY request handler.
func (srv *Server) OnNotify(handler RequestHandler) {
	srv.requestHandlers[sip.NOTIFY] = handler
}

// OnRefer registers REFER request handler.
func (srv *Server) OnRefer(handler RequestHandler) {
	srv.requestHandlers[sip.REFER] = handler
}

// OnInfo registers INFO request handler.
func (srv *Server) OnInfo(handler RequestHandler) {
	srv.requestHandlers[sip.INFO] = handler
}

// OnMessage registers MESSAGE request handler.
func (srv *Server) OnMessage(handler RequestHandler) {
	srv.requestHandlers[sip.MESSAGE] = handler
}

// OnNoRoute overrides handling of methods without a registered handler.
// Default responds 405 Method Not Allowed with an Allow header.
func (srv *Server) OnNoRoute(handler RequestHandler) {
	srv.noRouteHandler = handler
}

// RegisteredMethods can be used for constructing an Allow header.
func (srv *Server) RegisteredMethods() []string {
	r := make([]string, 0, len(srv.requestHandlers))
	for k := range srv.requestHandlers {
		r = append(r, k.String())
	}
	slices.Sort(r)
	return r
}

func (srv *Server) getHandler(method sip.RequestMethod) RequestHandler {
	if handler, ok := srv.requestHandlers[method]; ok {
		return handler
	}
	return srv.noRouteHandler
}

func (srv *Server) defaultUnhandledHandler(req *sip.Request, tx sip.ServerTransaction) {
	srv.log.Warn().Str("method", string(req.Method)).Msg("SIP request handler not found")
	res := sip.NewResponseFromRequest(req, sip.StatusMethodNotAllowed, "", nil)
	res.AppendHeader(srv.allowHeader())
	if err := tx.Respond(res); err != nil {
		srv.log.Error().Err(err).Msg("respond '405 Method Not Allowed' failed")
	}
}

// ServeRequest registers middleware run on every inbound request before
// validation.
func (srv *Server) ServeRequest(f func(r *sip.Request)) {
	srv.requestMiddlewares = append(srv.requestMiddlewares, f)
}

// serverTx decorates handler responses with the automatic Server,
// Allow and Supported headers when the handler did not set them -
// RFC 3261 8.2.6.
type serverTx struct {
	sip.ServerTransaction
	srv *Server
}

func (tx *serverTx) Respond(res *sip.Response) error {
	if tx.srv.serverName != "" && res.GetHeader("Server") == nil {
		server := sip.ServerHeader(tx.srv.serverName)
		res.AppendHeader(&server)
	}
	if res.GetHeader("Allow") == nil {
		res.AppendHeader(tx.srv.allowHeader())
	}
	if len(tx.srv.supported) > 0 && res.GetHeader("Supported") == nil {
		res.AppendHeader(sip.SupportedHeader(tx.srv.supported))
	}
	return tx.ServerTransaction.Respond(res)
}
