package sipua

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travelping/sipua/sip"
)

func testServer(t testing.TB, options ...ServerOption) *Server {
	t.Helper()
	ua, err := NewUA(
		WithUserAgent("sipua-test"),
		WithUserAgentIP(net.ParseIP("127.0.0.1")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { ua.Close() })

	srv, err := NewServer(ua, options...)
	require.NoError(t, err)
	return srv
}

func testServerRequest(t testing.TB, method sip.RequestMethod, headers ...sip.Header) *sip.Request {
	t.Helper()
	var recipient sip.Uri
	require.NoError(t, sip.ParseUri("sip:uas@example.com", &recipient))

	req := sip.NewRequest(method, recipient)
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "client.example.com",
		Port:            5060,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranch())
	req.AppendHeader(via)

	from := &sip.FromHeader{Address: sip.Uri{Scheme: "sip", User: "uac", Host: "example.com"}, Params: sip.NewParams()}
	from.Params.Add("tag", sip.GenerateTag())
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: recipient, Params: sip.NewParams()})
	callid := sip.CallIDHeader("pipeline-" + sip.RandString(8))
	req.AppendHeader(&callid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	for _, h := range headers {
		req.AppendHeader(h)
	}
	req.SetTransport("UDP")
	req.SetSource("client.example.com:5060")
	return req
}

func TestServerValidateMethodNotAllowed(t *testing.T) {
	srv := testServer(t)
	srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		t.Fatal("handler must not run")
	})

	req := testServerRequest(t, sip.OPTIONS)
	res := srv.validate(req)
	require.NotNil(t, res)
	assert.Equal(t, sip.StatusMethodNotAllowed, res.StatusCode)

	allow := res.GetHeader("Allow")
	require.NotNil(t, allow)
	assert.Equal(t, "INVITE", allow.Value())
}

func TestServerValidateRequire(t *testing.T) {
	srv := testServer(t, WithServerSupported([]string{"timer"}))
	srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {})

	// Require covered by Supported passes
	req := testServerRequest(t, sip.INVITE, sip.RequireHeader{"timer"})
	assert.Nil(t, srv.validate(req))

	// Uncovered Require answers 420 listing the gap
	req = testServerRequest(t, sip.INVITE, sip.RequireHeader{"foo", "timer"})
	res := srv.validate(req)
	require.NotNil(t, res)
	assert.Equal(t, sip.StatusBadExtension, res.StatusCode)

	unsupported := res.GetHeader("Unsupported")
	require.NotNil(t, unsupported)
	assert.Equal(t, "foo", unsupported.Value())
}

func TestServerValidateRequireSkippedForCancel(t *testing.T) {
	srv := testServer(t)
	srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {})

	req := testServerRequest(t, sip.CANCEL, sip.RequireHeader{"foo"})
	assert.Nil(t, srv.validate(req))

	// Same for the ACK of a non 2xx
	req = testServerRequest(t, sip.ACK, sip.RequireHeader{"foo"})
	assert.Nil(t, srv.validate(req))
}

func TestServerValidateLoopDetection(t *testing.T) {
	srv := testServer(t, WithServerLoopDetection())
	srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {})

	req := testServerRequest(t, sip.INVITE)
	assert.Nil(t, srv.validate(req))

	// Retransmission keeps the branch, no loop
	assert.Nil(t, srv.validate(req.Clone()))

	// Same Call-ID, To, From, CSeq and Request-URI with a fresh branch
	// is a loop - RFC 3261 8.2.2.2
	looped := req.Clone()
	looped.Via().Params.Add("branch", sip.GenerateBranch())
	res := srv.validate(looped)
	require.NotNil(t, res)
	assert.Equal(t, sip.StatusLoopDetected, res.StatusCode)
}

func TestServerLoopDetectionDisabledByDefault(t *testing.T) {
	srv := testServer(t)
	srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {})

	req := testServerRequest(t, sip.INVITE)
	assert.Nil(t, srv.validate(req))

	looped := req.Clone()
	looped.Via().Params.Add("branch", sip.GenerateBranch())
	assert.Nil(t, srv.validate(looped))
}

func TestServerResponseDefaults(t *testing.T) {
	srv := testServer(t, WithServerName("sipua/1.0"), WithServerSupported([]string{"timer"}))
	srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {})

	req := testServerRequest(t, sip.INVITE)
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "", nil)

	recorder := &respondRecorder{}
	tx := &serverTx{recorder, srv}
	require.NoError(t, tx.Respond(res))

	require.NotNil(t, recorder.res)
	server := recorder.res.GetHeader("Server")
	require.NotNil(t, server)
	assert.Equal(t, "sipua/1.0", server.Value())
	assert.NotNil(t, recorder.res.GetHeader("Allow"))
	assert.Equal(t, "timer", recorder.res.GetHeader("Supported").Value())

	// To tag appears on the final response
	assert.NotEmpty(t, recorder.res.To().Tag())

	// Handler provided headers stay untouched
	res2 := sip.NewResponseFromRequest(req, sip.StatusOK, "", nil)
	custom := sip.ServerHeader("custom/2.0")
	res2.AppendHeader(&custom)
	require.NoError(t, tx.Respond(res2))
	assert.Equal(t, "custom/2.0", recorder.res.GetHeader("Server").Value())
}

// respondRecorder is a ServerTransaction stub capturing the response.
type respondRecorder struct {
	res *sip.Response
}

func (r *respondRecorder) Terminate()                            {}
func (r *respondRecorder) Done() <-chan struct{}                 { return nil }
func (r *respondRecorder) Err() error                            { return nil }
func (r *respondRecorder) OnTerminate(f sip.FnTxTerminate) bool  { return true }
func (r *respondRecorder) Acks() <-chan *sip.Request             { return nil }
func (r *respondRecorder) OnCancel(f sip.FnTxCancel) bool        { return true }
func (r *respondRecorder) Respond(res *sip.Response) error {
	r.res = res
	return nil
}
