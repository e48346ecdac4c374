package sipua

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travelping/sipua/sip"
)

// testTx is a scripted client transaction.
type testTx struct {
	responses chan *sip.Response
	done      chan struct{}
	err       error
	termOnce  sync.Once
}

func newTestTx() *testTx {
	return &testTx{
		responses: make(chan *sip.Response, 8),
		done:      make(chan struct{}),
	}
}

func (tx *testTx) Terminate() {
	tx.termOnce.Do(func() { close(tx.done) })
}
func (tx *testTx) Done() <-chan struct{}                  { return tx.done }
func (tx *testTx) Err() error                             { return tx.err }
func (tx *testTx) OnTerminate(f sip.FnTxTerminate) bool   { return true }
func (tx *testTx) Responses() <-chan *sip.Response        { return tx.responses }
func (tx *testTx) OnRetransmission(f sip.FnTxResponse) bool { return true }

// testRequester captures outgoing requests and hands back scripted
// transactions.
type testRequester struct {
	mu   sync.Mutex
	reqs []*sip.Request
	txs  []*testTx
}

func (r *testRequester) Request(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := newTestTx()
	r.reqs = append(r.reqs, req)
	r.txs = append(r.txs, tx)
	return tx, nil
}

func (r *testRequester) lastReq() *sip.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.reqs) == 0 {
		return nil
	}
	return r.reqs[len(r.reqs)-1]
}

func (r *testRequester) lastTx() *testTx {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.txs) == 0 {
		return nil
	}
	return r.txs[len(r.txs)-1]
}

func (r *testRequester) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

// testResolver serves scripted SRV and address records; everything
// else fails like an empty zone.
type testResolver struct {
	srv map[string][]*net.SRV
	ips map[string][]net.IPAddr
}

func (r *testResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	if ips, ok := r.ips[host]; ok {
		return ips, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func (r *testResolver) LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error) {
	if srvs, ok := r.srv[name]; ok {
		return name, srvs, nil
	}
	return "", nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
}

func (r *testResolver) LookupNAPTR(ctx context.Context, host string) ([]*sip.NAPTR, error) {
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func testClientWithResolver(t testing.TB, resolver sip.DNSResolver, options ...ClientOption) (*Client, *testRequester) {
	t.Helper()
	ua, err := NewUA(
		WithUserAgent("sipua-test"),
		WithUserAgentIP(net.ParseIP("127.0.0.1")),
		WithUserAgentDNSResolver(resolver),
	)
	require.NoError(t, err)
	t.Cleanup(func() { ua.Close() })

	options = append([]ClientOption{WithClientHostname("127.0.0.1"), WithClientPort(5060)}, options...)
	client, err := NewClient(ua, options...)
	require.NoError(t, err)

	requester := &testRequester{}
	client.TxRequester = requester
	return client, requester
}

func testClient(t testing.TB, options ...ClientOption) (*Client, *testRequester) {
	t.Helper()
	return testClientWithResolver(t, &testResolver{}, options...)
}

func TestClientRequestBuild(t *testing.T) {
	client, requester := testClient(t)

	var recipient sip.Uri
	require.NoError(t, sip.ParseUri("sip:bob@biloxi.com", &recipient))
	req := sip.NewRequest(sip.INVITE, recipient)

	_, err := client.TransactionRequest(context.Background(), req)
	require.NoError(t, err)

	sent := requester.lastReq()
	require.NotNil(t, sent)

	// RFC 3261 8.1.1 mandatory header fields
	via := sent.Via()
	require.NotNil(t, via)
	assert.True(t, strings.HasPrefix(via.Branch(), sip.RFC3261BranchMagicCookie))

	from := sent.From()
	require.NotNil(t, from)
	assert.NotEmpty(t, from.Tag())

	to := sent.To()
	require.NotNil(t, to)
	assert.Equal(t, "bob", to.Address.User)
	assert.Empty(t, to.Tag())

	require.NotNil(t, sent.CallID())
	assert.NotEmpty(t, sent.CallID().Value())

	cseq := sent.CSeq()
	require.NotNil(t, cseq)
	assert.Equal(t, sip.INVITE, cseq.MethodName)
	assert.NotZero(t, cseq.SeqNo)

	maxfwd := sent.MaxForwards()
	require.NotNil(t, maxfwd)
	assert.Equal(t, 70, maxfwd.Val())
}

func TestClientRequestPreloadedRoute(t *testing.T) {
	var proxy sip.Uri
	require.NoError(t, sip.ParseUri("sip:proxy.example.com;lr", &proxy))

	client, requester := testClient(t, WithClientRouteSet([]sip.Uri{proxy}))

	var recipient sip.Uri
	require.NoError(t, sip.ParseUri("sip:bob@biloxi.com", &recipient))
	req := sip.NewRequest(sip.OPTIONS, recipient)

	_, err := client.TransactionRequest(context.Background(), req)
	require.NoError(t, err)

	route := requester.lastReq().Route()
	require.NotNil(t, route)
	assert.Equal(t, "proxy.example.com", route.Address.Host)
}

func TestClientDigestAuthRetry(t *testing.T) {
	client, requester := testClient(t)

	var recipient sip.Uri
	require.NoError(t, sip.ParseUri("sip:registrar.biloxi.com", &recipient))
	req := sip.NewRequest(sip.REGISTER, recipient)

	_, err := client.TransactionRequest(context.Background(), req)
	require.NoError(t, err)

	first := requester.lastReq()
	firstBranch := first.Via().Branch()
	firstCSeq := first.CSeq().SeqNo

	// Challenge the request
	res401 := sip.NewResponseFromRequest(first, sip.StatusUnauthorized, "", nil)
	res401.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="x", nonce="n", algorithm=MD5`))

	_, err = client.TransactionDigestAuth(context.Background(), first, res401, DigestAuth{
		Username: "bob",
		Password: "secret",
	})
	require.NoError(t, err)
	require.Equal(t, 2, requester.count())

	retry := requester.lastReq()
	auth := retry.GetHeader("Authorization")
	require.NotNil(t, auth)
	assert.Contains(t, auth.Value(), `realm="x"`)
	assert.Contains(t, auth.Value(), `nonce="n"`)
	assert.Contains(t, auth.Value(), `username="bob"`)
	assert.Contains(t, auth.Value(), "response=")

	// The retry is a fresh transaction: new branch, bumped CSeq
	assert.NotEqual(t, firstBranch, retry.Via().Branch())
	assert.Equal(t, firstCSeq+1, retry.CSeq().SeqNo)
}

func TestClientDo(t *testing.T) {
	client, requester := testClient(t)

	var recipient sip.Uri
	require.NoError(t, sip.ParseUri("sip:bob@biloxi.com", &recipient))
	req := sip.NewRequest(sip.OPTIONS, recipient)

	resCh := make(chan *sip.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := client.Do(context.Background(), req)
		resCh <- res
		errCh <- err
	}()

	// Wait for the request to hit the wire, then script responses
	require.Eventually(t, func() bool { return requester.count() == 1 }, testWait, testTick)
	tx := requester.lastTx()
	tx.responses <- sip.NewResponseFromRequest(requester.lastReq(), sip.StatusTrying, "", nil)
	tx.responses <- sip.NewResponseFromRequest(requester.lastReq(), sip.StatusOK, "", nil)

	res := <-resCh
	require.NoError(t, <-errCh)
	assert.Equal(t, sip.StatusOK, res.StatusCode)
}
