package sipua

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travelping/sipua/sip"
)

const (
	testWait = 2 * time.Second
	testTick = 2 * time.Millisecond
)

type handlerEvent struct {
	id  RequestID
	res *sip.Response
	err error
}

func collectHandler(events chan handlerEvent) ResponseHandler {
	return func(id RequestID, res *sip.Response, err error) {
		events <- handlerEvent{id: id, res: res, err: err}
	}
}

func testInviteRequest(t testing.TB, target string) *sip.Request {
	t.Helper()
	var recipient sip.Uri
	require.NoError(t, sip.ParseUri(target, &recipient))
	return sip.NewRequest(sip.INVITE, recipient)
}

func TestSendRequestNoDestinations(t *testing.T) {
	client, _ := testClient(t)

	req := sip.NewRequest(sip.INVITE, sip.Uri{})
	_, err := client.SendRequest(context.Background(), req, func(id RequestID, res *sip.Response, err error) {})
	assert.ErrorIs(t, err, ErrNoDestinations)
}

func TestSendRequestRedirectOrdering(t *testing.T) {
	client, requester := testClient(t)
	events := make(chan handlerEvent, 8)

	req := testInviteRequest(t, "sip:bob@biloxi.com")
	_, err := client.SendRequest(context.Background(), req, collectHandler(events))
	require.NoError(t, err)
	require.Equal(t, 1, requester.count())

	// Redirect with q ordered contacts: y@b (0.9) wins over x@a (0.6)
	res302 := sip.NewResponseFromRequest(requester.lastReq(), sip.StatusMovedTemporarily, "", nil)
	res302.AppendHeader(sip.NewHeader("Contact", "<sip:x@a>;q=0.6, <sip:y@b>;q=0.9"))
	res302parsed, perr := sip.ParseMessage([]byte(res302.String()))
	require.NoError(t, perr)

	requester.lastTx().responses <- res302parsed.(*sip.Response)

	require.Eventually(t, func() bool { return requester.count() == 2 }, testWait, testTick)
	second := requester.lastReq()
	assert.Equal(t, "y", second.Recipient.User)
	assert.Equal(t, "b", second.Recipient.Host)

	// Failure on the preferred target falls back to the next one
	res486 := sip.NewResponseFromRequest(second, sip.StatusBusyHere, "", nil)
	requester.lastTx().responses <- res486

	require.Eventually(t, func() bool { return requester.count() == 3 }, testWait, testTick)
	third := requester.lastReq()
	assert.Equal(t, "x", third.Recipient.User)
	assert.Equal(t, "a", third.Recipient.Host)

	// Last target failing delivers the response to the handler
	resFinal := sip.NewResponseFromRequest(third, sip.StatusBusyHere, "", nil)
	requester.lastTx().responses <- resFinal

	select {
	case ev := <-events:
		require.NotNil(t, ev.res)
		assert.Equal(t, sip.StatusBusyHere, ev.res.StatusCode)
	case <-time.After(testWait):
		t.Fatal("handler never saw the final response")
	}
}

func TestSendRequestFailoverOn503(t *testing.T) {
	// biloxi.com serves two SRV endpoints; 503 from the first must
	// retry the second before the target URI counts as failed
	resolver := &testResolver{
		srv: map[string][]*net.SRV{
			"biloxi.com": {
				{Target: "ep1.biloxi.com", Port: 5060},
				{Target: "ep2.biloxi.com", Port: 5062},
			},
		},
		ips: map[string][]net.IPAddr{
			"ep1.biloxi.com": {{IP: net.ParseIP("192.0.2.1")}},
			"ep2.biloxi.com": {{IP: net.ParseIP("192.0.2.2")}},
		},
	}
	client, requester := testClientWithResolver(t, resolver)
	events := make(chan handlerEvent, 8)

	req := testInviteRequest(t, "sip:bob@biloxi.com")
	_, err := client.SendRequest(context.Background(), req, collectHandler(events))
	require.NoError(t, err)
	require.Equal(t, 1, requester.count())
	assert.Equal(t, "192.0.2.1:5060", requester.lastReq().Destination())

	// 503 moves to the next DNS-resolved endpoint of the same URI
	res503 := sip.NewResponseFromRequest(requester.lastReq(), sip.StatusServiceUnavailable, "", nil)
	requester.lastTx().responses <- res503

	require.Eventually(t, func() bool { return requester.count() == 2 }, testWait, testTick)
	second := requester.lastReq()
	assert.Equal(t, "192.0.2.2:5062", second.Destination())
	// Same target URI, fresh branch
	assert.Equal(t, "biloxi.com", second.Recipient.Host)
	assert.NotEqual(t, requester.reqs[0].Via().Branch(), second.Via().Branch())

	// 503 from the last endpoint surfaces to the handler
	res503b := sip.NewResponseFromRequest(second, sip.StatusServiceUnavailable, "", nil)
	requester.lastTx().responses <- res503b

	select {
	case ev := <-events:
		require.NotNil(t, ev.res)
		assert.Equal(t, sip.StatusServiceUnavailable, ev.res.StatusCode)
	case <-time.After(testWait):
		t.Fatal("handler never saw the 503")
	}
}

func TestCancelRequestSemantics(t *testing.T) {
	client, requester := testClient(t)
	events := make(chan handlerEvent, 8)

	// Unknown id
	assert.ErrorIs(t, client.CancelRequest("unknown"), ErrNoRequest)

	req := testInviteRequest(t, "sip:bob@biloxi.com")
	id, err := client.SendRequest(context.Background(), req, collectHandler(events))
	require.NoError(t, err)
	require.Equal(t, 1, requester.count())

	// Cancel before any provisional response defers the CANCEL
	require.NoError(t, client.CancelRequest(id))
	assert.Equal(t, 1, requester.count())

	// Provisional arrival releases the deferred CANCEL
	res180 := sip.NewResponseFromRequest(requester.lastReq(), sip.StatusRinging, "", nil)
	requester.lastTx().responses <- res180

	require.Eventually(t, func() bool { return requester.count() == 2 }, testWait, testTick)
	cancel := requester.lastReq()
	assert.Equal(t, sip.CANCEL, cancel.Method)
	// CANCEL matches the pending request top Via branch - RFC 3261 9
	assert.Equal(t, requester.reqs[0].Via().Branch(), cancel.Via().Branch())

	// The 180 still reached the handler
	select {
	case ev := <-events:
		require.NotNil(t, ev.res)
		assert.Equal(t, sip.StatusRinging, ev.res.StatusCode)
	case <-time.After(testWait):
		t.Fatal("handler never saw the 180")
	}

	// A 2xx arriving after the CANCEL is still delivered; the
	// application is responsible for sending BYE
	res200 := sip.NewResponseFromRequest(requester.reqs[0], sip.StatusOK, "", nil)
	requester.txs[0].responses <- res200

	select {
	case ev := <-events:
		require.NotNil(t, ev.res)
		assert.Equal(t, sip.StatusOK, ev.res.StatusCode)
	case <-time.After(testWait):
		t.Fatal("handler never saw the 200 after CANCEL")
	}

	// Cancel is idempotent and the id is gone after completion
	assert.ErrorIs(t, client.CancelRequest(id), ErrNoRequest)
}

func TestCollectContactsStableOrder(t *testing.T) {
	res := sip.NewResponse(sip.StatusMovedTemporarily, "")
	res.AppendHeader(sip.NewHeader("X-Dummy", "1"))
	raw := "SIP/2.0 302 Moved Temporarily\r\n" +
		"Via: SIP/2.0/UDP host;branch=z9hG4bKx\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Call-ID: c\r\n" +
		"From: <sip:a@a>;tag=1\r\n" +
		"To: <sip:b@b>;tag=2\r\n" +
		"Contact: <sip:first@a>;q=0.5, <sip:second@a>;q=0.5\r\n" +
		"Contact: <sip:third@a>;q=0.8\r\n" +
		"Content-Length: 0\r\n\r\n"
	msg, err := sip.ParseMessage([]byte(raw))
	require.NoError(t, err)

	uris := collectContacts(msg.(*sip.Response))
	require.Len(t, uris, 3)
	assert.Equal(t, "third", uris[0].User)
	// Equal q preserves original order
	assert.Equal(t, "first", uris[1].User)
	assert.Equal(t, "second", uris[2].User)
}
