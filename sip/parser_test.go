package sip

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	raw := "INVITE sip:bob@biloxi.com SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n" +
		"Max-Forwards: 70\r\n" +
		"To: Bob <sip:bob@biloxi.com>\r\n" +
		"From: Alice <sip:alice@atlanta.com>;tag=1928301774\r\n" +
		"Call-ID: a84b4c76e66710@pc33.atlanta.com\r\n" +
		"CSeq: 314159 INVITE\r\n" +
		"Contact: <sip:alice@pc33.atlanta.com>\r\n" +
		"Content-Type: application/sdp\r\n" +
		"Content-Length: 4\r\n" +
		"\r\n" +
		"v=0\r\n"

	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)

	req, ok := msg.(*Request)
	require.True(t, ok)
	assert.Equal(t, INVITE, req.Method)
	assert.Equal(t, "sip:bob@biloxi.com", req.Recipient.String())

	via := req.Via()
	require.NotNil(t, via)
	assert.Equal(t, "UDP", via.Transport)
	assert.Equal(t, "pc33.atlanta.com", via.Host)
	assert.Equal(t, "z9hG4bK776asdhds", via.Branch())

	from := req.From()
	require.NotNil(t, from)
	assert.Equal(t, "Alice", from.DisplayName)
	assert.Equal(t, "1928301774", from.Tag())

	cseq := req.CSeq()
	require.NotNil(t, cseq)
	assert.Equal(t, uint32(314159), cseq.SeqNo)
	assert.Equal(t, INVITE, cseq.MethodName)

	require.NotNil(t, req.CallID())
	assert.Equal(t, "a84b4c76e66710@pc33.atlanta.com", req.CallID().Value())

	assert.Equal(t, []byte("v=0\r\n")[:4], req.Body())
}

func TestParseResponse(t *testing.T) {
	raw := "SIP/2.0 200 OK\r\n" +
		"Via: SIP/2.0/UDP server10.biloxi.com;branch=z9hG4bK4b43c2ff8.1\r\n" +
		"To: Bob <sip:bob@biloxi.com>;tag=a6c85cf\r\n" +
		"From: Alice <sip:alice@atlanta.com>;tag=1928301774\r\n" +
		"Call-ID: a84b4c76e66710\r\n" +
		"CSeq: 314159 INVITE\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"

	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)

	res, ok := msg.(*Response)
	require.True(t, ok)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "OK", res.Reason)
	to := res.To()
	require.NotNil(t, to)
	assert.Equal(t, "a6c85cf", to.Tag())
}

func TestResponseToTag(t *testing.T) {
	req := testCreateInvite(t, "sip:bob@127.0.0.99:5060", "udp", "127.0.0.2:5060")

	// Provisional responses carry no automatic To tag
	for _, code := range []int{StatusTrying, StatusRinging, StatusSessionInProgress} {
		res := NewResponseFromRequest(req, code, "", nil)
		require.NotNil(t, res.To())
		assert.Empty(t, res.To().Tag(), "status %d must not be tagged", code)
	}

	// Final responses do
	for _, code := range []int{StatusOK, StatusBusyHere, StatusInternalServerError} {
		res := NewResponseFromRequest(req, code, "", nil)
		require.NotNil(t, res.To())
		assert.NotEmpty(t, res.To().Tag(), "status %d must be tagged", code)
	}

	// An application-set tag survives
	tagged := req.Clone()
	tagged.To().Params.Add("tag", "preset")
	res := NewResponseFromRequest(tagged, StatusOK, "", nil)
	assert.Equal(t, "preset", res.To().Tag())
}

func TestParseCompactAliases(t *testing.T) {
	raw := "OPTIONS sip:bob@biloxi.com SIP/2.0\r\n" +
		"v: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bKhjhs8ass877\r\n" +
		"f: <sip:alice@atlanta.com>;tag=88sja8x\r\n" +
		"t: <sip:bob@biloxi.com>\r\n" +
		"i: 987asjd97y7atg\r\n" +
		"m: <sip:alice@pc33.atlanta.com>\r\n" +
		"k: 100rel\r\n" +
		"l: 0\r\n" +
		"CSeq: 1 OPTIONS\r\n" +
		"\r\n"

	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)

	req := msg.(*Request)
	require.NotNil(t, req.Via())
	require.NotNil(t, req.From())
	require.NotNil(t, req.To())
	require.NotNil(t, req.CallID())
	require.NotNil(t, req.Contact())
	require.NotNil(t, req.ContentLength())

	supported := req.GetHeader("Supported")
	require.NotNil(t, supported)
	assert.Equal(t, "100rel", supported.Value())
}

func TestParseHeaderFolding(t *testing.T) {
	raw := "OPTIONS sip:bob@biloxi.com SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n" +
		"Subject: I know you're there,\r\n" +
		" pick up the phone\r\n" +
		"CSeq: 1 OPTIONS\r\n" +
		"Call-ID: folding@test\r\n" +
		"From: <sip:alice@atlanta.com>;tag=a\r\n" +
		"To: <sip:bob@biloxi.com>\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"

	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)

	subject := msg.GetHeader("Subject")
	require.NotNil(t, subject)
	assert.Equal(t, "I know you're there, pick up the phone", subject.Value())
}

func TestParseDatagramBodies(t *testing.T) {
	base := "MESSAGE sip:bob@biloxi.com SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n" +
		"CSeq: 1 MESSAGE\r\n" +
		"Call-ID: datagram@test\r\n" +
		"From: <sip:alice@atlanta.com>;tag=a\r\n" +
		"To: <sip:bob@biloxi.com>\r\n"

	t.Run("TrailingBytesDiscarded", func(t *testing.T) {
		raw := base + "Content-Length: 5\r\n\r\nhellothere"
		msg, err := ParseMessage([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), msg.Body())
	})

	t.Run("ContentTooSmall", func(t *testing.T) {
		raw := base + "Content-Length: 50\r\n\r\nhello"
		_, err := ParseMessage([]byte(raw))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrParseContentTooSmall))
	})
}

func TestParseMessageRoundTrip(t *testing.T) {
	raw := "INVITE sip:bob@biloxi.com SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP pc33.atlanta.com:5060;branch=z9hG4bK776asdhds\r\n" +
		"Max-Forwards: 70\r\n" +
		"From: \"Alice\" <sip:alice@atlanta.com>;tag=1928301774\r\n" +
		"To: <sip:bob@biloxi.com>\r\n" +
		"Call-ID: a84b4c76e66710@pc33.atlanta.com\r\n" +
		"CSeq: 314159 INVITE\r\n" +
		"Contact: <sip:alice@pc33.atlanta.com>\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"

	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, msg.String())

	// Parsing the formatted output again yields the same rendering
	msg2, err := ParseMessage([]byte(msg.String()))
	require.NoError(t, err)
	assert.Equal(t, msg.String(), msg2.String())
}

func TestParseMultiValueHeaders(t *testing.T) {
	raw := "INVITE sip:bob@biloxi.com SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP first.example.com;branch=z9hG4bKa, SIP/2.0/UDP second.example.com;branch=z9hG4bKb\r\n" +
		"Record-Route: <sip:p1.example.com;lr>, <sip:p2.example.com;lr>\r\n" +
		"Contact: <sip:x@a.example.com>;q=0.6, <sip:y@b.example.com>;q=0.9\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Call-ID: multi@test\r\n" +
		"From: <sip:alice@atlanta.com>;tag=a\r\n" +
		"To: <sip:bob@biloxi.com>\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"

	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)

	vias := msg.GetHeaders("Via")
	require.Len(t, vias, 2)
	assert.Equal(t, "first.example.com", vias[0].(*ViaHeader).Host)
	assert.Equal(t, "second.example.com", vias[1].(*ViaHeader).Host)
	// Topmost Via is the first
	assert.Equal(t, "first.example.com", msg.Via().Host)

	rrs := msg.GetHeaders("Record-Route")
	require.Len(t, rrs, 2)
	assert.Equal(t, "p1.example.com", rrs[0].(*RecordRouteHeader).Address.Host)

	contacts := msg.GetHeaders("Contact")
	require.Len(t, contacts, 2)
	q, _ := contacts[0].(*ContactHeader).Params.Get("q")
	assert.Equal(t, "0.6", q)
}
