package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderParseFormatRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		value string
	}{
		{"via", "SIP/2.0/UDP pc33.atlanta.com:5060;branch=z9hG4bK776asdhds"},
		{"from", "\"Alice\" <sip:alice@atlanta.com>;tag=1928301774"},
		{"to", "<sip:bob@biloxi.com>"},
		{"contact", "<sip:alice@pc33.atlanta.com>;q=0.7;expires=3600"},
		{"call-id", "a84b4c76e66710@pc33.atlanta.com"},
		{"cseq", "4711 INVITE"},
		{"max-forwards", "70"},
		{"expires", "3600"},
		{"content-length", "349"},
		{"content-type", "application/sdp"},
		{"route", "<sip:proxy.atlanta.com;lr>"},
		{"record-route", "<sip:p1.example.com;lr>"},
		{"allow", "INVITE, ACK, CANCEL, BYE"},
		{"supported", "100rel, timer"},
		{"require", "100rel"},
		{"unsupported", "foo"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			parser, ok := headersParsers[tc.name]
			require.True(t, ok, "no parser for %s", tc.name)

			h, err := parser(tc.name, tc.value)
			require.NoError(t, err)
			assert.Equal(t, tc.value, h.Value())

			// format then parse gives the same value again
			h2, err := parser(tc.name, h.Value())
			require.NoError(t, err)
			assert.Equal(t, h.Value(), h2.Value())
		})
	}
}

func TestUnsupportedHeaderName(t *testing.T) {
	// The option tags of a failed Require check travel under
	// Unsupported, not Require
	h, err := headerParserUnsupported("unsupported", "foo, bar")
	require.NoError(t, err)
	assert.Equal(t, "Unsupported", h.Name())
	assert.Equal(t, UnsupportedHeader{"foo", "bar"}, h)
}

func TestQuotedParamValue(t *testing.T) {
	h, err := headerParserVia("via", "SIP/2.0/UDP host.example.com;reason=\"not a token\";branch=z9hG4bKx")
	require.NoError(t, err)
	via := h.(*ViaHeader)

	reason, ok := via.Params.Get("reason")
	require.True(t, ok)
	assert.Equal(t, "not a token", reason)

	// Non token values serialize quoted
	assert.Contains(t, via.Value(), "reason=\"not a token\"")
	assert.Contains(t, via.Value(), "branch=z9hG4bKx")
}

func TestContactQvalue(t *testing.T) {
	h, err := headerParserContact("contact", "<sip:x@a>;q=0.6")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, h.(*ContactHeader).Qvalue(), 0.001)

	h, err = headerParserContact("contact", "<sip:x@a>")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, h.(*ContactHeader).Qvalue(), 0.001)
}

func TestContactWildcard(t *testing.T) {
	h, err := headerParserContact("contact", "*")
	require.NoError(t, err)
	cnt := h.(*ContactHeader)
	assert.True(t, cnt.Address.Wildcard)
	assert.Equal(t, "*", cnt.Value())
}

func TestHeadersOrderPreserved(t *testing.T) {
	req := NewRequest(OPTIONS, Uri{Scheme: "sip", Host: "example.com"})

	via1 := &ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Host: "h1", Params: NewParams()}
	via2 := &ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Host: "h2", Params: NewParams()}
	req.AppendHeader(via1)
	req.AppendHeader(via2)

	vias := req.GetHeaders("Via")
	require.Len(t, vias, 2)
	assert.Equal(t, "h1", vias[0].(*ViaHeader).Host)

	// Prepending moves the new hop on top
	via0 := &ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Host: "h0", Params: NewParams()}
	req.PrependHeader(via0)
	assert.Equal(t, "h0", req.Via().Host)
}

func TestSetBodyContentLength(t *testing.T) {
	req := NewRequest(MESSAGE, Uri{Scheme: "sip", Host: "example.com"})
	req.SetBody([]byte("hello"))

	cl := req.ContentLength()
	require.NotNil(t, cl)
	assert.Equal(t, ContentLengthHeader(5), *cl)

	req.SetBody(nil)
	cl = req.ContentLength()
	require.NotNil(t, cl)
	assert.Equal(t, ContentLengthHeader(0), *cl)
}
