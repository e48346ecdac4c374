package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUri(t *testing.T) {
	var uri Uri

	for _, testCase := range []string{
		"sip:alice@atlanta.com",
		"SIP:alice@atlanta.com",
		"sIp:alice@atlanta.com",
	} {
		uri = Uri{}
		require.NoError(t, ParseUri(testCase, &uri))
		assert.Equal(t, "alice", uri.User)
		assert.Equal(t, "atlanta.com", uri.Host)
		assert.False(t, uri.Encrypted)
	}

	for _, testCase := range []string{
		"sips:alice@atlanta.com",
		"SIPS:alice@atlanta.com",
	} {
		uri = Uri{}
		require.NoError(t, ParseUri(testCase, &uri))
		assert.Equal(t, "alice", uri.User)
		assert.True(t, uri.Encrypted)
	}

	uri = Uri{}
	require.NoError(t, ParseUri("sips:alice@atlanta.com?subject=project%20x&priority=urgent", &uri))
	assert.Equal(t, "alice", uri.User)
	assert.Equal(t, "atlanta.com", uri.Host)
	subject, _ := uri.Headers.Get("subject")
	priority, _ := uri.Headers.Get("priority")
	assert.Equal(t, "project%20x", subject)
	assert.Equal(t, "urgent", priority)

	uri = Uri{}
	require.NoError(t, ParseUri("sip:bob:secret@atlanta.com:9999;rport;transport=tcp;method=REGISTER", &uri))
	assert.Equal(t, "bob", uri.User)
	assert.Equal(t, "secret", uri.Password)
	assert.Equal(t, "atlanta.com", uri.Host)
	assert.Equal(t, 9999, uri.Port)
	assert.True(t, uri.UriParams.Has("rport"))
	transport, _ := uri.UriParams.Get("transport")
	assert.Equal(t, "tcp", transport)
	method, _ := uri.UriParams.Get("method")
	assert.Equal(t, "REGISTER", method)

	uri = Uri{}
	require.NoError(t, ParseUri("sip:[2001:db8::1]:5060;transport=udp", &uri))
	assert.Equal(t, "[2001:db8::1]", uri.Host)
	assert.Equal(t, 5060, uri.Port)

	uri = Uri{}
	require.NoError(t, ParseUri("tel:+358-555-1234567;postd=pp22", &uri))
	assert.Equal(t, "tel", uri.Scheme)
	assert.Equal(t, "+358-555-1234567", uri.User)
	postd, _ := uri.UriParams.Get("postd")
	assert.Equal(t, "pp22", postd)
}

func TestParseUriWildcard(t *testing.T) {
	var uri Uri
	require.NoError(t, ParseUri("*", &uri))
	assert.True(t, uri.Wildcard)
	assert.Equal(t, "*", uri.String())
}

func TestUriStringRoundTrip(t *testing.T) {
	for _, str := range []string{
		"sip:alice@atlanta.com",
		"sip:alice@atlanta.com:5060",
		"sip:alice@atlanta.com;transport=tcp",
		"sips:bob@biloxi.com:5061;lr?subject=urgent",
		"sip:atlanta.com",
	} {
		var uri Uri
		require.NoError(t, ParseUri(str, &uri))
		assert.Equal(t, str, uri.String())
	}
}

func TestUriEqual(t *testing.T) {
	parse := func(s string) *Uri {
		var uri Uri
		require.NoError(t, ParseUri(s, &uri))
		return &uri
	}

	// RFC 3261 19.1.4 examples
	assert.True(t, parse("sip:alice@atlanta.com;transport=TCP").Equal(parse("sip:alice@AtLanTa.CoM;Transport=tcp")))
	assert.True(t, parse("sip:carol@chicago.com").Equal(parse("sip:carol@chicago.com;newparam=5")))

	// user part is case sensitive
	assert.False(t, parse("SIP:ALICE@AtLanTa.CoM;Transport=udp").Equal(parse("sip:alice@AtLanTa.CoM;Transport=UDP")))
	// port presence matters
	assert.False(t, parse("sip:bob@biloxi.com").Equal(parse("sip:bob@biloxi.com:5060")))
	// transport never compares absent vs present
	assert.False(t, parse("sip:bob@biloxi.com").Equal(parse("sip:bob@biloxi.com;transport=udp")))
	// different header components
	assert.False(t, parse("sip:carol@chicago.com").Equal(parse("sip:carol@chicago.com?Subject=next%20meeting")))
}
