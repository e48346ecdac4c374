package sip

import (
	"io"
	"net"
	"strconv"
	"strings"
)

// Uri is a SIP, SIPS or TEL URI - RFC 3261 19.1.1.
// sip:user:password@host:port;uri-parameters?headers
type Uri struct {
	// Scheme is lowercase scheme token: sip, sips or tel.
	Scheme string

	// Encrypted is set for sips URIs.
	Encrypted bool

	// Wildcard marks the special '*' URI allowed only in Contact.
	Wildcard bool

	// User part, the 'alice' in sip:alice@atlanta.com. Empty when absent.
	User string

	// Password from userinfo. RFC 3261 19.1.1 discourages its use, but
	// it must survive parse and format.
	Password string

	// Host is domain name or IP literal.
	Host string

	// Port is optional, zero when absent.
	Port int

	// UriParams appear after host:port, semicolon separated.
	// Order of extension params is preserved.
	UriParams HeaderParams

	// Headers appear after '?', '&' separated, to be placed on requests
	// built from this URI.
	Headers HeaderParams
}

func (uri *Uri) String() string {
	var buffer strings.Builder
	uri.StringWrite(&buffer)
	return buffer.String()
}

func (uri *Uri) StringWrite(buffer io.StringWriter) {
	if uri.Wildcard {
		buffer.WriteString("*")
		return
	}

	switch {
	case uri.Scheme != "":
		buffer.WriteString(uri.Scheme)
	case uri.Encrypted:
		buffer.WriteString("sips")
	default:
		buffer.WriteString("sip")
	}
	buffer.WriteString(":")

	if uri.User != "" {
		buffer.WriteString(uri.User)
		if uri.Password != "" {
			buffer.WriteString(":")
			buffer.WriteString(uri.Password)
		}
		buffer.WriteString("@")
	}

	buffer.WriteString(uri.Host)

	if uri.Port > 0 {
		buffer.WriteString(":")
		buffer.WriteString(strconv.Itoa(uri.Port))
	}

	if uri.UriParams.Length() > 0 {
		buffer.WriteString(";")
		uri.UriParams.ToStringWrite(';', buffer)
	}

	if uri.Headers.Length() > 0 {
		buffer.WriteString("?")
		uri.Headers.ToStringWrite('&', buffer)
	}
}

// Addr returns host:port, or host alone when port is absent.
// Digest URIs and auth want this form.
func (uri *Uri) Addr() string {
	if uri.Port > 0 {
		return net.JoinHostPort(uri.Host, strconv.Itoa(uri.Port))
	}
	return uri.Host
}

// HostPort returns host:port with transport default applied on zero port.
func (uri *Uri) HostPort(transport string) string {
	port := uri.Port
	if port == 0 {
		port = DefaultPort(transport)
	}
	return net.JoinHostPort(uri.Host, strconv.Itoa(port))
}

func (uri *Uri) IsEncrypted() bool {
	return uri.Encrypted
}

// Clone copies URI together with its param lists.
func (uri *Uri) Clone() *Uri {
	c := *uri
	c.UriParams = uri.UriParams.Clone()
	c.Headers = uri.Headers.Clone()
	return &c
}

// Equal follows RFC 3261 19.1.4 comparison rules:
// scheme and host compare case insensitive, user and password case
// sensitive, and any uri-parameter appearing in both must match.
// The user, ttl, method, maddr and transport params must match even
// when present only on one side.
func (uri *Uri) Equal(other *Uri) bool {
	if other == nil {
		return false
	}
	if uri.Wildcard || other.Wildcard {
		return uri.Wildcard == other.Wildcard
	}
	if !strings.EqualFold(uri.schemeOrDefault(), other.schemeOrDefault()) {
		return false
	}
	if uri.User != other.User || uri.Password != other.Password {
		return false
	}
	if !strings.EqualFold(uri.Host, other.Host) {
		return false
	}
	if uri.Port != other.Port {
		return false
	}

	// Params present in both must match; keys and values compare case
	// insensitive
	for _, kv := range uri.UriParams {
		if v, ok := getParamFold(other.UriParams, kv.K); ok {
			if !strings.EqualFold(kv.V, v) {
				return false
			}
		}
	}
	// user, ttl, method, maddr and transport never compare as absent vs present
	for _, key := range []string{"user", "ttl", "method", "maddr", "transport"} {
		v1, ok1 := getParamFold(uri.UriParams, key)
		v2, ok2 := getParamFold(other.UriParams, key)
		if ok1 != ok2 {
			return false
		}
		if ok1 && !strings.EqualFold(v1, v2) {
			return false
		}
	}

	// Header components must be identical when present
	if uri.Headers.Length() != other.Headers.Length() {
		return false
	}
	for _, kv := range uri.Headers {
		if v, ok := other.Headers.Get(kv.K); !ok || !strings.EqualFold(kv.V, v) {
			return false
		}
	}
	return true
}

func getParamFold(params HeaderParams, key string) (string, bool) {
	for _, kv := range params {
		if strings.EqualFold(kv.K, key) {
			return kv.V, true
		}
	}
	return "", false
}

func (uri *Uri) schemeOrDefault() string {
	if uri.Scheme != "" {
		return uri.Scheme
	}
	if uri.Encrypted {
		return "sips"
	}
	return "sip"
}
