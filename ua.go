// Package sipua is an RFC 3261 SIP user agent library: message codec,
// transaction and transport layers, and UAC/UAS cores with dialog
// support.
package sipua

import (
	"crypto/tls"
	"net"
	"strings"

	"github.com/travelping/sipua/sip"
)

// UserAgent owns the transport and transaction layers shared by the
// Client and Server handles built on top of it.
type UserAgent struct {
	name        string
	hostname    string
	ip          net.IP
	dnsResolver sip.DNSResolver
	tlsConfig   *tls.Config
	parser      *sip.Parser

	tp *sip.TransportLayer
	tx *sip.TransactionLayer
}

type UserAgentOption func(s *UserAgent) error

// WithUserAgent sets the name used as display name and user part of the
// From header the client builds. No User-Agent header is added.
func WithUserAgent(name string) UserAgentOption {
	return func(s *UserAgent) error {
		s.name = name
		return nil
	}
}

// WithUserAgentHostname sets the hostname placed in From URIs.
func WithUserAgentHostname(hostname string) UserAgentOption {
	return func(s *UserAgent) error {
		s.hostname = hostname
		return nil
	}
}

// WithUserAgentIP forces the advertised IP instead of detecting it.
func WithUserAgentIP(ip net.IP) UserAgentOption {
	return func(s *UserAgent) error {
		return s.setIP(ip)
	}
}

// WithUserAgentDNSResolver sets the resolver used for RFC 3263 lookups.
func WithUserAgentDNSResolver(r sip.DNSResolver) UserAgentOption {
	return func(s *UserAgent) error {
		s.dnsResolver = r
		return nil
	}
}

// WithUserAgentTLSConfig sets TLS config for TLS and WSS dialing.
func WithUserAgentTLSConfig(conf *tls.Config) UserAgentOption {
	return func(s *UserAgent) error {
		s.tlsConfig = conf
		return nil
	}
}

// WithUserAgentParser overrides the message parser.
func WithUserAgentParser(p *sip.Parser) UserAgentOption {
	return func(s *UserAgent) error {
		s.parser = p
		return nil
	}
}

// NewUA constructs the shared layers. Client and Server handles are
// created from it and a single UA can carry both roles.
func NewUA(options ...UserAgentOption) (*UserAgent, error) {
	ua := &UserAgent{}

	for _, o := range options {
		if err := o(ua); err != nil {
			return nil, err
		}
	}

	if ua.ip == nil {
		v, err := sip.ResolveSelfIP()
		if err != nil {
			return nil, err
		}
		if err := ua.setIP(v); err != nil {
			return nil, err
		}
	}
	if ua.dnsResolver == nil {
		ua.dnsResolver = &sip.Resolver{}
	}
	if ua.parser == nil {
		ua.parser = sip.NewParser()
	}

	ua.tp = sip.NewTransportLayer(ua.dnsResolver, ua.parser, ua.tlsConfig)
	ua.tx = sip.NewTransactionLayer(ua.tp)
	return ua, nil
}

func (ua *UserAgent) setIP(ip net.IP) error {
	ua.ip = ip
	if ua.hostname == "" {
		ua.hostname = strings.Split(ip.String(), ":")[0]
	}
	return nil
}

func (ua *UserAgent) Name() string {
	return ua.name
}

func (ua *UserAgent) Hostname() string {
	return ua.hostname
}

// TransportLayer exposes the transport layer for serving listeners.
func (ua *UserAgent) TransportLayer() *sip.TransportLayer {
	return ua.tp
}

// TransactionLayer exposes the transaction layer.
func (ua *UserAgent) TransactionLayer() *sip.TransactionLayer {
	return ua.tx
}

// Close terminates all transactions and closes every transport.
func (ua *UserAgent) Close() error {
	ua.tx.Close()
	return ua.tp.Close()
}
