package sip

import (
	"cmp"
	"context"
	"net"
	"slices"
	"time"

	"github.com/miekg/dns"
)

// NAPTR is one RFC 3403 record. RFC 3263 uses NAPTR to discover which
// transport a domain serves before the SRV step.
type NAPTR struct {
	Order       uint16
	Preference  uint16
	Flags       string
	Service     string
	Regexp      string
	Replacement string
}

// DNSResolver is the lookup surface needed for RFC 3263 selection.
// net.Resolver covers SRV and IP; NAPTR needs a raw DNS query.
type DNSResolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
	LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error)
}

// Resolver wraps net.Resolver and adds the NAPTR lookup through
// miekg/dns against a configured name server.
type Resolver struct {
	net.Resolver

	// NameServer is the DNS server for NAPTR queries, "host:53" form.
	// When empty the first resolv.conf server is used.
	NameServer string
	// Timeout bounds NAPTR queries, default 5 seconds.
	Timeout time.Duration
}

func (r *Resolver) LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeNAPTR)
	m.RecursionDesired = true

	nameserver := r.NameServer
	if nameserver == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, err
		}
		nameserver = net.JoinHostPort(conf.Servers[0], conf.Port)
	}

	timeout := r.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	client := &dns.Client{Timeout: timeout}
	resp, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, err
	}

	records := make([]*NAPTR, 0, len(resp.Answer))
	for _, ans := range resp.Answer {
		naptr, ok := ans.(*dns.NAPTR)
		if !ok {
			continue
		}
		records = append(records, &NAPTR{
			Order:       naptr.Order,
			Preference:  naptr.Preference,
			Flags:       naptr.Flags,
			Service:     naptr.Service,
			Regexp:      naptr.Regexp,
			Replacement: naptr.Replacement,
		})
	}

	slices.SortFunc(records, func(a, b *NAPTR) int {
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		return cmp.Compare(a.Preference, b.Preference)
	})
	return records, nil
}

// naptrServiceTransport maps RFC 3263 NAPTR service fields to transports.
func naptrServiceTransport(service string) string {
	switch ASCIIToUpper(service) {
	case "SIP+D2U":
		return TransportUDP
	case "SIP+D2T":
		return TransportTCP
	case "SIPS+D2T":
		return TransportTLS
	case "SIP+D2S":
		return TransportSCTP
	}
	return ""
}
