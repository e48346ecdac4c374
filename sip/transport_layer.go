package sip

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	tlsEmptyConf tls.Config

	// ErrTransportNotSupported is returned for unknown transport names.
	ErrTransportNotSupported = errors.New("transport not supported")

	errTransportConnectionDoesNotExist = errors.New("connection does not exist")
)

// TransportLayer selects transports per RFC 3263, owns their connection
// pools and feeds every parsed message into registered handlers.
type TransportLayer struct {
	udp *transportUDP
	tcp *transportTCP
	tls *transportTLS
	ws  *transportWS
	wss *transportWSS

	listenPorts   map[string][]int
	listenPortsMu sync.Mutex
	dnsResolver   DNSResolver

	handlers []MessageHandler

	log zerolog.Logger

	// connectionReuse makes outgoing requests share pooled connections
	connectionReuse bool

	// dnsPreferNAPTR runs full RFC 3263 NAPTR then SRV discovery before
	// falling back to plain A/AAAA
	dnsPreferNAPTR bool
	dnsPreferSRV   bool
}

type TransportLayerOption func(l *TransportLayer)

func WithTransportLayerLogger(logger zerolog.Logger) TransportLayerOption {
	return func(l *TransportLayer) {
		l.log = logger.With().Str("caller", "TransportLayer").Logger()
	}
}

func WithTransportLayerConnectionReuse(reuse bool) TransportLayerOption {
	return func(l *TransportLayer) {
		l.connectionReuse = reuse
	}
}

// WithTransportLayerDNSLookupNAPTR enables the NAPTR discovery step.
func WithTransportLayerDNSLookupNAPTR(prefer bool) TransportLayerOption {
	return func(l *TransportLayer) {
		l.dnsPreferNAPTR = prefer
	}
}

// WithTransportLayerDNSLookupSRV makes SRV lookup run before A/AAAA.
func WithTransportLayerDNSLookupSRV(prefer bool) TransportLayerOption {
	return func(l *TransportLayer) {
		l.dnsPreferSRV = prefer
	}
}

// NewTransportLayer creates the transport layer with all transports
// initialized. tlsConfig may be nil for default TLS dialing.
func NewTransportLayer(dnsResolver DNSResolver, sipparser *Parser, tlsConfig *tls.Config, options ...TransportLayerOption) *TransportLayer {
	l := &TransportLayer{
		listenPorts:     make(map[string][]int),
		dnsResolver:     dnsResolver,
		connectionReuse: true,
		log:             log.Logger.With().Str("caller", "TransportLayer").Logger(),
	}

	for _, o := range options {
		o(l)
	}

	if tlsConfig == nil {
		tlsConfig = &tlsEmptyConf
	}

	l.udp = &transportUDP{log: l.log, connectionReuse: l.connectionReuse}
	l.tcp = &transportTCP{log: l.log, connectionReuse: l.connectionReuse}
	l.tls = &transportTLS{transportTCP: &transportTCP{log: l.log, connectionReuse: l.connectionReuse}}
	l.ws = &transportWS{log: l.log, connectionReuse: l.connectionReuse}
	l.wss = &transportWSS{transportWS: &transportWS{log: l.log, connectionReuse: l.connectionReuse}}

	l.udp.init(sipparser)
	l.tcp.init(sipparser)
	l.tls.init(sipparser, tlsConfig)
	l.ws.init(sipparser)
	l.wss.init(sipparser, tlsConfig)
	return l
}

// OnMessage registers handler called for every inbound message.
// Handlers run on the reading goroutine, do not block long.
func (l *TransportLayer) OnMessage(h MessageHandler) {
	l.handlers = append(l.handlers, h)
}

func (l *TransportLayer) handleMessage(msg Message) {
	for _, h := range l.handlers {
		h(msg)
	}
}

// ServeUDP starts reading datagrams from c.
func (l *TransportLayer) ServeUDP(c net.PacketConn) error {
	_, port, err := ParseAddr(c.LocalAddr().String())
	if err != nil {
		return err
	}
	l.addListenPort("udp", port)
	return l.udp.Serve(c, l.handleMessage)
}

// ServeTCP starts accepting stream connections from c.
func (l *TransportLayer) ServeTCP(c net.Listener) error {
	_, port, err := ParseAddr(c.Addr().String())
	if err != nil {
		return err
	}
	l.addListenPort("tcp", port)
	return l.tcp.Serve(c, l.handleMessage)
}

// ServeTLS starts accepting TLS connections from c, which must already
// carry the TLS listener config.
func (l *TransportLayer) ServeTLS(c net.Listener) error {
	_, port, err := ParseAddr(c.Addr().String())
	if err != nil {
		return err
	}
	l.addListenPort("tls", port)
	return l.tls.Serve(c, l.handleMessage)
}

// ServeWS starts accepting websocket connections from c.
func (l *TransportLayer) ServeWS(c net.Listener) error {
	_, port, err := ParseAddr(c.Addr().String())
	if err != nil {
		return err
	}
	l.addListenPort("ws", port)
	return l.ws.Serve(c, l.handleMessage)
}

// ServeWSS starts accepting secure websocket connections from c.
func (l *TransportLayer) ServeWSS(c net.Listener) error {
	_, port, err := ParseAddr(c.Addr().String())
	if err != nil {
		return err
	}
	l.addListenPort("wss", port)
	return l.wss.Serve(c, l.handleMessage)
}

func (l *TransportLayer) addListenPort(network string, port int) {
	l.listenPortsMu.Lock()
	defer l.listenPortsMu.Unlock()
	l.listenPorts[network] = append(l.listenPorts[network], port)
}

func (l *TransportLayer) GetListenPort(network string) int {
	l.listenPortsMu.Lock()
	defer l.listenPortsMu.Unlock()
	ports := l.listenPorts[NetworkToLower(network)]
	if len(ports) > 0 {
		return ports[0]
	}
	return 0
}

// WriteMsg sends message to its Destination over its Transport.
func (l *TransportLayer) WriteMsg(msg Message) error {
	network := msg.Transport()
	addr := msg.Destination()
	return l.WriteMsgTo(msg, addr, network)
}

func (l *TransportLayer) WriteMsgTo(msg Message, addr string, network string) error {
	var conn Connection
	var err error

	switch m := msg.(type) {
	case *Request:
		ctx := context.Background()
		conn, err = l.ClientRequestConnection(ctx, m)
		if err != nil {
			return err
		}
		defer conn.TryClose()

	case *Response:
		conn, err = l.GetConnection(network, addr)
		if err != nil {
			return err
		}
		defer conn.TryClose()
	}

	return conn.WriteMsg(msg)
}

// ClientRequestConnection resolves the request destination per
// RFC 3263 and returns a pooled or new connection for it,
// RFC 3261 18.1.1. The top Via sent-by is filled from the local
// address unless the caller set it.
func (l *TransportLayer) ClientRequestConnection(ctx context.Context, req *Request) (Connection, error) {
	network := NetworkToLower(req.Transport())

	// RFC 3261 18.1.1: a large request guessing UDP must move to a
	// congestion controlled transport. Check rendered size against MTU.
	if network == "udp" && req.MessageData.Transport() == "" {
		if oversizeForUDP(req) {
			network = "tcp"
			req.SetTransport(TransportTCP)
			if via := req.Via(); via != nil {
				via.Transport = TransportTCP
			}
		}
	}

	transport := l.getTransport(network)
	if transport == nil {
		return nil, fmt.Errorf("%w: %s", ErrTransportNotSupported, network)
	}

	raddr := Addr{}
	if err := l.resolveRemoteAddr(ctx, network, req.Destination(), req.Recipient.schemeOrDefault(), &raddr); err != nil {
		return nil, err
	}

	viaHop := req.Via()
	if viaHop == nil {
		// Client must have built the Via before sending
		return nil, fmt.Errorf("missing Via header")
	}

	laddr := req.Laddr
	req.raddr = raddr
	// Cache the resolved address so datagram writes do not go through
	// name resolution again
	req.SetDestination(raddr.String())

	var c Connection
	if laddr.IP != nil && laddr.Port > 0 {
		c = transport.GetConnection(laddr.String())
	} else if l.connectionReuse {
		c = transport.GetConnection(raddr.String())
	}

	if c == nil {
		l.log.Debug().Str("laddr", laddr.String()).Str("raddr", raddr.String()).Str("network", network).Msg("Creating connection")
		var err error
		c, err = transport.CreateConnection(ctx, laddr, raddr, l.handleMessage)
		if err != nil {
			return nil, err
		}
	}

	if err := l.overrideSentBy(c, viaHop); err != nil {
		return nil, err
	}
	return c, nil
}

func oversizeForUDP(req *Request) bool {
	// Rendering is the only reliable size source; spare 200 bytes for
	// Via rewrites on the path - RFC 3261 18.1.1
	return len(req.String()) > UDPMTUThreshold-200
}

// serverRequestConnection returns the connection for sending responses
// to req - RFC 3261 18.2.2: reuse the inbound stream connection,
// otherwise resolve via sent-by with received/rport applied.
func (l *TransportLayer) serverRequestConnection(ctx context.Context, req *Request) (Connection, error) {
	network := NetworkToLower(req.Transport())
	transport := l.getTransport(network)
	if transport == nil {
		return nil, fmt.Errorf("%w: %s", ErrTransportNotSupported, network)
	}

	sourceAddr := req.MessageData.Source()
	if IsReliable(network) && sourceAddr != "" {
		// Reliable transports answer on the existing connection
		if conn := transport.GetConnection(sourceAddr); conn != nil {
			return conn, nil
		}
	}

	viaHop := req.Via()
	if viaHop == nil {
		return nil, fmt.Errorf("missing Via header")
	}

	viaHost, viaPort := req.sourceViaHostPort()
	if sourceAddr != "" {
		// RFC 3263 5: unreliable transports send to the packet source
		// address with the Via port
		sourceHost, sourcePort, err := ParseAddr(sourceAddr)
		if err != nil {
			return nil, err
		}
		raddr := Addr{
			IP:       net.ParseIP(sourceHost),
			Port:     viaPort,
			Hostname: sourceHost,
		}

		// RFC 3581 4: empty rport means respond to the source port
		if rport, ok := viaHop.Params.Get("rport"); ok && rport == "" {
			raddr.Port = sourcePort
		}
		if raddr.Port == 0 {
			raddr.Port = DefaultPort(network)
		}

		req.raddr = raddr

		if c := transport.GetConnection(sourceAddr); c != nil {
			return c, nil
		}
		if c := transport.GetConnection(raddr.String()); c != nil {
			return c, nil
		}
	}

	raddr := Addr{}
	if err := l.resolveRemoteAddr(ctx, network, net.JoinHostPort(viaHost, fmt.Sprintf("%d", viaPort)), req.Recipient.schemeOrDefault(), &raddr); err != nil {
		return nil, err
	}
	req.raddr = raddr

	if c := transport.GetConnection(raddr.String()); c != nil {
		return c, nil
	}

	l.log.Debug().Str("raddr", raddr.String()).Str("network", network).Msg("Creating server connection")
	return transport.CreateConnection(ctx, Addr{}, raddr, l.handleMessage)
}

// ResolveDestinations returns the full ordered endpoint list for a
// destination per RFC 3263: every SRV record expanded to its addresses,
// falling back to all A/AAAA records with the explicit or default port.
// An IP literal yields itself. The UAC core walks this list on 408/503
// and transport failures before giving up on the target URI.
func (l *TransportLayer) ResolveDestinations(ctx context.Context, network string, a string, sipScheme string) ([]Addr, error) {
	host, port, err := ParseAddr(a)
	if err != nil {
		host = a
		port = 0
	}
	if port == 0 {
		port = DefaultPort(network)
	}

	if netaddr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil && netaddr.IsValid() {
		return []Addr{{IP: net.IP(netaddr.AsSlice()), Port: port, Hostname: host}}, nil
	}

	if addrs, err := l.resolveAddrsSRV(ctx, network, host, sipScheme); err == nil && len(addrs) > 0 {
		return addrs, nil
	}
	return l.resolveAddrsIP(ctx, host, port)
}

// resolveAddrsSRV expands every SRV record into its addresses, keeping
// the priority/weight order the resolver returned.
func (l *TransportLayer) resolveAddrsSRV(ctx context.Context, network string, hostname string, sipScheme string) ([]Addr, error) {
	var proto string
	switch network {
	case "udp", "udp4", "udp6":
		proto = "udp"
	case "tls":
		proto = "tls"
	default:
		proto = "tcp"
	}

	_, records, err := l.dnsResolver.LookupSRV(ctx, sipScheme, proto, hostname)
	if err != nil {
		return nil, fmt.Errorf("SRV lookup for %q failed: %w", hostname, err)
	}

	var addrs []Addr
	for _, record := range records {
		ips, err := l.dnsResolver.LookupIPAddr(ctx, record.Target)
		if err != nil {
			l.log.Debug().Err(err).Str("target", record.Target).Msg("SRV target did not resolve")
			continue
		}
		for _, ip := range ips {
			addrs = append(addrs, Addr{IP: ip.IP, Port: int(record.Port), Hostname: record.Target})
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no SRV records resolved for %q", hostname)
	}
	return addrs, nil
}

// resolveAddrsIP returns all A/AAAA records, IPv4 first.
func (l *TransportLayer) resolveAddrsIP(ctx context.Context, hostname string, port int) ([]Addr, error) {
	ips, err := l.dnsResolver.LookupIPAddr(ctx, hostname)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("lookup returned no addresses for %q", hostname)
	}

	addrs := make([]Addr, 0, len(ips))
	for _, ip := range ips {
		if ip.IP.To4() != nil {
			addrs = append(addrs, Addr{IP: ip.IP, Port: port, Hostname: hostname})
		}
	}
	for _, ip := range ips {
		if ip.IP.To4() == nil {
			addrs = append(addrs, Addr{IP: ip.IP, Port: port, Hostname: hostname})
		}
	}
	return addrs, nil
}

// resolveRemoteAddr fills raddr from a host:port string, resolving
// hostnames per RFC 3263: NAPTR (when enabled), SRV, then A/AAAA.
func (l *TransportLayer) resolveRemoteAddr(ctx context.Context, network string, a string, sipScheme string, raddr *Addr) error {
	host, port, err := ParseAddr(a)
	if err != nil {
		// Lone host without port
		host = a
		port = 0
	}
	raddr.Hostname = host
	raddr.Port = port
	if raddr.Port == 0 {
		raddr.Port = DefaultPort(network)
	}

	if netaddr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil && netaddr.IsValid() {
		raddr.IP = net.IP(netaddr.AsSlice())
		return nil
	}

	return l.resolveAddr(ctx, network, host, sipScheme, raddr)
}

func (l *TransportLayer) resolveAddr(ctx context.Context, network string, host string, sipScheme string, addr *Addr) error {
	defer func(start time.Time) {
		if dur := time.Since(start); dur > 50*time.Millisecond {
			l.log.Warn().Dur("dur", dur).Msg("DNS resolution is slow")
		}
	}(time.Now())

	if l.dnsPreferNAPTR {
		if err := l.resolveAddrNAPTR(ctx, host, sipScheme, addr); err == nil {
			return nil
		} else {
			l.log.Info().Err(err).Str("host", host).Msg("NAPTR lookup failed, trying SRV")
		}
		if err := l.resolveAddrSRV(ctx, network, host, sipScheme, addr); err == nil {
			return nil
		}
		return l.resolveAddrIP(ctx, host, addr)
	}

	if l.dnsPreferSRV {
		err := l.resolveAddrSRV(ctx, network, host, sipScheme, addr)
		if err == nil {
			return nil
		}
		l.log.Info().Err(err).Str("host", host).Msg("SRV lookup failed, trying A/AAAA")
		return l.resolveAddrIP(ctx, host, addr)
	}

	err := l.resolveAddrSRV(ctx, network, host, sipScheme, addr)
	if err == nil {
		return nil
	}
	l.log.Info().Err(err).Str("host", host).Msg("SRV lookup failed, trying A/AAAA")
	return l.resolveAddrIP(ctx, host, addr)
}

// resolveAddrNAPTR runs the RFC 3263 NAPTR step: pick the best record
// matching the URI scheme, then resolve its SRV replacement.
func (l *TransportLayer) resolveAddrNAPTR(ctx context.Context, host string, sipScheme string, addr *Addr) error {
	records, err := l.dnsResolver.LookupNAPTR(ctx, host)
	if err != nil {
		return err
	}

	for _, record := range records {
		tp := naptrServiceTransport(record.Service)
		if tp == "" {
			continue
		}
		if sipScheme == "sips" && tp != TransportTLS {
			continue
		}
		if record.Flags != "s" && record.Flags != "S" {
			continue
		}

		_, srvs, err := l.dnsResolver.LookupSRV(ctx, "", "", record.Replacement)
		if err != nil || len(srvs) == 0 {
			continue
		}
		srv := srvs[0]
		ips, err := l.dnsResolver.LookupIPAddr(ctx, srv.Target)
		if err != nil || len(ips) == 0 {
			continue
		}
		addr.IP = ips[0].IP
		addr.Port = int(srv.Port)
		return nil
	}
	return fmt.Errorf("no usable NAPTR records for %q", host)
}

func (l *TransportLayer) resolveAddrIP(ctx context.Context, hostname string, addr *Addr) error {
	l.log.Debug().Str("host", hostname).Msg("DNS resolving")

	ips, err := l.dnsResolver.LookupIPAddr(ctx, hostname)
	if err != nil {
		return err
	}
	if len(ips) == 0 {
		return fmt.Errorf("lookup returned no addresses for %q", hostname)
	}

	// Prefer IPv4
	for _, ip := range ips {
		if ip.IP.To4() != nil {
			addr.IP = ip.IP
			return nil
		}
	}
	addr.IP = ips[0].IP
	return nil
}

func (l *TransportLayer) resolveAddrSRV(ctx context.Context, network string, hostname string, sipScheme string, addr *Addr) error {
	var proto string
	switch network {
	case "udp", "udp4", "udp6":
		proto = "udp"
	case "tls":
		proto = "tls"
	default:
		proto = "tcp"
	}

	l.log.Debug().Str("scheme", sipScheme).Str("proto", proto).Str("host", hostname).Msg("Doing SRV lookup")

	// Records come back sorted by priority, randomized by weight
	_, addrs, err := l.dnsResolver.LookupSRV(ctx, sipScheme, proto, hostname)
	if err != nil {
		return fmt.Errorf("SRV lookup for %q failed: %w", hostname, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("no SRV records for %q", hostname)
	}

	record := addrs[0]
	ips, err := l.dnsResolver.LookupIPAddr(ctx, record.Target)
	if err != nil {
		return err
	}
	if len(ips) == 0 {
		return fmt.Errorf("SRV target %q resolved to no addresses", record.Target)
	}

	addr.IP = ips[0].IP
	addr.Port = int(record.Port)
	return nil
}

// overrideSentBy fills Via sent-by from the connection local address
// when the client left it empty - RFC 3261 18.
func (l *TransportLayer) overrideSentBy(c Connection, viaHop *ViaHeader) error {
	if viaHop.Host != "" && viaHop.Port > 0 {
		return nil
	}

	la := c.LocalAddr()
	host, port, err := ParseAddr(la.String())
	if err != nil {
		return fmt.Errorf("failed to parse local address %q: %w", la.String(), err)
	}

	if viaHop.Host == "" {
		viaHop.Host = host
	}
	if viaHop.Port == 0 {
		viaHop.Port = port
	}
	return nil
}

// GetConnection returns pooled connection for network and addr.
func (l *TransportLayer) GetConnection(network, addr string) (Connection, error) {
	network = NetworkToLower(network)
	transport := l.getTransport(network)
	if transport == nil {
		return nil, fmt.Errorf("%w: %s", ErrTransportNotSupported, network)
	}

	c := transport.GetConnection(addr)
	if c == nil {
		return nil, errTransportConnectionDoesNotExist
	}
	return c, nil
}

func (l *TransportLayer) getTransport(network string) Transport {
	switch network {
	case "udp":
		return l.udp
	case "tcp":
		return l.tcp
	case "tls":
		return l.tls
	case "ws":
		return l.ws
	case "wss":
		return l.wss
	}
	return nil
}

func (l *TransportLayer) Close() error {
	l.log.Debug().Msg("Layer is closing")
	var werr error
	for _, t := range []Transport{l.udp, l.tcp, l.tls, l.ws, l.wss} {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil {
			werr = errors.Join(werr, err)
		}
	}
	return werr
}
