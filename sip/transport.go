package sip

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"sync"
)

const (
	// Transport names in wire casing. Message Transport() values use these.
	TransportUDP  = "UDP"
	TransportTCP  = "TCP"
	TransportTLS  = "TLS"
	TransportWS   = "WS"
	TransportWSS  = "WSS"
	TransportSCTP = "SCTP"

	DefaultProtocol = TransportUDP

	DefaultUdpPort = 5060
	DefaultTcpPort = 5060
	DefaultTlsPort = 5061
	DefaultWsPort  = 80
	DefaultWssPort = 443

	// TransportBufferReadSize is the read buffer for sockets.
	TransportBufferReadSize = 65535
)

var (
	// TransportIdleConnection keeps connections alive after the owning
	// transaction terminates:
	//  0 - close connection when transaction terminates
	//  1 - keep connection idle for reuse
	TransportIdleConnection = 1

	// UDPMTUThreshold is the RFC 3261 18.1.1 datagram size bound.
	// Requests rendering within 200 bytes of it are moved to a
	// congestion controlled transport.
	UDPMTUThreshold = 1300
)

// DefaultPort returns well known port for transport.
func DefaultPort(transport string) int {
	switch NetworkToLower(transport) {
	case "tls":
		return DefaultTlsPort
	case "tcp", "sctp":
		return DefaultTcpPort
	case "ws":
		return DefaultWsPort
	case "wss":
		return DefaultWssPort
	default:
		return DefaultUdpPort
	}
}

// IsReliable reports whether transport retransmits on its own.
// Unreliable transports need the timer driven retransmissions of the
// transaction layer.
func IsReliable(network string) bool {
	switch network {
	case "udp", "UDP":
		return false
	default:
		return true
	}
}

// NetworkToLower converts transport name to go network casing without
// allocating for the known set.
func NetworkToLower(network string) string {
	switch network {
	case "UDP":
		return "udp"
	case "TCP":
		return "tcp"
	case "TLS":
		return "tls"
	case "WS":
		return "ws"
	case "WSS":
		return "wss"
	case "SCTP":
		return "sctp"
	default:
		return ASCIIToLower(network)
	}
}

// NetworkToUpper converts transport name to wire casing.
func NetworkToUpper(network string) string {
	switch network {
	case "udp":
		return "UDP"
	case "tcp":
		return "TCP"
	case "tls":
		return "TLS"
	case "ws":
		return "WS"
	case "wss":
		return "WSS"
	case "sctp":
		return "SCTP"
	default:
		return ASCIIToUpper(network)
	}
}

// Addr is a resolved transport address.
type Addr struct {
	IP       net.IP
	Port     int
	Hostname string // original hostname before resolving, for TLS SNI
}

func (a *Addr) String() string {
	if a.IP == nil {
		return net.JoinHostPort(a.Hostname, strconv.Itoa(a.Port))
	}
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

// Copy writes a into dst, cloning the IP slice.
func (a *Addr) Copy(dst *Addr) {
	dst.Port = a.Port
	dst.Hostname = a.Hostname
	if a.IP != nil {
		dst.IP = make(net.IP, len(a.IP))
		copy(dst.IP, a.IP)
	}
}

// ParseAddr splits host:port string.
func ParseAddr(addr string) (host string, port int, err error) {
	host, pstr, err := net.SplitHostPort(addr)
	if err != nil {
		return host, port, err
	}
	port, err = strconv.Atoi(pstr)
	return host, port, err
}

// Transport implements network specific sending and listening.
type Transport interface {
	Network() string
	// GetConnection returns pooled connection for addr, nil when none.
	// addr must be resolved IP:port.
	GetConnection(addr string) Connection
	CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler MessageHandler) (Connection, error)
	String() string
	Close() error
}

// Connection wraps a socket shared between transactions.
// References count users; the connection closes when the count drops
// to zero via TryClose.
type Connection interface {
	LocalAddr() net.Addr
	// WriteMsg renders and sends a message on this connection.
	WriteMsg(msg Message) error
	// Ref adjusts reference count by i and returns the new count.
	Ref(i int) int
	// TryClose decrements the count and closes at zero.
	TryClose() (int, error)
	Close() error
}

var bufPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}
