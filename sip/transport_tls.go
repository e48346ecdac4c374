package sip

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// transportTLS is TCP with a TLS client handshake on dialed connections.
type transportTLS struct {
	*transportTCP

	tlsConf *tls.Config
}

func (t *transportTLS) init(par *Parser, dialTLSConf *tls.Config) {
	t.transportTCP.init(par)
	t.transport = TransportTLS
	t.tlsConf = dialTLSConf
}

func (t *transportTLS) String() string {
	return "transport<TLS>"
}

func (t *transportTLS) Network() string {
	return TransportTLS
}

// CreateConnection dials TCP and runs the TLS handshake. The hostname
// from the unresolved address feeds SNI and certificate checks.
func (t *transportTLS) CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler MessageHandler) (Connection, error) {
	hostname := raddr.Hostname
	if hostname == "" {
		hostname = raddr.IP.String()
	}

	var tladdr *net.TCPAddr
	if laddr.IP != nil {
		tladdr = &net.TCPAddr{
			IP:   laddr.IP,
			Port: laddr.Port,
		}
	}
	traddr := &net.TCPAddr{
		IP:   raddr.IP,
		Port: raddr.Port,
	}
	addr := traddr.String()

	conn, err := t.pool.addSingleflight(raddr, laddr, t.connectionReuse, func() (Connection, error) {
		t.log.Debug().Str("raddr", addr).Str("hostname", hostname).Msg("Dialing new TLS connection")

		d := t.DialerCreate(tladdr)
		tcpConn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial TCP error: %w", err)
		}

		config := t.tlsConf
		if config.ServerName == "" {
			config = config.Clone()
			config.ServerName = hostname
		}
		tlsConn := tls.Client(tcpConn, config)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			tcpConn.Close()
			return nil, fmt.Errorf("TLS handshake error: %w", err)
		}

		c := &TCPConnection{
			Conn:      tlsConn,
			transport: t.transport,
			refcount:  2 + TransportIdleConnection,
		}
		go t.readConnection(c, c.LocalAddr().String(), addr, handler)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return conn.(*TCPConnection), nil
}
