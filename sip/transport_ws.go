package sip

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// WebSocketProtocols is offered during the websocket handshake.
	// RFC 7118 requires the "sip" subprotocol.
	WebSocketProtocols = []string{"sip"}
)

// transportWS frames SIP messages into websocket binary messages,
// RFC 7118.
type transportWS struct {
	parser    *Parser
	log       zerolog.Logger
	transport string

	pool   *connectionPool
	dialer ws.Dialer

	connectionReuse bool
}

func (t *transportWS) init(par *Parser) {
	t.parser = par
	t.pool = newConnectionPool()
	t.transport = TransportWS
	t.dialer = ws.DefaultDialer
	t.dialer.Protocols = WebSocketProtocols
	if t.log.GetLevel() == zerolog.Disabled {
		t.log = log.Logger
	}
}

func (t *transportWS) String() string {
	return "transport<WS>"
}

func (t *transportWS) Network() string {
	return t.transport
}

func (t *transportWS) Close() error {
	return t.pool.Clear()
}

// Serve upgrades accepted connections and reads SIP out of the frames.
func (t *transportWS) Serve(l net.Listener, handler MessageHandler) error {
	t.log.Debug().Str("network", t.Network()).Str("laddr", l.Addr().String()).Msg("begin listening")

	header := ws.HandshakeHeaderHTTP(http.Header{
		"Sec-WebSocket-Protocol": WebSocketProtocols,
	})
	u := ws.Upgrader{
		OnBeforeUpgrade: func() (ws.HandshakeHeader, error) {
			return header, nil
		},
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.log.Error().Err(err).Msg("Failed to accept connection")
			}
			return err
		}

		raddr := conn.RemoteAddr().String()
		if _, err := u.Upgrade(conn); err != nil {
			t.log.Error().Err(err).Str("raddr", raddr).Msg("Failed to upgrade")
			conn.Close()
			continue
		}
		t.initConnection(conn, raddr, false, handler)
	}
}

func (t *transportWS) GetConnection(addr string) Connection {
	return t.pool.Get(addr)
}

func (t *transportWS) CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler MessageHandler) (Connection, error) {
	if raddr.IP == nil {
		return nil, fmt.Errorf("remote address IP not resolved")
	}
	addr := raddr.String()

	conn, err := t.pool.addSingleflight(raddr, laddr, t.connectionReuse, func() (Connection, error) {
		t.log.Debug().Str("raddr", addr).Msg("Dialing new WS connection")

		if deadline, ok := ctx.Deadline(); ok {
			t.dialer.Timeout = time.Until(deadline)
		}
		conn, _, _, err := t.dialer.Dial(ctx, "ws://"+addr)
		if err != nil {
			return nil, fmt.Errorf("websocket dial error: %w", err)
		}

		c := &WSConnection{
			Conn:       conn,
			transport:  t.transport,
			clientSide: true,
			refcount:   2 + TransportIdleConnection,
		}
		go t.readConnection(c, c.LocalAddr().String(), addr, handler)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return conn.(*WSConnection), nil
}

func (t *transportWS) initConnection(conn net.Conn, raddr string, clientSide bool, handler MessageHandler) Connection {
	laddr := conn.LocalAddr().String()
	t.log.Debug().Str("raddr", raddr).Msg("New WS connection")
	c := &WSConnection{
		Conn:       conn,
		transport:  t.transport,
		clientSide: clientSide,
		refcount:   1 + TransportIdleConnection,
	}
	t.pool.Add(laddr, c)
	t.pool.Add(raddr, c)
	go t.readConnection(c, laddr, raddr, handler)
	return c
}

func (t *transportWS) readConnection(conn *WSConnection, laddr string, raddr string, handler MessageHandler) {
	defer t.pool.Delete(laddr)
	defer func() {
		if err := t.pool.CloseAndDelete(conn, raddr); err != nil {
			t.log.Warn().Err(err).Msg("connection pool not clean cleanup")
		}
	}()

	par := t.parser.NewSIPStream()
	defer par.Close()

	for {
		data, err := conn.readMessage()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				t.log.Debug().Err(err).Msg("connection was closed")
				return
			}
			t.log.Error().Err(err).Msg("Read error")
			return
		}

		if len(bytes.Trim(data, "\x00\r\n")) == 0 {
			t.log.Debug().Msg("Keep alive received")
			continue
		}

		err = par.ParseSIPStream(data, func(msg Message) {
			parsedMessages.Inc()
			msg.SetTransport(t.Network())
			msg.SetSource(raddr)
			handler(msg)
		})
		if err != nil && !errors.Is(err, ErrParseSipPartial) {
			t.log.Error().Err(err).Str("raddr", raddr).Msg("failed to parse stream, closing")
			droppedMessages.Inc()
			return
		}
	}
}

// WSConnection frames reads and writes through websocket messages.
type WSConnection struct {
	net.Conn
	transport  string
	clientSide bool

	mu       sync.RWMutex
	refcount int
}

func (c *WSConnection) readMessage() ([]byte, error) {
	var data []byte
	var err error
	if c.clientSide {
		data, err = wsutil.ReadServerBinary(c.Conn)
	} else {
		data, err = wsutil.ReadClientBinary(c.Conn)
	}
	if err != nil {
		return nil, err
	}
	if SIPDebug {
		logSIPRead(c.transport, c.Conn.LocalAddr().String(), c.Conn.RemoteAddr().String(), data)
	}
	return data, nil
}

func (c *WSConnection) writeMessage(data []byte) error {
	var err error
	if c.clientSide {
		err = wsutil.WriteClientBinary(c.Conn, data)
	} else {
		err = wsutil.WriteServerBinary(c.Conn, data)
	}
	if err == nil && SIPDebug {
		logSIPWrite(c.transport, c.Conn.LocalAddr().String(), c.Conn.RemoteAddr().String(), data)
	}
	return err
}

func (c *WSConnection) Ref(i int) int {
	c.mu.Lock()
	c.refcount += i
	ref := c.refcount
	c.mu.Unlock()
	return ref
}

func (c *WSConnection) Close() error {
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	return c.Conn.Close()
}

func (c *WSConnection) TryClose() (int, error) {
	c.mu.Lock()
	c.refcount--
	ref := c.refcount
	c.mu.Unlock()
	if ref > 0 {
		return ref, nil
	}
	if ref < 0 {
		log.Warn().Str("laddr", c.LocalAddr().String()).Int("ref", ref).Msg("WS ref went negative")
		return 0, nil
	}
	return ref, c.Conn.Close()
}

func (c *WSConnection) WriteMsg(msg Message) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()
	msg.StringWrite(buf)

	if err := c.writeMessage(buf.Bytes()); err != nil {
		return fmt.Errorf("conn %s write err: %w", c.RemoteAddr().String(), err)
	}
	return nil
}

// transportWSS is WS over TLS.
type transportWSS struct {
	*transportWS

	tlsConf *tls.Config
}

func (t *transportWSS) init(par *Parser, dialTLSConf *tls.Config) {
	t.transportWS.init(par)
	t.transport = TransportWSS
	t.tlsConf = dialTLSConf
	t.dialer.TLSConfig = dialTLSConf
}

func (t *transportWSS) String() string {
	return "transport<WSS>"
}

// CreateConnection dials TLS, upgrades to websocket and registers the
// connection for reuse.
func (t *transportWSS) CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler MessageHandler) (Connection, error) {
	if raddr.IP == nil {
		return nil, fmt.Errorf("remote address IP not resolved")
	}

	// Hostname goes into the wss URL for SNI and certificate checks
	hostname := raddr.Hostname
	if hostname == "" {
		hostname = raddr.IP.String()
	}
	addr := raddr.String()
	urlAddr := net.JoinHostPort(hostname, strconv.Itoa(raddr.Port))

	conn, err := t.pool.addSingleflight(raddr, laddr, t.connectionReuse, func() (Connection, error) {
		t.log.Debug().Str("raddr", addr).Str("hostname", hostname).Msg("Dialing new WSS connection")

		u, err := url.ParseRequestURI("wss://" + urlAddr)
		if err != nil {
			return nil, fmt.Errorf("parse wss uri failed: %w", err)
		}

		if deadline, ok := ctx.Deadline(); ok {
			t.dialer.Timeout = time.Until(deadline)
		}
		conn, _, _, err := t.dialer.Dial(ctx, u.String())
		if err != nil {
			return nil, fmt.Errorf("websocket dial error: %w", err)
		}

		c := &WSConnection{
			Conn:       conn,
			transport:  t.transport,
			clientSide: true,
			refcount:   2 + TransportIdleConnection,
		}
		go t.readConnection(c, c.LocalAddr().String(), addr, handler)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return conn.(*WSConnection), nil
}
