package sip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// transportTCP reads stream framed messages off accepted and dialed
// connections.
type transportTCP struct {
	transport       string
	parser          *Parser
	log             zerolog.Logger
	connectionReuse bool

	pool *connectionPool

	// DialerCreate can be replaced to control dial options.
	DialerCreate func(laddr net.Addr) net.Dialer
}

func (t *transportTCP) init(par *Parser) {
	t.parser = par
	t.pool = newConnectionPool()
	t.transport = TransportTCP
	if t.log.GetLevel() == zerolog.Disabled {
		t.log = log.Logger
	}
	if t.DialerCreate == nil {
		t.DialerCreate = func(laddr net.Addr) net.Dialer {
			return net.Dialer{
				Timeout:   1 * time.Minute,
				LocalAddr: laddr,
			}
		}
	}
}

func (t *transportTCP) String() string {
	return "transport<TCP>"
}

func (t *transportTCP) Network() string {
	return t.transport
}

func (t *transportTCP) Close() error {
	return t.pool.Clear()
}

// Serve accepts connections until listener closes.
func (t *transportTCP) Serve(l net.Listener, handler MessageHandler) error {
	t.log.Debug().Str("network", t.Network()).Str("laddr", l.Addr().String()).Msg("begin listening")
	for {
		conn, err := l.Accept()
		if err != nil {
			t.log.Debug().Err(err).Msg("Failed to accept connection")
			return err
		}
		t.initConnection(conn, conn.RemoteAddr().String(), handler)
	}
}

func (t *transportTCP) GetConnection(addr string) Connection {
	return t.pool.Get(addr)
}

func (t *transportTCP) CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler MessageHandler) (Connection, error) {
	conn, err := t.pool.addSingleflight(raddr, laddr, t.connectionReuse, func() (Connection, error) {
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
		t.log.Debug().Str("raddr", addr).Msg("Dialing new connection")

		d := t.DialerCreate(tladdr)
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("%s dial err: %w", t, err)
		}

		c := &TCPConnection{
			Conn:      conn,
			transport: t.transport,
			refcount:  2 + TransportIdleConnection, // caller + reader + idle
		}
		go t.readConnection(c, c.LocalAddr().String(), addr, handler)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return conn.(*TCPConnection), nil
}

func (t *transportTCP) initConnection(conn net.Conn, raddr string, handler MessageHandler) Connection {
	laddr := conn.LocalAddr().String()
	t.log.Debug().Str("raddr", raddr).Msg("New connection")
	c := &TCPConnection{
		Conn:      conn,
		transport: t.transport,
		refcount:  1 + TransportIdleConnection,
	}
	t.pool.Add(laddr, c)
	t.pool.Add(raddr, c)
	go t.readConnection(c, laddr, raddr, handler)
	return c
}

func (t *transportTCP) readConnection(conn *TCPConnection, laddr string, raddr string, handler MessageHandler) {
	buf := make([]byte, TransportBufferReadSize)
	defer t.pool.Delete(laddr)
	defer func() {
		if err := t.pool.CloseAndDelete(conn, raddr); err != nil {
			t.log.Warn().Err(err).Msg("connection pool not clean cleanup")
		}
	}()

	// Per stream parse state survives across reads
	par := t.parser.NewSIPStream()
	defer par.Close()

	for {
		num, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				t.log.Debug().Err(err).Msg("connection was closed")
				return
			}
			t.log.Error().Err(err).Msg("Read error")
			return
		}

		data := buf[:num]
		if len(bytes.Trim(data, "\x00")) == 0 {
			continue
		}

		if len(data) <= 4 {
			// RFC 5626 3.5.1 keep alive; double CRLF is a ping that
			// wants a single CRLF pong
			if len(bytes.Trim(data, "\r\n")) == 0 {
				t.log.Debug().Msg("Keep alive CRLF received")
				if len(data) == 4 {
					if _, err := conn.Write(data[:2]); err != nil {
						t.log.Error().Err(err).Msg("Failed to pong keep alive")
						return
					}
				}
				continue
			}
		}

		if err := t.parseStream(par, data, raddr, handler); err != nil {
			// Stream framing broke, the only recovery is dropping the
			// connection
			t.log.Error().Err(err).Str("raddr", raddr).Msg("failed to parse stream, closing")
			droppedMessages.Inc()
			return
		}
	}
}

func (t *transportTCP) parseStream(par *ParserStream, data []byte, src string, handler MessageHandler) error {
	err := par.ParseSIPStream(data, func(msg Message) {
		parsedMessages.Inc()
		msg.SetTransport(t.Network())
		msg.SetSource(src)
		handler(msg)
	})
	if err == nil || errors.Is(err, ErrParseSipPartial) {
		return nil
	}
	return err
}

// TCPConnection shares one stream socket between transactions.
type TCPConnection struct {
	net.Conn
	transport string

	mu       sync.RWMutex
	refcount int
}

func (c *TCPConnection) Ref(i int) int {
	c.mu.Lock()
	c.refcount += i
	ref := c.refcount
	c.mu.Unlock()
	return ref
}

func (c *TCPConnection) Close() error {
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	return c.Conn.Close()
}

func (c *TCPConnection) TryClose() (int, error) {
	c.mu.Lock()
	c.refcount--
	ref := c.refcount
	c.mu.Unlock()
	if ref > 0 {
		return ref, nil
	}
	if ref < 0 {
		log.Warn().Str("laddr", c.LocalAddr().String()).Int("ref", ref).Msg("TCP ref went negative")
		return 0, nil
	}
	return ref, c.Conn.Close()
}

func (c *TCPConnection) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if SIPDebug && err == nil {
		logSIPRead(c.transport, c.Conn.LocalAddr().String(), c.Conn.RemoteAddr().String(), b[:n])
	}
	return n, err
}

func (c *TCPConnection) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if SIPDebug && err == nil {
		logSIPWrite(c.transport, c.Conn.LocalAddr().String(), c.Conn.RemoteAddr().String(), b[:n])
	}
	return n, err
}

func (c *TCPConnection) WriteMsg(msg Message) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()
	msg.StringWrite(buf)
	data := buf.Bytes()

	n, err := c.Write(data)
	if err != nil {
		return fmt.Errorf("conn %s write err: %w", c.RemoteAddr().String(), err)
	}
	if n != len(data) {
		return fmt.Errorf("wrote %d of %d bytes", n, len(data))
	}
	return nil
}
