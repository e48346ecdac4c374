package sip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrUDPMTUCongestion reports a datagram write above the MTU bound.
	ErrUDPMTUCongestion = errors.New("size of packet larger than MTU")
)

// transportUDP sends one message per datagram.
type transportUDP struct {
	parser          *Parser
	pool            *connectionPool
	log             zerolog.Logger
	connectionReuse bool
}

func (t *transportUDP) init(par *Parser) {
	t.parser = par
	t.pool = newConnectionPool()
	if t.log.GetLevel() == zerolog.Disabled {
		t.log = log.Logger
	}
}

func (t *transportUDP) String() string {
	return "transport<UDP>"
}

func (t *transportUDP) Network() string {
	return TransportUDP
}

func (t *transportUDP) Close() error {
	return t.pool.Clear()
}

// Serve reads datagrams from conn until it is closed by the caller.
func (t *transportUDP) Serve(conn net.PacketConn, handler MessageHandler) error {
	laddr := conn.LocalAddr().String()
	t.log.Debug().Str("network", t.Network()).Str("laddr", laddr).Msg("begin listening")

	c := &UDPConnection{
		PacketConn: conn,
		PacketAddr: laddr,
		Listener:   true,
	}
	t.pool.Add(laddr, c)
	t.readListenerConnection(c, laddr, handler)
	return nil
}

// GetConnection returns the listener connection for addr when present.
func (t *transportUDP) GetConnection(addr string) Connection {
	return t.pool.Get(addr)
}

// CreateConnection opens a packet socket usable as both send path and
// listener for responses arriving on the same 5-tuple.
func (t *transportUDP) CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler MessageHandler) (Connection, error) {
	laddrStr := laddr.String()
	lc := &net.ListenConfig{}

	network := "udp"
	if laddr.IP == nil && raddr.IP.To4() != nil {
		network = "udp4"
	}
	addr := raddr.String()

	conn, err := t.pool.addSingleflight(raddr, laddr, t.connectionReuse, func() (Connection, error) {
		udpconn, err := lc.ListenPacket(ctx, network, laddrStr)
		if err != nil {
			return nil, err
		}
		c := &UDPConnection{
			PacketConn: udpconn,
			PacketAddr: udpconn.LocalAddr().String(),
			// caller + reader + idle
			refcount: 2 + TransportIdleConnection,
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	c := conn.(*UDPConnection)

	t.log.Debug().Str("raddr", addr).Msg("New connection")
	go func() {
		defer t.pool.Delete(addr)
		t.readListenerConnection(c, c.PacketAddr, handler)
	}()
	return c, nil
}

func (t *transportUDP) readListenerConnection(conn *UDPConnection, laddr string, handler MessageHandler) {
	buf := make([]byte, TransportBufferReadSize)
	defer func() {
		if err := t.pool.CloseAndDelete(conn, laddr); err != nil {
			t.log.Warn().Err(err).Msg("connection pool not clean cleanup")
		}
	}()
	defer t.log.Debug().Str("laddr", laddr).Msg("Read listener connection stopped")

	var lastRaddr string
	acceptedAddrs := make([]string, 0, 16)
	defer func() {
		t.pool.DeleteMultiple(acceptedAddrs)
	}()

	for {
		num, raddr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				t.log.Debug().Err(err).Str("laddr", laddr).Msg("Read connection closed")
				return
			}
			t.log.Error().Err(err).Str("laddr", laddr).Msg("Read connection error")
			return
		}

		data := buf[:num]
		if len(bytes.Trim(data, "\x00")) == 0 {
			continue
		}

		rastr := raddr.String()
		if lastRaddr != rastr {
			// Keep a mapping from each peer so responses reuse this socket
			t.pool.Add(rastr, conn)
			acceptedAddrs = append(acceptedAddrs, rastr)
			lastRaddr = rastr
		}

		t.parseAndHandle(data, rastr, handler)
	}
}

func (t *transportUDP) parseAndHandle(data []byte, src string, handler MessageHandler) {
	if len(data) <= 4 {
		// RFC 5626 keep alive, one or two CRLF
		if len(bytes.Trim(data, "\r\n")) == 0 {
			t.log.Debug().Msg("Keep alive CRLF received")
			return
		}
	}

	msg, err := t.parser.ParseSIP(data)
	if err != nil {
		// UDP parse errors are dropped, logging is the only trace
		t.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse")
		droppedMessages.Inc()
		return
	}
	parsedMessages.Inc()

	msg.SetTransport(t.Network())
	msg.SetSource(src)
	handler(msg)
}

// UDPConnection is either a listener packet conn shared across peers or
// a connected socket.
type UDPConnection struct {
	PacketConn net.PacketConn
	PacketAddr string // cached for fast pool matching
	Listener   bool

	Conn net.Conn

	mu       sync.RWMutex
	refcount int
}

func (c *UDPConnection) LocalAddr() net.Addr {
	if c.Conn != nil {
		return c.Conn.LocalAddr()
	}
	return c.PacketConn.LocalAddr()
}

func (c *UDPConnection) RemoteAddr() net.Addr {
	if c.Conn != nil {
		return c.Conn.RemoteAddr()
	}
	return c.PacketConn.LocalAddr()
}

func (c *UDPConnection) Ref(i int) int {
	c.mu.Lock()
	c.refcount += i
	ref := c.refcount
	c.mu.Unlock()
	return ref
}

func (c *UDPConnection) Close() error {
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()

	if c.Conn != nil {
		return c.Conn.Close()
	}
	if c.Listener {
		// Listeners from Serve are closed by their owner, the read loop
		// will exit with an error on that close
		return nil
	}
	return c.PacketConn.Close()
}

func (c *UDPConnection) TryClose() (int, error) {
	c.mu.Lock()
	c.refcount--
	ref := c.refcount
	c.mu.Unlock()

	if c.Listener {
		return ref, nil
	}
	if ref > 0 {
		return ref, nil
	}
	if ref < 0 {
		log.Warn().Str("laddr", c.LocalAddr().String()).Int("ref", ref).Msg("UDP ref went negative")
		return 0, nil
	}
	return ref, c.Close()
}

func (c *UDPConnection) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if SIPDebug && err == nil {
		logSIPRead("UDP", c.Conn.LocalAddr().String(), c.Conn.RemoteAddr().String(), b[:n])
	}
	return n, err
}

func (c *UDPConnection) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if SIPDebug && err == nil {
		logSIPWrite("UDP", c.Conn.LocalAddr().String(), c.Conn.RemoteAddr().String(), b[:n])
	}
	return n, err
}

func (c *UDPConnection) ReadFrom(b []byte) (n int, addr net.Addr, err error) {
	n, addr, err = c.PacketConn.ReadFrom(b)
	if SIPDebug && err == nil {
		logSIPRead("UDP", c.PacketConn.LocalAddr().String(), addr.String(), b[:n])
	}
	return n, addr, err
}

func (c *UDPConnection) WriteTo(b []byte, addr net.Addr) (n int, err error) {
	n, err = c.PacketConn.WriteTo(b, addr)
	if SIPDebug && err == nil {
		logSIPWrite("UDP", c.PacketConn.LocalAddr().String(), addr.String(), b[:n])
	}
	return n, err
}

func (c *UDPConnection) WriteMsg(msg Message) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()
	msg.StringWrite(buf)
	data := buf.Bytes()

	if len(data) > UDPMTUThreshold {
		// RFC 3261 18.1.1 demands a congestion controlled transport
		return ErrUDPMTUCongestion
	}

	var n int
	if c.Conn != nil {
		var err error
		n, err = c.Write(data)
		if err != nil {
			return fmt.Errorf("conn %s write err: %w", c.Conn.LocalAddr().String(), err)
		}
	} else {
		dst := msg.Destination() // resolved by transport layer
		host, port, err := ParseAddr(dst)
		if err != nil {
			return err
		}
		raddr := net.UDPAddr{
			IP:   net.ParseIP(host),
			Port: port,
		}
		if raddr.Port == 0 {
			raddr.Port = DefaultUdpPort
		}

		n, err = c.WriteTo(data, &raddr)
		if err != nil {
			return fmt.Errorf("udp conn %s err: %w", c.PacketConn.LocalAddr().String(), err)
		}
	}

	if n != len(data) {
		return fmt.Errorf("wrote %d of %d bytes", n, len(data))
	}
	return nil
}
