package sip

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/travelping/sipua/fakes"
)

func TestNetworkCasing(t *testing.T) {
	assert.Equal(t, "udp", NetworkToLower("UDP"))
	assert.Equal(t, "tls", NetworkToLower("TLS"))
	assert.Equal(t, "WSS", NetworkToUpper("wss"))
	assert.Equal(t, "SCTP", NetworkToUpper("sctp"))
}

func TestDefaultPorts(t *testing.T) {
	assert.Equal(t, 5060, DefaultPort("UDP"))
	assert.Equal(t, 5060, DefaultPort("TCP"))
	assert.Equal(t, 5061, DefaultPort("TLS"))
	assert.Equal(t, 443, DefaultPort("WSS"))
}

func TestIsReliable(t *testing.T) {
	assert.False(t, IsReliable("UDP"))
	assert.True(t, IsReliable("TCP"))
	assert.True(t, IsReliable("TLS"))
	assert.True(t, IsReliable("WS"))
}

func TestRequestTransportSelection(t *testing.T) {
	req := testCreateInvite(t, "sip:bob@example.com;transport=tcp", "udp", "127.0.0.2:5060")
	req.SetTransport("")
	// transport uri param wins over Via
	assert.Equal(t, TransportTCP, req.Transport())

	// sips upgrades TCP to TLS
	req = testCreateInvite(t, "sips:bob@example.com;transport=tcp", "udp", "127.0.0.2:5060")
	req.SetTransport("")
	assert.Equal(t, TransportTLS, req.Transport())
}

func TestOversizeForUDP(t *testing.T) {
	req := testCreateInvite(t, "sip:bob@example.com", "udp", "127.0.0.2:5060")
	assert.False(t, oversizeForUDP(req))

	req.SetBody([]byte(strings.Repeat("a", UDPMTUThreshold)))
	assert.True(t, oversizeForUDP(req))
}

func TestUDPConnectionMTUBound(t *testing.T) {
	req := testCreateInvite(t, "sip:bob@127.0.0.99:5060", "udp", "127.0.0.2:5060")
	req.SetBody([]byte(strings.Repeat("a", UDPMTUThreshold+1)))

	conn := testUDPConn(&syncBuffer{}, "127.0.0.99:5060")
	err := conn.WriteMsg(req)
	require.ErrorIs(t, err, ErrUDPMTUCongestion)
}

func TestTransportTCPStreamRead(t *testing.T) {
	par := NewParser()
	tr := &transportTCP{log: log.Logger}
	tr.init(par)
	defer tr.Close()

	msgs := make(chan Message, 2)
	fakeConn := &fakes.TCPConn{
		LAddr:  fakes.Addr{NetworkStr: "tcp", AddrStr: "127.0.0.2:5060"},
		RAddr:  fakes.Addr{NetworkStr: "tcp", AddrStr: "127.0.0.99:5060"},
		Reader: bytes.NewBufferString(streamInvite + streamInvite),
		Writer: &syncBuffer{},
	}
	tr.initConnection(fakeConn, fakeConn.RAddr.AddrStr, func(msg Message) {
		msgs <- msg
	})

	for i := 0; i < 2; i++ {
		select {
		case msg := <-msgs:
			req := msg.(*Request)
			assert.Equal(t, INVITE, req.Method)
			assert.Equal(t, TransportTCP, req.Transport())
			assert.Equal(t, "127.0.0.99:5060", req.Source())
		case <-time.After(2 * time.Second):
			t.Fatal("stream message not delivered")
		}
	}
}
