package sip

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/travelping/sipua/fakes"
)

// testCreateInvite builds a minimal INVITE towards targetAddr with a
// fresh branch, as a client would send it.
func testCreateInvite(t testing.TB, targetURI string, transport string, fromAddr string) *Request {
	t.Helper()

	var recipient Uri
	require.NoError(t, ParseUri(targetURI, &recipient))

	req := NewRequest(INVITE, recipient)
	host, port, err := ParseAddr(fromAddr)
	require.NoError(t, err)

	via := &ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       NetworkToUpper(transport),
		Host:            host,
		Port:            port,
		Params:          NewParams(),
	}
	via.Params.Add("branch", GenerateBranch())
	req.AppendHeader(via)

	from := &FromHeader{Address: Uri{Scheme: "sip", User: "alice", Host: host}, Params: NewParams()}
	from.Params.Add("tag", GenerateTag())
	req.AppendHeader(from)
	req.AppendHeader(&ToHeader{Address: recipient, Params: NewParams()})

	callid := CallIDHeader("gotest-" + RandString(10))
	req.AppendHeader(&callid)
	req.AppendHeader(&CSeqHeader{SeqNo: 1, MethodName: INVITE})
	req.SetTransport(NetworkToUpper(transport))
	req.SetSource(fromAddr)
	req.SetDestination(recipient.HostPort(transport))
	req.SetBody(nil)
	return req
}

func testUDPConn(outgoing io.Writer, raddr string) *UDPConnection {
	return &UDPConnection{
		PacketConn: &fakes.UDPConn{
			LAddr:   fakes.Addr{AddrStr: "127.0.0.2:5060"},
			Reader:  bytes.NewBuffer(nil),
			Writers: map[string]io.Writer{raddr: outgoing},
		},
		PacketAddr: "127.0.0.2:5060",
	}
}

func TestMakeClientTxKey(t *testing.T) {
	req := testCreateInvite(t, "sip:bob@127.0.0.99:5060", "udp", "127.0.0.2:5060")
	key, err := MakeClientTxKey(req)
	require.NoError(t, err)

	branch := req.Via().Branch()
	assert.Equal(t, branch+txKeySep+"INVITE", key)

	// ACK for non-2xx matches the INVITE transaction
	res := NewResponseFromRequest(req, StatusBusyHere, "", nil)
	ack := NewAckRequestNon2xx(req, res, nil)
	ackKey, err := MakeClientTxKey(ack)
	require.NoError(t, err)
	assert.Equal(t, key, ackKey)
}

func TestMakeServerTxKey(t *testing.T) {
	req := testCreateInvite(t, "sip:bob@127.0.0.99:5060", "udp", "127.0.0.2:5060")

	key1, err := MakeServerTxKey(req, "")
	require.NoError(t, err)

	// Retransmission gives the same key
	key2, err := MakeServerTxKey(req.Clone(), "")
	require.NoError(t, err)
	assert.Equal(t, key1, key2)

	// CANCEL keyed as INVITE matches the transaction being cancelled
	cancel := NewCancelRequest(req)
	cancelKey, err := MakeServerTxKey(cancel, INVITE)
	require.NoError(t, err)
	assert.Equal(t, key1, cancelKey)

	// Different branch is a different transaction
	other := req.Clone()
	other.Via().Params.Add("branch", GenerateBranch())
	otherKey, err := MakeServerTxKey(other, "")
	require.NoError(t, err)
	assert.NotEqual(t, key1, otherKey)
}

func TestAckRequestNon2xx(t *testing.T) {
	req := testCreateInvite(t, "sip:bob@127.0.0.99:5060", "udp", "127.0.0.2:5060")
	res := NewResponseFromRequest(req, StatusInternalServerError, "", nil)

	ack := NewAckRequestNon2xx(req, res, nil)
	assert.Equal(t, ACK, ack.Method)

	// Topmost Via must equal the INVITE topmost Via byte for byte
	assert.Equal(t, req.Via().String(), ack.Via().String())

	// CSeq number kept, method rewritten
	assert.Equal(t, req.CSeq().SeqNo, ack.CSeq().SeqNo)
	assert.Equal(t, ACK, ack.CSeq().MethodName)

	// To carries the response tag
	assert.Equal(t, res.To().Tag(), ack.To().Tag())
	assert.Equal(t, req.CallID().Value(), ack.CallID().Value())

	// ACK goes where the INVITE went
	assert.Equal(t, req.Destination(), ack.Destination())
}

func TestCancelRequest(t *testing.T) {
	req := testCreateInvite(t, "sip:bob@127.0.0.99:5060", "udp", "127.0.0.2:5060")
	cancel := NewCancelRequest(req)

	assert.Equal(t, CANCEL, cancel.Method)
	assert.Equal(t, req.Via().String(), cancel.Via().String())
	assert.Equal(t, req.CSeq().SeqNo, cancel.CSeq().SeqNo)
	assert.Equal(t, CANCEL, cancel.CSeq().MethodName)
	assert.Equal(t, req.Recipient.String(), cancel.Recipient.String())
}
