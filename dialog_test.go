package sipua

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travelping/sipua/sip"
)

func TestDialogRouteSetCapture(t *testing.T) {
	raw := "SIP/2.0 200 OK\r\n" +
		"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n" +
		"Record-Route: <sip:p2.example.com;lr>\r\n" +
		"Record-Route: <sip:p1.example.com;lr>\r\n" +
		"From: <sip:alice@atlanta.com>;tag=1928301774\r\n" +
		"To: <sip:bob@biloxi.com>;tag=a6c85cf\r\n" +
		"Call-ID: route@test\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Contact: <sip:bob@192.0.2.4>\r\n" +
		"Content-Length: 0\r\n\r\n"

	msg, err := sip.ParseMessage([]byte(raw))
	require.NoError(t, err)
	res := msg.(*sip.Response)

	// The UAC reverses Record-Route into its route set
	routes := sip.UACReadRouteSet(res)
	require.Len(t, routes, 2)
	assert.Equal(t, "p1.example.com", routes[0].Host)
	assert.Equal(t, "p2.example.com", routes[1].Host)
}

func TestDialogIDs(t *testing.T) {
	raw := "SIP/2.0 200 OK\r\n" +
		"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n" +
		"From: <sip:alice@atlanta.com>;tag=local\r\n" +
		"To: <sip:bob@biloxi.com>;tag=remote\r\n" +
		"Call-ID: dlg@test\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Content-Length: 0\r\n\r\n"

	msg, err := sip.ParseMessage([]byte(raw))
	require.NoError(t, err)

	id, err := sip.DialogIDFromResponse(msg.(*sip.Response))
	require.NoError(t, err)
	assert.Equal(t, sip.MakeDialogID("dlg@test", "remote", "local"), id)
}

func TestDialogStateCallbacks(t *testing.T) {
	req := testServerRequest(t, sip.INVITE)

	d := &Dialog{InviteRequest: req}
	d.Init()

	var states []sip.DialogState
	d.OnState(func(s sip.DialogState) {
		states = append(states, s)
	})

	d.setState(sip.DialogStateEstablished)
	d.setState(sip.DialogStateEstablished) // no duplicate callback
	d.setState(sip.DialogStateConfirmed)
	d.setState(sip.DialogStateEnded)

	assert.Equal(t, []sip.DialogState{
		sip.DialogStateEstablished,
		sip.DialogStateConfirmed,
		sip.DialogStateEnded,
	}, states)

	select {
	case <-d.Context().Done():
	default:
		t.Fatal("dialog context must end with the dialog")
	}
}

func TestDialogCSeqMonotonic(t *testing.T) {
	req := testServerRequest(t, sip.INVITE)
	d := &Dialog{InviteRequest: req}
	d.Init()

	first := d.nextCSeq()
	second := d.nextCSeq()
	assert.Equal(t, first+1, second)

	// Remote CSeq must not go backwards
	inDialog := testServerRequest(t, sip.BYE)
	inDialog.CSeq().SeqNo = second + 5
	require.NoError(t, d.checkRemoteCSeq(inDialog))

	stale := testServerRequest(t, sip.BYE)
	stale.CSeq().SeqNo = 1
	assert.ErrorIs(t, d.checkRemoteCSeq(stale), ErrDialogInvalidCSeq)
}
