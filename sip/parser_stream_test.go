package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const streamInvite = "INVITE sip:bob@biloxi.com SIP/2.0\r\n" +
	"Via: SIP/2.0/TCP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n" +
	"From: <sip:alice@atlanta.com>;tag=88sja8x\r\n" +
	"To: <sip:bob@biloxi.com>\r\n" +
	"Call-ID: stream@test\r\n" +
	"CSeq: 1 INVITE\r\n" +
	"Content-Length: 5\r\n" +
	"\r\n" +
	"hello"

func TestParserStreamSingleMessage(t *testing.T) {
	par := NewParser().NewSIPStream()
	defer par.Close()

	var msgs []Message
	err := par.ParseSIPStream([]byte(streamInvite), func(msg Message) {
		msgs = append(msgs, msg)
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("hello"), msgs[0].Body())
}

func TestParserStreamByteAtATime(t *testing.T) {
	par := NewParser().NewSIPStream()
	defer par.Close()

	var msgs []Message
	for i := 0; i < len(streamInvite); i++ {
		err := par.ParseSIPStream([]byte{streamInvite[i]}, func(msg Message) {
			msgs = append(msgs, msg)
		})
		if err != nil {
			require.ErrorIs(t, err, ErrParseSipPartial)
		}
	}

	require.Len(t, msgs, 1)
	req := msgs[0].(*Request)
	assert.Equal(t, INVITE, req.Method)
	assert.Equal(t, []byte("hello"), req.Body())

	// Parser is back at a clean boundary, next message parses too
	err := par.ParseSIPStream([]byte(streamInvite), func(msg Message) {
		msgs = append(msgs, msg)
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestParserStreamLeadingCRLF(t *testing.T) {
	par := NewParser().NewSIPStream()
	defer par.Close()

	var msgs []Message
	// Keep alive CRLFs before the start line are absorbed
	for i := 0; i < 5; i++ {
		err := par.ParseSIPStream([]byte("\r\n"), func(msg Message) {
			msgs = append(msgs, msg)
		})
		require.NoError(t, err)
		require.Empty(t, msgs)
	}

	err := par.ParseSIPStream([]byte(streamInvite), func(msg Message) {
		msgs = append(msgs, msg)
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestParserStreamNoContentLength(t *testing.T) {
	raw := "BYE sip:bob@biloxi.com SIP/2.0\r\n" +
		"Via: SIP/2.0/TCP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n" +
		"From: <sip:alice@atlanta.com>;tag=88sja8x\r\n" +
		"To: <sip:bob@biloxi.com>;tag=a6c85cf\r\n" +
		"Call-ID: stream@test\r\n" +
		"CSeq: 2 BYE\r\n" +
		"\r\n"

	par := NewParser().NewSIPStream()
	defer par.Close()

	err := par.ParseSIPStream([]byte(raw), func(msg Message) {
		t.Fatal("message without Content-Length must not complete on stream")
	})
	require.ErrorIs(t, err, ErrParseNoContentLength)
}

func TestParserStreamSplitBoundary(t *testing.T) {
	// The CRLF CRLF boundary lands exactly between two chunks
	split := len(streamInvite) - 7 // inside "\r\n\r\nhello"
	chunk1 := streamInvite[:split]
	chunk2 := streamInvite[split:]

	par := NewParser().NewSIPStream()
	defer par.Close()

	var msgs []Message
	err := par.ParseSIPStream([]byte(chunk1), func(msg Message) {
		msgs = append(msgs, msg)
	})
	require.ErrorIs(t, err, ErrParseSipPartial)
	require.Empty(t, msgs)

	err = par.ParseSIPStream([]byte(chunk2), func(msg Message) {
		msgs = append(msgs, msg)
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("hello"), msgs[0].Body())
}

func TestParserStreamPipelined(t *testing.T) {
	par := NewParser().NewSIPStream()
	defer par.Close()

	var msgs []Message
	data := streamInvite + streamInvite
	err := par.ParseSIPStream([]byte(data), func(msg Message) {
		msgs = append(msgs, msg)
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}
