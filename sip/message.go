package sip

import (
	"io"

	uuid "github.com/satori/go.uuid"
)

// MessageHandler consumes parsed inbound messages.
type MessageHandler func(msg Message)

// RequestMethod is a SIP method token. Known methods are interned as
// constants; any extension method travels as its uppercase string.
type RequestMethod string

func (r RequestMethod) String() string { return string(r) }

const (
	INVITE    RequestMethod = "INVITE"
	ACK       RequestMethod = "ACK"
	CANCEL    RequestMethod = "CANCEL"
	BYE       RequestMethod = "BYE"
	REGISTER  RequestMethod = "REGISTER"
	OPTIONS   RequestMethod = "OPTIONS"
	SUBSCRIBE RequestMethod = "SUBSCRIBE"
	NOTIFY    RequestMethod = "NOTIFY"
	REFER     RequestMethod = "REFER"
	INFO      RequestMethod = "INFO"
	MESSAGE   RequestMethod = "MESSAGE"
	PRACK     RequestMethod = "PRACK"
	UPDATE    RequestMethod = "UPDATE"
	PUBLISH   RequestMethod = "PUBLISH"
)

// MessageID identifies a message internally, not on the wire.
type MessageID string

func NextMessageID() MessageID {
	return MessageID(uuid.NewV4().String())
}

// Message is either *Request or *Response.
type Message interface {
	// StartLine returns the first line of the message.
	StartLine() string
	StartLineWrite(io.StringWriter)
	// String renders full message in RFC 3261 wire form.
	String() string
	// StringWrite renders into w, avoiding allocations.
	StringWrite(io.StringWriter)
	// Short returns one-line info about message, for logging.
	Short() string

	// Headers returns all message headers in order.
	Headers() []Header
	GetHeaders(name string) []Header
	GetHeader(name string) Header
	PrependHeader(header ...Header)
	AppendHeader(header Header)
	RemoveHeader(name string)
	ReplaceHeader(header Header)

	// Typed accessors for hot headers; nil when absent.
	CallID() *CallIDHeader
	Via() *ViaHeader
	From() *FromHeader
	To() *ToHeader
	CSeq() *CSeqHeader
	MaxForwards() *MaxForwardsHeader
	ContentLength() *ContentLengthHeader
	ContentType() *ContentTypeHeader
	Contact() *ContactHeader
	Route() *RouteHeader
	RecordRoute() *RecordRouteHeader

	Body() []byte
	SetBody(body []byte)

	Transport() string
	SetTransport(tp string)
	Source() string
	SetSource(src string)
	Destination() string
	SetDestination(dest string)
}

// MessageData is shared state of Request and Response.
type MessageData struct {
	headers
	SipVersion string
	body       []byte
	tp         string

	// src and dest are internal routing hints, never on the wire
	src  string
	dest string
}

func (msg *MessageData) Body() []byte {
	return msg.body
}

// SetBody sets message body and keeps Content-Length header in sync.
func (msg *MessageData) SetBody(body []byte) {
	msg.body = body

	length := ContentLengthHeader(len(body))
	if hdr := msg.ContentLength(); hdr != nil {
		if *hdr != length {
			msg.ReplaceHeader(&length)
		}
		return
	}
	msg.AppendHeader(&length)
}

func (msg *MessageData) Transport() string {
	return msg.tp
}

func (msg *MessageData) SetTransport(tp string) {
	msg.tp = tp
}

func (msg *MessageData) Source() string {
	return msg.src
}

func (msg *MessageData) SetSource(src string) {
	msg.src = src
}

func (msg *MessageData) Destination() string {
	return msg.dest
}

func (msg *MessageData) SetDestination(dest string) {
	msg.dest = dest
}
