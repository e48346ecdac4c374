package sip

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
)

// Request - RFC 3261 7.1.
type Request struct {
	MessageData
	Method    RequestMethod
	Recipient Uri

	// Laddr forces the local address used to send this request.
	Laddr Addr
	// raddr is the resolved remote address, set by transport layer.
	raddr Addr
}

// NewRequest creates the bare request. Headers are not populated,
// AppendHeader and SetBody complete the message.
func NewRequest(method RequestMethod, recipient Uri) *Request {
	req := &Request{}
	req.SipVersion = "SIP/2.0"
	req.headers = headers{
		headerOrder: make([]Header, 0, 10),
	}
	req.Method = method
	req.Recipient = *recipient.Clone()
	return req
}

func (req *Request) Short() string {
	if req == nil {
		return "<nil>"
	}
	return fmt.Sprintf("request method=%s recipient=%s transport=%s source=%s",
		req.Method, req.Recipient.String(), req.Transport(), req.Source())
}

// StartLine returns Request-Line - RFC 3261 7.1.
func (req *Request) StartLine() string {
	var buffer strings.Builder
	req.StartLineWrite(&buffer)
	return buffer.String()
}

func (req *Request) StartLineWrite(buffer io.StringWriter) {
	buffer.WriteString(string(req.Method))
	buffer.WriteString(" ")
	req.Recipient.StringWrite(buffer)
	buffer.WriteString(" ")
	buffer.WriteString(req.SipVersion)
}

func (req *Request) String() string {
	var buffer strings.Builder
	req.StringWrite(&buffer)
	return buffer.String()
}

func (req *Request) StringWrite(buffer io.StringWriter) {
	req.StartLineWrite(buffer)
	buffer.WriteString("\r\n")
	req.headers.StringWrite(buffer)
	buffer.WriteString("\r\n")
	if req.body != nil {
		buffer.WriteString(string(req.body))
	}
}

func (req *Request) IsInvite() bool {
	return req.Method == INVITE
}

func (req *Request) IsAck() bool {
	return req.Method == ACK
}

func (req *Request) IsCancel() bool {
	return req.Method == CANCEL
}

// Transport determines the transport for sending this request, RFC 3261
// 18.1.1: explicit SetTransport wins, then the transport uri param of
// the next-hop URI, then Via, then the default. Sips upgrades TCP to
// TLS and WS to WSS. Oversized messages on UDP switch to TCP; the check
// lives in the transport layer where the rendered size is known.
func (req *Request) Transport() string {
	if tp := req.MessageData.Transport(); tp != "" {
		return tp
	}

	var tp string
	if via := req.Via(); via != nil && via.Transport != "" {
		tp = via.Transport
	} else {
		tp = DefaultProtocol
	}

	uri := &req.Recipient
	if hdr := req.Route(); hdr != nil {
		uri = &hdr.Address
	}

	if val, ok := uri.UriParams.Get("transport"); ok && val != "" {
		tp = NetworkToUpper(val)
	}

	if uri.IsEncrypted() {
		switch tp {
		case TransportTCP:
			tp = TransportTLS
		case TransportWS:
			tp = TransportWSS
		}
	}
	return tp
}

// Source returns host:port this request was received from, or the Via
// derived address for locally built requests.
func (req *Request) Source() string {
	if src := req.MessageData.Source(); src != "" {
		return src
	}
	host, port := req.sourceViaHostPort()
	return fmt.Sprintf("%s:%d", host, port)
}

func (req *Request) sourceViaHostPort() (string, int) {
	via := req.Via()
	if via == nil {
		return "", 0
	}

	host := via.Host
	port := via.Port
	if port == 0 {
		port = DefaultPort(req.Transport())
	}

	// RFC 3581 4: received/rport take precedence when set
	if received, ok := via.Params.Get("received"); ok && received != "" {
		host = received
	}
	if rport, ok := via.Params.Get("rport"); ok && rport != "" {
		if p, err := strconv.Atoi(rport); err == nil {
			port = p
		}
	}
	return host, port
}

// Destination returns host:port the request will be sent to: explicit
// SetDestination, else first Route, else the Request-URI.
func (req *Request) Destination() string {
	if dest := req.MessageData.Destination(); dest != "" {
		return dest
	}

	uri := &req.Recipient
	if hdr := req.Route(); hdr != nil {
		uri = &hdr.Address
	}
	return uri.HostPort(req.Transport())
}

func (req *Request) remoteAddress() Addr {
	return req.raddr
}

// Clone performs a deep copy including headers; body slice is copied.
func (req *Request) Clone() *Request {
	newReq := NewRequest(req.Method, req.Recipient)
	newReq.SipVersion = req.SipVersion
	for _, h := range req.CloneHeaders() {
		newReq.AppendHeader(h)
	}
	if req.body != nil {
		newReq.SetBody(slices.Clone(req.body))
	}
	newReq.SetTransport(req.MessageData.Transport())
	newReq.SetSource(req.MessageData.Source())
	newReq.SetDestination(req.MessageData.Destination())
	newReq.raddr = req.raddr
	newReq.Laddr = req.Laddr
	return newReq
}

// NewAckRequestNon2xx builds the transaction ACK for a non-2xx final
// response - RFC 3261 17.1.1.3. The ACK reuses Call-ID, From, CSeq
// number (method rewritten to ACK) and Route of the INVITE; its single
// Via equals the topmost Via of the INVITE including the branch; To is
// taken from the response so the tag is carried.
func NewAckRequestNon2xx(inviteRequest *Request, inviteResponse *Response, body []byte) *Request {
	ackRequest := NewRequest(ACK, inviteRequest.Recipient)
	ackRequest.SipVersion = inviteRequest.SipVersion

	if via := inviteRequest.Via(); via != nil {
		ackRequest.AppendHeader(via.cloneFirst())
	}

	CopyHeaders("Route", inviteRequest, ackRequest)

	maxFwd := MaxForwardsHeader(70)
	ackRequest.AppendHeader(&maxFwd)
	if h := inviteRequest.From(); h != nil {
		ackRequest.AppendHeader(h.headerClone())
	}
	if h := inviteResponse.To(); h != nil {
		ackRequest.AppendHeader(h.headerClone())
	}
	if h := inviteRequest.CallID(); h != nil {
		ackRequest.AppendHeader(h.headerClone())
	}
	if h := inviteRequest.CSeq(); h != nil {
		cseq := h.headerClone().(*CSeqHeader)
		cseq.MethodName = ACK
		ackRequest.AppendHeader(cseq)
	}

	ackRequest.SetBody(body)
	ackRequest.SetTransport(inviteRequest.Transport())
	ackRequest.SetSource(inviteRequest.Source())
	// ACK for non-2xx goes to the same address as the INVITE did
	ackRequest.SetDestination(inviteRequest.Destination())
	ackRequest.raddr = inviteRequest.raddr
	ackRequest.Laddr = inviteRequest.Laddr
	return ackRequest
}

// NewCancelRequest builds CANCEL for a pending request - RFC 3261 9.1.
// CANCEL must match the request it cancels: same Request-URI, Call-ID,
// From, To, Route and the topmost Via including branch; CSeq number is
// kept with method CANCEL.
func NewCancelRequest(requestToCancel *Request) *Request {
	cancelReq := NewRequest(CANCEL, requestToCancel.Recipient)
	cancelReq.SipVersion = requestToCancel.SipVersion

	if via := requestToCancel.Via(); via != nil {
		cancelReq.AppendHeader(via.cloneFirst())
	}
	CopyHeaders("Route", requestToCancel, cancelReq)

	maxFwd := MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)
	if h := requestToCancel.From(); h != nil {
		cancelReq.AppendHeader(h.headerClone())
	}
	if h := requestToCancel.To(); h != nil {
		cancelReq.AppendHeader(h.headerClone())
	}
	if h := requestToCancel.CallID(); h != nil {
		cancelReq.AppendHeader(h.headerClone())
	}
	if h := requestToCancel.CSeq(); h != nil {
		cseq := h.headerClone().(*CSeqHeader)
		cseq.MethodName = CANCEL
		cancelReq.AppendHeader(cseq)
	}

	cancelReq.SetBody(nil)
	cancelReq.SetTransport(requestToCancel.Transport())
	cancelReq.SetSource(requestToCancel.Source())
	cancelReq.SetDestination(requestToCancel.Destination())
	cancelReq.raddr = requestToCancel.raddr
	cancelReq.Laddr = requestToCancel.Laddr
	return cancelReq
}
