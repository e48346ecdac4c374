package sip

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Response - RFC 3261 7.2.
type Response struct {
	MessageData

	StatusCode int
	Reason     string

	// raddr is the resolved remote address carried over from request
	raddr Addr
}

// NewResponse creates the bare response structure.
func NewResponse(statusCode int, reason string) *Response {
	res := &Response{}
	res.SipVersion = "SIP/2.0"
	res.headers = headers{
		headerOrder: make([]Header, 0, 10),
	}
	res.StatusCode = statusCode
	if reason == "" {
		reason = StatusText(statusCode)
	}
	res.Reason = reason
	return res
}

func (res *Response) Short() string {
	if res == nil {
		return "<nil>"
	}
	return fmt.Sprintf("response status=%d reason=%s transport=%s source=%s",
		res.StatusCode, res.Reason, res.Transport(), res.Source())
}

// StartLine returns Status-Line - RFC 3261 7.2.
func (res *Response) StartLine() string {
	var buffer strings.Builder
	res.StartLineWrite(&buffer)
	return buffer.String()
}

func (res *Response) StartLineWrite(buffer io.StringWriter) {
	buffer.WriteString(res.SipVersion)
	buffer.WriteString(" ")
	buffer.WriteString(strconv.Itoa(res.StatusCode))
	buffer.WriteString(" ")
	buffer.WriteString(res.Reason)
}

func (res *Response) String() string {
	var buffer strings.Builder
	res.StringWrite(&buffer)
	return buffer.String()
}

func (res *Response) StringWrite(buffer io.StringWriter) {
	res.StartLineWrite(buffer)
	buffer.WriteString("\r\n")
	res.headers.StringWrite(buffer)
	buffer.WriteString("\r\n")
	if res.body != nil {
		buffer.WriteString(string(res.body))
	}
}

func (res *Response) IsProvisional() bool {
	return res.StatusCode < 200
}

func (res *Response) IsSuccess() bool {
	return res.StatusCode >= 200 && res.StatusCode < 300
}

func (res *Response) IsRedirection() bool {
	return res.StatusCode >= 300 && res.StatusCode < 400
}

func (res *Response) IsClientError() bool {
	return res.StatusCode >= 400 && res.StatusCode < 500
}

func (res *Response) IsServerError() bool {
	return res.StatusCode >= 500 && res.StatusCode < 600
}

func (res *Response) IsGlobalError() bool {
	return res.StatusCode >= 600
}

func (res *Response) IsAck() bool {
	if cseq := res.CSeq(); cseq != nil {
		return cseq.MethodName == ACK
	}
	return false
}

func (res *Response) IsCancel() bool {
	if cseq := res.CSeq(); cseq != nil {
		return cseq.MethodName == CANCEL
	}
	return false
}

func (res *Response) Transport() string {
	if tp := res.MessageData.Transport(); tp != "" {
		return tp
	}
	if via := res.Via(); via != nil && via.Transport != "" {
		return via.Transport
	}
	return DefaultProtocol
}

// Destination derives where to send the response, RFC 3261 18.2.2 and
// RFC 3581 4: Via host with received/rport overrides.
func (res *Response) Destination() string {
	if dest := res.MessageData.Destination(); dest != "" {
		return dest
	}

	via := res.Via()
	if via == nil {
		return ""
	}

	host := via.Host
	port := via.Port
	if port == 0 {
		port = DefaultPort(res.Transport())
	}
	if received, ok := via.Params.Get("received"); ok && received != "" {
		host = received
	}
	if rport, ok := via.Params.Get("rport"); ok && rport != "" {
		if p, err := strconv.Atoi(rport); err == nil {
			port = p
		}
	}
	return fmt.Sprintf("%v:%v", host, port)
}

func (res *Response) remoteAddress() Addr {
	if res.raddr.IP != nil {
		return res.raddr
	}
	host, port, _ := ParseAddr(res.Destination())
	return Addr{
		IP:       net.ParseIP(host),
		Port:     port,
		Hostname: host,
	}
}

// NewResponseFromRequest builds response per RFC 3261 8.2.6: Via,
// Record-Route, From, To, Call-ID and CSeq copy from the request. To
// gets a tag on final responses unless already present; provisional
// responses stay untagged. rport and received params are filled in per
// RFC 3581.
func NewResponseFromRequest(req *Request, statusCode int, reason string, body []byte) *Response {
	res := NewResponse(statusCode, reason)
	res.SipVersion = req.SipVersion

	CopyHeaders("Record-Route", req, res)
	CopyHeaders("Via", req, res)
	if h := req.From(); h != nil {
		res.AppendHeader(h.headerClone())
	}
	if h := req.To(); h != nil {
		res.AppendHeader(h.headerClone())
	}
	if h := req.CallID(); h != nil {
		res.AppendHeader(h.headerClone())
	}
	if h := req.CSeq(); h != nil {
		res.AppendHeader(h.headerClone())
	}

	if via := res.Via(); via != nil {
		// RFC 3581 4
		if val, ok := via.Params.Get("rport"); ok && val == "" {
			if host, port, err := net.SplitHostPort(req.Source()); err == nil {
				via.Params.Add("rport", port)
				via.Params.Add("received", host)
			}
		}
	}

	// RFC 3261 8.2.6.2: final responses carry a To tag. Provisionals
	// are left untagged here; an early dialog tag is the TU's decision.
	if statusCode >= 200 {
		if to := res.To(); to != nil && !to.Params.Has("tag") {
			to.Params.Add("tag", uuid.NewString())
		}
	}

	res.SetBody(body)
	res.SetTransport(req.Transport())

	if req.raddr.IP != nil {
		res.SetDestination(req.raddr.String())
	} else {
		res.SetDestination(req.Source())
	}
	res.raddr = req.raddr
	return res
}

// Clone performs a deep copy.
func (res *Response) Clone() *Response {
	newRes := NewResponse(res.StatusCode, res.Reason)
	newRes.SipVersion = res.SipVersion
	for _, h := range res.CloneHeaders() {
		newRes.AppendHeader(h)
	}
	newRes.SetBody(res.Body())
	newRes.SetTransport(res.MessageData.Transport())
	newRes.SetSource(res.MessageData.Source())
	newRes.SetDestination(res.MessageData.Destination())
	newRes.raddr = res.raddr
	return newRes
}
