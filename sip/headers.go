package sip

import (
	"io"
	"strconv"
	"strings"
)

// Header is a single SIP header field.
type Header interface {
	// Name returns the display form of the header name, e.g. "Call-ID".
	Name() string
	// Value returns formatted header value without the name part.
	Value() string
	String() string
	// StringWrite writes "Name: value" into w, reusing one buffer.
	StringWrite(w io.StringWriter)

	headerClone() Header
}

// HeaderClone returns a deep copy of h.
func HeaderClone(h Header) Header {
	return h.headerClone()
}

// headers is the ordered header collection shared by Request and Response.
// Order is preserved, it is semantically meaningful for Via, Route,
// Record-Route and Contact. Frequently accessed headers are cached.
type headers struct {
	headerOrder []Header

	via           *ViaHeader
	from          *FromHeader
	to            *ToHeader
	callid        *CallIDHeader
	contact       *ContactHeader
	cseq          *CSeqHeader
	maxForwards   *MaxForwardsHeader
	contentLength *ContentLengthHeader
	contentType   *ContentTypeHeader
}

func (hs *headers) String() string {
	buffer := strings.Builder{}
	hs.StringWrite(&buffer)
	return buffer.String()
}

func (hs *headers) StringWrite(buffer io.StringWriter) {
	for i, header := range hs.headerOrder {
		if i > 0 {
			buffer.WriteString("\r\n")
		}
		header.StringWrite(buffer)
	}
	buffer.WriteString("\r\n")
}

// AppendHeader adds header at end of header list.
func (hs *headers) AppendHeader(header Header) {
	hs.headerOrder = append(hs.headerOrder, header)
	hs.cacheHeader(header)
}

func (hs *headers) cacheHeader(header Header) {
	switch m := header.(type) {
	case *ViaHeader:
		if hs.via == nil {
			hs.via = m
		}
	case *FromHeader:
		hs.from = m
	case *ToHeader:
		hs.to = m
	case *CallIDHeader:
		hs.callid = m
	case *CSeqHeader:
		hs.cseq = m
	case *ContactHeader:
		if hs.contact == nil {
			hs.contact = m
		}
	case *MaxForwardsHeader:
		hs.maxForwards = m
	case *ContentLengthHeader:
		hs.contentLength = m
	case *ContentTypeHeader:
		hs.contentType = m
	}
}

// PrependHeader adds headers to the front of header list.
func (hs *headers) PrependHeader(hdrs ...Header) {
	offset := len(hdrs)
	newOrder := make([]Header, len(hs.headerOrder)+offset)
	copy(newOrder, hdrs)
	copy(newOrder[offset:], hs.headerOrder)
	hs.headerOrder = newOrder
	for _, h := range hdrs {
		// Front insert wins the cache for top Via
		switch m := h.(type) {
		case *ViaHeader:
			hs.via = m
		case *ContactHeader:
			hs.contact = m
		default:
			hs.cacheHeader(h)
		}
	}
}

// ReplaceHeader replaces first header with same name.
func (hs *headers) ReplaceHeader(header Header) {
	for i, h := range hs.headerOrder {
		if HeaderToLower(h.Name()) == HeaderToLower(header.Name()) {
			hs.headerOrder[i] = header
			hs.cacheHeader(header)
			return
		}
	}
	hs.AppendHeader(header)
}

// Headers returns all headers in order.
func (hs *headers) Headers() []Header {
	return hs.headerOrder
}

// GetHeaders returns list of headers with same name.
func (hs *headers) GetHeaders(name string) []Header {
	var hds []Header
	nameLower := HeaderToLower(name)
	for _, h := range hs.headerOrder {
		if HeaderToLower(h.Name()) == nameLower {
			hds = append(hds, h)
		}
	}
	return hds
}

// GetHeader returns first header with name, nil when not present.
func (hs *headers) GetHeader(name string) Header {
	nameLower := HeaderToLower(name)
	for _, h := range hs.headerOrder {
		if HeaderToLower(h.Name()) == nameLower {
			return h
		}
	}
	return nil
}

// RemoveHeader removes all headers with name.
func (hs *headers) RemoveHeader(name string) {
	nameLower := HeaderToLower(name)
	filtered := hs.headerOrder[:0]
	for _, h := range hs.headerOrder {
		if HeaderToLower(h.Name()) == nameLower {
			continue
		}
		filtered = append(filtered, h)
	}
	hs.headerOrder = filtered

	switch nameLower {
	case "via":
		hs.via = nil
	case "from":
		hs.from = nil
	case "to":
		hs.to = nil
	case "call-id":
		hs.callid = nil
	case "cseq":
		hs.cseq = nil
	case "contact":
		hs.contact = nil
	case "max-forwards":
		hs.maxForwards = nil
	case "content-length":
		hs.contentLength = nil
	case "content-type":
		hs.contentType = nil
	}
}

// CloneHeaders returns deep copy of all headers.
func (hs *headers) CloneHeaders() []Header {
	hdrs := make([]Header, 0, len(hs.headerOrder))
	for _, h := range hs.headerOrder {
		hdrs = append(hdrs, h.headerClone())
	}
	return hdrs
}

func (hs *headers) CallID() *CallIDHeader             { return hs.callid }
func (hs *headers) Via() *ViaHeader                   { return hs.via }
func (hs *headers) From() *FromHeader                 { return hs.from }
func (hs *headers) To() *ToHeader                     { return hs.to }
func (hs *headers) CSeq() *CSeqHeader                 { return hs.cseq }
func (hs *headers) MaxForwards() *MaxForwardsHeader   { return hs.maxForwards }
func (hs *headers) ContentLength() *ContentLengthHeader {
	return hs.contentLength
}
func (hs *headers) ContentType() *ContentTypeHeader { return hs.contentType }
func (hs *headers) Contact() *ContactHeader         { return hs.contact }

func (hs *headers) Route() *RouteHeader {
	if h := hs.GetHeader("route"); h != nil {
		if r, ok := h.(*RouteHeader); ok {
			return r
		}
	}
	return nil
}

func (hs *headers) RecordRoute() *RecordRouteHeader {
	if h := hs.GetHeader("record-route"); h != nil {
		if r, ok := h.(*RecordRouteHeader); ok {
			return r
		}
	}
	return nil
}

// GenericHeader carries any header this library has no typed
// representation for. Value is kept raw and passed through untouched.
type GenericHeader struct {
	HeaderName string
	Contents   string
}

// NewHeader creates generic header with raw value.
func NewHeader(name, value string) Header {
	return &GenericHeader{
		HeaderName: name,
		Contents:   value,
	}
}

func (h *GenericHeader) Name() string  { return h.HeaderName }
func (h *GenericHeader) Value() string { return h.Contents }

func (h *GenericHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *GenericHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}

func (h *GenericHeader) headerClone() Header {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}

// ToHeader is 'To' header - RFC 3261 20.39.
type ToHeader struct {
	DisplayName string
	Address     Uri
	Params      HeaderParams
}

func (h *ToHeader) Name() string { return "To" }

func (h *ToHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *ToHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.ValueStringWrite(buffer)
}

func (h *ToHeader) Value() string {
	var buffer strings.Builder
	h.ValueStringWrite(&buffer)
	return buffer.String()
}

func (h *ToHeader) ValueStringWrite(buffer io.StringWriter) {
	addressValueWrite(buffer, h.DisplayName, &h.Address, h.Params)
}

// Tag returns the tag param when present.
func (h *ToHeader) Tag() string {
	return h.Params.GetOr("tag", "")
}

func (h *ToHeader) headerClone() Header {
	if h == nil {
		return nil
	}
	return &ToHeader{
		DisplayName: h.DisplayName,
		Address:     *h.Address.Clone(),
		Params:      h.Params.Clone(),
	}
}

// FromHeader is 'From' header - RFC 3261 20.20.
type FromHeader struct {
	DisplayName string
	Address     Uri
	Params      HeaderParams
}

func (h *FromHeader) Name() string { return "From" }

func (h *FromHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *FromHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.ValueStringWrite(buffer)
}

func (h *FromHeader) Value() string {
	var buffer strings.Builder
	h.ValueStringWrite(&buffer)
	return buffer.String()
}

func (h *FromHeader) ValueStringWrite(buffer io.StringWriter) {
	addressValueWrite(buffer, h.DisplayName, &h.Address, h.Params)
}

func (h *FromHeader) Tag() string {
	return h.Params.GetOr("tag", "")
}

func (h *FromHeader) headerClone() Header {
	if h == nil {
		return nil
	}
	return &FromHeader{
		DisplayName: h.DisplayName,
		Address:     *h.Address.Clone(),
		Params:      h.Params.Clone(),
	}
}

func addressValueWrite(buffer io.StringWriter, displayName string, addr *Uri, params HeaderParams) {
	if displayName != "" {
		buffer.WriteString("\"")
		buffer.WriteString(displayName)
		buffer.WriteString("\" ")
	}
	buffer.WriteString("<")
	addr.StringWrite(buffer)
	buffer.WriteString(">")
	if params.Length() > 0 {
		buffer.WriteString(";")
		params.ToStringWrite(';', buffer)
	}
}

// ContactHeader is one Contact entry. Multiple entries of one header
// line are chained with Next, which keeps their relative order.
type ContactHeader struct {
	DisplayName string
	Address     Uri
	Params      HeaderParams
	Next        *ContactHeader
}

func (h *ContactHeader) Name() string { return "Contact" }

func (h *ContactHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *ContactHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.ValueStringWrite(buffer)
}

func (h *ContactHeader) Value() string {
	var buffer strings.Builder
	h.ValueStringWrite(&buffer)
	return buffer.String()
}

func (h *ContactHeader) ValueStringWrite(buffer io.StringWriter) {
	for hop := h; hop != nil; hop = hop.Next {
		hop.valueWrite(buffer)
		if hop.Next != nil {
			buffer.WriteString(", ")
		}
	}
}

func (h *ContactHeader) valueWrite(buffer io.StringWriter) {
	if h.Address.Wildcard {
		// Wildcard must not be wrapped in angle brackets
		buffer.WriteString("*")
		return
	}
	addressValueWrite(buffer, h.DisplayName, &h.Address, h.Params)
}

// Qvalue returns the q param as float, 1.0 when absent or malformed.
func (h *ContactHeader) Qvalue() float64 {
	q, ok := h.Params.Get("q")
	if !ok {
		return 1.0
	}
	v, err := strconv.ParseFloat(q, 64)
	if err != nil {
		return 1.0
	}
	return v
}

func (h *ContactHeader) headerClone() Header {
	return h.Clone()
}

func (h *ContactHeader) Clone() *ContactHeader {
	if h == nil {
		return nil
	}
	newCnt := h.cloneFirst()
	tail := newCnt
	for hop := h.Next; hop != nil; hop = hop.Next {
		tail.Next = hop.cloneFirst()
		tail = tail.Next
	}
	return newCnt
}

func (h *ContactHeader) cloneFirst() *ContactHeader {
	return &ContactHeader{
		DisplayName: h.DisplayName,
		Address:     *h.Address.Clone(),
		Params:      h.Params.Clone(),
	}
}

// CallIDHeader is 'Call-ID' header.
type CallIDHeader string

func (h *CallIDHeader) Name() string  { return "Call-ID" }
func (h *CallIDHeader) Value() string { return string(*h) }

func (h *CallIDHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *CallIDHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}

func (h *CallIDHeader) headerClone() Header {
	c := *h
	return &c
}

// CSeqHeader is 'CSeq' header.
type CSeqHeader struct {
	SeqNo      uint32
	MethodName RequestMethod
}

func (h *CSeqHeader) Name() string { return "CSeq" }

func (h *CSeqHeader) Value() string {
	var buffer strings.Builder
	h.ValueStringWrite(&buffer)
	return buffer.String()
}

func (h *CSeqHeader) ValueStringWrite(buffer io.StringWriter) {
	buffer.WriteString(strconv.FormatUint(uint64(h.SeqNo), 10))
	buffer.WriteString(" ")
	buffer.WriteString(string(h.MethodName))
}

func (h *CSeqHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *CSeqHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.ValueStringWrite(buffer)
}

func (h *CSeqHeader) headerClone() Header {
	if h == nil {
		return nil
	}
	return &CSeqHeader{
		SeqNo:      h.SeqNo,
		MethodName: h.MethodName,
	}
}

// MaxForwardsHeader is 'Max-Forwards' header.
type MaxForwardsHeader uint32

func (h *MaxForwardsHeader) Name() string  { return "Max-Forwards" }
func (h *MaxForwardsHeader) Value() string { return strconv.Itoa(int(*h)) }

func (h *MaxForwardsHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *MaxForwardsHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}

func (h *MaxForwardsHeader) Dec() {
	if *h > 0 {
		*h--
	}
}

func (h *MaxForwardsHeader) Val() int { return int(*h) }

func (h *MaxForwardsHeader) headerClone() Header {
	c := *h
	return &c
}

// ExpiresHeader is 'Expires' header.
type ExpiresHeader uint32

func (h *ExpiresHeader) Name() string  { return "Expires" }
func (h *ExpiresHeader) Value() string { return strconv.Itoa(int(*h)) }

func (h *ExpiresHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *ExpiresHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}

func (h *ExpiresHeader) headerClone() Header {
	c := *h
	return &c
}

// ContentLengthHeader is 'Content-Length' header.
type ContentLengthHeader uint32

func (h *ContentLengthHeader) Name() string  { return "Content-Length" }
func (h *ContentLengthHeader) Value() string { return strconv.Itoa(int(*h)) }

func (h *ContentLengthHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *ContentLengthHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}

func (h *ContentLengthHeader) headerClone() Header {
	c := *h
	return &c
}

// ContentTypeHeader is 'Content-Type' header.
type ContentTypeHeader string

func (h *ContentTypeHeader) Name() string  { return "Content-Type" }
func (h *ContentTypeHeader) Value() string { return string(*h) }

func (h *ContentTypeHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *ContentTypeHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}

func (h *ContentTypeHeader) headerClone() Header {
	c := *h
	return &c
}

// ContentEncodingHeader is 'Content-Encoding' header.
type ContentEncodingHeader string

func (h *ContentEncodingHeader) Name() string  { return "Content-Encoding" }
func (h *ContentEncodingHeader) Value() string { return string(*h) }

func (h *ContentEncodingHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *ContentEncodingHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}

func (h *ContentEncodingHeader) headerClone() Header {
	c := *h
	return &c
}

// ViaHeader is a single Via hop. Multiple hops on one header line are
// chained with Next.
type ViaHeader struct {
	// ProtocolName is e.g. 'SIP'.
	ProtocolName string
	// ProtocolVersion is e.g. '2.0'.
	ProtocolVersion string
	Transport       string
	Host            string
	// Port of this hop, zero when absent.
	Port   int
	Params HeaderParams
	Next   *ViaHeader
}

func (h *ViaHeader) Name() string { return "Via" }

// SentBy returns the host[:port] part of the hop.
func (h *ViaHeader) SentBy() string {
	if h.Port > 0 {
		return h.Host + ":" + strconv.Itoa(h.Port)
	}
	return h.Host
}

// Branch returns branch param or empty string.
func (h *ViaHeader) Branch() string {
	return h.Params.GetOr("branch", "")
}

func (h *ViaHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *ViaHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.ValueStringWrite(buffer)
}

func (h *ViaHeader) Value() string {
	var buffer strings.Builder
	h.ValueStringWrite(&buffer)
	return buffer.String()
}

func (h *ViaHeader) ValueStringWrite(buffer io.StringWriter) {
	for hop := h; hop != nil; hop = hop.Next {
		buffer.WriteString(hop.ProtocolName)
		buffer.WriteString("/")
		buffer.WriteString(hop.ProtocolVersion)
		buffer.WriteString("/")
		buffer.WriteString(hop.Transport)
		buffer.WriteString(" ")
		buffer.WriteString(hop.Host)
		if hop.Port > 0 {
			buffer.WriteString(":")
			buffer.WriteString(strconv.Itoa(hop.Port))
		}
		if hop.Params.Length() > 0 {
			buffer.WriteString(";")
			hop.Params.ToStringWrite(';', buffer)
		}
		if hop.Next != nil {
			buffer.WriteString(", ")
		}
	}
}

func (h *ViaHeader) headerClone() Header {
	return h.Clone()
}

func (h *ViaHeader) Clone() *ViaHeader {
	if h == nil {
		return nil
	}
	newHop := h.cloneFirst()
	tail := newHop
	for hop := h.Next; hop != nil; hop = hop.Next {
		tail.Next = hop.cloneFirst()
		tail = tail.Next
	}
	return newHop
}

func (h *ViaHeader) cloneFirst() *ViaHeader {
	return &ViaHeader{
		ProtocolName:    h.ProtocolName,
		ProtocolVersion: h.ProtocolVersion,
		Transport:       h.Transport,
		Host:            h.Host,
		Port:            h.Port,
		Params:          h.Params.Clone(),
	}
}

// RouteHeader is 'Route' header. Entries chain with Next.
type RouteHeader struct {
	Address Uri
	Next    *RouteHeader
}

func (h *RouteHeader) Name() string { return "Route" }

func (h *RouteHeader) Value() string {
	var buffer strings.Builder
	h.ValueStringWrite(&buffer)
	return buffer.String()
}

func (h *RouteHeader) ValueStringWrite(buffer io.StringWriter) {
	for hop := h; hop != nil; hop = hop.Next {
		buffer.WriteString("<")
		hop.Address.StringWrite(buffer)
		buffer.WriteString(">")
		if hop.Next != nil {
			buffer.WriteString(", ")
		}
	}
}

func (h *RouteHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *RouteHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.ValueStringWrite(buffer)
}

func (h *RouteHeader) headerClone() Header {
	return h.Clone()
}

func (h *RouteHeader) Clone() *RouteHeader {
	if h == nil {
		return nil
	}
	newRoute := &RouteHeader{Address: *h.Address.Clone()}
	tail := newRoute
	for hop := h.Next; hop != nil; hop = hop.Next {
		tail.Next = &RouteHeader{Address: *hop.Address.Clone()}
		tail = tail.Next
	}
	return newRoute
}

// RecordRouteHeader is 'Record-Route' header. Entries chain with Next.
type RecordRouteHeader struct {
	Address Uri
	Next    *RecordRouteHeader
}

func (h *RecordRouteHeader) Name() string { return "Record-Route" }

func (h *RecordRouteHeader) Value() string {
	var buffer strings.Builder
	h.ValueStringWrite(&buffer)
	return buffer.String()
}

func (h *RecordRouteHeader) ValueStringWrite(buffer io.StringWriter) {
	for hop := h; hop != nil; hop = hop.Next {
		buffer.WriteString("<")
		hop.Address.StringWrite(buffer)
		buffer.WriteString(">")
		if hop.Next != nil {
			buffer.WriteString(", ")
		}
	}
}

func (h *RecordRouteHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *RecordRouteHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.ValueStringWrite(buffer)
}

func (h *RecordRouteHeader) headerClone() Header {
	return h.Clone()
}

func (h *RecordRouteHeader) Clone() *RecordRouteHeader {
	if h == nil {
		return nil
	}
	newRoute := &RecordRouteHeader{Address: *h.Address.Clone()}
	tail := newRoute
	for hop := h.Next; hop != nil; hop = hop.Next {
		tail.Next = &RecordRouteHeader{Address: *hop.Address.Clone()}
		tail = tail.Next
	}
	return newRoute
}

// AllowHeader is 'Allow' header, an ordered method list.
type AllowHeader []RequestMethod

func (h AllowHeader) Name() string { return "Allow" }

func (h AllowHeader) Value() string {
	parts := make([]string, len(h))
	for i, m := range h {
		parts[i] = string(m)
	}
	return strings.Join(parts, ", ")
}

func (h AllowHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h AllowHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}

func (h AllowHeader) headerClone() Header {
	c := make(AllowHeader, len(h))
	copy(c, h)
	return c
}

// Contains checks method membership.
func (h AllowHeader) Contains(method RequestMethod) bool {
	for _, m := range h {
		if m == method {
			return true
		}
	}
	return false
}

// SupportedHeader is 'Supported' header, an option tag list.
type SupportedHeader []string

func (h SupportedHeader) Name() string  { return "Supported" }
func (h SupportedHeader) Value() string { return strings.Join(h, ", ") }

func (h SupportedHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h SupportedHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}

func (h SupportedHeader) headerClone() Header {
	c := make(SupportedHeader, len(h))
	copy(c, h)
	return c
}

// RequireHeader is 'Require' header, an option tag list.
type RequireHeader []string

func (h RequireHeader) Name() string  { return "Require" }
func (h RequireHeader) Value() string { return strings.Join(h, ", ") }

func (h RequireHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h RequireHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}

func (h RequireHeader) headerClone() Header {
	c := make(RequireHeader, len(h))
	copy(c, h)
	return c
}

// UnsupportedHeader is 'Unsupported' header, listing option tags the
// UAS does not support.
type UnsupportedHeader []string

func (h UnsupportedHeader) Name() string  { return "Unsupported" }
func (h UnsupportedHeader) Value() string { return strings.Join(h, ", ") }

func (h UnsupportedHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h UnsupportedHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}

func (h UnsupportedHeader) headerClone() Header {
	c := make(UnsupportedHeader, len(h))
	copy(c, h)
	return c
}

// ServerHeader is 'Server' header.
type ServerHeader string

func (h *ServerHeader) Name() string  { return "Server" }
func (h *ServerHeader) Value() string { return string(*h) }

func (h *ServerHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *ServerHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}

func (h *ServerHeader) headerClone() Header {
	c := *h
	return &c
}

// UserAgentHeader is 'User-Agent' header.
type UserAgentHeader string

func (h *UserAgentHeader) Name() string  { return "User-Agent" }
func (h *UserAgentHeader) Value() string { return string(*h) }

func (h *UserAgentHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *UserAgentHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}

func (h *UserAgentHeader) headerClone() Header {
	c := *h
	return &c
}

// SubjectHeader is 'Subject' header.
type SubjectHeader string

func (h *SubjectHeader) Name() string  { return "Subject" }
func (h *SubjectHeader) Value() string { return string(*h) }

func (h *SubjectHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *SubjectHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}

func (h *SubjectHeader) headerClone() Header {
	c := *h
	return &c
}

// CopyHeaders copies all headers with name from one message to another,
// appending after any headers already present.
func CopyHeaders(name string, from, to Message) {
	for _, h := range from.GetHeaders(name) {
		to.AppendHeader(h.headerClone())
	}
}
