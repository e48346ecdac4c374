package sip

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// A HeaderParser turns a raw header value into a typed Header.
type HeaderParser func(headerName string, headerData string) (Header, error)

// HeadersParsers maps lowercase header names (including RFC 3261 20
// compact aliases) to their parsers.
type HeadersParsers map[string]HeaderParser

// errComaDetected signals the value continues after a top level comma
// at the carried offset; list valued headers are split on it.
type errComaDetected int

func (e errComaDetected) Error() string {
	return "comma detected"
}

// Compact forms - RFC 3261 20:
// i call-id, m contact, e content-encoding, l content-length,
// c content-type, f from, s subject, t to, v via, k supported
var headersParsers = HeadersParsers{
	"via":              headerParserVia,
	"v":                headerParserVia,
	"from":             headerParserFrom,
	"f":                headerParserFrom,
	"to":               headerParserTo,
	"t":                headerParserTo,
	"call-id":          headerParserCallId,
	"i":                headerParserCallId,
	"contact":          headerParserContact,
	"m":                headerParserContact,
	"cseq":             headerParserCSeq,
	"max-forwards":     headerParserMaxForwards,
	"expires":          headerParserExpires,
	"content-length":   headerParserContentLength,
	"l":                headerParserContentLength,
	"content-type":     headerParserContentType,
	"c":                headerParserContentType,
	"content-encoding": headerParserContentEncoding,
	"e":                headerParserContentEncoding,
	"subject":          headerParserSubject,
	"s":                headerParserSubject,
	"route":            headerParserRoute,
	"record-route":     headerParserRecordRoute,
	"allow":            headerParserAllow,
	"supported":        headerParserSupported,
	"k":                headerParserSupported,
	"require":          headerParserRequire,
	"unsupported":      headerParserUnsupported,
	"server":           headerParserServer,
	"user-agent":       headerParserUserAgent,
}

// DefaultHeadersParsers returns the builtin parser table. It can be
// extended and passed back via WithHeadersParsers.
func DefaultHeadersParsers() map[string]HeaderParser {
	return headersParsers
}

// parseHeader parses one unfolded header line and appends the resulting
// headers to out. Unknown headers pass through as GenericHeader.
func (parsers HeadersParsers) parseHeader(out []Header, line string) ([]Header, error) {
	colonIdx := strings.IndexByte(line, ':')
	if colonIdx == -1 {
		return out, fmt.Errorf("header line %q has no colon", line)
	}

	name := strings.TrimSpace(line[:colonIdx])
	nameLower := HeaderToLower(name)
	value := strings.TrimSpace(line[colonIdx+1:])

	parser, ok := parsers[nameLower]
	if !ok {
		// No typed parser, keep raw. Parsing stays on demand by user.
		out = append(out, NewHeader(name, value))
		return out, nil
	}

	// List valued headers signal a top level comma via errComaDetected
	// and are split into chained/separate header values.
	for {
		h, err := parser(nameLower, value)
		if err == nil {
			out = append(out, h)
			return out, nil
		}
		comma, ok := err.(errComaDetected)
		if !ok {
			return out, err
		}
		out = append(out, h)
		value = value[int(comma)+1:]
	}
}

func headerParserCallId(headerName string, headerText string) (Header, error) {
	headerText = strings.TrimSpace(headerText)
	if len(headerText) == 0 {
		return nil, fmt.Errorf("empty Call-ID value")
	}
	callId := CallIDHeader(headerText)
	return &callId, nil
}

func headerParserMaxForwards(headerName string, headerText string) (Header, error) {
	val, err := strconv.ParseUint(headerText, 10, 32)
	maxfwd := MaxForwardsHeader(val)
	return &maxfwd, err
}

func headerParserExpires(headerName string, headerText string) (Header, error) {
	val, err := strconv.ParseUint(headerText, 10, 32)
	expires := ExpiresHeader(val)
	return &expires, err
}

func headerParserCSeq(headerName string, headerText string) (Header, error) {
	var cseq CSeqHeader
	ind := strings.IndexAny(headerText, abnfWs)
	if ind < 1 || len(headerText)-ind < 2 {
		return nil, fmt.Errorf("CSeq field should have precisely one whitespace section: %q", headerText)
	}

	seqno, err := strconv.ParseUint(headerText[:ind], 10, 32)
	if err != nil {
		return nil, err
	}
	if seqno > maxCseq {
		return nil, fmt.Errorf("invalid CSeq %d: exceeds maximum permitted value 2**31 - 1", seqno)
	}

	cseq.SeqNo = uint32(seqno)
	cseq.MethodName = RequestMethod(strings.TrimSpace(headerText[ind+1:]))
	return &cseq, nil
}

func headerParserContentLength(headerName string, headerText string) (Header, error) {
	val, err := strconv.ParseUint(strings.TrimSpace(headerText), 10, 32)
	contentLength := ContentLengthHeader(val)
	return &contentLength, err
}

func headerParserContentType(headerName string, headerText string) (Header, error) {
	headerText = strings.TrimSpace(headerText)
	if len(headerText) == 0 {
		return nil, fmt.Errorf("empty Content-Type value")
	}
	contentType := ContentTypeHeader(headerText)
	return &contentType, nil
}

func headerParserContentEncoding(headerName string, headerText string) (Header, error) {
	encoding := ContentEncodingHeader(strings.TrimSpace(headerText))
	return &encoding, nil
}

func headerParserSubject(headerName string, headerText string) (Header, error) {
	subject := SubjectHeader(strings.TrimSpace(headerText))
	return &subject, nil
}

func headerParserServer(headerName string, headerText string) (Header, error) {
	server := ServerHeader(strings.TrimSpace(headerText))
	return &server, nil
}

func headerParserUserAgent(headerName string, headerText string) (Header, error) {
	ua := UserAgentHeader(strings.TrimSpace(headerText))
	return &ua, nil
}

func headerParserAllow(headerName string, headerText string) (Header, error) {
	methods := splitCommaTokens(headerText)
	allow := make(AllowHeader, 0, len(methods))
	for _, m := range methods {
		allow = append(allow, RequestMethod(ASCIIToUpper(m)))
	}
	return allow, nil
}

func headerParserSupported(headerName string, headerText string) (Header, error) {
	return SupportedHeader(splitCommaTokens(headerText)), nil
}

func headerParserRequire(headerName string, headerText string) (Header, error) {
	return RequireHeader(splitCommaTokens(headerText)), nil
}

func headerParserUnsupported(headerName string, headerText string) (Header, error) {
	return UnsupportedHeader(splitCommaTokens(headerText)), nil
}

func splitCommaTokens(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// foldLine joins a continuation line to its previous header line with a
// single SP - RFC 3261 7.3.1 header folding.
func foldLine(prev, cont string) string {
	var b bytes.Buffer
	b.WriteString(strings.TrimRight(prev, abnfWs))
	b.WriteString(" ")
	b.WriteString(strings.TrimLeft(cont, abnfWs))
	return b.String()
}
