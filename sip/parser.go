package sip

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// The maximum permissible CSeq number in a SIP message (2**31 - 1),
// RFC 3261 8.1.1.5.
const maxCseq = 2147483647

var (
	ErrParseLineNoCRLF     = errors.New("line has no CRLF")
	ErrParseInvalidMessage = errors.New("invalid SIP message")

	// ErrParseContentTooSmall reports a datagram holding fewer body
	// bytes than Content-Length claims.
	ErrParseContentTooSmall = errors.New("message body smaller than content length")

	// ErrParseNoContentLength is fatal for stream framed messages,
	// RFC 3261 18.3 requires Content-Length on streams.
	ErrParseNoContentLength = errors.New("no content length header on stream")

	// ErrParseSipPartial indicates more stream data is needed.
	ErrParseSipPartial = errors.New("SIP partial data")
)

var bufReader = sync.Pool{
	New: func() interface{} {
		// The Pool's New function should generally only return pointer
		// types, since a pointer can be put into the return interface
		// value without an allocation:
		return new(bytes.Buffer)
	},
}

// ParseMessage parses a full message with the default parser.
func ParseMessage(msgData []byte) (Message, error) {
	parser := NewParser()
	return parser.ParseSIP(msgData)
}

// Parser converts wire data to messages. Header parsing is table driven
// and headers without a registered parser stay raw.
type Parser struct {
	log            zerolog.Logger
	headersParsers HeadersParsers
}

// ParserOption is addition option for NewParser.
type ParserOption func(p *Parser)

// NewParser creates a message parser.
func NewParser(options ...ParserOption) *Parser {
	p := &Parser{
		log:            log.Logger,
		headersParsers: headersParsers,
	}
	for _, o := range options {
		o(p)
	}
	return p
}

// WithParserLogger allows customizing parser logger.
func WithParserLogger(logger zerolog.Logger) ParserOption {
	return func(p *Parser) {
		p.log = logger
	}
}

// WithHeadersParsers allows customizing the header parser table.
// Keep the table small, every entry is checked per header.
func WithHeadersParsers(m map[string]HeaderParser) ParserOption {
	return func(p *Parser) {
		p.headersParsers = m
	}
}

// ParseSIP parses a datagram framed message: exactly one message,
// body length taken from Content-Length. Trailing bytes beyond
// Content-Length are discarded, missing bytes are an error.
func (p *Parser) ParseSIP(data []byte) (Message, error) {
	reader := bufReader.Get().(*bytes.Buffer)
	defer bufReader.Put(reader)
	reader.Reset()
	reader.Write(data)

	startLine, err := nextLine(reader)
	if err != nil {
		return nil, err
	}

	msg, err := ParseLine(startLine)
	if err != nil {
		return nil, err
	}

	if err := p.parseHeaders(msg, reader); err != nil {
		return nil, err
	}

	contentLength := -1
	if h := msg.ContentLength(); h != nil {
		contentLength = int(*h)
	}
	if contentLength < 0 {
		// Datagram without Content-Length takes the rest of the packet
		// as body - RFC 3261 18.3.
		contentLength = reader.Len()
	}
	if contentLength == 0 {
		return msg, nil
	}
	if reader.Len() < contentLength {
		return nil, fmt.Errorf("read %d of %d body bytes: %w", reader.Len(), contentLength, ErrParseContentTooSmall)
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(reader, body); err != nil {
		return nil, fmt.Errorf("read message body failed: %w", err)
	}
	msg.SetBody(body)
	return msg, nil
}

// parseHeaders reads header lines until the empty line, unfolding
// continuation lines - RFC 3261 7.3.1.
func (p *Parser) parseHeaders(msg Message, reader *bytes.Buffer) error {
	var headerBuf []Header
	pending := ""
	flush := func() {
		if pending == "" {
			return
		}
		var err error
		headerBuf, err = p.headersParsers.parseHeader(headerBuf[:0], pending)
		if err != nil {
			p.log.Info().Err(err).Str("line", pending).Msg("skip header due to error")
		}
		for _, h := range headerBuf {
			msg.AppendHeader(h)
		}
		pending = ""
	}

	for {
		line, err := nextLine(reader)
		if err != nil {
			if err == io.EOF {
				return ErrParseInvalidMessage
			}
			return err
		}
		if len(line) == 0 {
			// End of header section
			flush()
			return nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			if pending == "" {
				return fmt.Errorf("continuation line without a header: %w", ErrParseInvalidMessage)
			}
			pending = foldLine(pending, line)
			continue
		}
		flush()
		pending = line
	}
}

// ParseLine detects and parses a request or status line.
func ParseLine(startLine string) (Message, error) {
	if isRequestLine(startLine) {
		var recipient Uri
		method, sipVersion, err := ParseRequestLine(startLine, &recipient)
		if err != nil {
			return nil, err
		}
		m := NewRequest(method, recipient)
		m.SipVersion = sipVersion
		return m, nil
	}

	if isStatusLine(startLine) {
		sipVersion, statusCode, reason, err := ParseStatusLine(startLine)
		if err != nil {
			return nil, err
		}
		m := NewResponse(statusCode, reason)
		m.SipVersion = sipVersion
		return m, nil
	}
	return nil, fmt.Errorf("transmission beginning %q is not a SIP message: %w", startLine, ErrParseInvalidMessage)
}

// nextLine reads one CRLF terminated line. RFC 3261 7 requires every
// start-line and header line terminated by CRLF.
func nextLine(reader *bytes.Buffer) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return line, err
	}

	n := len(line)
	if n < 2 || line[n-2] != '\r' {
		return line, ErrParseLineNoCRLF
	}
	return line[:n-2], nil
}

// isRequestLine is a cheap heuristic: "METHOD uri SIP/2.0", precisely
// two spaces, last part starting with "SIP/".
func isRequestLine(startLine string) bool {
	ind := strings.IndexByte(startLine, ' ')
	if ind <= 0 {
		return false
	}
	rest := startLine[ind+1:]
	ind2 := strings.IndexByte(rest, ' ')
	if ind2 <= 0 {
		return false
	}
	last := rest[ind2+1:]
	if strings.IndexByte(last, ' ') >= 0 {
		return false
	}
	return strings.HasPrefix(last, "SIP/")
}

// isStatusLine is a cheap heuristic: "SIP/2.0 code reason".
func isStatusLine(startLine string) bool {
	if !strings.HasPrefix(startLine, "SIP/") {
		return false
	}
	ind := strings.IndexByte(startLine, ' ')
	if ind <= 0 {
		return false
	}
	return strings.IndexByte(startLine[ind+1:], ' ') > 0
}

// ParseRequestLine parses "INVITE sip:bob@biloxi.com SIP/2.0".
func ParseRequestLine(requestLine string, recipient *Uri) (method RequestMethod, sipVersion string, err error) {
	parts := strings.Split(requestLine, " ")
	if len(parts) != 3 {
		return "", "", fmt.Errorf("request line should have 2 spaces: %q", requestLine)
	}

	method = RequestMethod(ASCIIToUpper(parts[0]))
	if err := ParseUri(parts[1], recipient); err != nil {
		return "", "", err
	}
	if recipient.Wildcard {
		return "", "", fmt.Errorf("wildcard URI not permitted in request line: %q", requestLine)
	}
	return method, parts[2], nil
}

// ParseStatusLine parses "SIP/2.0 200 OK".
func ParseStatusLine(statusLine string) (sipVersion string, statusCode int, reasonPhrase string, err error) {
	parts := strings.Split(statusLine, " ")
	if len(parts) < 3 {
		return "", 0, "", fmt.Errorf("status line has too few spaces: %q", statusLine)
	}

	code, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return "", 0, "", fmt.Errorf("malformed status code in %q: %w", statusLine, err)
	}
	return parts[0], int(code), strings.Join(parts[2:], " "), nil
}
