package sip

import (
	"bytes"
	"fmt"
	"sync"
)

type parserState int

const (
	// Skipping CRLF keep alives before the start line
	stateBefore = parserState(iota)
	// Accumulating until the CRLF CRLF header/body boundary
	stateHeaders
	// Accumulating Content-Length body bytes
	stateBody
)

var streamBufReader = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// ParserStream parses messages arriving in arbitrary chunks on a stream
// connection. One instance per stream, it is not safe for concurrent use.
type ParserStream struct {
	p *Parser

	buf   *bytes.Buffer
	state parserState
	// scanned marks how far the boundary search got, the next search
	// backs up three bytes to catch a CRLF CRLF split across chunks
	scanned       int
	msg           Message
	contentLength int
}

// NewSIPStream creates a stream parsing state bound to this parser.
// Call it once per stream connection.
func (p *Parser) NewSIPStream() *ParserStream {
	return &ParserStream{
		p: p, // parser table is read only, sharing is safe
	}
}

func (p *ParserStream) reset() {
	p.state = stateBefore
	p.scanned = 0
	p.msg = nil
	p.contentLength = 0
}

// Reset drops any buffered data and parse progress.
func (p *ParserStream) Reset() {
	p.reset()
	if p.buf != nil {
		p.buf.Reset()
	}
}

// Close releases the internal buffer.
func (p *ParserStream) Close() {
	p.reset()
	buf := p.buf
	p.buf = nil
	if buf != nil {
		streamBufReader.Put(buf)
	}
}

func (p *ParserStream) buffer() *bytes.Buffer {
	if p.buf == nil {
		p.buf = streamBufReader.Get().(*bytes.Buffer)
		p.buf.Reset()
	}
	return p.buf
}

// Write appends stream data to the internal buffer.
func (p *ParserStream) Write(data []byte) (int, error) {
	p.buffer().Write(data)
	return len(data), nil
}

// ParseSIPStream feeds data and invokes cb for every completed message.
// It returns ErrParseSipPartial when the buffered data ends mid
// message, which simply means more chunks are expected. Any other error
// is fatal for the stream.
func (p *ParserStream) ParseSIPStream(data []byte, cb func(msg Message)) error {
	if _, err := p.Write(data); err != nil {
		return err
	}

	for {
		msg, err := p.parseNext()
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}
		cb(msg)
	}
}

// parseNext tries to complete one message from the buffer.
// Returns (nil, nil) when the buffer is drained at a message boundary
// and ErrParseSipPartial mid message.
func (p *ParserStream) parseNext() (Message, error) {
	buf := p.buffer()

	switch p.state {
	case stateBefore:
		// RFC 3261 7.5: leading CRLFs between messages must be absorbed
		for {
			b := buf.Bytes()
			if len(b) >= 2 && b[0] == '\r' && b[1] == '\n' {
				buf.Next(2)
				continue
			}
			if len(b) == 1 && b[0] == '\r' {
				// Half a CRLF, wait for the rest
				return nil, ErrParseSipPartial
			}
			break
		}
		if buf.Len() == 0 {
			return nil, nil
		}
		p.state = stateHeaders
		p.scanned = 0
		fallthrough

	case stateHeaders:
		b := buf.Bytes()
		searchFrom := p.scanned - 3
		if searchFrom < 0 {
			searchFrom = 0
		}
		ind := bytes.Index(b[searchFrom:], []byte("\r\n\r\n"))
		if ind < 0 {
			p.scanned = len(b)
			return nil, ErrParseSipPartial
		}
		boundary := searchFrom + ind + 4

		msg, err := p.parseFrame(b[:boundary])
		if err != nil {
			return nil, err
		}
		h := msg.ContentLength()
		if h == nil {
			// Streams cannot be framed without it - RFC 3261 18.3
			return nil, ErrParseNoContentLength
		}

		buf.Next(boundary)
		p.msg = msg
		p.contentLength = int(*h)
		p.state = stateBody
		fallthrough

	case stateBody:
		if buf.Len() < p.contentLength {
			return nil, ErrParseSipPartial
		}
		if p.contentLength > 0 {
			body := make([]byte, p.contentLength)
			copy(body, buf.Next(p.contentLength))
			p.msg.SetBody(body)
		}
		msg := p.msg
		p.reset()
		return msg, nil
	}

	return nil, fmt.Errorf("stream parser is in unknown state")
}

// parseFrame parses start line plus header section ending with CRLF CRLF.
func (p *ParserStream) parseFrame(frame []byte) (Message, error) {
	reader := bufReader.Get().(*bytes.Buffer)
	defer bufReader.Put(reader)
	reader.Reset()
	reader.Write(frame)

	startLine, err := nextLine(reader)
	if err != nil {
		return nil, err
	}
	msg, err := ParseLine(startLine)
	if err != nil {
		return nil, err
	}
	if err := p.p.parseHeaders(msg, reader); err != nil {
		return nil, err
	}
	return msg, nil
}
