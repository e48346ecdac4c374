package sip

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"runtime"
	"strings"
)

// The whitespace characters recognised by the ABNF grammar of
// RFC 3261 25.1.
const abnfWs = " \t"

const (
	alphanumBytes = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	alphaBytes    = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// randAlphanumWrite appends n random characters [0-9a-zA-Z] drawn from
// crypto/rand. Identifiers on the wire must not be guessable.
func randAlphanumWrite(sb *strings.Builder, n int) {
	randWrite(sb, n, alphanumBytes)
}

// randAlphaWrite appends n random characters [a-zA-Z].
func randAlphaWrite(sb *strings.Builder, n int) {
	randWrite(sb, n, alphaBytes)
}

func randWrite(sb *strings.Builder, n int, alphabet string) {
	sb.Grow(n)
	randomness := make([]byte, n)
	if _, err := rand.Read(randomness); err != nil {
		panic(err)
	}
	l := len(alphabet)
	for _, b := range randomness {
		sb.WriteByte(alphabet[int(b)%l])
	}
}

// RandString returns a random alphanumeric string of length n.
func RandString(n int) string {
	sb := &strings.Builder{}
	randAlphanumWrite(sb, n)
	return sb.String()
}

// ASCIIToLower lowers ASCII letters. Faster than strings.ToLower as it
// avoids allocation when input is already lowercase.
func ASCIIToLower(s string) string {
	firstUpper := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		if 'A' <= c && c <= 'Z' {
			firstUpper = i
			break
		}
	}
	if firstUpper < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	b.WriteString(s[:firstUpper])
	for i := firstUpper; i < len(s); i++ {
		c := s[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String()
}

// ASCIIToUpper uppers ASCII letters, allocation free for already upper input.
func ASCIIToUpper(s string) string {
	firstLower := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		if 'a' <= c && c <= 'z' {
			firstLower = i
			break
		}
	}
	if firstLower < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	b.WriteString(s[:firstLower])
	for i := firstLower; i < len(s); i++ {
		c := s[i]
		if 'a' <= c && c <= 'z' {
			c -= 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String()
}

// HeaderToLower canonicalizes a header name to its lowercase form.
// Common headers are special cased to avoid allocation.
func HeaderToLower(s string) string {
	switch s {
	case "Via", "via":
		return "via"
	case "From", "from":
		return "from"
	case "To", "to":
		return "to"
	case "Call-ID", "call-id":
		return "call-id"
	case "Contact", "contact":
		return "contact"
	case "CSeq", "CSEQ", "cseq":
		return "cseq"
	case "Content-Length", "content-length":
		return "content-length"
	case "Content-Type", "content-type":
		return "content-type"
	case "Route", "route":
		return "route"
	case "Record-Route", "record-route":
		return "record-route"
	case "Max-Forwards", "max-forwards":
		return "max-forwards"
	}
	return ASCIIToLower(s)
}

// isToken reports whether s consists only of RFC 3261 token characters.
// Parameter values that fail this must be serialized quoted.
func isToken(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		default:
			switch c {
			case '-', '.', '!', '%', '*', '_', '+', '`', '\'', '~':
			default:
				return false
			}
		}
	}
	return true
}

// UriIsSIP checks scheme token is plain sip.
func UriIsSIP(s string) bool {
	switch s {
	case "sip", "SIP":
		return true
	}
	return false
}

func UriIsSIPS(s string) bool {
	switch s {
	case "sips", "SIPS":
		return true
	}
	return false
}

// ResolveSelfIP returns first non loopback unicast IP of this host.
func ResolveSelfIP() (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		ip, err := interfaceIP(iface)
		if errors.Is(err, io.EOF) {
			continue
		}
		return ip, err
	}
	return nil, errors.New("no active interface found on system")
}

func interfaceIP(iface net.Interface) (net.IP, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP
		if ip == nil || ip.IsLoopback() {
			continue
		}
		return ip, nil
	}
	return nil, io.EOF
}

// MessageShortString dumps short version of msg, for logging only.
func MessageShortString(msg Message) string {
	switch m := msg.(type) {
	case *Request:
		return m.Short()
	case *Response:
		return m.Short()
	}
	return "unknown message type"
}

// compareFunctions asserts two function values reference the same func.
// Used in tests to check FSM state.
func compareFunctions(f1 any, f2 any) error {
	name1 := runtime.FuncForPC(reflect.ValueOf(f1).Pointer()).Name()
	name2 := runtime.FuncForPC(reflect.ValueOf(f2).Pointer()).Name()
	if name1 != name2 {
		return fmt.Errorf("functions are not equal f1=%q f2=%q", name1, name2)
	}
	return nil
}
