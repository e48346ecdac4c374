package sip

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type uriFSM func(uri *Uri, s string) (uriFSM, string, error)

// ParseUri parses a string into the provided Uri.
// Grammar per RFC 3261 19.1.1:
// sip:user:password@host:port;uri-parameters?headers
func ParseUri(uriStr string, uri *Uri) (err error) {
	if len(uriStr) == 0 {
		return errors.New("empty URI")
	}

	state := uriStateStart
	s := uriStr
	for state != nil {
		state, s, err = state(uri, s)
		if err != nil {
			return err
		}
	}
	return nil
}

func uriStateStart(uri *Uri, s string) (uriFSM, string, error) {
	if s == "*" {
		uri.Host = "*"
		uri.Wildcard = true
		return nil, "", nil
	}
	return uriStateScheme(uri, s)
}

func uriStateScheme(uri *Uri, s string) (uriFSM, string, error) {
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return nil, "", errors.New("missing URI scheme")
	}

	uri.Scheme = ASCIIToLower(s[:colon])
	if err := validateUriScheme(uri.Scheme); err != nil {
		return nil, "", err
	}
	s = s[colon+1:]

	switch uri.Scheme {
	case "sips":
		uri.Encrypted = true
	case "tel":
		return uriStateTelNumber, s, nil
	}

	return uriStateUser, s, nil
}

// scheme = ALPHA *( ALPHA / DIGIT / "+" / "-" / "." )
func validateUriScheme(scheme string) error {
	if len(scheme) == 0 {
		return errors.New("empty URI scheme")
	}
	for _, c := range scheme {
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '+' && c != '-' && c != '.' {
			return fmt.Errorf("invalid character %q in URI scheme", c)
		}
	}
	return nil
}

func uriStateUser(uri *Uri, s string) (uriFSM, string, error) {
	var passSep int
	for i, c := range s {
		switch c {
		case ':':
			passSep = i
		case '@':
			if passSep > 0 {
				uri.User = s[:passSep]
				uri.Password = s[passSep+1 : i]
			} else {
				uri.User = s[:i]
			}
			return uriStateHost, s[i+1:], nil
		}
	}
	// No userinfo present
	return uriStateHost, s, nil
}

func uriStateHost(uri *Uri, s string) (uriFSM, string, error) {
	if strings.HasPrefix(s, "[") {
		// IPv6 reference, port delimiter is after closing bracket
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return nil, "", errors.New("unterminated IPv6 reference in URI")
		}
		uri.Host = s[:end+1]
		s = s[end+1:]
		if len(s) == 0 {
			return uriStateUriParams, "", nil
		}
		switch s[0] {
		case ':':
			return uriStatePort, s[1:], nil
		case ';':
			return uriStateUriParams, s[1:], nil
		case '?':
			return uriStateHeaders, s[1:], nil
		}
		return nil, "", fmt.Errorf("unexpected character %q after IPv6 host", s[0])
	}

	for i, c := range s {
		switch c {
		case ':':
			uri.Host = s[:i]
			return uriStatePort, s[i+1:], nil
		case ';':
			uri.Host = s[:i]
			return uriStateUriParams, s[i+1:], nil
		case '?':
			uri.Host = s[:i]
			return uriStateHeaders, s[i+1:], nil
		}
	}
	uri.Host = s
	uri.Wildcard = s == "*"
	return uriStateUriParams, "", nil
}

func uriStatePort(uri *Uri, s string) (uriFSM, string, error) {
	var err error
	for i, c := range s {
		switch c {
		case ';':
			uri.Port, err = strconv.Atoi(s[:i])
			return uriStateUriParams, s[i+1:], err
		case '?':
			uri.Port, err = strconv.Atoi(s[:i])
			return uriStateHeaders, s[i+1:], err
		}
	}
	uri.Port, err = strconv.Atoi(s)
	return nil, "", err
}

func uriStateUriParams(uri *Uri, s string) (uriFSM, string, error) {
	if uri.UriParams == nil {
		uri.UriParams = NewParams()
	}
	if uri.Headers == nil {
		uri.Headers = NewParams()
	}
	if len(s) == 0 {
		return nil, "", nil
	}

	n, err := UnmarshalParams(s, ';', '?', &uri.UriParams)
	if err != nil {
		return nil, "", err
	}
	if n >= len(s) || s[n] != '?' {
		return nil, "", nil
	}
	return uriStateHeaders, s[n+1:], nil
}

func uriStateHeaders(uri *Uri, s string) (uriFSM, string, error) {
	if uri.UriParams == nil {
		uri.UriParams = NewParams()
	}
	if uri.Headers == nil {
		uri.Headers = NewParams()
	}
	_, err := UnmarshalParams(s, '&', 0, &uri.Headers)
	return nil, "", err
}

func uriStateTelNumber(uri *Uri, s string) (uriFSM, string, error) {
	for i, c := range s {
		if c == ';' {
			uri.User = s[:i]
			return uriStateUriParams, s[i+1:], nil
		}
	}
	uri.User = s
	return nil, "", nil
}
