package sip

import (
	"errors"
	"fmt"
	"strings"
)

// ParseAddressValue parses an address value as used in From, To and
// Contact headers - RFC 3261 20.10. Header params following the URI are
// stored in headerParams. A comma separated list is not accepted here.
func ParseAddressValue(addressText string, uri *Uri, headerParams *HeaderParams) (displayName string, err error) {
	var (
		uriStart, uriEnd       = 0, -1
		startQuote, endQuote   = -1, -1
		semicolon, equal       = -1, -1
		name                   string
		inBrackets, inQuoteVal bool
	)

	for i, c := range addressText {
		if inQuoteVal {
			if c == '"' {
				inQuoteVal = false
			}
			continue
		}

		switch c {
		case '"':
			if equal > 0 {
				inQuoteVal = true
				continue
			}
			if startQuote < 0 {
				startQuote = i
			} else {
				endQuote = i
			}
		case '<':
			if uriStart > 0 {
				continue
			}
			// display-name = *(token LWS) / quoted-string
			if endQuote > 0 {
				displayName = addressText[startQuote+1 : endQuote]
				startQuote, endQuote = -1, -1
			} else {
				displayName = strings.TrimSpace(addressText[:i])
			}
			uriStart = i + 1
			inBrackets = true
		case '>':
			uriEnd = i
			equal, semicolon = -1, -1
			inBrackets = false
		case ';':
			if inBrackets {
				semicolon = i
				continue
			}
			if uriEnd < 0 {
				// URI without angle brackets, everything after first
				// semicolon is header params
				uriEnd = i
				semicolon = i
				continue
			}
			if equal > 0 {
				headerParams.Add(name, addressText[equal+1:i])
			} else if semicolon >= 0 && semicolon+1 < i {
				// Valueless param like ;lr;
				headerParams.Add(addressText[semicolon+1:i], "")
			}
			name = ""
			equal = -1
			semicolon = i
		case '=':
			if !inBrackets && semicolon >= 0 && equal < 0 {
				name = addressText[semicolon+1 : i]
				equal = i
			}
		case '*':
			if startQuote >= 0 || uriStart > 0 {
				continue
			}
			uri.Wildcard = true
			uri.Host = "*"
			return displayName, nil
		}
	}

	if uriEnd < 0 {
		uriEnd = len(addressText)
	}
	if uriStart > uriEnd {
		return "", errors.New("malformed address value")
	}

	if err := ParseUri(addressText[uriStart:uriEnd], uri); err != nil {
		return "", err
	}

	// Flush trailing header param
	if equal > 0 {
		headerParams.Add(name, addressText[equal+1:])
	} else if semicolon >= 0 && semicolon+1 < len(addressText) && !inBrackets && uriEnd <= semicolon {
		headerParams.Add(addressText[semicolon+1:], "")
	}
	return displayName, nil
}

func headerParserTo(headerName string, headerText string) (Header, error) {
	h := &ToHeader{Params: NewParams()}
	var err error
	h.DisplayName, err = ParseAddressValue(headerText, &h.Address, &h.Params)
	if err != nil {
		return nil, err
	}
	if h.Address.Wildcard {
		// Wildcard URI is only permitted in Contact
		return nil, fmt.Errorf("wildcard URI not permitted in To header: %q", headerText)
	}
	return h, nil
}

func headerParserFrom(headerName string, headerText string) (Header, error) {
	h := &FromHeader{Params: NewParams()}
	var err error
	h.DisplayName, err = ParseAddressValue(headerText, &h.Address, &h.Params)
	if err != nil {
		return nil, err
	}
	if h.Address.Wildcard {
		return nil, fmt.Errorf("wildcard URI not permitted in From header: %q", headerText)
	}
	return h, nil
}

func headerParserContact(headerName string, headerText string) (Header, error) {
	h := &ContactHeader{Params: NewParams()}

	// Find end of this entry: top level comma outside quotes/brackets
	inBrackets := false
	inQuotes := false
	endInd := len(headerText)
	var listErr error
loop:
	for i, c := range headerText {
		switch {
		case c == '"':
			inQuotes = !inQuotes
		case c == '<' && !inQuotes:
			inBrackets = true
		case c == '>' && !inQuotes:
			inBrackets = false
		case c == ',' && !inQuotes && !inBrackets:
			endInd = i
			listErr = errComaDetected(i)
			break loop
		}
	}

	var err error
	h.DisplayName, err = ParseAddressValue(headerText[:endInd], &h.Address, &h.Params)
	if err != nil {
		return nil, err
	}
	return h, listErr
}

func headerParserRoute(headerName string, headerText string) (Header, error) {
	h := &RouteHeader{}
	err := parseRouteAddress(headerText, &h.Address)
	return h, err
}

func headerParserRecordRoute(headerName string, headerText string) (Header, error) {
	h := &RecordRouteHeader{}
	err := parseRouteAddress(headerText, &h.Address)
	return h, err
}

func parseRouteAddress(headerText string, address *Uri) error {
	inBrackets := false
	inQuotes := false
	endInd := len(headerText)
	var listErr error
loop:
	for i, c := range headerText {
		switch {
		case c == '"':
			inQuotes = !inQuotes
		case c == '<' && !inQuotes:
			inBrackets = true
		case c == '>' && !inQuotes:
			inBrackets = false
		case c == ',' && !inQuotes && !inBrackets:
			endInd = i
			listErr = errComaDetected(i)
			break loop
		}
	}

	params := NewParams()
	if _, err := ParseAddressValue(headerText[:endInd], address, &params); err != nil {
		return err
	}
	return listErr
}
