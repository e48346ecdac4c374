package sip

import (
	"errors"
	"strconv"
	"strings"
)

func headerParserVia(headerName string, headerText string) (Header, error) {
	h := &ViaHeader{Params: NewParams()}
	return h, parseViaHeaderValue(headerText, h)
}

// parseViaHeaderValue parses one Via hop. A comma separated Via line is
// not multiple logical headers but multiple values of one, the comma
// offset is reported via errComaDetected and the caller splits.
func parseViaHeaderValue(headerText string, h *ViaHeader) error {
	state := viaStateProtocol
	var ind, n int
	var err error
	for state != nil {
		state, n, err = state(h, headerText[ind:])
		if err != nil {
			if _, ok := err.(errComaDetected); ok {
				err = errComaDetected(ind + n)
			}
			return err
		}
		ind += n
	}
	return nil
}

type viaFSM func(h *ViaHeader, s string) (viaFSM, int, error)

func viaStateProtocol(h *ViaHeader, s string) (viaFSM, int, error) {
	ind := strings.IndexByte(s, '/')
	if ind < 0 {
		return nil, 0, errors.New("malformed protocol name in Via header")
	}
	h.ProtocolName = strings.TrimSpace(s[:ind])
	return viaStateVersion, ind + 1, nil
}

func viaStateVersion(h *ViaHeader, s string) (viaFSM, int, error) {
	ind := strings.IndexByte(s, '/')
	if ind < 0 {
		return nil, 0, errors.New("malformed protocol version in Via header")
	}
	h.ProtocolVersion = strings.TrimSpace(s[:ind])
	return viaStateTransport, ind + 1, nil
}

func viaStateTransport(h *ViaHeader, s string) (viaFSM, int, error) {
	ind := strings.IndexAny(s, abnfWs)
	if ind < 0 {
		return nil, 0, errors.New("malformed transport in Via header")
	}
	h.Transport = strings.TrimSpace(s[:ind])
	return viaStateHost, ind + 1, nil
}

func viaStateHost(h *ViaHeader, s string) (viaFSM, int, error) {
	var colon = -1
	end := len(s)
loop:
	for i, c := range s {
		switch c {
		case ';':
			end = i
			break loop
		case ',':
			end = i
			break loop
		case ':':
			colon = i
		}
	}

	var err error
	if colon >= 0 {
		h.Port, err = strconv.Atoi(strings.TrimSpace(s[colon+1 : end]))
		if err != nil {
			return nil, 0, err
		}
		h.Host = strings.TrimSpace(s[:colon])
	} else {
		h.Host = strings.TrimSpace(s[:end])
	}

	if end == len(s) {
		return nil, 0, nil
	}
	if s[end] == ',' {
		return nil, end, errComaDetected(end)
	}
	return viaStateParams, end + 1, nil
}

func viaStateParams(h *ViaHeader, s string) (viaFSM, int, error) {
	coma := strings.IndexByte(s, ',')
	if coma >= 0 {
		if _, err := UnmarshalParams(s[:coma], ';', 0, &h.Params); err != nil {
			return nil, 0, err
		}
		return nil, coma, errComaDetected(coma)
	}

	_, err := UnmarshalParams(s, ';', '\r', &h.Params)
	return nil, 0, err
}
