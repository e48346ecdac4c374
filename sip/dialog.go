package sip

import (
	"fmt"
	"strings"
)

// DialogState tracks the RFC 3261 12 dialog lifecycle.
type DialogState int

const (
	// DialogStateEarly is entered on a provisional response carrying a
	// To tag.
	DialogStateEarly DialogState = iota + 1
	// DialogStateEstablished is entered on the 2xx.
	DialogStateEstablished
	// DialogStateConfirmed is entered when the ACK is seen.
	DialogStateConfirmed
	// DialogStateEnded is entered on BYE or error.
	DialogStateEnded
)

func (s DialogState) String() string {
	switch s {
	case DialogStateEarly:
		return "early"
	case DialogStateEstablished:
		return "established"
	case DialogStateConfirmed:
		return "confirmed"
	case DialogStateEnded:
		return "ended"
	}
	return "unknown"
}

// MakeDialogID joins call id and both tags in the order given. The
// helpers below state which tag each puts first.
func MakeDialogID(callID, innerTag, outerTag string) string {
	return strings.Join([]string{callID, innerTag, outerTag}, txKeySep)
}

// DialogIDFromResponse derives the dialog id from a UAC received
// response: call id, to tag, from tag.
func DialogIDFromResponse(res *Response) (string, error) {
	var callID, toTag, fromTag string
	if err := dialogIDParts(res, &callID, &toTag, &fromTag); err != nil {
		return "", err
	}
	return MakeDialogID(callID, toTag, fromTag), nil
}

// DialogIDFromRequestUAS derives the dialog id as seen by the UAS:
// call id, to tag (local), from tag (remote).
func DialogIDFromRequestUAS(req *Request) (string, error) {
	var callID, toTag, fromTag string
	if err := dialogIDParts(req, &callID, &toTag, &fromTag); err != nil {
		return "", err
	}
	return MakeDialogID(callID, toTag, fromTag), nil
}

// DialogIDFromRequestUAC derives the dialog id as seen by the UAC:
// call id, from tag (local), to tag (remote).
func DialogIDFromRequestUAC(req *Request) (string, error) {
	var callID, toTag, fromTag string
	if err := dialogIDParts(req, &callID, &toTag, &fromTag); err != nil {
		return "", err
	}
	return MakeDialogID(callID, fromTag, toTag), nil
}

func dialogIDParts(msg Message, callID, toTag, fromTag *string) error {
	cid := msg.CallID()
	if cid == nil {
		return fmt.Errorf("missing Call-ID header")
	}
	to := msg.To()
	if to == nil {
		return fmt.Errorf("missing To header")
	}
	tt, ok := to.Params.Get("tag")
	if !ok {
		return fmt.Errorf("missing tag param in To header")
	}
	from := msg.From()
	if from == nil {
		return fmt.Errorf("missing From header")
	}
	ft, ok := from.Params.Get("tag")
	if !ok {
		return fmt.Errorf("missing tag param in From header")
	}

	*callID = string(*cid)
	*toTag = tt
	*fromTag = ft
	return nil
}

// UASReadRouteSet captures the route set from Record-Route headers of a
// request as the UAS sees it: direct order - RFC 3261 12.1.1.
func UASReadRouteSet(req *Request) []Uri {
	var routes []Uri
	for _, h := range req.GetHeaders("Record-Route") {
		rr, ok := h.(*RecordRouteHeader)
		if !ok {
			continue
		}
		for hop := rr; hop != nil; hop = hop.Next {
			routes = append(routes, *hop.Address.Clone())
		}
	}
	return routes
}

// UACReadRouteSet captures the route set from Record-Route headers of a
// response as the UAC sees it: reversed order - RFC 3261 12.1.2.
func UACReadRouteSet(res *Response) []Uri {
	routes := []Uri{}
	for _, h := range res.GetHeaders("Record-Route") {
		rr, ok := h.(*RecordRouteHeader)
		if !ok {
			continue
		}
		for hop := rr; hop != nil; hop = hop.Next {
			routes = append(routes, *hop.Address.Clone())
		}
	}
	// reverse
	for i, j := 0, len(routes)-1; i < j; i, j = i+1, j-1 {
		routes[i], routes[j] = routes[j], routes[i]
	}
	if len(routes) == 0 {
		return nil
	}
	return routes
}
