package sip

import (
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// RFC3261BranchMagicCookie is the leading part of every RFC 3261
	// compliant branch parameter.
	RFC3261BranchMagicCookie = "z9hG4bK"
)

var (
	// SIPDebug enables wire level tracing of every read and written message
	SIPDebug bool
)

func logSIPRead(transport string, laddr string, raddr string, sipmsg []byte) {
	if log.Logger.GetLevel() <= zerolog.DebugLevel {
		log.Debug().Msgf("%s read %s <- %s:\n%s", transport, laddr, raddr, sipmsg)
	}
}

func logSIPWrite(transport string, laddr string, raddr string, sipmsg []byte) {
	if log.Logger.GetLevel() <= zerolog.DebugLevel {
		log.Debug().Msgf("%s write %s -> %s:\n%s", transport, laddr, raddr, sipmsg)
	}
}

// GenerateBranch returns a random unique branch ID prefixed with
// the RFC 3261 magic cookie.
func GenerateBranch() string {
	return GenerateBranchN(16)
}

// GenerateBranchN returns branch in format MagicCookie.<n random chars>
func GenerateBranchN(n int) string {
	sb := &strings.Builder{}
	sb.Grow(len(RFC3261BranchMagicCookie) + n + 1)
	sb.WriteString(RFC3261BranchMagicCookie)
	sb.WriteString(".")
	randAlphanumWrite(sb, n)
	return sb.String()
}

// GenerateTag returns a random tag for From/To tag params.
// Tags carry more than 32 bits of entropy as required by RFC 3261 19.3.
func GenerateTag() string {
	return GenerateTagN(16)
}

func GenerateTagN(n int) string {
	sb := &strings.Builder{}
	randAlphaWrite(sb, n)
	return sb.String()
}

// Response status codes used by the library itself. The full catalog of
// RFC 3261 21 is intentionally not mirrored here.
const (
	StatusTrying            = 100
	StatusRinging           = 180
	StatusCallIsForwarded   = 181
	StatusQueued            = 182
	StatusSessionInProgress = 183

	StatusOK       = 200
	StatusAccepted = 202

	StatusMovedPermanently = 301
	StatusMovedTemporarily = 302

	StatusBadRequest                  = 400
	StatusUnauthorized                = 401
	StatusForbidden                   = 403
	StatusNotFound                    = 404
	StatusMethodNotAllowed            = 405
	StatusProxyAuthRequired           = 407
	StatusRequestTimeout              = 408
	StatusUnsupportedMediaType        = 415
	StatusBadExtension                = 420
	StatusTemporarilyUnavailable      = 480
	StatusCallTransactionDoesNotExist = 481
	StatusLoopDetected                = 482
	StatusTooManyHops                 = 483
	StatusAddressIncomplete           = 484
	StatusBusyHere                    = 486
	StatusRequestTerminated           = 487

	StatusInternalServerError = 500
	StatusNotImplemented      = 501
	StatusBadGateway          = 502
	StatusServiceUnavailable  = 503
	StatusGatewayTimeout      = 504

	StatusBusyEverywhere      = 600
	StatusGlobalDecline       = 603
	StatusGlobalDoesNotExist  = 604
	StatusGlobalNotAcceptable = 606
)

// StatusText returns the default reason phrase for a status code.
func StatusText(code int) string {
	switch code {
	case StatusTrying:
		return "Trying"
	case StatusRinging:
		return "Ringing"
	case StatusCallIsForwarded:
		return "Call Is Being Forwarded"
	case StatusQueued:
		return "Queued"
	case StatusSessionInProgress:
		return "Session Progress"
	case StatusOK:
		return "OK"
	case StatusAccepted:
		return "Accepted"
	case StatusMovedPermanently:
		return "Moved Permanently"
	case StatusMovedTemporarily:
		return "Moved Temporarily"
	case StatusBadRequest:
		return "Bad Request"
	case StatusUnauthorized:
		return "Unauthorized"
	case StatusForbidden:
		return "Forbidden"
	case StatusNotFound:
		return "Not Found"
	case StatusMethodNotAllowed:
		return "Method Not Allowed"
	case StatusProxyAuthRequired:
		return "Proxy Authentication Required"
	case StatusRequestTimeout:
		return "Request Timeout"
	case StatusUnsupportedMediaType:
		return "Unsupported Media Type"
	case StatusBadExtension:
		return "Bad Extension"
	case StatusTemporarilyUnavailable:
		return "Temporarily Unavailable"
	case StatusCallTransactionDoesNotExist:
		return "Call/Transaction Does Not Exist"
	case StatusLoopDetected:
		return "Loop Detected"
	case StatusTooManyHops:
		return "Too Many Hops"
	case StatusAddressIncomplete:
		return "Address Incomplete"
	case StatusBusyHere:
		return "Busy Here"
	case StatusRequestTerminated:
		return "Request Terminated"
	case StatusInternalServerError:
		return "Internal Server Error"
	case StatusNotImplemented:
		return "Not Implemented"
	case StatusBadGateway:
		return "Bad Gateway"
	case StatusServiceUnavailable:
		return "Service Unavailable"
	case StatusGatewayTimeout:
		return "Gateway Timeout"
	case StatusBusyEverywhere:
		return "Busy Everywhere"
	case StatusGlobalDecline:
		return "Decline"
	case StatusGlobalDoesNotExist:
		return "Does Not Exist Anywhere"
	case StatusGlobalNotAcceptable:
		return "Not Acceptable"
	}
	return ""
}
