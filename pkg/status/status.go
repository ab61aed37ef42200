// Package status holds the HTTP-style status codes carried in the statusCode
// header of response messages. They classify application results only; no
// HTTP exchange takes place.
package status

import (
	"encoding/json"
	"strconv"
	"strings"
)

const (
	OK                          = 200
	Created                     = 201
	Accepted                    = 202
	NonAuthoritativeInfo        = 203
	NoContent                   = 204
	ResetContent                = 205
	PartialContent              = 206
	MovedPermanently            = 301
	Found                       = 302
	NotModified                 = 304
	BadRequest                  = 400
	Unauthorized                = 401
	Forbidden                   = 403
	NotFound                    = 404
	MethodNotAllowed            = 405
	NotAcceptable               = 406
	Conflict                    = 409
	Gone                        = 410
	Locked                      = 423
	FailedDependency            = 424
	PreconditionRequired        = 428
	TooManyRequests             = 429
	RequestHeaderFieldsTooLarge = 431
	UnavailableForLegalReasons  = 451
	InternalServerError         = 500
	NotImplemented              = 501
	ServiceUnavailable          = 503
	InsufficientStorage         = 507
)

var statusText = map[int]string{
	OK:                          "OK",
	Created:                     "Created",
	Accepted:                    "Accepted",
	NonAuthoritativeInfo:        "Non-Authoritative Information",
	NoContent:                   "No Content",
	ResetContent:                "Reset Content",
	PartialContent:              "Partial Content",
	MovedPermanently:            "Moved Permanently",
	Found:                       "Found",
	NotModified:                 "Not Modified",
	BadRequest:                  "Bad Request",
	Unauthorized:                "Unauthorized",
	Forbidden:                   "Forbidden",
	NotFound:                    "Not Found",
	MethodNotAllowed:            "Method Not Allowed",
	NotAcceptable:               "Not Acceptable",
	Conflict:                    "Conflict",
	Gone:                        "Gone",
	Locked:                      "Locked",
	FailedDependency:            "Failed Dependency",
	PreconditionRequired:        "Precondition Required",
	TooManyRequests:             "Too Many Requests",
	RequestHeaderFieldsTooLarge: "Request Header Fields Too Large",
	UnavailableForLegalReasons:  "Unavailable For Legal Reasons",
	InternalServerError:         "Internal Server Error",
	NotImplemented:              "Not Implemented",
	ServiceUnavailable:          "Service Unavailable",
	InsufficientStorage:         "Insufficient Storage",
}

// Text returns a short description of code, or "" if it is not known.
func Text(code int) string {
	return statusText[code]
}

func IsSuccess(code int) bool     { return code >= 200 && code < 300 }
func IsClientError(code int) bool { return code >= 400 && code < 500 }
func IsServerError(code int) bool { return code >= 500 && code < 600 }

// FromHeader reads a status code from a header value. Brokers hand header
// values back in different shapes (native integers, JSON numbers, strings),
// so all of them are accepted. ok is false when v is absent or not a number.
func FromHeader(v any) (code int, ok bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint16:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	case []string:
		if len(n) == 0 {
			return 0, false
		}
		return FromHeader(n[0])
	default:
		return 0, false
	}
}
