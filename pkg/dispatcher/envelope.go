// Package dispatcher is the responder side of porthos: it consumes a request
// destination, routes each request by its X-Method header and publishes the
// handler's reply to the request's reply destination.
package dispatcher

import (
	"encoding/json"
	"fmt"

	"github.com/morezero/porthos/pkg/commsutil"
	"github.com/morezero/porthos/pkg/status"
	"github.com/morezero/porthos/pkg/transport"
)

// Request is an inbound request as seen by a handler.
type Request struct {
	Method        string
	ContentType   string
	CorrelationID string
	ReplyTo       string
	Headers       map[string]any
	Body          []byte
}

// ExpectsReply reports whether the caller is waiting for a response.
func (r *Request) ExpectsReply() bool {
	return r.ReplyTo != ""
}

// DecodeJSON unmarshals the body into v. The body must be declared as JSON.
func (r *Request) DecodeJSON(v any) error {
	if !commsutil.SameMediaType(r.ContentType, transport.ContentTypeJSON) {
		return fmt.Errorf("request content type is %q, not %s", r.ContentType, transport.ContentTypeJSON)
	}
	return commsutil.DecodePayload(r.Body, v)
}

// Reply is a handler's response. A zero StatusCode is sent as 200.
type Reply struct {
	StatusCode  int
	ContentType string
	Headers     map[string]any
	Body        []byte
}

// BinaryReply builds an application/octet-stream reply.
func BinaryReply(code int, body []byte) *Reply {
	return &Reply{StatusCode: code, ContentType: transport.ContentTypeBinary, Body: body}
}

// JSONReply encodes v as an application/json reply.
func JSONReply(code int, v any) (*Reply, error) {
	data, err := commsutil.EncodePayload(v)
	if err != nil {
		return nil, err
	}
	return &Reply{StatusCode: code, ContentType: transport.ContentTypeJSON, Body: data}, nil
}

// ErrorDetail is the JSON body of replies the dispatcher produces itself.
type ErrorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func errorReply(code int, message string) *Reply {
	data, _ := json.Marshal(&ErrorDetail{Code: code, Message: message})
	return &Reply{StatusCode: code, ContentType: transport.ContentTypeJSON, Body: data}
}

func requestFromDelivery(d *transport.Delivery) *Request {
	method, _ := d.Headers[transport.HeaderMethod].(string)
	if vs, ok := d.Headers[transport.HeaderMethod].([]string); ok && len(vs) > 0 {
		method = vs[0]
	}
	return &Request{
		Method:        method,
		ContentType:   d.ContentType,
		CorrelationID: d.CorrelationID,
		ReplyTo:       d.ReplyTo,
		Headers:       d.Headers,
		Body:          d.Body,
	}
}

// replyStatus is the status code a reply is sent with.
func replyStatus(reply *Reply) int {
	if reply.StatusCode == 0 {
		return status.OK
	}
	return reply.StatusCode
}

// encodeReply builds the publishing that carries reply back to req's caller.
func encodeReply(req *Request, reply *Reply, serviceVersion string) *transport.Publishing {
	code := replyStatus(reply)
	contentType := reply.ContentType
	if contentType == "" {
		contentType = transport.ContentTypeBinary
	}

	headers := make(map[string]any, len(reply.Headers)+2)
	for k, v := range reply.Headers {
		headers[k] = v
	}
	headers[transport.HeaderStatusCode] = code
	if serviceVersion != "" {
		headers[transport.HeaderServiceVersion] = serviceVersion
	}

	return &transport.Publishing{
		Destination:   req.ReplyTo,
		ContentType:   contentType,
		CorrelationID: req.CorrelationID,
		Headers:       headers,
		Body:          reply.Body,
		Reply:         true,
	}
}
