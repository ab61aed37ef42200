package client

import (
	"context"
	"fmt"
	"time"

	"github.com/morezero/porthos/pkg/commsutil"
	"github.com/morezero/porthos/pkg/transport"
)

// Request is the immutable snapshot a Call sends. CorrelationID is empty
// until the call has been sent expecting a reply.
type Request struct {
	Method        string
	Body          []byte
	ContentType   string
	CorrelationID string
}

// Call accumulates one request. The method is fixed; body and content type
// may be set any number of times and the last setter wins.
type Call struct {
	c           *Client
	method      string
	body        []byte
	contentType string
	err         error

	correlationID string
}

func newCall(c *Client, method string) *Call {
	return &Call{c: c, method: method, contentType: transport.ContentTypeBinary}
}

// WithBody sets a binary payload.
func (b *Call) WithBody(body []byte) *Call {
	b.body = append([]byte(nil), body...)
	b.contentType = transport.ContentTypeBinary
	b.err = nil
	return b
}

// WithJSON encodes v as the payload and sets the JSON content type. An
// encoding failure is returned by the terminal operation.
func (b *Call) WithJSON(v any) *Call {
	data, err := commsutil.EncodePayload(v)
	if err != nil {
		b.err = fmt.Errorf("client: encode %s payload: %w", b.method, err)
		return b
	}
	b.body = data
	b.contentType = transport.ContentTypeJSON
	b.err = nil
	return b
}

// WithContentType overrides the content type of the current payload.
func (b *Call) WithContentType(contentType string) *Call {
	b.contentType = contentType
	return b
}

// Request returns the request as it would be sent now.
func (b *Call) Request() (Request, error) {
	if b.err != nil {
		return Request{}, b.err
	}
	return Request{
		Method:        b.method,
		Body:          append([]byte(nil), b.body...),
		ContentType:   b.contentType,
		CorrelationID: b.correlationID,
	}, nil
}

// Async sends the request and returns its future without waiting. The
// allocated correlation id is then reported by Request and by the future's ID.
func (b *Call) Async(ctx context.Context) (*Future, error) {
	req, err := b.Request()
	if err != nil {
		return nil, err
	}
	id, f, err := b.c.Send(ctx, req.Method, req.Body, req.ContentType)
	if err != nil {
		return nil, err
	}
	b.correlationID = id
	return f, nil
}

// Sync sends the request and waits for the response until ctx ends. A ctx
// deadline yields ErrTimeout.
func (b *Call) Sync(ctx context.Context) (*Response, error) {
	start := time.Now()
	f, err := b.Async(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := f.Wait(ctx)
	b.c.waited(start, err)
	return resp, err
}

// SyncTimeout sends the request and waits at most timeout. On expiry the
// call's slot is freed and ErrTimeout is returned.
func (b *Call) SyncTimeout(ctx context.Context, timeout time.Duration) (*Response, error) {
	start := time.Now()
	f, err := b.Async(ctx)
	if err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := f.Wait(waitCtx)
	b.c.waited(start, err)
	return resp, err
}

// NoReply sends the request fire-and-forget.
func (b *Call) NoReply(ctx context.Context) error {
	req, err := b.Request()
	if err != nil {
		return err
	}
	return b.c.SendNoReply(ctx, req.Method, req.Body, req.ContentType)
}
