// Package commstransport implements transport.Transport on COMMS (NATS).
// Message properties travel as NATS headers and the reply destination is
// the message's reply subject.
package commstransport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/porthos/pkg/commsutil"
	"github.com/morezero/porthos/pkg/transport"
)

const logPrefix = "commstransport:transport"

// NATS header names for the properties that AMQP-style brokers carry natively.
const (
	HeaderContentType   = "Content-Type"
	HeaderCorrelationID = "Correlation-Id"
	HeaderExpiration    = "Expiration"
)

// Transport publishes and consumes over a COMMS connection.
type Transport struct {
	nc    *comms.Conn
	owned bool
}

// New wraps an existing connection. Close leaves the connection open.
func New(nc *comms.Conn) *Transport {
	return &Transport{nc: nc}
}

// Dial connects to url and returns a Transport that owns the connection.
func Dial(url, name string, extra ...comms.Option) (*Transport, error) {
	nc, err := commsutil.Connect(url, name, extra...)
	if err != nil {
		return nil, err
	}
	return &Transport{nc: nc, owned: true}, nil
}

// Conn exposes the underlying connection.
func (t *Transport) Conn() *comms.Conn {
	return t.nc
}

// Publish sends p to its destination subject.
func (t *Transport) Publish(ctx context.Context, p *transport.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := EncodePublishing(p)
	if err := t.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("%s - publish to %s failed: %w", logPrefix, p.Destination, err)
	}
	slog.Debug(fmt.Sprintf("%s - Published to %s (correlationId=%q)", logPrefix, p.Destination, p.CorrelationID))
	return nil
}

// Consume subscribes to destination. Core NATS does not redeliver, so the
// Ack handed to h always succeeds. Exclusive has no effect: subjects hold no
// state once unsubscribed.
func (t *Transport) Consume(destination string, h transport.Handler, _ ...transport.ConsumeOption) (transport.Subscription, error) {
	sub, err := t.nc.Subscribe(destination, func(msg *comms.Msg) {
		h(DecodeMsg(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, destination, err)
	}
	if err := t.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("%s - failed to flush subscription to %s: %w", logPrefix, destination, err)
	}
	slog.Debug(fmt.Sprintf("%s - Subscribed to %s", logPrefix, destination))
	return &subscription{sub: sub}, nil
}

// Close drains the connection if this Transport opened it.
func (t *Transport) Close() error {
	if !t.owned {
		return nil
	}
	return t.nc.Drain()
}

type subscription struct {
	sub *comms.Subscription
}

func (s *subscription) Cancel() error {
	return s.sub.Unsubscribe()
}

// EncodePublishing builds the NATS message for p. A []string header value
// becomes a repeated header, the inverse of DecodeMsg.
func EncodePublishing(p *transport.Publishing) *comms.Msg {
	msg := comms.NewMsg(p.Destination)
	msg.Data = p.Body
	msg.Reply = p.ReplyTo

	for k, v := range p.Headers {
		if vs, ok := v.([]string); ok {
			for _, s := range vs {
				msg.Header.Add(k, s)
			}
			continue
		}
		msg.Header.Set(k, fmt.Sprint(v))
	}
	if p.ContentType != "" {
		msg.Header.Set(HeaderContentType, p.ContentType)
	}
	if p.CorrelationID != "" {
		msg.Header.Set(HeaderCorrelationID, p.CorrelationID)
	}
	if p.Expiration > 0 {
		msg.Header.Set(HeaderExpiration, strconv.FormatInt(p.Expiration.Milliseconds(), 10))
	}
	return msg
}

// DecodeMsg turns a NATS message into a Delivery. Single-valued headers
// become strings; repeated ones keep their []string.
func DecodeMsg(msg *comms.Msg) *transport.Delivery {
	headers := make(map[string]any, len(msg.Header))
	for k, vs := range msg.Header {
		switch len(vs) {
		case 0:
		case 1:
			headers[k] = vs[0]
		default:
			headers[k] = append([]string(nil), vs...)
		}
	}

	d := &transport.Delivery{
		CorrelationID: msg.Header.Get(HeaderCorrelationID),
		ContentType:   msg.Header.Get(HeaderContentType),
		ReplyTo:       msg.Reply,
		Headers:       headers,
		Body:          msg.Data,
		Ack:           func() error { return nil },
	}
	if ms, err := strconv.ParseInt(msg.Header.Get(HeaderExpiration), 10, 64); err == nil && ms > 0 {
		d.Expiration = time.Duration(ms) * time.Millisecond
	}
	return d
}
