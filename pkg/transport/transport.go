// Package transport defines what the RPC client needs from a message broker:
// publishing a request with properties and consuming a reply destination.
package transport

import (
	"context"
	"time"
)

// Wire-level names shared by clients and responders.
const (
	HeaderMethod         = "X-Method"
	HeaderStatusCode     = "statusCode"
	HeaderServiceVersion = "X-Service-Version"

	ContentTypeBinary = "application/octet-stream"
	ContentTypeJSON   = "application/json"

	// DefaultExpiration is how long a request may sit unconsumed in the broker.
	DefaultExpiration = 2 * time.Minute
)

// Publishing is an outbound message. CorrelationID and ReplyTo are empty for
// fire-and-forget requests.
type Publishing struct {
	Destination   string
	ContentType   string
	CorrelationID string
	ReplyTo       string
	Headers       map[string]any
	Body          []byte
	Expiration    time.Duration

	// Reply marks a response to a request. Transports must not create its
	// destination: a reply for a consumer that is gone is dropped.
	Reply bool
}

// Delivery is an inbound message handed to a Handler. Ack must be called once
// the message has been taken off the broker, whatever the handler decides.
type Delivery struct {
	CorrelationID string
	ContentType   string
	ReplyTo       string
	Headers       map[string]any
	Body          []byte

	// Timestamp and Expiration are set when the broker can report them; a
	// zero Timestamp means the message age is unknown.
	Timestamp  time.Time
	Expiration time.Duration

	Ack func() error
}

// Expired reports whether the delivery outlived its expiration at now.
func (d *Delivery) Expired(now time.Time) bool {
	if d.Timestamp.IsZero() || d.Expiration <= 0 {
		return false
	}
	return now.After(d.Timestamp.Add(d.Expiration))
}

// Handler receives deliveries on the transport's own goroutine.
type Handler func(d *Delivery)

// Subscription is an active consumer.
type Subscription interface {
	Cancel() error
}

// ConsumeOptions tune Consume.
type ConsumeOptions struct {
	// Exclusive destinations belong to one consumer and are removed when it
	// is cancelled.
	Exclusive bool
}

// ConsumeOption sets a ConsumeOptions field.
type ConsumeOption func(*ConsumeOptions)

// Exclusive marks the destination as owned by this consumer alone.
func Exclusive() ConsumeOption {
	return func(o *ConsumeOptions) { o.Exclusive = true }
}

// ApplyConsumeOptions folds opts into a ConsumeOptions value.
func ApplyConsumeOptions(opts ...ConsumeOption) ConsumeOptions {
	var o ConsumeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Transport is a broker client.
type Transport interface {
	Publish(ctx context.Context, p *Publishing) error
	Consume(destination string, h Handler, opts ...ConsumeOption) (Subscription, error)
	Close() error
}
