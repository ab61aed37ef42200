// Package client turns a transport's publish/consume pair into remote calls:
// each request carries a fresh correlation id and a reply destination owned
// by the client, and each response is routed back to the call waiting on it.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/porthos/pkg/commsutil"
	"github.com/morezero/porthos/pkg/events"
	"github.com/morezero/porthos/pkg/metrics"
	"github.com/morezero/porthos/pkg/pending"
	"github.com/morezero/porthos/pkg/status"
	"github.com/morezero/porthos/pkg/transport"
)

const logPrefix = "client:client"

// publishTimeout bounds how long one unmatched-delivery event may occupy
// the event publisher.
const publishTimeout = 2 * time.Second

// defaultEventBuffer is how many unmatched-delivery events may wait for the
// publisher before new ones are dropped.
const defaultEventBuffer = 64

// Future is the handle of one call awaiting its Response.
type Future = pending.Future[*Response]

// Option configures a Client.
type Option func(*Client)

// WithRequestTTL sets how long a request may wait in the broker before it is
// considered stale. Defaults to transport.DefaultExpiration.
func WithRequestTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMaxCorrelationID sets the ceiling at which correlation ids wrap to 1.
func WithMaxCorrelationID(n uint64) Option {
	return func(c *Client) { c.maxID = n }
}

// WithPublisher reports unmatched deliveries to p in addition to the log.
func WithPublisher(p events.EventPublisher) Option {
	return func(c *Client) {
		if p != nil {
			c.publisher = p
		}
	}
}

// WithEventBuffer sets how many unmatched-delivery events may queue for the
// publisher. Events arriving while the queue is full are dropped and counted.
func WithEventBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.eventBuffer = n
		}
	}
}

// WithMetrics records sends, outcomes and unmatched deliveries on m.
func WithMetrics(m *metrics.ClientCollector) Option {
	return func(c *Client) { c.metrics = m }
}

// WithOwnedTransport makes Close also close the transport.
func WithOwnedTransport() Option {
	return func(c *Client) { c.ownsTransport = true }
}

// WithClock replaces time.Now when naming the reply destination.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Client sends requests for one service and receives their responses on a
// reply destination it alone consumes.
type Client struct {
	tr            transport.Transport
	service       string
	replyTo       string
	ttl           time.Duration
	maxID         uint64
	calls         *pending.Registry[*Response]
	sub           transport.Subscription
	publisher     events.EventPublisher
	eventBuffer   int
	eventQueue    chan *events.UnmatchedDeliveryEvent
	stopEvents    context.CancelFunc
	eventsDone    chan struct{}
	metrics       *metrics.ClientCollector
	ownsTransport bool
	now           func() time.Time

	mu     sync.RWMutex
	closed bool
}

// New creates a client for service and starts consuming its reply
// destination. Failures are returned as *TransportSetupError.
func New(tr transport.Transport, service string, opts ...Option) (*Client, error) {
	if tr == nil {
		return nil, &TransportSetupError{Service: service, Err: errors.New("nil transport")}
	}
	if strings.TrimSpace(service) == "" {
		return nil, &TransportSetupError{Service: service, Err: errors.New("empty service name")}
	}

	c := &Client{
		tr:        tr,
		service:   service,
		ttl:       transport.DefaultExpiration,
		publisher:   &events.NoOpPublisher{},
		eventBuffer: defaultEventBuffer,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	var regOpts []pending.Option
	if c.maxID > 0 {
		regOpts = append(regOpts, pending.WithMaxID(c.maxID))
	}
	c.calls = pending.NewRegistry[*Response](regOpts...)

	tag := strings.SplitN(uuid.NewString(), "-", 2)[0]
	c.replyTo = commsutil.BuildReplyDestination(service, c.now(), tag)

	sub, err := tr.Consume(c.replyTo, c.OnDelivery, transport.Exclusive())
	if err != nil {
		return nil, &TransportSetupError{Service: service, Err: err}
	}
	c.sub = sub

	c.eventQueue = make(chan *events.UnmatchedDeliveryEvent, c.eventBuffer)
	c.eventsDone = make(chan struct{})
	eventCtx, stop := context.WithCancel(context.Background())
	c.stopEvents = stop
	go c.publishEvents(eventCtx)

	slog.Info(fmt.Sprintf("%s - Client for %s listening on %s", logPrefix, service, c.replyTo))
	return c, nil
}

// Service returns the destination requests are published to.
func (c *Client) Service() string { return c.service }

// ReplyTo returns this client's reply destination.
func (c *Client) ReplyTo() string { return c.replyTo }

// Pending returns the number of calls still waiting for a response.
func (c *Client) Pending() int { return c.calls.Len() }

// Send publishes a request and returns its correlation id and a future for
// the response without blocking. Publish failures free the slot and are
// returned as *TransportIOError.
func (c *Client) Send(ctx context.Context, method string, body []byte, contentType string) (string, *Future, error) {
	if c.isClosed() {
		return "", nil, ErrClosed
	}

	id, f, err := c.calls.Allocate()
	if err != nil {
		return "", nil, fmt.Errorf("%s - allocate correlation id: %w", logPrefix, err)
	}

	p := c.publishing(method, body, contentType)
	p.CorrelationID = id
	p.ReplyTo = c.replyTo

	if err := c.tr.Publish(ctx, p); err != nil {
		f.Cancel()
		c.metrics.PublishFailed(c.service)
		return "", nil, &TransportIOError{Method: method, Destination: c.service, Err: err}
	}
	c.metrics.RequestSent(c.service, true)
	c.metrics.SetPending(c.service, c.calls.Len())

	slog.Debug(fmt.Sprintf("%s - Sent %s to %s (correlationId=%s)", logPrefix, method, c.service, id))
	return id, f, nil
}

// SendNoReply publishes a request that expects no response. No correlation
// id is allocated and no reply destination is set.
func (c *Client) SendNoReply(ctx context.Context, method string, body []byte, contentType string) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.tr.Publish(ctx, c.publishing(method, body, contentType)); err != nil {
		c.metrics.PublishFailed(c.service)
		return &TransportIOError{Method: method, Destination: c.service, Err: err}
	}
	c.metrics.RequestSent(c.service, false)
	slog.Debug(fmt.Sprintf("%s - Sent %s to %s (no reply)", logPrefix, method, c.service))
	return nil
}

func (c *Client) publishing(method string, body []byte, contentType string) *transport.Publishing {
	if contentType == "" {
		contentType = transport.ContentTypeBinary
	}
	return &transport.Publishing{
		Destination: c.service,
		ContentType: contentType,
		Headers:     map[string]any{transport.HeaderMethod: method},
		Body:        body,
		Expiration:  c.ttl,
	}
}

// OnDelivery handles one message from the reply destination. The message is
// acknowledged before anything else. A response nobody is waiting for is
// logged and reported to the publisher; it never reaches a caller. Panics
// are contained so the transport's delivery goroutine survives.
func (c *Client) OnDelivery(d *transport.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - delivery handler panicked: %v", logPrefix, r))
		}
	}()

	if d.Ack != nil {
		if err := d.Ack(); err != nil {
			slog.Warn(fmt.Sprintf("%s - ack failed (correlationId=%q): %v", logPrefix, d.CorrelationID, err))
		}
	}

	code, ok := status.FromHeader(d.Headers[transport.HeaderStatusCode])
	if !ok {
		slog.Warn(fmt.Sprintf("%s - response has no usable %s header (correlationId=%q)", logPrefix, transport.HeaderStatusCode, d.CorrelationID))
	}

	resp := NewResponse(d.Body, d.ContentType, code, d.Headers)
	if c.calls.Resolve(d.CorrelationID, resp) {
		c.metrics.SetPending(c.service, c.calls.Len())
		slog.Debug(fmt.Sprintf("%s - Resolved correlationId=%s status=%d", logPrefix, d.CorrelationID, code))
		return
	}
	c.reportUnmatched(d, code)
}

// reportUnmatched logs and counts d, then queues its event for the
// publisher without blocking the delivery path.
func (c *Client) reportUnmatched(d *transport.Delivery, code int) {
	c.metrics.Unmatched(c.service)
	slog.Error(fmt.Sprintf("%s - Discarding unmatched delivery on %s (correlationId=%q, status=%d)", logPrefix, c.replyTo, d.CorrelationID, code))

	event := &events.UnmatchedDeliveryEvent{
		Service:       c.service,
		ReplyTo:       c.replyTo,
		CorrelationID: d.CorrelationID,
		ContentType:   d.ContentType,
		StatusCode:    code,
		BodySize:      len(d.Body),
		Reason:        events.ReasonNoPendingCall,
		Headers:       d.Headers,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	}

	select {
	case c.eventQueue <- event:
	default:
		c.metrics.UnmatchedEventDropped(c.service)
		slog.Warn(fmt.Sprintf("%s - event queue full, dropping unmatched event (correlationId=%q)", logPrefix, d.CorrelationID))
	}
}

// publishEvents drains the event queue until ctx is cancelled.
func (c *Client) publishEvents(ctx context.Context) {
	defer close(c.eventsDone)
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-c.eventQueue:
			c.publishEvent(ctx, event)
		}
	}
}

func (c *Client) publishEvent(ctx context.Context, event *events.UnmatchedDeliveryEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - event publisher panicked: %v", logPrefix, r))
		}
	}()

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := c.publisher.PublishUnmatched(pubCtx, event); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish unmatched event: %v", logPrefix, err))
	}
}

// waited records the end of a waited call.
func (c *Client) waited(start time.Time, err error) {
	c.metrics.CallCompleted(c.service, time.Since(start), err)
	c.metrics.SetPending(c.service, c.calls.Len())
}

// Call starts building a request for method.
func (c *Client) Call(method string) *Call {
	return newCall(c, method)
}

// Close stops consuming the reply destination, stops the event publisher
// and, with WithOwnedTransport, closes the transport. Queued events not yet
// published are dropped. Outstanding futures are left to their own timeouts.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var errs []error
	if err := c.sub.Cancel(); err != nil {
		errs = append(errs, fmt.Errorf("%s - cancel reply consumer: %w", logPrefix, err))
	}
	c.stopEvents()
	<-c.eventsDone
	if c.ownsTransport {
		if err := c.tr.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s - close transport: %w", logPrefix, err))
		}
	}
	slog.Info(fmt.Sprintf("%s - Client for %s closed (%d calls pending)", logPrefix, c.service, c.calls.Len()))
	return errors.Join(errs...)
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
