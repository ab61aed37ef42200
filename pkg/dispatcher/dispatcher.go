package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/morezero/porthos/pkg/metrics"
	"github.com/morezero/porthos/pkg/status"
	"github.com/morezero/porthos/pkg/transport"
)

const logPrefix = "dispatcher:dispatch"

// HandlerFunc serves one method. A returned error becomes a 500 reply.
type HandlerFunc func(ctx context.Context, req *Request) (*Reply, error)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithServiceVersion stamps every reply with an X-Service-Version header.
func WithServiceVersion(v string) Option {
	return func(d *Dispatcher) { d.serviceVersion = v }
}

// WithRequestTimeout bounds the context handed to handlers.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithClock replaces time.Now when checking request expiration.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithMetrics records handled and expired requests on m.
func WithMetrics(m *metrics.ServerCollector) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher routes requests to handlers by method name.
type Dispatcher struct {
	mu             sync.RWMutex
	handlers       map[string]HandlerFunc
	serviceVersion string
	timeout        time.Duration
	now            func() time.Time
	metrics        *metrics.ServerCollector
}

// NewDispatcher creates a Dispatcher with no handlers.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		timeout:  30 * time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle registers h for method, replacing any previous handler.
func (d *Dispatcher) Handle(method string, h HandlerFunc) {
	d.mu.Lock()
	d.handlers[method] = h
	d.mu.Unlock()
}

// Methods returns the registered method names in sorted order.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for m := range d.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// ServiceVersion returns the version stamped on replies, if any.
func (d *Dispatcher) ServiceVersion() string {
	return d.serviceVersion
}

// Dispatch runs the handler for req.Method and always returns a reply.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (reply *Reply) {
	slog.Debug(fmt.Sprintf("%s - method=%s correlationId=%s", logPrefix, req.Method, req.CorrelationID))

	d.mu.RLock()
	h, ok := d.handlers[req.Method]
	d.mu.RUnlock()
	if !ok {
		return errorReply(status.NotFound, fmt.Sprintf("Unknown method: %s", req.Method))
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - handler %s panicked: %v", logPrefix, req.Method, r))
			reply = errorReply(status.InternalServerError, fmt.Sprintf("handler %s panicked", req.Method))
		}
	}()

	reply, err := h(ctx, req)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - handler %s failed: %v", logPrefix, req.Method, err))
		return errorReply(status.InternalServerError, err.Error())
	}
	if reply == nil {
		return &Reply{StatusCode: status.NoContent}
	}
	return reply
}

// Serve consumes destination on tr and answers each request on its own
// goroutine. Cancelling the returned subscription stops consumption and
// waits for in-flight handlers.
func (d *Dispatcher) Serve(ctx context.Context, tr transport.Transport, destination string) (transport.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &serving{cancel: cancel}

	sub, err := tr.Consume(destination, func(del *transport.Delivery) {
		if del.Ack != nil {
			if err := del.Ack(); err != nil {
				slog.Warn(fmt.Sprintf("%s - ack failed on %s: %v", logPrefix, destination, err))
			}
		}
		if del.Expired(d.now()) {
			d.metrics.Expired()
			slog.Warn(fmt.Sprintf("%s - Dropping expired request (correlationId=%q)", logPrefix, del.CorrelationID))
			return
		}

		if !s.track() {
			return
		}
		go func() {
			defer s.wg.Done()
			d.serveOne(ctx, tr, requestFromDelivery(del))
		}()
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s - failed to consume %s: %w", logPrefix, destination, err)
	}
	s.sub = sub

	slog.Info(fmt.Sprintf("%s - Serving %d methods on %s", logPrefix, len(d.Methods()), destination))
	return s, nil
}

func (d *Dispatcher) serveOne(ctx context.Context, tr transport.Transport, req *Request) {
	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	d.metrics.RequestStarted()
	start := time.Now()
	reply := d.Dispatch(reqCtx, req)
	d.metrics.RequestFinished(d.methodLabel(req.Method), replyStatus(reply), time.Since(start))
	if !req.ExpectsReply() {
		return
	}

	pubCtx, cancelPub := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPub()
	if err := tr.Publish(pubCtx, encodeReply(req, reply, d.serviceVersion)); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to reply to %s: %v", logPrefix, req.ReplyTo, err))
	}
}

// methodLabel bounds metric label values to registered methods.
func (d *Dispatcher) methodLabel(method string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, ok := d.handlers[method]; ok {
		return method
	}
	return "unknown"
}

type serving struct {
	sub     transport.Subscription
	cancel  context.CancelFunc
	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
	once    sync.Once
}

// track registers an in-flight request unless serving has stopped.
func (s *serving) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *serving) Cancel() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Cancel()
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.cancel()
		s.wg.Wait()
	})
	return err
}
