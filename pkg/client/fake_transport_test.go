package client

import (
	"context"
	"sync"

	"github.com/morezero/porthos/pkg/transport"
)

// fakeTransport records publishings and lets tests drive deliveries by hand.
type fakeTransport struct {
	mu          sync.Mutex
	published   []*transport.Publishing
	handler     transport.Handler
	destination string
	consumeOpts transport.ConsumeOptions
	publishErr  error
	consumeErr  error
	canceled    bool
	closed      bool

	// onPublish, when set, runs after each successful publish.
	onPublish func(p *transport.Publishing)
}

func (f *fakeTransport) Publish(_ context.Context, p *transport.Publishing) error {
	f.mu.Lock()
	if f.publishErr != nil {
		f.mu.Unlock()
		return f.publishErr
	}
	f.published = append(f.published, p)
	hook := f.onPublish
	f.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return nil
}

func (f *fakeTransport) Consume(destination string, h transport.Handler, opts ...transport.ConsumeOption) (transport.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	f.destination = destination
	f.handler = h
	f.consumeOpts = transport.ApplyConsumeOptions(opts...)
	return &fakeSubscription{f: f}, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) last() *transport.Publishing {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		return nil
	}
	return f.published[len(f.published)-1]
}

// deliver hands d to the consumer as the broker would, counting acks.
func (f *fakeTransport) deliver(d *transport.Delivery) *int {
	acks := 0
	d.Ack = func() error {
		acks++
		return nil
	}
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(d)
	return &acks
}

type fakeSubscription struct {
	f *fakeTransport
}

func (s *fakeSubscription) Cancel() error {
	s.f.mu.Lock()
	s.f.canceled = true
	s.f.mu.Unlock()
	return nil
}

// replyFor builds the delivery a responder would send back for p.
func replyFor(p *transport.Publishing, code any, contentType string, body []byte) *transport.Delivery {
	headers := map[string]any{}
	if code != nil {
		headers[transport.HeaderStatusCode] = code
	}
	return &transport.Delivery{
		CorrelationID: p.CorrelationID,
		ContentType:   contentType,
		Headers:       headers,
		Body:          body,
	}
}
