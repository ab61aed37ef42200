package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/morezero/porthos/pkg/events"
	"github.com/morezero/porthos/pkg/metrics"
	"github.com/morezero/porthos/pkg/transport"
)

const clientTestPrefix = "client:client_test"

func newTestClient(t *testing.T, tr *fakeTransport, opts ...Option) *Client {
	t.Helper()
	c, err := New(tr, "math", opts...)
	if err != nil {
		t.Fatalf("%s - New failed: %v", clientTestPrefix, err)
	}
	return c
}

// eventSink returns a publisher that forwards every event to the channel.
func eventSink() (*events.CallbackPublisher, chan *events.UnmatchedDeliveryEvent) {
	ch := make(chan *events.UnmatchedDeliveryEvent, 16)
	pub := events.NewCallbackPublisher(func(_ context.Context, e *events.UnmatchedDeliveryEvent) error {
		ch <- e
		return nil
	})
	return pub, ch
}

func waitEvent(t *testing.T, ch <-chan *events.UnmatchedDeliveryEvent) *events.UnmatchedDeliveryEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("%s - no unmatched event published", clientTestPrefix)
		return nil
	}
}

func expectNoEvent(t *testing.T, ch <-chan *events.UnmatchedDeliveryEvent) {
	t.Helper()
	select {
	case e := <-ch:
		t.Errorf("%s - unexpected event %+v", clientTestPrefix, e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNew_SetupErrors(t *testing.T) {
	consumeErr := errors.New("no channel")

	tests := []struct {
		name    string
		tr      transport.Transport
		service string
	}{
		{"nil transport", nil, "math"},
		{"empty service", &fakeTransport{}, "  "},
		{"consume fails", &fakeTransport{consumeErr: consumeErr}, "math"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.tr, tt.service)
			var setupErr *TransportSetupError
			if !errors.As(err, &setupErr) {
				t.Fatalf("%s - err = %v, want *TransportSetupError", clientTestPrefix, err)
			}
		})
	}

	_, err := New(&fakeTransport{consumeErr: consumeErr}, "math")
	if !errors.Is(err, consumeErr) {
		t.Errorf("%s - setup error does not wrap the consume failure: %v", clientTestPrefix, err)
	}
}

func TestNew_ConsumesExclusiveReplyDestination(t *testing.T) {
	tr := &fakeTransport{}
	fixed := time.UnixMilli(1700000000000)
	c := newTestClient(t, tr, WithClock(func() time.Time { return fixed }))

	if tr.destination != c.ReplyTo() {
		t.Errorf("%s - consumed %q, want %q", clientTestPrefix, tr.destination, c.ReplyTo())
	}
	if !tr.consumeOpts.Exclusive {
		t.Errorf("%s - reply destination not consumed exclusively", clientTestPrefix)
	}
	if !strings.HasPrefix(c.ReplyTo(), "math@1700000000000-") || !strings.HasSuffix(c.ReplyTo(), "-porthos-go") {
		t.Errorf("%s - ReplyTo = %q", clientTestPrefix, c.ReplyTo())
	}

	other := newTestClient(t, &fakeTransport{}, WithClock(func() time.Time { return fixed }))
	if other.ReplyTo() == c.ReplyTo() {
		t.Errorf("%s - two clients created in the same millisecond share %q", clientTestPrefix, c.ReplyTo())
	}
}

func TestSend_PublishesRequestProperties(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(t, tr)

	id, f, err := c.Send(context.Background(), "add", []byte("1+1"), "")
	if err != nil {
		t.Fatalf("%s - Send failed: %v", clientTestPrefix, err)
	}
	if id != "1" || f.ID() != "1" {
		t.Errorf("%s - first correlation id = %q/%q, want 1", clientTestPrefix, id, f.ID())
	}

	p := tr.last()
	if p.Destination != "math" {
		t.Errorf("%s - Destination = %q, want math", clientTestPrefix, p.Destination)
	}
	if p.CorrelationID != id || p.ReplyTo != c.ReplyTo() {
		t.Errorf("%s - routing = (%q, %q)", clientTestPrefix, p.CorrelationID, p.ReplyTo)
	}
	if p.Headers[transport.HeaderMethod] != "add" {
		t.Errorf("%s - X-Method = %v, want add", clientTestPrefix, p.Headers[transport.HeaderMethod])
	}
	if p.ContentType != transport.ContentTypeBinary {
		t.Errorf("%s - ContentType = %q, want binary default", clientTestPrefix, p.ContentType)
	}
	if p.Expiration != 2*time.Minute {
		t.Errorf("%s - Expiration = %v, want 2m", clientTestPrefix, p.Expiration)
	}
	if c.Pending() != 1 {
		t.Errorf("%s - Pending = %d, want 1", clientTestPrefix, c.Pending())
	}
}

func TestSend_CustomTTL(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(t, tr, WithRequestTTL(5*time.Second))

	if _, _, err := c.Send(context.Background(), "add", nil, ""); err != nil {
		t.Fatalf("%s - Send failed: %v", clientTestPrefix, err)
	}
	if tr.last().Expiration != 5*time.Second {
		t.Errorf("%s - Expiration = %v, want 5s", clientTestPrefix, tr.last().Expiration)
	}
}

func TestSend_PublishFailureFreesSlot(t *testing.T) {
	publishErr := errors.New("channel closed")
	tr := &fakeTransport{publishErr: publishErr}
	c := newTestClient(t, tr)

	_, f, err := c.Send(context.Background(), "add", nil, "")
	var ioErr *TransportIOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("%s - err = %v, want *TransportIOError", clientTestPrefix, err)
	}
	if !errors.Is(err, publishErr) {
		t.Errorf("%s - err does not wrap publish failure", clientTestPrefix)
	}
	if f != nil {
		t.Errorf("%s - future returned alongside error", clientTestPrefix)
	}
	if c.Pending() != 0 {
		t.Errorf("%s - Pending = %d after failed publish, want 0", clientTestPrefix, c.Pending())
	}
}

func TestOnDelivery_ResolvesMatchingCall(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(t, tr)

	_, f, err := c.Send(context.Background(), "ping", nil, "")
	if err != nil {
		t.Fatalf("%s - Send failed: %v", clientTestPrefix, err)
	}

	acks := tr.deliver(replyFor(tr.last(), "200", transport.ContentTypeBinary, []byte("pong")))
	if *acks != 1 {
		t.Errorf("%s - acks = %d, want 1", clientTestPrefix, *acks)
	}

	resp, err := f.WaitTimeout(time.Second)
	if err != nil {
		t.Fatalf("%s - wait failed: %v", clientTestPrefix, err)
	}
	if resp.StatusCode() != 200 || string(resp.Content()) != "pong" {
		t.Errorf("%s - got (%d, %q), want (200, pong)", clientTestPrefix, resp.StatusCode(), resp.Content())
	}
	if c.Pending() != 0 {
		t.Errorf("%s - Pending = %d, want 0", clientTestPrefix, c.Pending())
	}
}

func TestOnDelivery_MissingStatusCodeIsZero(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(t, tr)

	_, f, _ := c.Send(context.Background(), "ping", nil, "")
	tr.deliver(replyFor(tr.last(), nil, transport.ContentTypeBinary, nil))

	resp, err := f.WaitTimeout(time.Second)
	if err != nil {
		t.Fatalf("%s - wait failed: %v", clientTestPrefix, err)
	}
	if resp.StatusCode() != 0 {
		t.Errorf("%s - StatusCode = %d, want 0", clientTestPrefix, resp.StatusCode())
	}
}

func TestOnDelivery_UnmatchedIsAckedAndReported(t *testing.T) {
	tr := &fakeTransport{}
	pub, got := eventSink()
	c := newTestClient(t, tr, WithPublisher(pub))

	acks := tr.deliver(&transport.Delivery{
		CorrelationID: "999",
		ContentType:   transport.ContentTypeJSON,
		Headers:       map[string]any{transport.HeaderStatusCode: 200},
		Body:          []byte(`{}`),
	})

	if *acks != 1 {
		t.Errorf("%s - acks = %d, want 1", clientTestPrefix, *acks)
	}
	e := waitEvent(t, got)
	if e.CorrelationID != "999" || e.Service != "math" || e.ReplyTo != c.ReplyTo() {
		t.Errorf("%s - event = %+v", clientTestPrefix, e)
	}
	if e.StatusCode != 200 || e.BodySize != 2 || e.Reason != events.ReasonNoPendingCall {
		t.Errorf("%s - event = %+v", clientTestPrefix, e)
	}
}

func TestOnDelivery_SurvivesPublisherPanic(t *testing.T) {
	tr := &fakeTransport{}
	pub := events.NewCallbackPublisher(func(context.Context, *events.UnmatchedDeliveryEvent) error {
		panic("publisher bug")
	})
	c := newTestClient(t, tr, WithPublisher(pub))

	acks := tr.deliver(&transport.Delivery{CorrelationID: "7", Headers: map[string]any{}})
	if *acks != 1 {
		t.Errorf("%s - acks = %d, want 1", clientTestPrefix, *acks)
	}

	// The delivery path keeps working afterwards.
	_, f, _ := c.Send(context.Background(), "ping", nil, "")
	tr.deliver(replyFor(tr.last(), 200, transport.ContentTypeBinary, []byte("pong")))
	if _, err := f.WaitTimeout(time.Second); err != nil {
		t.Errorf("%s - call after panic failed: %v", clientTestPrefix, err)
	}
}

func TestOnDelivery_SecondResponseForSameIDIsUnmatched(t *testing.T) {
	tr := &fakeTransport{}
	pub, got := eventSink()
	c := newTestClient(t, tr, WithPublisher(pub))

	_, f, _ := c.Send(context.Background(), "ping", nil, "")
	p := tr.last()
	tr.deliver(replyFor(p, 200, transport.ContentTypeBinary, []byte("first")))
	tr.deliver(replyFor(p, 200, transport.ContentTypeBinary, []byte("second")))

	resp, err := f.WaitTimeout(time.Second)
	if err != nil {
		t.Fatalf("%s - wait failed: %v", clientTestPrefix, err)
	}
	if string(resp.Content()) != "first" {
		t.Errorf("%s - content = %q, want first", clientTestPrefix, resp.Content())
	}
	if e := waitEvent(t, got); e.CorrelationID != p.CorrelationID {
		t.Errorf("%s - event for %q, want %q", clientTestPrefix, e.CorrelationID, p.CorrelationID)
	}
	expectNoEvent(t, got)
}

func TestTimeout_LateResponseDiscarded(t *testing.T) {
	tr := &fakeTransport{}
	pub, got := eventSink()
	c := newTestClient(t, tr, WithPublisher(pub))

	_, err := c.Call("slow").SyncTimeout(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("%s - err = %v, want ErrTimeout", clientTestPrefix, err)
	}
	if c.Pending() != 0 {
		t.Errorf("%s - Pending = %d after timeout, want 0", clientTestPrefix, c.Pending())
	}

	acks := tr.deliver(replyFor(tr.last(), 200, transport.ContentTypeBinary, []byte("late")))
	if *acks != 1 {
		t.Errorf("%s - late delivery not acked", clientTestPrefix)
	}
	waitEvent(t, got)
	expectNoEvent(t, got)
}

func TestSendNoReply_CreatesNoEntry(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(t, tr)

	if err := c.SendNoReply(context.Background(), "log", []byte("x"), ""); err != nil {
		t.Fatalf("%s - SendNoReply failed: %v", clientTestPrefix, err)
	}
	p := tr.last()
	if p.CorrelationID != "" || p.ReplyTo != "" {
		t.Errorf("%s - fire-and-forget carries routing (%q, %q)", clientTestPrefix, p.CorrelationID, p.ReplyTo)
	}
	if p.Headers[transport.HeaderMethod] != "log" {
		t.Errorf("%s - X-Method = %v", clientTestPrefix, p.Headers[transport.HeaderMethod])
	}
	if c.Pending() != 0 {
		t.Errorf("%s - Pending = %d, want 0", clientTestPrefix, c.Pending())
	}

	// A real call afterwards still gets id 1 and its own response.
	id, f, _ := c.Send(context.Background(), "ping", nil, "")
	if id != "1" {
		t.Errorf("%s - id = %q, want 1", clientTestPrefix, id)
	}
	tr.deliver(replyFor(tr.last(), 200, transport.ContentTypeBinary, []byte("pong")))
	resp, err := f.WaitTimeout(time.Second)
	if err != nil || string(resp.Content()) != "pong" {
		t.Errorf("%s - got (%v, %v)", clientTestPrefix, resp, err)
	}
}

func TestSendNoReply_PublishFailure(t *testing.T) {
	tr := &fakeTransport{publishErr: errors.New("down")}
	c := newTestClient(t, tr)

	var ioErr *TransportIOError
	if err := c.SendNoReply(context.Background(), "log", nil, ""); !errors.As(err, &ioErr) {
		t.Errorf("%s - err = %v, want *TransportIOError", clientTestPrefix, err)
	}
}

func TestClose(t *testing.T) {
	tests := []struct {
		name       string
		opts       []Option
		wantClosed bool
	}{
		{"borrowed transport", nil, false},
		{"owned transport", []Option{WithOwnedTransport()}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{}
			c := newTestClient(t, tr, tt.opts...)

			_, f, _ := c.Send(context.Background(), "ping", nil, "")

			if err := c.Close(); err != nil {
				t.Fatalf("%s - Close failed: %v", clientTestPrefix, err)
			}
			if err := c.Close(); err != nil {
				t.Errorf("%s - second Close failed: %v", clientTestPrefix, err)
			}
			if !tr.canceled {
				t.Errorf("%s - reply consumer not cancelled", clientTestPrefix)
			}
			if tr.closed != tt.wantClosed {
				t.Errorf("%s - transport closed = %v, want %v", clientTestPrefix, tr.closed, tt.wantClosed)
			}
			if f.State().String() != "pending" {
				t.Errorf("%s - Close touched outstanding future: %s", clientTestPrefix, f.State())
			}
			if _, _, err := c.Send(context.Background(), "ping", nil, ""); !errors.Is(err, ErrClosed) {
				t.Errorf("%s - Send after Close = %v, want ErrClosed", clientTestPrefix, err)
			}
			if err := c.SendNoReply(context.Background(), "ping", nil, ""); !errors.Is(err, ErrClosed) {
				t.Errorf("%s - SendNoReply after Close = %v, want ErrClosed", clientTestPrefix, err)
			}
		})
	}
}

func TestConcurrentCalls_EachGetsItsOwnResponse(t *testing.T) {
	tr := &fakeTransport{}
	tr.onPublish = func(p *transport.Publishing) {
		go tr.deliver(replyFor(p, 200, transport.ContentTypeBinary, []byte(p.CorrelationID)))
	}
	c := newTestClient(t, tr)

	const calls = 50
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := c.Call("whoami").Async(context.Background())
			if err != nil {
				t.Errorf("%s - Async failed: %v", clientTestPrefix, err)
				return
			}
			resp, err := f.WaitTimeout(5 * time.Second)
			if err != nil {
				t.Errorf("%s - wait failed: %v", clientTestPrefix, err)
				return
			}
			if string(resp.Content()) != f.ID() {
				t.Errorf("%s - call %s got response for %s", clientTestPrefix, f.ID(), resp.Content())
			}
		}()
	}
	wg.Wait()

	if c.Pending() != 0 {
		t.Errorf("%s - Pending = %d, want 0", clientTestPrefix, c.Pending())
	}
}

func TestWithMaxCorrelationID_Wraps(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(t, tr, WithMaxCorrelationID(2))

	_, f1, _ := c.Send(context.Background(), "a", nil, "")
	_, _, _ = c.Send(context.Background(), "b", nil, "")
	f1.Cancel()

	id, _, err := c.Send(context.Background(), "c", nil, "")
	if err != nil {
		t.Fatalf("%s - Send failed: %v", clientTestPrefix, err)
	}
	if id != "1" {
		t.Errorf("%s - id after wrap = %q, want 1", clientTestPrefix, id)
	}
}

func TestUnmatched_SlowPublisherDoesNotStallDeliveries(t *testing.T) {
	tr := &fakeTransport{}
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	pub := events.NewCallbackPublisher(func(ctx context.Context, _ *events.UnmatchedDeliveryEvent) error {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	c := newTestClient(t, tr, WithPublisher(pub))
	defer close(release)

	if _, err := c.Call("slow").SyncTimeout(context.Background(), 5*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("%s - err = %v, want ErrTimeout", clientTestPrefix, err)
	}
	tr.deliver(replyFor(tr.last(), 200, transport.ContentTypeBinary, []byte("late")))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("%s - publisher never called", clientTestPrefix)
	}

	// The publisher is blocked; an unrelated call must still complete.
	tr.mu.Lock()
	tr.onPublish = func(p *transport.Publishing) {
		go tr.deliver(replyFor(p, 200, transport.ContentTypeBinary, []byte("pong")))
	}
	tr.mu.Unlock()

	start := time.Now()
	resp, err := c.Call("ping").SyncTimeout(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("%s - unrelated call failed after %v: %v", clientTestPrefix, time.Since(start), err)
	}
	if string(resp.Content()) != "pong" {
		t.Errorf("%s - content = %q, want pong", clientTestPrefix, resp.Content())
	}
}

func TestUnmatched_FullQueueDropsEvents(t *testing.T) {
	tr := &fakeTransport{}
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	pub := events.NewCallbackPublisher(func(ctx context.Context, _ *events.UnmatchedDeliveryEvent) error {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	m := metrics.NewClientCollector()
	_ = newTestClient(t, tr, WithPublisher(pub), WithEventBuffer(1), WithMetrics(m))
	defer close(release)

	// The first event occupies the publisher, the second fills the queue.
	tr.deliver(&transport.Delivery{CorrelationID: "901", Headers: map[string]any{}})
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("%s - publisher never called", clientTestPrefix)
	}
	tr.deliver(&transport.Delivery{CorrelationID: "902", Headers: map[string]any{}})

	done := make(chan struct{})
	go func() {
		tr.deliver(&transport.Delivery{CorrelationID: "903", Headers: map[string]any{}})
		tr.deliver(&transport.Delivery{CorrelationID: "904", Headers: map[string]any{}})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("%s - delivery blocked on a full event queue", clientTestPrefix)
	}

	expected := `
# HELP porthos_client_unmatched_events_dropped_total Unmatched-delivery events dropped because the publisher queue was full.
# TYPE porthos_client_unmatched_events_dropped_total counter
porthos_client_unmatched_events_dropped_total{service="math"} 2
`
	if err := testutil.CollectAndCompare(m, strings.NewReader(expected), "porthos_client_unmatched_events_dropped_total"); err != nil {
		t.Errorf("%s - unexpected metrics: %v", clientTestPrefix, err)
	}
}

func TestClose_StopsBlockedPublisher(t *testing.T) {
	tr := &fakeTransport{}
	started := make(chan struct{}, 1)
	pub := events.NewCallbackPublisher(func(ctx context.Context, _ *events.UnmatchedDeliveryEvent) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})
	c := newTestClient(t, tr, WithPublisher(pub))

	tr.deliver(&transport.Delivery{CorrelationID: "77", Headers: map[string]any{}})
	<-started

	done := make(chan error, 1)
	go func() { done <- c.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("%s - Close failed: %v", clientTestPrefix, err)
		}
	case <-time.After(time.Second):
		t.Fatalf("%s - Close waited on the blocked publisher", clientTestPrefix)
	}
}
