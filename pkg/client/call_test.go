package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/morezero/porthos/pkg/transport"
)

const callTestPrefix = "client:call_test"

func TestCall_LastPayloadSetterWins(t *testing.T) {
	c := newTestClient(t, &fakeTransport{})

	tests := []struct {
		name     string
		build    func(*Call) *Call
		wantType string
		wantBody string
	}{
		{"default", func(b *Call) *Call { return b }, transport.ContentTypeBinary, ""},
		{"binary", func(b *Call) *Call { return b.WithBody([]byte("raw")) }, transport.ContentTypeBinary, "raw"},
		{"json", func(b *Call) *Call { return b.WithJSON([]int{1, 2, 3}) }, transport.ContentTypeJSON, "[1,2,3]"},
		{"json then binary", func(b *Call) *Call { return b.WithJSON("x").WithBody([]byte("raw")) }, transport.ContentTypeBinary, "raw"},
		{"binary then json", func(b *Call) *Call { return b.WithBody([]byte("raw")).WithJSON(true) }, transport.ContentTypeJSON, "true"},
		{"explicit type", func(b *Call) *Call { return b.WithBody([]byte("<a/>")).WithContentType("text/xml") }, "text/xml", "<a/>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := tt.build(c.Call("m")).Request()
			if err != nil {
				t.Fatalf("%s - Request failed: %v", callTestPrefix, err)
			}
			if req.Method != "m" {
				t.Errorf("%s - Method = %q", callTestPrefix, req.Method)
			}
			if req.ContentType != tt.wantType {
				t.Errorf("%s - ContentType = %q, want %q", callTestPrefix, req.ContentType, tt.wantType)
			}
			if string(req.Body) != tt.wantBody {
				t.Errorf("%s - Body = %q, want %q", callTestPrefix, req.Body, tt.wantBody)
			}
		})
	}
}

func TestCall_RequestIsSnapshot(t *testing.T) {
	c := newTestClient(t, &fakeTransport{})
	body := []byte("abc")

	b := c.Call("m").WithBody(body)
	body[0] = 'X'

	req, _ := b.Request()
	if string(req.Body) != "abc" {
		t.Errorf("%s - builder shares caller's slice: %q", callTestPrefix, req.Body)
	}
	req.Body[0] = 'Y'
	again, _ := b.Request()
	if string(again.Body) != "abc" {
		t.Errorf("%s - Request shares builder state: %q", callTestPrefix, again.Body)
	}
}

func TestCall_JSONEncodeErrorIsDeferred(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(t, tr)

	b := c.Call("m").WithJSON(make(chan int))
	if _, err := b.Async(context.Background()); err == nil {
		t.Fatalf("%s - expected encode error", callTestPrefix)
	}
	if err := b.NoReply(context.Background()); err == nil {
		t.Errorf("%s - expected encode error from NoReply", callTestPrefix)
	}
	if tr.last() != nil {
		t.Errorf("%s - request published despite encode error", callTestPrefix)
	}

	// A later valid payload clears the error.
	if _, err := b.WithBody([]byte("ok")).Request(); err != nil {
		t.Errorf("%s - error not cleared by WithBody: %v", callTestPrefix, err)
	}
}

func TestCall_Sync(t *testing.T) {
	tr := &fakeTransport{}
	tr.onPublish = func(p *transport.Publishing) {
		go tr.deliver(replyFor(p, 200, transport.ContentTypeBinary, []byte("pong")))
	}
	c := newTestClient(t, tr)

	resp, err := c.Call("ping").Sync(context.Background())
	if err != nil {
		t.Fatalf("%s - Sync failed: %v", callTestPrefix, err)
	}
	if resp.StatusCode() != 200 || string(resp.Content()) != "pong" {
		t.Errorf("%s - got (%d, %q)", callTestPrefix, resp.StatusCode(), resp.Content())
	}
}

func TestCall_SyncContextDeadline(t *testing.T) {
	c := newTestClient(t, &fakeTransport{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Call("slow").Sync(ctx)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("%s - err = %v, want ErrTimeout", callTestPrefix, err)
	}
	if c.Pending() != 0 {
		t.Errorf("%s - Pending = %d, want 0", callTestPrefix, c.Pending())
	}
}

func TestCall_SyncContextCanceled(t *testing.T) {
	c := newTestClient(t, &fakeTransport{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.Call("slow").Sync(ctx)
	if !errors.Is(err, ErrCanceled) {
		t.Errorf("%s - err = %v, want ErrCanceled", callTestPrefix, err)
	}
}

func TestCall_NoReply(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(t, tr)

	if err := c.Call("log").WithJSON(map[string]string{"level": "info"}).NoReply(context.Background()); err != nil {
		t.Fatalf("%s - NoReply failed: %v", callTestPrefix, err)
	}
	p := tr.last()
	if p.ContentType != transport.ContentTypeJSON || p.ReplyTo != "" {
		t.Errorf("%s - publishing = %+v", callTestPrefix, p)
	}
}

func TestCall_RequestReportsCorrelationIDAfterAsync(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(t, tr)

	call := c.Call("ping").WithBody([]byte("x"))
	before, err := call.Request()
	if err != nil {
		t.Fatalf("%s - Request failed: %v", callTestPrefix, err)
	}
	if before.CorrelationID != "" {
		t.Errorf("%s - CorrelationID before send = %q, want empty", callTestPrefix, before.CorrelationID)
	}

	f, err := call.Async(context.Background())
	if err != nil {
		t.Fatalf("%s - Async failed: %v", callTestPrefix, err)
	}
	after, _ := call.Request()
	if after.CorrelationID == "" || after.CorrelationID != f.ID() {
		t.Errorf("%s - CorrelationID = %q, want %q", callTestPrefix, after.CorrelationID, f.ID())
	}
	if p := tr.last(); p.CorrelationID != after.CorrelationID {
		t.Errorf("%s - published id %q, request reports %q", callTestPrefix, p.CorrelationID, after.CorrelationID)
	}

	noReply := c.Call("log")
	if err := noReply.NoReply(context.Background()); err != nil {
		t.Fatalf("%s - NoReply failed: %v", callTestPrefix, err)
	}
	if req, _ := noReply.Request(); req.CorrelationID != "" {
		t.Errorf("%s - fire-and-forget request has id %q", callTestPrefix, req.CorrelationID)
	}
}
