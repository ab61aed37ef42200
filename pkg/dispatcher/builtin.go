package dispatcher

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/morezero/porthos/pkg/status"
)

// Built-in method names served by `porthos serve`.
const (
	MethodPing  = "ping"
	MethodEcho  = "echo"
	MethodSleep = "sleep"
)

// RegisterBuiltins installs ping, echo and sleep on d.
func RegisterBuiltins(d *Dispatcher) {
	d.Handle(MethodPing, handlePing)
	d.Handle(MethodEcho, handleEcho)
	d.Handle(MethodSleep, handleSleep)
}

func handlePing(_ context.Context, _ *Request) (*Reply, error) {
	return BinaryReply(status.OK, []byte("pong")), nil
}

// handleEcho returns the request body with its content type.
func handleEcho(_ context.Context, req *Request) (*Reply, error) {
	body := append([]byte(nil), req.Body...)
	return &Reply{StatusCode: status.OK, ContentType: req.ContentType, Body: body}, nil
}

// handleSleep waits for the number of milliseconds in the body (plain or
// JSON number) and replies 200 "slept", or gives up when ctx ends.
func handleSleep(ctx context.Context, req *Request) (*Reply, error) {
	ms, err := strconv.Atoi(strings.TrimSpace(string(req.Body)))
	if err != nil || ms < 0 {
		return errorReply(status.BadRequest, fmt.Sprintf("sleep expects a millisecond count, got %q", req.Body)), nil
	}

	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return BinaryReply(status.OK, []byte("slept")), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
