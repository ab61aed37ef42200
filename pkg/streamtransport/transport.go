// Package streamtransport implements transport.Transport on Redis Streams.
// Each destination is a stream; consumers read it through a consumer group
// and acknowledge entries with XACK.
package streamtransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/morezero/porthos/pkg/transport"
)

const logPrefix = "streamtransport:transport"

// Stream entry fields.
const (
	fieldContentType   = "content_type"
	fieldCorrelationID = "correlation_id"
	fieldReplyTo       = "reply_to"
	fieldExpirationMs  = "expiration_ms"
	fieldHeaders       = "headers"
	fieldPayload       = "payload"
)

const (
	defaultGroup     = "porthos"
	defaultPollBlock = 2 * time.Second
	defaultBatch     = 64
	errorBackoff     = 150 * time.Millisecond
)

// Option configures a Transport.
type Option func(*Transport)

// WithGroup sets the consumer group name used on every destination.
func WithGroup(group string) Option {
	return func(t *Transport) {
		if group != "" {
			t.group = group
		}
	}
}

// WithPollBlock sets how long XREADGROUP blocks waiting for entries.
func WithPollBlock(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.pollBlock = d
		}
	}
}

// WithMaxLen caps destination streams at roughly n entries on publish.
func WithMaxLen(n int64) Option {
	return func(t *Transport) {
		if n >= 0 {
			t.maxLen = n
		}
	}
}

// Transport publishes and consumes over a Redis client.
type Transport struct {
	rdb       *redis.Client
	owned     bool
	group     string
	consumer  string
	pollBlock time.Duration
	maxLen    int64
}

// New wraps an existing client. Close leaves the client open.
func New(rdb *redis.Client, opts ...Option) *Transport {
	t := &Transport{
		rdb:       rdb,
		group:     defaultGroup,
		consumer:  "porthos-" + uuid.NewString(),
		pollBlock: defaultPollBlock,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dial parses a redis:// URL, checks connectivity and returns a Transport
// that owns the client.
func Dial(ctx context.Context, url string, opts ...Option) (*Transport, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid redis URL: %w", logPrefix, err)
	}
	rdb := redis.NewClient(ropts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("%s - failed to ping redis: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Connected to redis at %s", logPrefix, ropts.Addr))

	t := New(rdb, opts...)
	t.owned = true
	return t, nil
}

// Publish appends p to its destination stream. Replies are only appended to
// streams that still exist; a reply whose stream was deleted is dropped.
func (t *Transport) Publish(ctx context.Context, p *transport.Publishing) error {
	values, err := EncodePublishing(p)
	if err != nil {
		return fmt.Errorf("%s - encode failed: %w", logPrefix, err)
	}

	args := &redis.XAddArgs{Stream: p.Destination, Values: values}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}
	args.NoMkStream = p.Reply
	err = t.rdb.XAdd(ctx, args).Err()
	if p.Reply && errors.Is(err, redis.Nil) {
		slog.Warn(fmt.Sprintf("%s - Dropping reply for gone destination %s (correlationId=%q)", logPrefix, p.Destination, p.CorrelationID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s - XADD %s failed: %w", logPrefix, p.Destination, err)
	}
	slog.Debug(fmt.Sprintf("%s - Published to %s (correlationId=%q)", logPrefix, p.Destination, p.CorrelationID))
	return nil
}

// Consume creates the consumer group on destination (and the stream if it
// does not exist yet) and reads it on a background goroutine until the
// subscription is cancelled. Exclusive destinations are deleted on cancel.
func (t *Transport) Consume(destination string, h transport.Handler, opts ...transport.ConsumeOption) (transport.Subscription, error) {
	o := transport.ApplyConsumeOptions(opts...)

	setupCtx, cancelSetup := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSetup()

	if err := t.rdb.XGroupCreateMkStream(setupCtx, destination, t.group, "$").Err(); err != nil && !isGroupExists(err) {
		return nil, fmt.Errorf("%s - XGROUP CREATE %s failed: %w", logPrefix, destination, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		t:           t,
		destination: destination,
		exclusive:   o.Exclusive,
		cancel:      cancel,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t.consumeLoop(ctx, destination, h)
	}()

	slog.Debug(fmt.Sprintf("%s - Consuming %s as %s/%s", logPrefix, destination, t.group, t.consumer))
	return s, nil
}

func (t *Transport) consumeLoop(ctx context.Context, destination string, h transport.Handler) {
	for {
		if ctx.Err() != nil {
			return
		}

		res, err := t.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    t.group,
			Consumer: t.consumer,
			Streams:  []string{destination, ">"},
			Count:    defaultBatch,
			Block:    t.pollBlock,
		}).Result()

		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn(fmt.Sprintf("%s - XREADGROUP %s failed: %v", logPrefix, destination, err))
			time.Sleep(errorBackoff)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				d := DecodeMessage(msg)
				id := msg.ID
				d.Ack = func() error {
					return t.rdb.XAck(context.Background(), destination, t.group, id).Err()
				}
				h(d)
			}
		}
	}
}

// Ping checks that the Redis server answers.
func (t *Transport) Ping(ctx context.Context) error {
	return t.rdb.Ping(ctx).Err()
}

// Close closes the Redis client if this Transport opened it.
func (t *Transport) Close() error {
	if !t.owned {
		return nil
	}
	return t.rdb.Close()
}

type subscription struct {
	t           *Transport
	destination string
	exclusive   bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	once        sync.Once
}

func (s *subscription) Cancel() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		if s.exclusive {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if delErr := s.t.rdb.Del(ctx, s.destination).Err(); delErr != nil {
				err = fmt.Errorf("%s - failed to delete %s: %w", logPrefix, s.destination, delErr)
			}
		}
	})
	return err
}

func isGroupExists(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// EncodePublishing lays p out as stream entry fields. Headers travel as a
// JSON object so that numeric values such as statusCode keep their type.
func EncodePublishing(p *transport.Publishing) (map[string]any, error) {
	values := map[string]any{
		fieldContentType: p.ContentType,
		fieldPayload:     p.Body,
	}
	if len(p.Headers) > 0 {
		h, err := json.Marshal(p.Headers)
		if err != nil {
			return nil, err
		}
		values[fieldHeaders] = string(h)
	}
	if p.CorrelationID != "" {
		values[fieldCorrelationID] = p.CorrelationID
	}
	if p.ReplyTo != "" {
		values[fieldReplyTo] = p.ReplyTo
	}
	if p.Expiration > 0 {
		values[fieldExpirationMs] = strconv.FormatInt(p.Expiration.Milliseconds(), 10)
	}
	return values, nil
}

// DecodeMessage turns a stream entry into a Delivery. The entry id's
// millisecond part becomes the delivery timestamp. Ack is left nil.
func DecodeMessage(msg redis.XMessage) *transport.Delivery {
	d := &transport.Delivery{
		CorrelationID: stringField(msg.Values, fieldCorrelationID),
		ContentType:   stringField(msg.Values, fieldContentType),
		ReplyTo:       stringField(msg.Values, fieldReplyTo),
		Body:          []byte(stringField(msg.Values, fieldPayload)),
		Headers:       map[string]any{},
		Timestamp:     entryTime(msg.ID),
	}

	if raw := stringField(msg.Values, fieldHeaders); raw != "" {
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&d.Headers); err != nil {
			slog.Warn(fmt.Sprintf("%s - entry %s has malformed headers: %v", logPrefix, msg.ID, err))
			d.Headers = map[string]any{}
		}
	}
	if ms, err := strconv.ParseInt(stringField(msg.Values, fieldExpirationMs), 10, 64); err == nil && ms > 0 {
		d.Expiration = time.Duration(ms) * time.Millisecond
	}
	return d
}

func stringField(values map[string]interface{}, key string) string {
	switch v := values[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func entryTime(id string) time.Time {
	msPart, _, _ := strings.Cut(id, "-")
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
