package events

import (
	"context"
	"errors"
)

// EventPublisher is the interface for publishing unmatched-delivery events.
type EventPublisher interface {
	PublishUnmatched(ctx context.Context, event *UnmatchedDeliveryEvent) error
}

// NoOpPublisher is an EventPublisher that does nothing (for clients without diagnostics).
type NoOpPublisher struct{}

// PublishUnmatched is a no-op.
func (p *NoOpPublisher) PublishUnmatched(_ context.Context, _ *UnmatchedDeliveryEvent) error {
	return nil
}

// CallbackPublisher is an EventPublisher that calls a callback function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, event *UnmatchedDeliveryEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *UnmatchedDeliveryEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// PublishUnmatched calls the callback.
func (p *CallbackPublisher) PublishUnmatched(ctx context.Context, event *UnmatchedDeliveryEvent) error {
	return p.callback(ctx, event)
}

// MultiPublisher hands each event to every publisher in order. All
// publishers run even if one fails; failures are joined.
type MultiPublisher []EventPublisher

// PublishUnmatched publishes event to each publisher.
func (m MultiPublisher) PublishUnmatched(ctx context.Context, event *UnmatchedDeliveryEvent) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.PublishUnmatched(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
