package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/morezero/porthos/pkg/db"
)

const storePublisherLogPrefix = "events:store_publisher"

// UnmatchedStore persists unmatched deliveries. *db.Repository implements it.
type UnmatchedStore interface {
	InsertUnmatched(ctx context.Context, rec *db.UnmatchedDelivery) error
}

// StorePublisher records each event as a row in the unmatched-delivery store.
type StorePublisher struct {
	store UnmatchedStore
}

// NewStorePublisher creates a StorePublisher writing to store.
func NewStorePublisher(store UnmatchedStore) *StorePublisher {
	return &StorePublisher{store: store}
}

// PublishUnmatched inserts event into the store.
func (p *StorePublisher) PublishUnmatched(ctx context.Context, event *UnmatchedDeliveryEvent) error {
	rec, err := ToRecord(event)
	if err != nil {
		return fmt.Errorf("%s - %w", storePublisherLogPrefix, err)
	}
	if err := p.store.InsertUnmatched(ctx, rec); err != nil {
		return fmt.Errorf("%s - %w", storePublisherLogPrefix, err)
	}
	return nil
}

// ToRecord converts event into a store row. Received is assigned by the
// store on insert.
func ToRecord(event *UnmatchedDeliveryEvent) (*db.UnmatchedDelivery, error) {
	rec := &db.UnmatchedDelivery{
		Service:       event.Service,
		ReplyTo:       event.ReplyTo,
		CorrelationID: event.CorrelationID,
		ContentType:   event.ContentType,
		StatusCode:    event.StatusCode,
		BodySize:      event.BodySize,
		Reason:        event.Reason,
	}
	if len(event.Headers) > 0 {
		h, err := json.Marshal(event.Headers)
		if err != nil {
			return nil, fmt.Errorf("encode headers: %w", err)
		}
		rec.Headers = h
	}
	return rec, nil
}
