package db

import "time"

// UnmatchedDelivery represents a row in the unmatched_deliveries table: a
// response that arrived for a correlation id no call was waiting on.
type UnmatchedDelivery struct {
	ID            int64     `json:"id"`
	Service       string    `json:"service"`
	ReplyTo       string    `json:"reply_to"`
	CorrelationID string    `json:"correlation_id"`
	ContentType   string    `json:"content_type"`
	StatusCode    int       `json:"status_code"`
	BodySize      int       `json:"body_size"`
	Reason        string    `json:"reason"`
	Headers       []byte    `json:"headers,omitempty"`
	Received      time.Time `json:"received"`
}

// ListUnmatchedParams filters ListUnmatched.
type ListUnmatchedParams struct {
	Service string
	Limit   int
}
