// Package events defines diagnostic events emitted by the RPC client and the
// publishers that fan them out.
package events

// ReasonNoPendingCall is the reason recorded when a response's correlation id
// matches no outstanding call (timed out, cancelled, duplicated or forged).
const ReasonNoPendingCall = "no pending call"

// UnmatchedDeliveryEvent is emitted when a response arrives on a client's
// reply destination and no call is waiting for it.
type UnmatchedDeliveryEvent struct {
	Service       string         `json:"service"`
	ReplyTo       string         `json:"replyTo"`
	CorrelationID string         `json:"correlationId"`
	ContentType   string         `json:"contentType,omitempty"`
	StatusCode    int            `json:"statusCode"`
	BodySize      int            `json:"bodySize"`
	Reason        string         `json:"reason"`
	Headers       map[string]any `json:"headers,omitempty"`
	Timestamp     string         `json:"timestamp"`
}
