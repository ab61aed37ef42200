package commsutil

import (
	"encoding/json"
	"mime"
	"strings"
)

// EncodePayload serializes a value to JSON bytes. A valid json.RawMessage
// passes through unchanged.
func EncodePayload(v interface{}) ([]byte, error) {
	if raw, ok := v.(json.RawMessage); ok && json.Valid(raw) {
		return raw, nil
	}
	return json.Marshal(v)
}

// DecodePayload deserializes JSON bytes into the given target.
func DecodePayload(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// MediaType strips parameters such as charset from a content type and
// lower-cases it. Unparseable values are returned trimmed and lower-cased.
func MediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

// SameMediaType compares two content types ignoring parameters and case.
func SameMediaType(a, b string) bool {
	return MediaType(a) == MediaType(b)
}
