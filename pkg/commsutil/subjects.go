package commsutil

import (
	"fmt"
	"strings"
	"time"
)

// Default COMMS subjects.
const (
	SubjectUnmatched = "porthos.unmatched"
	replySuffix      = "porthos-go"
)

// BuildUnmatchedSubject builds the per-service subject for unmatched-delivery events.
func BuildUnmatchedSubject(service string) string {
	return fmt.Sprintf("%s.%s", SubjectUnmatched, sanitizeToken(service))
}

// BuildReplyDestination names the reply destination of one client instance:
// service name, creation time in milliseconds, and a random tag so that two
// clients started in the same millisecond do not collide.
func BuildReplyDestination(service string, now time.Time, tag string) string {
	if tag == "" {
		return fmt.Sprintf("%s@%d-%s", service, now.UnixMilli(), replySuffix)
	}
	return fmt.Sprintf("%s@%d-%s-%s", service, now.UnixMilli(), tag, replySuffix)
}

func sanitizeToken(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}
