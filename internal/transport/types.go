// Package transport defines the delivery boundary: a Sender knows how to
// reach named destinations, nothing more. Scheduling, rate limiting, and
// retry policy all live above it.
package transport

import "context"

// Message is one outbound send.
type Message struct {
	Destination string // logical destination name, e.g. a group title
	Text        string
	Attachment  string // optional local file path
}

// Sender delivers messages to named destinations.
type Sender interface {
	// Name identifies the transport in logs and status output.
	Name() string

	// Ready reports which of the requested destinations the transport
	// cannot currently reach. An empty slice means all are reachable.
	// The error is for transport-level probe failures, not per-destination
	// misses.
	Ready(ctx context.Context, destinations []string) (missing []string, err error)

	// Send delivers one message. The call blocks until the transport has
	// accepted the message or failed.
	Send(ctx context.Context, msg Message) error
}
