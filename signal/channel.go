package signal

import "context"

// Channel publishes typed signalling payloads to a room on the messaging
// substrate.
//
// Publish blocks until the substrate has accepted or rejected the event;
// callers that need asynchrony run it from their own goroutine. The
// substrate is unreliable from the caller's perspective: a returned error
// means the event was not delivered and may be retried.
type Channel interface {
	Publish(ctx context.Context, roomID, eventType string, content interface{}) error
}
