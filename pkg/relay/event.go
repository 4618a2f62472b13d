// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"time"
)

// Event is the capability interface every upstream source adapts its native
// message type to. Nothing downstream of the Normalizer knows which source an
// event came from.
type Event interface {
	// ChatID returns the raw chat ID in whatever encoding the source uses.
	ChatID() int64
	MessageID() int64
	// Timestamp is the authoring time reported by the source.
	Timestamp() time.Time
	// TextOrCaption returns the message text, or the media caption when
	// there is no text. Empty means the event carries nothing to relay.
	TextOrCaption() string
	ChatCategory() Category
}

// EventHandler receives upstream events. It is called from the upstream
// connection's own goroutine and must not block for long.
type EventHandler func(ctx context.Context, evt Event)
