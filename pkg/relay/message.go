// Copyright 2024-2026 Aiku AI

package relay

import (
	"time"
)

// Category is the kind of chat a message was posted in.
type Category int

const (
	// CategoryOther covers direct messages and any chat kind that is not relayed.
	CategoryOther Category = iota
	CategoryChannel
	CategorySupergroup
	CategoryGroup
)

func (c Category) String() string {
	switch c {
	case CategoryChannel:
		return "channel"
	case CategorySupergroup:
		return "supergroup"
	case CategoryGroup:
		return "group"
	default:
		return "other"
	}
}

// Relayed reports whether messages from this chat kind are forwarded.
func (c Category) Relayed() bool {
	return c == CategoryChannel || c == CategorySupergroup || c == CategoryGroup
}

// NormalizedMessage is the canonical unit forwarded downstream. It is built
// once by the Normalizer and never mutated afterwards.
type NormalizedMessage struct {
	ChannelID    int64
	MessageID    int64
	Text         string
	Category     Category
	EventTime    time.Time
	ObservedTime time.Time
}

// Key returns the recency key identifying this message occurrence.
func (m NormalizedMessage) Key() RecencyKey {
	return MakeRecencyKey(m.ChannelID, m.MessageID)
}

// Latency is the time between authoring and observation.
func (m NormalizedMessage) Latency() time.Duration {
	return m.ObservedTime.Sub(m.EventTime)
}
