// Copyright 2024-2026 Aiku AI

package relay

import (
	"time"

	"github.com/rs/zerolog"
)

// Normalizer turns upstream events into NormalizedMessages.
type Normalizer struct {
	ignore *IgnoreFilter
	now    func() time.Time
	log    zerolog.Logger
}

// NewNormalizer creates a Normalizer that consults the given ignore filter.
// A nil filter ignores nothing.
func NewNormalizer(ignore *IgnoreFilter, log zerolog.Logger) *Normalizer {
	return &Normalizer{
		ignore: ignore,
		now:    time.Now,
		log:    log.With().Str("component", "normalizer").Logger(),
	}
}

// Normalize maps an event to a NormalizedMessage. It returns false to skip
// silently: when the event has no text, comes from a chat kind that is not
// relayed, or belongs to an ignored channel. Malformed events are skipped
// too; Normalize never panics on adapter failures.
func (n *Normalizer) Normalize(evt Event) (msg NormalizedMessage, ok bool) {
	if evt == nil {
		return NormalizedMessage{}, false
	}
	defer func() {
		if r := recover(); r != nil {
			n.log.Debug().Interface("panic", r).Msg("Skipping malformed upstream event")
			msg, ok = NormalizedMessage{}, false
		}
	}()

	text := evt.TextOrCaption()
	if text == "" {
		return NormalizedMessage{}, false
	}

	category := evt.ChatCategory()
	if !category.Relayed() {
		return NormalizedMessage{}, false
	}

	channelID := CanonicalChannelID(evt.ChatID())
	if n.ignore.IsIgnored(channelID) {
		n.log.Trace().Int64("channel_id", channelID).Msg("Skipping ignored channel")
		return NormalizedMessage{}, false
	}

	return NormalizedMessage{
		ChannelID:    channelID,
		MessageID:    evt.MessageID(),
		Text:         text,
		Category:     category,
		EventTime:    evt.Timestamp(),
		ObservedTime: n.now(),
	}, true
}
