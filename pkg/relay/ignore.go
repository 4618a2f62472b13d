// Copyright 2024-2026 Aiku AI

package relay

import (
	"go.mau.fi/util/exsync"
)

// IgnoreFilter is a static set of channels whose messages are never relayed.
type IgnoreFilter struct {
	channels *exsync.Set[int64]
}

// NewIgnoreFilter builds a filter from configured channel IDs. Each ID is
// canonicalized first, so either the raw or the marked encoding may be listed.
func NewIgnoreFilter(channelIDs []int64) *IgnoreFilter {
	canonical := make([]int64, 0, len(channelIDs))
	for _, id := range channelIDs {
		canonical = append(canonical, CanonicalChannelID(id))
	}
	return &IgnoreFilter{channels: exsync.NewSetWithItems(canonical)}
}

// IsIgnored reports whether the canonical channel ID is in the ignore set.
func (f *IgnoreFilter) IsIgnored(channelID int64) bool {
	if f == nil || f.channels == nil {
		return false
	}
	return f.channels.Has(channelID)
}

// Size returns the number of distinct ignored channels.
func (f *IgnoreFilter) Size() int {
	if f == nil || f.channels == nil {
		return 0
	}
	return f.channels.Size()
}
