// Copyright 2024-2026 Aiku AI

package relay

import (
	"strconv"
)

// channelIDModulus bounds canonical channel IDs. Marked encodings such as
// -100XXXXXXXXXX carry the raw ID in their low twelve digits.
const channelIDModulus = 1_000_000_000_000

// CanonicalChannelID reduces any raw channel ID encoding to its canonical
// non-negative form: the absolute value, taken modulo 10^12 when it reaches
// that bound. -1000000000123456 and 123456 both canonicalize to 123456.
func CanonicalChannelID(raw int64) int64 {
	var abs uint64
	if raw < 0 {
		// Two's complement negation in uint64 space, so math.MinInt64 does not overflow.
		abs = uint64(^raw) + 1
	} else {
		abs = uint64(raw)
	}
	if abs >= channelIDModulus {
		abs %= channelIDModulus
	}
	return int64(abs)
}

// RecencyKey identifies one message occurrence for deduplication.
type RecencyKey struct {
	ChannelID int64
	MessageID int64
}

// MakeRecencyKey creates a RecencyKey from a canonical channel ID and a message ID.
func MakeRecencyKey(channelID, messageID int64) RecencyKey {
	return RecencyKey{ChannelID: channelID, MessageID: messageID}
}

// String renders the key as "<channel>:<message>".
func (k RecencyKey) String() string {
	return strconv.FormatInt(k.ChannelID, 10) + ":" + strconv.FormatInt(k.MessageID, 10)
}
