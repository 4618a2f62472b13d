// Copyright 2024-2026 Aiku AI

package relay

import (
	"encoding/json"

	"go.mau.fi/util/jsontime"
)

// WirePayload is the JSON document sent downstream for every forwarded message.
type WirePayload struct {
	ChannelID      int64              `json:"channelId"`
	Message        string             `json:"message"`
	MessageID      int64              `json:"messageId"`
	MessageTime    jsontime.UnixMilli `json:"messageTime"`
	CurrentTime    jsontime.UnixMilli `json:"currentTime"`
	DifferenceTime int64              `json:"differenceTime"`
}

// NewWirePayload converts a message to its wire form. DifferenceTime is
// computed on the millisecond values so it always equals
// currentTime - messageTime exactly.
func NewWirePayload(msg NormalizedMessage) WirePayload {
	return WirePayload{
		ChannelID:      msg.ChannelID,
		Message:        msg.Text,
		MessageID:      msg.MessageID,
		MessageTime:    jsontime.UM(msg.EventTime),
		CurrentTime:    jsontime.UM(msg.ObservedTime),
		DifferenceTime: msg.ObservedTime.UnixMilli() - msg.EventTime.UnixMilli(),
	}
}

// EncodeWirePayload serializes a message for the transport.
func EncodeWirePayload(msg NormalizedMessage) ([]byte, error) {
	return json.Marshal(NewWirePayload(msg))
}
