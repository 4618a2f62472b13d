// Copyright 2024-2026 Aiku AI

package telegram

import (
	"time"

	"github.com/gotd/td/tg"

	"github.com/aiku/tg-relay/pkg/relay"
)

// messageEvent adapts a gotd message to relay.Event. MTProto stores both
// plain text and media captions in Message.Message.
type messageEvent struct {
	msg      *tg.Message
	chatID   int64
	category relay.Category
}

var _ relay.Event = (*messageEvent)(nil)

func (e *messageEvent) ChatID() int64                { return e.chatID }
func (e *messageEvent) MessageID() int64             { return int64(e.msg.ID) }
func (e *messageEvent) Timestamp() time.Time         { return time.Unix(int64(e.msg.Date), 0) }
func (e *messageEvent) TextOrCaption() string        { return e.msg.Message }
func (e *messageEvent) ChatCategory() relay.Category { return e.category }

// channelMessageEvent adapts updateNewChannelMessage. Whether the channel is
// a broadcast channel or a supergroup comes from the entity flags, falling
// back to the message's post flag when the entity was not sent along.
func channelMessageEvent(entities tg.Entities, update *tg.UpdateNewChannelMessage) (relay.Event, bool) {
	msg, ok := update.Message.(*tg.Message)
	if !ok {
		return nil, false
	}
	peer, ok := msg.PeerID.(*tg.PeerChannel)
	if !ok {
		return nil, false
	}

	category := relay.CategorySupergroup
	if channel, found := entities.Channels[peer.ChannelID]; found {
		if channel.Broadcast {
			category = relay.CategoryChannel
		}
	} else if msg.Post {
		category = relay.CategoryChannel
	}
	return &messageEvent{msg: msg, chatID: peer.ChannelID, category: category}, true
}

// chatMessageEvent adapts updateNewMessage, which covers basic groups and
// private chats.
func chatMessageEvent(update *tg.UpdateNewMessage) (relay.Event, bool) {
	msg, ok := update.Message.(*tg.Message)
	if !ok {
		return nil, false
	}
	switch peer := msg.PeerID.(type) {
	case *tg.PeerChat:
		return &messageEvent{msg: msg, chatID: peer.ChatID, category: relay.CategoryGroup}, true
	case *tg.PeerUser:
		return &messageEvent{msg: msg, chatID: peer.UserID, category: relay.CategoryOther}, true
	case *tg.PeerChannel:
		return &messageEvent{msg: msg, chatID: peer.ChannelID, category: relay.CategorySupergroup}, true
	default:
		return nil, false
	}
}
