// Copyright 2024-2026 Aiku AI

package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"github.com/aiku/tg-relay/pkg/relay"
)

const DefaultDialogLimit = 100

// ErrNotAuthorized is returned when a slot's session has not been logged in.
var ErrNotAuthorized = errors.New("session is not authorized, run with --login first")

// Options holds the application credentials shared by both slots.
type Options struct {
	AppID       int
	AppHash     string
	DialogLimit int
}

// Connector opens one MTProto user connection per slot.
type Connector struct {
	opts  Options
	store SessionStore
	log   zerolog.Logger
}

var _ relay.Connector = (*Connector)(nil)

func NewConnector(opts Options, store SessionStore, log zerolog.Logger) *Connector {
	if opts.DialogLimit <= 0 {
		opts.DialogLimit = DefaultDialogLimit
	}
	return &Connector{
		opts:  opts,
		store: store,
		log:   log.With().Str("component", "tg_connector").Logger(),
	}
}

func (c *Connector) newClient(slot relay.Slot, handler telegram.UpdateHandler) *telegram.Client {
	return telegram.NewClient(c.opts.AppID, c.opts.AppHash, telegram.Options{
		SessionStorage: c.store.Storage(slot),
		UpdateHandler:  handler,
	})
}

// updateHandler turns raw updates into relay events. Short chat and direct
// messages are expanded first, since the dispatcher ignores those forms.
func updateHandler(handler relay.EventHandler) telegram.UpdateHandler {
	return shortUpdates{next: dispatcher(handler)}
}

type shortUpdates struct {
	next telegram.UpdateHandler
}

func (s shortUpdates) Handle(ctx context.Context, u tg.UpdatesClass) error {
	switch u := u.(type) {
	case *tg.UpdateShortChatMessage:
		return s.next.Handle(ctx, &tg.Updates{
			Updates: []tg.UpdateClass{&tg.UpdateNewMessage{
				Message: &tg.Message{
					ID:       u.ID,
					Out:      u.Out,
					PeerID:   &tg.PeerChat{ChatID: u.ChatID},
					FromID:   &tg.PeerUser{UserID: u.FromID},
					Date:     u.Date,
					Message:  u.Message,
					Entities: u.Entities,
				},
				Pts:      u.Pts,
				PtsCount: u.PtsCount,
			}},
			Date: u.Date,
		})
	case *tg.UpdateShortMessage:
		return s.next.Handle(ctx, &tg.Updates{
			Updates: []tg.UpdateClass{&tg.UpdateNewMessage{
				Message: &tg.Message{
					ID:       u.ID,
					Out:      u.Out,
					PeerID:   &tg.PeerUser{UserID: u.UserID},
					Date:     u.Date,
					Message:  u.Message,
					Entities: u.Entities,
				},
				Pts:      u.Pts,
				PtsCount: u.PtsCount,
			}},
			Date: u.Date,
		})
	default:
		return s.next.Handle(ctx, u)
	}
}

// dispatcher routes the two update shapes that carry new messages to handler.
func dispatcher(handler relay.EventHandler) tg.UpdateDispatcher {
	d := tg.NewUpdateDispatcher()
	d.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		if evt, ok := channelMessageEvent(e, u); ok {
			handler(ctx, evt)
		}
		return nil
	})
	d.OnNewMessage(func(ctx context.Context, _ tg.Entities, u *tg.UpdateNewMessage) error {
		if evt, ok := chatMessageEvent(u); ok {
			handler(ctx, evt)
		}
		return nil
	})
	return d
}

// Connect starts a client on slot and returns once it is authorized and
// receiving updates. Updates pass through gotd's gap manager, which recovers
// from sequence gaps and updatesTooLong.
func (c *Connector) Connect(ctx context.Context, slot relay.Slot, handler relay.EventHandler) (relay.Connection, error) {
	log := c.log.With().Str("slot", slot.String()).Logger()
	gaps := updates.New(updates.Config{Handler: updateHandler(handler)})
	client := c.newClient(slot, gaps)

	runCtx, cancel := context.WithCancel(ctx)
	conn := &connection{
		api:         client.API(),
		cancel:      cancel,
		dialogLimit: c.opts.DialogLimit,
		done:        make(chan struct{}),
		log:         log,
	}
	ready := make(chan struct{})

	go func() {
		err := client.Run(runCtx, func(ctx context.Context) error {
			status, err := client.Auth().Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to check auth status: %w", err)
			}
			if !status.Authorized {
				return ErrNotAuthorized
			}
			self, err := client.Self(ctx)
			if err != nil {
				return fmt.Errorf("failed to fetch own user: %w", err)
			}
			// Run fetches the update state, which makes the server start pushing.
			return gaps.Run(ctx, client.API(), self.ID, updates.AuthOptions{
				IsBot:   self.Bot,
				OnStart: func(context.Context) { close(ready) },
			})
		})
		conn.finish(err)
	}()

	select {
	case <-ready:
		log.Debug().Msg("Telegram client ready")
		return conn, nil
	case <-conn.done:
		cancel()
		return nil, fmt.Errorf("telegram client stopped during startup: %w", conn.err)
	case <-ctx.Done():
		cancel()
		<-conn.done
		return nil, ctx.Err()
	}
}

// Login authorizes slot interactively through authenticator.
func (c *Connector) Login(ctx context.Context, slot relay.Slot, authenticator auth.UserAuthenticator) error {
	log := c.log.With().Str("slot", slot.String()).Logger()
	client := c.newClient(slot, nil)
	return client.Run(ctx, func(ctx context.Context) error {
		flow := auth.NewFlow(authenticator, auth.SendCodeOptions{})
		if err := client.Auth().IfNecessary(ctx, flow); err != nil {
			return fmt.Errorf("failed to log in slot %s: %w", slot, err)
		}
		self, err := client.Self(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch own user: %w", err)
		}
		log.Info().Int64("user_id", self.ID).Str("username", self.Username).Msg("Slot logged in")
		return nil
	})
}

type connection struct {
	api         *tg.Client
	cancel      context.CancelFunc
	dialogLimit int

	finishOnce sync.Once
	done       chan struct{}
	err        error

	log zerolog.Logger
}

var _ relay.Connection = (*connection)(nil)

func (c *connection) finish(err error) {
	c.finishOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Drain fetches one page of dialogs so the stored session holds fresh peer
// state, then stops the client.
func (c *connection) Drain(ctx context.Context) error {
	_, dialogErr := c.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      c.dialogLimit,
	})
	c.log.Debug().Err(dialogErr).Msg("Stopping superseded client")
	c.cancel()

	select {
	case <-c.done:
	case <-ctx.Done():
		return fmt.Errorf("client did not stop: %w", ctx.Err())
	}
	if dialogErr != nil {
		return fmt.Errorf("failed to enumerate dialogs: %w", dialogErr)
	}
	return nil
}

func (c *connection) Done() <-chan struct{} {
	return c.done
}

func (c *connection) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}
