// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command tg-relay forwards new Telegram channel and group messages to a
// downstream receiver. It keeps two logged-in user sessions and rotates
// between them, suppressing the duplicates that overlapping connections
// deliver.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"go.mau.fi/zeroconfig"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/tg-relay/pkg/config"
	"github.com/aiku/tg-relay/pkg/relay"
	"github.com/aiku/tg-relay/pkg/sink"
	"github.com/aiku/tg-relay/pkg/telegram"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath      = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
	noConfigUpdate  = flag.MakeFull("n", "no-update", "Don't save updated config to disk.", "false").Bool()
	login           = flag.MakeFull("l", "login", "Interactively log in both session slots and exit.", "false").Bool()
	generateExample = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
	wantHelp, _     = flag.MakeHelpFlag()
)

func main() {
	flag.SetHelpTitles("tg-relay - Telegram message relay", "tg-relay [-hnle] [-c <path>]")
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	}

	if *generateExample {
		if err := os.WriteFile(*configPath, []byte(config.ExampleConfig), 0o600); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, !*noConfigUpdate)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := initLogger(cfg.Logging)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(1)
	}
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Starting tg-relay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Relay stopped")
		os.Exit(1)
	}
	log.Info().Msg("Relay stopped")
}

func initLogger(cfg zeroconfig.Config) (zerolog.Logger, error) {
	if len(cfg.Writers) == 0 {
		cfg.Writers = []zeroconfig.WriterConfig{{
			Type:   zeroconfig.WriterTypeStdout,
			Format: zeroconfig.LogFormatPrettyColored,
		}}
	}
	log, err := cfg.Compile()
	if err != nil {
		return zerolog.Nop(), err
	}
	return *log, nil
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	store, err := telegram.OpenSessionStore(cfg.Telegram.Session.Backend, cfg.Telegram.Session.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close session store")
		}
	}()
	connector := telegram.NewConnector(cfg.TelegramOptions(), store, log)

	if *login {
		return loginSlots(ctx, connector, log)
	}

	ignore := relay.NewIgnoreFilter(cfg.IgnoredChannels)
	transports := sink.Factory(cfg.Sink, log)
	supervisor := relay.NewSupervisor(func(attemptLog zerolog.Logger) relay.Runner {
		return relay.NewPipeline(connector, transports, ignore, cfg.PipelineOptions(), attemptLog)
	}, cfg.Relay.RestartDelay, log)

	log.Info().
		Str("sink_type", cfg.Sink.Type).
		Int("ignored_channels", ignore.Size()).
		Dur("rotation_interval", cfg.Relay.RotationInterval).
		Msg("Relay configured")

	if cfg.AdminAPIAddr != "" {
		admin := relay.NewAdminAPI(cfg.AdminAPIAddr, supervisor, log)
		go func() {
			if err := admin.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Admin API failed")
			}
		}()
	}
	return supervisor.Run(ctx)
}

func loginSlots(ctx context.Context, connector *telegram.Connector, log zerolog.Logger) error {
	prompt := newTerminalAuth(os.Stdin, os.Stdout)
	for _, slot := range relay.Slots {
		_, _ = fmt.Fprintf(os.Stdout, "Logging in session slot %s\n", slot)
		if err := connector.Login(ctx, slot, prompt); err != nil {
			return err
		}
	}
	log.Info().Msg("Both session slots are logged in")
	return nil
}
