package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/rescp17/deckrocket/internal/config"
	"github.com/rescp17/deckrocket/internal/logging"
	"github.com/rescp17/deckrocket/pkg/adoption"
	"github.com/rescp17/deckrocket/pkg/client"
	"github.com/rescp17/deckrocket/pkg/concurrency"
	"github.com/rescp17/deckrocket/pkg/discovery"
	"github.com/rescp17/deckrocket/pkg/receiver"
	"github.com/rescp17/deckrocket/pkg/settings"
	"github.com/rescp17/deckrocket/pkg/transfer"
	"github.com/rescp17/deckrocket/pkg/transport"
	"github.com/rescp17/deckrocket/pkg/ui"
)

func runPresent(ctx context.Context, cfg *config.Config, ephemeral bool) error {
	// The TUI owns the terminal, so logs go to a file.
	f, err := os.OpenFile("debug.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()
	logger, err := logging.New(cfg.LogLevel, f)
	if err != nil {
		return err
	}

	var store settings.Store = settings.NewMemoryStore()
	if !ephemeral {
		db, err := settings.OpenSQLite(cfg.SettingsPath)
		if err != nil {
			return err
		}
		defer db.Close()
		store = db
	}

	local := discovery.NewPeerID(cfg.Name)
	bridge := ui.NewBridge(store)
	queue := concurrency.NewSerialQueue()

	var prompter adoption.Prompter = bridge
	if cfg.AutoAccept {
		prompter = adoption.AutoPrompter{Accept: true}
	}
	sink := adoption.New(cfg.DocumentsDir, prompter, store, bridge, logger)
	recv := receiver.New(sink, queue, logger)
	recv.OnFatal(bridge.Fatal)

	tr, err := transport.New(transport.Options{
		Local:      local,
		StagingDir: cfg.StagingDir,
		Transfer: transfer.Config{
			ChunkSize:   cfg.ChunkSize,
			MaxFileSize: transfer.DefaultMaxFileSize,
		},
		ConnectTimeout: cfg.InviteTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer tr.Close()

	c := client.New(client.Options{
		Local:         local,
		Transport:     tr,
		Receiver:      recv,
		Adapter:       &discovery.MDNSAdapter{},
		Service:       cfg.ServiceName(),
		InviteTimeout: cfg.InviteTimeout,
		Logger:        logger,
	})
	c.OnStateChange(bridge.Observe)
	c.OnData(bridge.Data)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Run(ctx)
	})

	logger.WithField("peer", local.String()).Info("Presenter started")
	final, runErr := tea.NewProgram(ui.NewModel(c, bridge, local), tea.WithContext(ctx)).Run()

	// Unblock any pending prompt before draining the sink queue.
	bridge.Close()
	cancel()
	queue.Close()
	if err := g.Wait(); err != nil {
		return err
	}

	if m, ok := final.(ui.Model); ok && m.Fatal() != nil {
		return m.Fatal()
	}
	if runErr != nil && !errors.Is(runErr, tea.ErrProgramKilled) {
		return fmt.Errorf("ui: %w", runErr)
	}
	return nil
}
