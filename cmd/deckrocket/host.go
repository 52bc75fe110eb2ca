package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rescp17/deckrocket/internal/config"
	"github.com/rescp17/deckrocket/internal/logging"
	"github.com/rescp17/deckrocket/internal/util"
	"github.com/rescp17/deckrocket/pkg/classify"
	"github.com/rescp17/deckrocket/pkg/client"
	"github.com/rescp17/deckrocket/pkg/discovery"
	"github.com/rescp17/deckrocket/pkg/session"
	"github.com/rescp17/deckrocket/pkg/transfer"
	"github.com/rescp17/deckrocket/pkg/transport"
)

func runHost(ctx context.Context, cfg *config.Config, files []string) error {
	logger, err := logging.New(cfg.LogLevel, os.Stderr)
	if err != nil {
		return err
	}
	for _, file := range files {
		if _, ok := classify.FromExtension(filepath.Ext(file)); !ok {
			return fmt.Errorf("%s: only .pdf and .md documents can be sent", file)
		}
	}
	if err := util.RegularFiles(files); err != nil {
		return err
	}

	local := discovery.NewPeerID(cfg.Name)
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
		InviteTimeout: cfg.InviteTimeout,
		Logger:        logger,
	})

	g, ctx := errgroup.WithContext(ctx)
	c.OnData(func(peer discovery.PeerID, payload []byte) {
		fmt.Printf("%s  %s\n", peer.DisplayName, strings.TrimSpace(string(payload)))
	})
	c.OnStateChange(func(state session.ConnectionState, peer discovery.PeerID) {
		if state != session.Connected || len(files) == 0 {
			return
		}
		// The observer runs on the client's loop; sending must not block it.
		go pushFiles(ctx, tr, peer, files, logger)
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           tr.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	adapter := &discovery.MDNSAdapter{}

	g.Go(func() error {
		logger.WithField("port", cfg.Port).Info("Accepting invitations")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("invite server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return adapter.Announce(ctx, discovery.ServiceInfo{
			Name:        local.Instance,
			DisplayName: local.DisplayName,
			Type:        cfg.ServiceType,
			Domain:      cfg.Domain,
			Port:        cfg.Port,
		})
	})
	g.Go(func() error {
		return c.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.WithFields(logrus.Fields{
		"peer":    local.String(),
		"service": cfg.ServiceName(),
	}).Info("Host started")
	return g.Wait()
}

func pushFiles(ctx context.Context, tr *transport.Transport, peer discovery.PeerID, files []string, logger logrus.FieldLogger) {
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			logger.WithError(err).WithField("file", path).Error("Cannot send file")
			continue
		}

		bar := progressbar.DefaultBytes(info.Size(), "sending "+filepath.Base(path))
		start := time.Now()
		node, err := tr.SendResource(ctx, peer, path, func(sent int64) {
			_ = bar.Set64(sent)
		})
		_ = bar.Finish()
		if err != nil {
			logger.WithError(err).WithField("file", path).Error("Failed to send file")
			return
		}
		logger.WithFields(logrus.Fields{
			"file":     node.Name,
			"size":     humanize.Bytes(uint64(node.Size)),
			"duration": time.Since(start).Round(time.Millisecond),
		}).Info("File sent")
	}
}
