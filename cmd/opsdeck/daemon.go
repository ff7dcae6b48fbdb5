package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opsdeck/opsdeck/internal/audit"
	"github.com/opsdeck/opsdeck/internal/controlplane"
	"github.com/opsdeck/opsdeck/internal/engine"
	"github.com/opsdeck/opsdeck/internal/hub"
	"github.com/opsdeck/opsdeck/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the opsdeck daemon",
	Long:  `Starts the daemon which serves the HTTP API, watches orders and streams realtime updates.`,
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log := logger.With(zap.String("component", "daemon"))
	log.Info("starting opsdeck daemon", zap.String("version", version), zap.String("db", cfg.DBPath))

	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Warn("database close error", zap.Error(err))
		}
	}()

	if cfg.Engine.Token == "" {
		log.Warn("no engine token configured; engine calls will be rejected")
	}

	h := hub.New(logger.Named("hub"), hub.Config{})
	s.SetNotifier(h)

	eng := engine.New(cfg.Engine.URL, cfg.Engine.Token, logger.Named("engine"))
	service := controlplane.NewService(s, audit.NewWriter(s), eng, h, logger.Named("service"), controlplane.Config{
		PollInterval: cfg.PollInterval,
	})
	defer service.Close()

	server := controlplane.NewServer(service, cfg.Listen, logger.Named("http"))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.Run(ctx)
	})
	g.Go(func() error {
		return server.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("daemon stopped with error", zap.Error(err))
		return err
	}
	log.Info("shutdown complete")
	return nil
}
