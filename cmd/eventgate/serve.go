package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/carelinkhq/eventgate/internal/archive"
	"github.com/carelinkhq/eventgate/internal/audit"
	"github.com/carelinkhq/eventgate/internal/authz"
	"github.com/carelinkhq/eventgate/internal/config"
	"github.com/carelinkhq/eventgate/internal/connection"
	"github.com/carelinkhq/eventgate/internal/delivery"
	"github.com/carelinkhq/eventgate/internal/ingress"
	"github.com/carelinkhq/eventgate/internal/poller"
	"github.com/carelinkhq/eventgate/internal/registry"
	"github.com/carelinkhq/eventgate/internal/router"
	"github.com/carelinkhq/eventgate/internal/server"
	"github.com/carelinkhq/eventgate/internal/store/postgres"
	"github.com/carelinkhq/eventgate/internal/stream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the event gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		slog.SetDefault(logger)

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		// Durable store: dedup window, fallback buffer, audit trail.
		st, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer st.Close()

		// Durable event log.
		log, err := stream.NewNATSLog(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer log.Close()
		logger.Info("event log connected", "nats_url", cfg.NATSURL)

		// Audit decisions go to the store and onto the bus.
		sink := audit.NewMultiSink(
			audit.NewStoreSink(st),
			audit.NewNATSSinkFromConn(log.Conn()),
		)

		// Authorization gate over the relationship graph.
		var rel authz.RelationshipChecker
		if cfg.RelationshipURL != "" {
			rel = authz.NewHTTPChecker(cfg.RelationshipURL, cfg.RelationshipToken)
			logger.Info("relationship service configured", "url", cfg.RelationshipURL)
		} else {
			rel = authz.NewStaticChecker()
			logger.Warn("no relationship service configured; only self traffic will be authorized")
		}
		cached := authz.NewCachedChecker(rel, cfg.RelationshipCacheTTL, nil)

		policy := authz.DefaultPolicy()
		if cfg.PolicyFile != "" {
			policy, err = authz.LoadPolicy(cfg.PolicyFile)
			if err != nil {
				return err
			}
			logger.Info("policy loaded", "file", cfg.PolicyFile)
		}

		gate := authz.NewGate(cached, policy, sink, nil)

		verifier, err := authz.NewJWTVerifier(cfg.TokenIssuer, cfg.TokenAudience, cfg.TokenPublicKey, nil)
		if err != nil {
			return err
		}

		// Core pipeline.
		reg := registry.New(gate, cfg.MaxSubscriptions)
		tracker := delivery.NewTracker(sink, delivery.Options{
			AckDeadline:  cfg.AckDeadlineCritical,
			MaxDeadline:  cfg.AckDeadlineSlow,
			MaxRetries:   cfg.MaxDeliveryRetries,
			BackoffBase:  cfg.RetryBackoffBase,
			GlobalLimit:  cfg.BackpressureGlobal,
			PerConnLimit: cfg.BackpressurePerConn,
		})
		manager := connection.NewManager(reg, tracker, gate, connection.Options{
			HeartbeatInterval: cfg.HeartbeatInterval,
			HeartbeatMisses:   cfg.HeartbeatMisses,
			ExpiryWarnLead:    cfg.ExpiryWarnLead,
			RetryAfter:        cfg.BackpressureRetryAfter,
		})
		tracker.SetBackpressureHandler(manager.Backpressure)

		rt := router.New(log, reg, gate, tracker, st)
		rt.SetConnectionSource(manager)

		pub := ingress.NewPublisher(gate, policy.SchemaRegistry(), st, log, cfg.FreshnessWindow, nil)
		pol := poller.New(st, gate)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := rt.Start(ctx); err != nil {
			return err
		}
		defer rt.Stop()
		go tracker.Run(ctx)
		go manager.Run(ctx)
		go pruneLoop(ctx, st, cfg, logger)

		// Archive export, enabled when a bucket is configured.
		if cfg.ArchiveS3Bucket != "" {
			dest, err := archive.NewS3Destination(ctx,
				cfg.ArchiveS3Bucket, cfg.ArchiveS3Prefix, cfg.ArchiveS3Region, cfg.ArchiveS3Endpoint)
			if err != nil {
				logger.Error("failed to create archive destination", "error", err)
			} else {
				scheduler := archive.NewScheduler(st, []archive.Destination{dest}, cfg.ArchiveInterval, nil)
				scheduler.Start()
				defer scheduler.Stop()
				logger.Info("archive export enabled",
					"bucket", cfg.ArchiveS3Bucket, "interval", cfg.ArchiveInterval)
			}
		}

		srv := server.New(verifier, reg, manager, pub, pol, tracker)
		httpServer := &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: srv.NewHTTPHandler(),
		}
		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("HTTP server error", "error", err)
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown error", "error", err)
		}
		return nil
	},
}

// pruneLoop periodically expires the dedup window and the fallback buffer.
func pruneLoop(ctx context.Context, st *postgres.PostgresStore, cfg *config.Config, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			if n, err := st.PruneDedup(ctx, now.Add(-cfg.DedupWindow)); err != nil {
				logger.Error("dedup prune failed", "error", err)
			} else if n > 0 {
				logger.Info("pruned dedup records", "count", n)
			}
			if n, err := st.PruneEvents(ctx, now.Add(-cfg.FreshnessWindow)); err != nil {
				logger.Error("event buffer prune failed", "error", err)
			} else if n > 0 {
				logger.Info("pruned buffered events", "count", n)
			}
		}
	}
}
