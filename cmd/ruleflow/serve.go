package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/ruleflow/pkg/config"
	"github.com/polisai/ruleflow/pkg/engine"
	"github.com/polisai/ruleflow/pkg/logging"
	"github.com/polisai/ruleflow/pkg/server"
	"github.com/polisai/ruleflow/pkg/telemetry"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dispatch API and hot-reload the catalog",
		RunE:  runServe,
	}
	cmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	cmd.Flags().String("catalog", "", "Path to the catalog file (overrides config)")
	cmd.Flags().String("listen", "", "Address to listen on (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("catalog"); v != "" {
		cfg.Catalog.File = v
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Server.Address = v
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("pretty") {
		cfg.Logging.Pretty, _ = cmd.Flags().GetBool("pretty")
	}

	logger := logging.SetupLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Environment:    cfg.Telemetry.Environment,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        cfg.Telemetry.Headers,
		ResourceTags:   cfg.Telemetry.ResourceTags,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	s, err := newStack(ctx, stackOptions{
		Storage:           cfg.Storage,
		RecordErrorPolicy: cfg.Dispatch.RecordErrorPolicy,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Error("Failed to close record store", "error", err)
		}
	}()

	metrics := telemetry.NewMetrics()

	if cfg.Catalog.File != "" {
		stopCatalog, err := startCatalog(ctx, cfg.Catalog, s.catalogs, metrics, logger)
		if err != nil {
			return err
		}
		defer stopCatalog()
	} else {
		logger.Warn("No catalog file configured; serving an empty catalog")
	}

	api := server.New(server.Config{
		Dispatcher: s.dispatcher,
		Runner:     s.runner,
		Metrics:    metrics,
		Logger:     logger,
		RateLimit: server.RateLimit{
			RequestsPerSecond: cfg.Server.RateLimit.RequestsPerSecond,
			Burst:             cfg.Server.RateLimit.Burst,
		},
	})

	tlsConfig, err := cfg.Server.TLS.Build()
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Handler:           api.Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("bind %s: %w", cfg.Server.Address, err)
	}
	logger.Info("Server listening", "addr", listener.Addr().String(), "tls", tlsConfig != nil)

	errCh := make(chan error, 1)
	go func() {
		if tlsConfig != nil {
			errCh <- httpServer.ServeTLS(listener, "", "")
			return
		}
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// startCatalog loads the catalog file into the registry and, when watching,
// applies every later change. A broken edit keeps the last-known-good catalog.
func startCatalog(ctx context.Context, cfg config.CatalogConfig, catalogs *engine.CatalogRegistry, metrics *telemetry.Metrics, logger *slog.Logger) (func(), error) {
	apply := func(spec config.Snapshot) error {
		err := catalogs.Update(ctx, spec.Catalog)
		status := "success"
		if err != nil {
			status = "rejected"
		}
		metrics.RecordCatalogReload(status, catalogs.Current().Len())
		return err
	}

	if !cfg.Watch {
		spec, err := config.LoadCatalogFile(cfg.File)
		if err != nil {
			return nil, err
		}
		if err := apply(config.Snapshot{Generation: spec.Generation, Catalog: spec}); err != nil {
			return nil, err
		}
		return func() {}, nil
	}

	provider, err := config.NewFileCatalogProvider(config.FileCatalogProviderConfig{
		Path:   cfg.File,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	initial := provider.Current()
	if err := apply(initial); err != nil {
		_ = provider.Close()
		return nil, err
	}

	updates := provider.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		last := initial.ReceivedAt
		for snap := range updates {
			if !snap.ReceivedAt.After(last) {
				continue
			}
			last = snap.ReceivedAt
			logger.Info("Catalog change detected", "generation", snap.Generation)
			if err := apply(snap); err != nil {
				logger.Error("Catalog reload rejected", "generation", snap.Generation, "error", err)
			}
		}
	}()

	return func() {
		if err := provider.Close(); err != nil {
			logger.Error("Failed to close catalog provider", "error", err)
		}
		<-done
	}, nil
}
