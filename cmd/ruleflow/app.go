package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/polisai/ruleflow/pkg/bypass"
	"github.com/polisai/ruleflow/pkg/catalog"
	"github.com/polisai/ruleflow/pkg/config"
	"github.com/polisai/ruleflow/pkg/engine"
	"github.com/polisai/ruleflow/pkg/logging"
	"github.com/polisai/ruleflow/pkg/rules/opportunity"
	"github.com/polisai/ruleflow/pkg/storage"
	"github.com/polisai/ruleflow/pkg/storage/sqlite"
	"github.com/polisai/ruleflow/pkg/trigger"
)

// stack is the wired dispatch pipeline shared by every command.
type stack struct {
	store      storage.RecordStore
	runner     *trigger.Runner
	factory    *engine.CatalogFactory
	catalogs   *engine.CatalogRegistry
	dispatcher *engine.Dispatcher
}

type stackOptions struct {
	Storage           config.StorageConfig
	RecordErrorPolicy string
	Logger            *slog.Logger
}

// newStack wires storage, the trigger runner, the built-in rules and the
// dispatcher. The runner is created first so rules with side effects can
// write through it; the dispatcher is attached last.
func newStack(ctx context.Context, opts stackOptions) (*stack, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	policy, err := engine.ParseRecordErrorPolicy(opts.RecordErrorPolicy)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, opts.Storage)
	if err != nil {
		return nil, err
	}

	runner := trigger.NewRunner(trigger.RunnerConfig{Store: store, Logger: logger})

	rules := catalog.NewRegistry()
	if err := opportunity.Register(rules, runner); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("register built-in rules: %w", err)
	}

	factory := engine.NewCatalogFactory(rules, logger)
	catalogs := engine.NewCatalogRegistry(factory, logger)
	dispatcher := engine.NewDispatcher(engine.DispatcherConfig{
		Catalog:           catalogs,
		Bypass:            bypass.NewRegistry(),
		Logger:            logger,
		RecordErrorPolicy: policy,
	})
	runner.Attach(dispatcher)

	return &stack{
		store:      store,
		runner:     runner,
		factory:    factory,
		catalogs:   catalogs,
		dispatcher: dispatcher,
	}, nil
}

func (s *stack) Close() error {
	return s.store.Close()
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.RecordStore, error) {
	switch cfg.Driver {
	case "", config.DriverMemory:
		return storage.NewMemoryRecordStore(), nil
	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// commandLogger builds the logger from the persistent flags. Logs go to
// stderr so command output on stdout stays machine readable.
func commandLogger(cmd *cobra.Command) *slog.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	pretty, _ := cmd.Flags().GetBool("pretty")
	return logging.NewLogger(logging.Config{
		Level:  level,
		Pretty: pretty,
		Output: cmd.ErrOrStderr(),
	})
}

func mustFlag(cmd *cobra.Command, name string) (string, error) {
	v, err := cmd.Flags().GetString(name)
	if err != nil {
		return "", fmt.Errorf("failed to get %s flag: %w", name, err)
	}
	if v == "" {
		return "", fmt.Errorf("--%s is required", name)
	}
	return v, nil
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
