package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/polisai/ruleflow/pkg/catalog"
	"github.com/polisai/ruleflow/pkg/domain"
)

// CatalogRegistry owns the active catalog. Updates are built off to the side
// and swapped in atomically; a rejected update leaves the last-known-good
// (LKG) catalog in place so in-flight and future dispatches keep working.
type CatalogRegistry struct {
	holder  *catalog.Holder
	factory *CatalogFactory
	logger  *slog.Logger

	mu      sync.Mutex
	updates int64
	lastErr error
}

// NewCatalogRegistry creates a registry serving an empty catalog until the
// first successful Update.
func NewCatalogRegistry(factory *CatalogFactory, logger *slog.Logger) *CatalogRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	if factory == nil {
		factory = NewCatalogFactory(nil, logger)
	}
	return &CatalogRegistry{
		holder:  catalog.NewHolder(nil),
		factory: factory,
		logger:  logger,
	}
}

// Current implements catalog.Source.
func (r *CatalogRegistry) Current() *catalog.Catalog {
	return r.holder.Current()
}

// Update builds spec and makes it the active catalog.
func (r *CatalogRegistry) Update(ctx context.Context, spec domain.CatalogSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := r.factory.Build(ctx, spec)
	if err != nil {
		r.lastErr = err
		lkg := r.holder.Current()
		r.logger.Error("catalog update rejected; keeping last-known-good catalog",
			"generation", spec.Generation,
			"lkg_generation", lkg.Generation(),
			"lkg_bindings", lkg.Len(),
			"error", err,
		)
		return fmt.Errorf("catalog update rejected: %w", err)
	}

	prev := r.holder.Replace(next)
	r.updates++
	r.lastErr = nil
	r.logger.Info("catalog updated",
		"generation", next.Generation(),
		"previous_generation", prev.Generation(),
		"bindings", next.Len(),
		"update", r.updates,
	)
	return nil
}

// LastError returns the error of the most recent rejected update, or nil
// when the latest update succeeded.
func (r *CatalogRegistry) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Updates returns the number of successful updates.
func (r *CatalogRegistry) Updates() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates
}
