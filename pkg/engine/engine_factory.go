package engine

import (
	"context"
	"log/slog"

	"github.com/polisai/ruleflow/pkg/catalog"
	"github.com/polisai/ruleflow/pkg/domain"
	"github.com/polisai/ruleflow/pkg/policy"
)

// CatalogFactory turns a catalog spec into a dispatchable catalog. Code rules
// come from the base registry; policy rules declared in the spec are compiled
// into a per-build copy of it.
type CatalogFactory struct {
	rules  *catalog.Registry
	logger *slog.Logger
}

// NewCatalogFactory creates a factory over the base rule registry.
func NewCatalogFactory(rules *catalog.Registry, logger *slog.Logger) *CatalogFactory {
	if logger == nil {
		logger = slog.Default()
	}
	if rules == nil {
		rules = catalog.NewRegistry()
	}
	return &CatalogFactory{rules: rules, logger: logger}
}

// Rules returns the base registry.
func (f *CatalogFactory) Rules() *catalog.Registry {
	return f.rules
}

// Build compiles policy rules, then validates and loads the bindings. Nothing
// from a failed build is visible to callers.
func (f *CatalogFactory) Build(ctx context.Context, spec domain.CatalogSpec) (*catalog.Catalog, error) {
	registry := f.rules
	if len(spec.Policies) > 0 {
		registry = f.rules.Clone()
		if err := policy.RegisterRules(ctx, registry, spec.Policies); err != nil {
			return nil, err
		}
	}

	cat, err := catalog.Load(spec, registry)
	if err != nil {
		return nil, err
	}

	f.logger.Info("catalog built",
		"generation", cat.Generation(),
		"bindings", cat.Len(),
		"policies", len(spec.Policies),
		"entities", len(spec.Entities),
	)
	return cat, nil
}
