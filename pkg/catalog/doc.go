// Package catalog resolves configured rule bindings into an ordered,
// validated lookup keyed by entity type and phase.
//
// Loading is eager: every binding is resolved against the rule Registry,
// instantiated, checked for the capability its phase requires, and its entry
// criteria compiled before the catalog is returned. Any problem is reported as
// a *domain.ConfigurationError so operator mistakes surface at startup (or at
// reload) instead of during a dispatch.
package catalog
