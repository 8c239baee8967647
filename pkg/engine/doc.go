// Package engine dispatches records through the rules bound to an entity
// type and lifecycle phase.
//
// Architecture:
//
// dispatcher.go     - Dispatcher: bypass checks, ordered rule invocation, error collection
// engine_factory.go - CatalogFactory: compiles policy rules and loads catalogs
// registry.go       - CatalogRegistry: active catalog with last-known-good fallback
// simulator.go      - Side-effect-free dispatch on cloned records
//
// The dispatcher holds no state between calls: each dispatch reads the current
// catalog and a snapshot of the bypass registry.
package engine
