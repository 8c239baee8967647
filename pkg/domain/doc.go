// Package domain defines the core types and contracts of the rule pipeline.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. It describes:
//
// - Lifecycle phases and the per-phase rule capabilities
// - Rule bindings and entity settings loaded from configuration
// - Records borrowed from the embedding layer for one dispatch call
// - Execution results and the error taxonomy of a dispatch
//
// Other packages (catalog, engine, policy, storage, trigger) implement or consume
// the interfaces defined here. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
