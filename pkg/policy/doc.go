// Package policy integrates the Open Policy Agent (OPA) engine with the rule
// pipeline so rules can be declared in configuration as Rego policies instead
// of being compiled into the binary.
//
// A policy rule supports every lifecycle phase. For each record the policy
// entrypoint is evaluated with the record fields as input; every message it
// returns is attached to the record as a validation error. The package is
// decoupled from dispatch mechanics: it only produces domain rules and
// registers them with a catalog registry.
package policy
