// Package api contains the core building blocks shared by the loom
// orchestration engine: workflow definitions and their step variants, the
// persisted run model, the decision and invoker contracts, the error
// taxonomy, and observability hooks.
//
// Most users interact with the higher-level loom package, which re-exports
// selected types and helpers from this package. The api package is intended
// for custom integrations (alternative decision authorities, invokers,
// observers) and for code extending the engine itself.
package api
