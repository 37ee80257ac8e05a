// Package metrics exposes Prometheus collectors for the gateway.
//
// Collectors live on a private registry so tests can create as many
// instances as they like. Every recording method is a no-op on a nil
// *Metrics, which lets components run with metrics disabled.
package metrics
