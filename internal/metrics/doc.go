// Package metrics defines the Prometheus metrics exported by the service.
// Metrics live on a private registry so several instances can coexist in tests.
package metrics
