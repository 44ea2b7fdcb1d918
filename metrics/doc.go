// Package metrics defines the Prometheus instruments exported by the relay
// client and the development hub. Instruments are registered on an injected
// prometheus.Registerer so tests can use a private registry.
package metrics
