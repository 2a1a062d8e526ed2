// Package metrics exposes Prometheus instrumentation for the agent:
// ingress, persistence, reduction, upload and auth counters, served over
// an optional local HTTP endpoint.
package metrics
