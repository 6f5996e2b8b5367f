package pipeline

import "github.com/rcrowley/go-metrics"

// Metrics aggregates per-request outcomes. One instance per worker; the
// registry is worker-local state, never shared across the pool.
type Metrics struct {
	Requests        metrics.Timer
	Committed       metrics.Counter
	Aborted         metrics.Counter
	Errors          metrics.Counter
	StageTimeouts   metrics.Counter
	RequestTimeouts metrics.Counter
	BodyTooLarge    metrics.Counter
}

// NewMetrics registers the pipeline metrics on r.
func NewMetrics(r metrics.Registry) *Metrics {
	return &Metrics{
		Requests:        metrics.NewRegisteredTimer("relay.requests", r),
		Committed:       metrics.NewRegisteredCounter("relay.committed", r),
		Aborted:         metrics.NewRegisteredCounter("relay.aborted", r),
		Errors:          metrics.NewRegisteredCounter("relay.errors", r),
		StageTimeouts:   metrics.NewRegisteredCounter("relay.stage_timeouts", r),
		RequestTimeouts: metrics.NewRegisteredCounter("relay.request_timeouts", r),
		BodyTooLarge:    metrics.NewRegisteredCounter("relay.body_too_large", r),
	}
}

// NopMetrics returns a sink that records nothing.
func NopMetrics() *Metrics {
	return &Metrics{
		Requests:        metrics.NilTimer{},
		Committed:       metrics.NilCounter{},
		Aborted:         metrics.NilCounter{},
		Errors:          metrics.NilCounter{},
		StageTimeouts:   metrics.NilCounter{},
		RequestTimeouts: metrics.NilCounter{},
		BodyTooLarge:    metrics.NilCounter{},
	}
}
