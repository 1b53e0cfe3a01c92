// Package metrics exposes optional Prometheus instrumentation for a
// pipeline, mirroring the teacher's runtime metrics registration: a
// small set of counters/histograms, off by default, registered once and
// cheap to no-op when unused.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is the instrumentation surface pipeline.Pipeline calls into.
// A nil *Recorder (the zero value obtained from a Config that never
// calls WithMetrics) is safe to call methods on — they no-op.
type Recorder struct {
	blocksProcessed *prometheus.CounterVec
	blockErrors     *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	stateRollbacks  prometheus.Counter
}

// NewRecorder builds and registers a Recorder against reg. Pass
// prometheus.DefaultRegisterer to use the global registry, or a
// dedicated *prometheus.Registry in tests.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		blocksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dspx",
			Subsystem: "pipeline",
			Name:      "blocks_processed_total",
			Help:      "Number of buffers successfully processed, by stage kind.",
		}, []string{"stage_kind"}),
		blockErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dspx",
			Subsystem: "pipeline",
			Name:      "block_errors_total",
			Help:      "Number of buffers that failed processing, by stage kind and error kind.",
		}, []string{"stage_kind", "error_kind"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dspx",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Per-stage ProcessBlock latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage_kind"}),
		stateRollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dspx",
			Subsystem: "pipeline",
			Name:      "state_rollbacks_total",
			Help:      "Number of times a mid-pipeline error triggered a full state rollback.",
		}),
	}
	reg.MustRegister(r.blocksProcessed, r.blockErrors, r.stageDuration, r.stateRollbacks)
	return r
}

func (r *Recorder) ObserveBlock(stageKind string, seconds float64, err error, errorKind string) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(stageKind).Observe(seconds)
	if err != nil {
		r.blockErrors.WithLabelValues(stageKind, errorKind).Inc()
		return
	}
	r.blocksProcessed.WithLabelValues(stageKind).Inc()
}

func (r *Recorder) ObserveRollback() {
	if r == nil {
		return
	}
	r.stateRollbacks.Inc()
}
