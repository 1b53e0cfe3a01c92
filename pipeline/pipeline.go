// Package pipeline composes stage.Stage instances into an ordered,
// stateful transform over interleaved multi-channel sample buffers (spec
// §3-§5). Its builder/lifecycle shape follows the teacher's
// pipeline/stage.PipelineBuilder: append stages fluently, then the
// pipeline freezes itself at first process call.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/A-KGeorge/dspx-sub002/internal/logx"
	"github.com/A-KGeorge/dspx-sub002/pipeline/metrics"
	"github.com/A-KGeorge/dspx-sub002/pipeline/stage"
)

// Config mirrors the teacher's Default*Config/Validate/With* pattern
// (spec §6's createPipeline options).
type Config struct {
	FallbackOnLoadFailure bool
	MaxRetries            uint32
	Metrics               *metrics.Recorder
}

// DefaultConfig returns the zero-value-safe default configuration.
func DefaultConfig() Config {
	return Config{FallbackOnLoadFailure: false, MaxRetries: 0}
}

// WithFallbackOnLoadFailure sets whether loadState converts structural
// failures into a soft reset instead of a fatal error.
func (c Config) WithFallbackOnLoadFailure(v bool) Config {
	c.FallbackOnLoadFailure = v
	return c
}

// WithMaxRetries sets how many times a transient snapshot decode error is
// retried before loadState gives up.
func (c Config) WithMaxRetries(n uint32) Config {
	c.MaxRetries = n
	return c
}

// WithMetrics attaches a Prometheus recorder. Metrics are off by default;
// callers that want them construct a metrics.Recorder via
// metrics.NewRecorder and pass it here.
func (c Config) WithMetrics(r *metrics.Recorder) Config {
	c.Metrics = r
	return c
}

// Validate checks the configuration is internally consistent. Present for
// symmetry with DefaultConfig and the With* setters; there
// are currently no invalid Config values, but future fields (e.g. a retry
// backoff) would be checked here.
func (c Config) Validate() error { return nil }

// Pipeline is an ordered, stateful composition of stages (spec §3). It is
// single-threaded with respect to Process/SaveState/LoadState/ClearState/
// Dispose (spec §5): callers must not invoke these concurrently on the
// same instance.
type Pipeline struct {
	id       string
	cfg      Config
	stages   []stage.Stage
	frozen   bool
	disposed bool
}

// New constructs an empty Pipeline, assigning it a random instance ID
// used to correlate log lines across Process/SaveState/LoadState calls.
// Use Builder to append stages before the first Process call freezes the
// stage list.
func New(cfg Config) *Pipeline {
	return &Pipeline{id: uuid.NewString(), cfg: cfg}
}

// ID returns the pipeline's instance identifier.
func (p *Pipeline) ID() string { return p.id }

// Append adds a stage to the end of the pipeline. Returns ErrPipelineFrozen
// if called after the first Process call.
func (p *Pipeline) Append(s stage.Stage) error {
	if p.disposed {
		return stage.ErrDisposed
	}
	if p.frozen {
		return stage.ErrPipelineFrozen
	}
	p.stages = append(p.stages, s)
	return nil
}

// Stages returns the pipeline's stage list, in order. Callers must not
// mutate the returned slice.
func (p *Pipeline) Stages() []stage.Stage { return p.stages }

// Process runs samples through every stage in order (spec §6's process
// surface). opts.Timestamps is handed only to stages declaring
// stage.TimestampAware (spec §6 "hands them only to stages that declare
// they consume them"). On a mid-pipeline stage error, every stage's state
// is rolled back to its pre-call snapshot so no partial state commit is
// observable (spec §7 "Propagation").
func (p *Pipeline) Process(ctx context.Context, samples []float32, channels int, opts stage.ProcessOptions) ([]float32, int, error) {
	if p.disposed {
		return nil, 0, stage.ErrDisposed
	}
	if len(p.stages) == 0 {
		return nil, 0, stage.ErrNoStages
	}
	p.frozen = true

	buf := stage.Buffer{Samples: samples, Channels: channels}
	if err := buf.Validate(); err != nil {
		return nil, 0, err
	}

	snapshots := make([]any, len(p.stages))
	for i, s := range p.stages {
		snapshots[i] = s.CloneState()
	}

	for i, s := range p.stages {
		callOpts := opts
		if aware, ok := s.(stage.TimestampAware); !ok || !aware.ConsumesTimestamps() {
			callOpts.Timestamps = nil
		}
		start := time.Now()
		out, err := s.ProcessBlock(ctx, buf, callOpts)
		elapsed := time.Since(start).Seconds()
		if err != nil {
			p.cfg.Metrics.ObserveBlock(string(s.Kind()), elapsed, err, errorKindLabel(err))
			p.cfg.Metrics.ObserveRollback()
			for j := 0; j <= i; j++ {
				p.stages[j].RestoreState(snapshots[j])
			}
			logx.Error(ctx, "pipeline", "stage failed, state rolled back", "pipeline", p.id, "stage", s.Name(), "err", err)
			return nil, 0, err
		}
		p.cfg.Metrics.ObserveBlock(string(s.Kind()), elapsed, nil, "")
		buf = out
	}
	return buf.Samples, buf.Channels, nil
}

// ClearState resets every stage's state, preserving parameters (spec §6
// clearState).
func (p *Pipeline) ClearState() {
	for _, s := range p.stages {
		s.Reset()
	}
}

// Dispose releases the pipeline. Process/SaveState/LoadState/Append after
// Dispose return stage.ErrDisposed; ClearState has no error result and
// still resets stage state.
func (p *Pipeline) Dispose() {
	p.disposed = true
}

// stageNameKind pairs a stage's identity for snapshot structural checks.
type stageNameKind struct {
	name string
	kind stage.Kind
}

func (p *Pipeline) identities() []stageNameKind {
	out := make([]stageNameKind, len(p.stages))
	for i, s := range p.stages {
		out[i] = stageNameKind{name: s.Name(), kind: s.Kind()}
	}
	return out
}

func errorKindLabel(err error) string {
	var stageErr *stage.Error
	if errors.As(err, &stageErr) {
		return stageErr.Kind.String()
	}
	return "unknown"
}
