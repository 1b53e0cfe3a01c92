package pipeline

import (
	"context"
	"time"

	"github.com/A-KGeorge/dspx-sub002/internal/logx"
	"github.com/A-KGeorge/dspx-sub002/pipeline/stage"
	"github.com/A-KGeorge/dspx-sub002/snapshot"
)

// SaveState captures every stage's parameters and state into a snapshot
// blob (spec §6 saveState({format})). It never mutates pipeline state.
func (p *Pipeline) SaveState(format snapshot.Format) ([]byte, error) {
	if p.disposed {
		return nil, stage.ErrDisposed
	}
	tree := snapshot.Build(p.stages, time.Now().Unix())
	return snapshot.Encode(tree, format)
}

// LoadState installs a previously saved snapshot (spec §4.3's load
// protocol). The blob's stage list must structurally match this
// pipeline's already-constructed stages (same count, same kind, same
// structural parameters); LoadState never reconstructs stages from the
// blob. Transient decode errors are retried up to cfg.MaxRetries times;
// a structural/validation mismatch is not retried and is subject to
// cfg.FallbackOnLoadFailure instead.
func (p *Pipeline) LoadState(ctx context.Context, blob []byte) error {
	if p.disposed {
		return stage.ErrDisposed
	}

	var tree snapshot.Tree
	var decodeErr error
	attempts := p.cfg.MaxRetries + 1
	for i := uint32(0); i < attempts; i++ {
		tree, decodeErr = snapshot.Decode(blob)
		if decodeErr == nil {
			break
		}
		logx.Warn(ctx, "pipeline.snapshot", "snapshot decode failed, retrying", "pipeline", p.id, "attempt", i+1, "err", decodeErr)
	}
	if decodeErr != nil {
		return decodeErr
	}

	result, err := snapshot.Load(p.stages, tree, p.cfg.FallbackOnLoadFailure)
	if err != nil {
		return err
	}
	if result.FellBackToFreshState {
		logx.Warn(ctx, "pipeline.snapshot", "snapshot load failed, pipeline reset to fresh state", "pipeline", p.id, "reason", result.Warning)
	}
	return nil
}
