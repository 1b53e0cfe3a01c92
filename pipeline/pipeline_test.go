package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/A-KGeorge/dspx-sub002/pipeline/stage"
)

func TestBuilder_ComposesMultipleStages(t *testing.T) {
	p, err := NewBuilder(DefaultConfig()).
		Rectify("rect", stage.RectifyFull).
		Amplify("gain", 2).
		MovingAverage("ma", stage.ModeMoving, 2, 0).
		Build()
	require.NoError(t, err)

	out, channels, err := p.Process(context.Background(), []float32{-1, 2, -3}, 1, stage.ProcessOptions{SampleRate: 1000})
	require.NoError(t, err)
	assert.Equal(t, 1, channels)
	// rectify(full): [1,2,3] -> amplify(2): [2,4,6] -> movingAverage(ws=2): [2,3,5]
	assert.InDeltaSlice(t, []float32{2, 3, 5}, out, 1e-6)
}

func TestBuilder_LatchesFirstConstructionError(t *testing.T) {
	_, err := NewBuilder(DefaultConfig()).
		Rectify("rect", stage.RectifyFull).
		MovingAverage("ma", stage.ModeMoving, 0, 0). // windowSize=0 is invalid
		Amplify("gain", 2).
		Build()
	assert.Error(t, err)
}

func TestProcess_RejectsEmptyPipeline(t *testing.T) {
	p := New(DefaultConfig())
	_, _, err := p.Process(context.Background(), []float32{1, 2}, 1, stage.ProcessOptions{})
	assert.ErrorIs(t, err, stage.ErrNoStages)
}

func TestProcess_FreezesAfterFirstCall(t *testing.T) {
	p, err := NewBuilder(DefaultConfig()).Amplify("gain", 2).Build()
	require.NoError(t, err)

	_, _, err = p.Process(context.Background(), []float32{1, 2}, 1, stage.ProcessOptions{})
	require.NoError(t, err)

	err = p.Append(stage.NewAmplifyStage("gain2", 3))
	assert.ErrorIs(t, err, stage.ErrPipelineFrozen)
}

func TestDispose_RejectsSubsequentCalls(t *testing.T) {
	p, err := NewBuilder(DefaultConfig()).Amplify("gain", 2).Build()
	require.NoError(t, err)
	p.Dispose()

	_, _, err = p.Process(context.Background(), []float32{1}, 1, stage.ProcessOptions{})
	assert.ErrorIs(t, err, stage.ErrDisposed)

	err = p.Append(stage.NewAmplifyStage("gain2", 3))
	assert.ErrorIs(t, err, stage.ErrDisposed)
}

func TestProcess_RollsBackAllStateOnMidPipelineError(t *testing.T) {
	// First stage advances its window state; second stage expects 2 input
	// channels but receives mono, so its shape validation fails and the
	// rollback must undo the first stage's window state too.
	ma, err := stage.NewMovingAverageStage("ma", stage.ModeMoving, 3, 0)
	require.NoError(t, err)
	cs, err := stage.NewChannelSelectStage("cs", []int{0, 1}, 2)
	require.NoError(t, err)

	fresh := New(DefaultConfig())
	require.NoError(t, fresh.Append(ma))
	require.NoError(t, fresh.Append(cs))

	_, _, err = fresh.Process(context.Background(), []float32{1, 2, 3}, 1, stage.ProcessOptions{})
	require.Error(t, err)

	before := ma.CloneState()
	_, _, err = fresh.Process(context.Background(), []float32{4, 5, 6}, 1, stage.ProcessOptions{})
	require.Error(t, err)
	after := ma.CloneState()
	assert.Equal(t, before, after)
}

func TestClearState_ResetsStagesInPlace(t *testing.T) {
	p, err := NewBuilder(DefaultConfig()).
		MovingAverage("ma", stage.ModeMoving, 3, 0).
		Build()
	require.NoError(t, err)

	_, _, err = p.Process(context.Background(), []float32{9, 9, 9}, 1, stage.ProcessOptions{})
	require.NoError(t, err)

	p.ClearState()

	out, _, err := p.Process(context.Background(), []float32{1, 2, 3}, 1, stage.ProcessOptions{})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1, 1.5, 2}, out, 1e-6)
}
