package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/A-KGeorge/dspx-sub002/pipeline/stage"
)

func newStages(t *testing.T) []stage.Stage {
	t.Helper()
	rms, err := stage.NewRmsStage("rms", stage.ModeMoving, 3, 0)
	require.NoError(t, err)
	amp := stage.NewAmplifyStage("gain", 2)
	return []stage.Stage{rms, amp}
}

func advance(t *testing.T, stages []stage.Stage, samples []float32) {
	t.Helper()
	buf := samples
	for _, s := range stages {
		out, err := s.ProcessBlock(context.Background(), stage.Buffer{Samples: buf, Channels: 1}, stage.ProcessOptions{SampleRate: 1000})
		require.NoError(t, err)
		buf = out.Samples
	}
}

func TestSnapshot_StructuredSaveLoadRoundTrip(t *testing.T) {
	original := newStages(t)
	advance(t, original, []float32{3, 4, 0})

	tree := Build(original, 1000)
	blob, err := Encode(tree, FormatStructured)
	require.NoError(t, err)

	decoded, err := Decode(blob)
	require.NoError(t, err)

	restored := newStages(t)
	result, err := Load(restored, decoded, false)
	require.NoError(t, err)
	assert.False(t, result.FellBackToFreshState)

	advance(t, original, []float32{6, 8})
	advance(t, restored, []float32{6, 8})

	origRms := original[0].(*stage.WindowedStatStage)
	restRms := restored[0].(*stage.WindowedStatStage)
	assert.Equal(t, origRms.CloneState(), restRms.CloneState())
}

func TestSnapshot_CompactSaveLoadRoundTrip(t *testing.T) {
	original := newStages(t)
	advance(t, original, []float32{3, 4, 0})

	tree := Build(original, 2000)
	blob, err := Encode(tree, FormatCompact)
	require.NoError(t, err)
	assert.True(t, len(blob) > 4)

	decoded, err := Decode(blob)
	require.NoError(t, err)
	require.Len(t, decoded.Stages, 2)

	restored := newStages(t)
	result, err := Load(restored, decoded, false)
	require.NoError(t, err)
	assert.False(t, result.FellBackToFreshState)

	// The compact wire format stores floats at 32-bit precision, so a
	// reloaded running sum may differ from the live one by a few ULPs;
	// compare continued output within the decoder's own validation
	// tolerance rather than requiring bit-exact state.
	origOut := processSingle(t, original[0], []float32{6, 8})
	restOut := processSingle(t, restored[0], []float32{6, 8})
	assert.InDeltaSlice(t, origOut, restOut, 1e-3)
}

func processSingle(t *testing.T, s stage.Stage, samples []float32) []float32 {
	t.Helper()
	out, err := s.ProcessBlock(context.Background(), stage.Buffer{Samples: samples, Channels: 1}, stage.ProcessOptions{SampleRate: 1000})
	require.NoError(t, err)
	return out.Samples
}

func TestSnapshot_RejectsOlderMajorVersion(t *testing.T) {
	stages := newStages(t)
	tree := Build(stages, 0)
	tree.MajorVersion = CurrentMajorVersion - 1

	_, err := Load(stages, tree, false)
	assert.Error(t, err)
}

func TestSnapshot_RejectsNewerMajorVersion(t *testing.T) {
	stages := newStages(t)
	tree := Build(stages, 0)
	tree.MajorVersion = CurrentMajorVersion + 1

	_, err := Load(stages, tree, false)
	assert.Error(t, err)
}

func TestSnapshot_RejectsStageCountMismatch(t *testing.T) {
	stages := newStages(t)
	tree := Build(stages, 0)
	tree.Stages = tree.Stages[:1]

	_, err := Load(stages, tree, false)
	assert.Error(t, err)
}

func TestSnapshot_RejectsParamMismatch(t *testing.T) {
	stages := newStages(t)
	tree := Build(stages, 0)

	other, err := stage.NewRmsStage("rms", stage.ModeMoving, 5, 0)
	require.NoError(t, err)
	mismatched := []stage.Stage{other, stages[1]}

	_, err = Load(mismatched, tree, false)
	assert.Error(t, err)
}

func TestSnapshot_FallbackOnLoadFailureResetsInsteadOfError(t *testing.T) {
	stages := newStages(t)
	tree := Build(stages, 0)
	tree.MajorVersion = CurrentMajorVersion + 1

	result, err := Load(stages, tree, true)
	require.NoError(t, err)
	assert.True(t, result.FellBackToFreshState)
	assert.NotEmpty(t, result.Warning)
}
