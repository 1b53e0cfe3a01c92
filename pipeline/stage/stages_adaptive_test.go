package stage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLmsFilter_ConvergesOnIdentityReference(t *testing.T) {
	s, err := NewLmsFilterStage("lms", 1, 1.0, 0)
	require.NoError(t, err)

	// Two frames of (reference=1, desired=1) interleaved as [x0,d0,x1,d1];
	// the error is copied to both output channels, so output is
	// [e0,e0,e1,e1].
	out := process(t, s, []float32{1, 1, 1, 1}, 2)
	require.Len(t, out, 4)
	assert.InDelta(t, 1, out[0], 1e-6)
	assert.InDelta(t, 1, out[1], 1e-6)
	assert.InDelta(t, 0, out[2], 1e-3)
	assert.InDelta(t, 0, out[3], 1e-3)
}

func TestLmsFilter_RejectsNonTwoChannelCount(t *testing.T) {
	s, err := NewLmsFilterStage("lms", 1, 1.0, 0)
	require.NoError(t, err)

	_, err = s.ProcessBlock(context.Background(), Buffer{Samples: []float32{1, 2, 3}, Channels: 3}, ProcessOptions{})
	assert.Error(t, err)

	s2, err := NewLmsFilterStage("lms", 1, 1.0, 0)
	require.NoError(t, err)
	_, err = s2.ProcessBlock(context.Background(), Buffer{Samples: []float32{1, 2, 3, 4}, Channels: 4}, ProcessOptions{})
	assert.Error(t, err)
}

func TestLmsFilter_RejectsInvalidStepSize(t *testing.T) {
	_, err := NewLmsFilterStage("lms", 1, 0, 0)
	assert.Error(t, err)
	_, err = NewLmsFilterStage("lms", 1, 2.5, 0)
	assert.Error(t, err)
}

func TestRlsFilter_ConvergesFasterThanFirstError(t *testing.T) {
	s, err := NewRlsFilterStage("rls", 1, 1.0, 100)
	require.NoError(t, err)

	// Error is copied to both output channels: [e0,e0,e1,e1].
	out := process(t, s, []float32{1, 1, 1, 1}, 2)
	require.Len(t, out, 4)
	assert.InDelta(t, 1, out[0], 1e-6)
	assert.InDelta(t, 1, out[1], 1e-6)
	// e1 = 1 - w1 = 1 - k0*e0 = 1 - 100/101
	assert.InDelta(t, 1.0/101.0, out[2], 1e-4)
	assert.InDelta(t, 1.0/101.0, out[3], 1e-4)
}

func TestRlsFilter_RejectsInvalidForgetting(t *testing.T) {
	_, err := NewRlsFilterStage("rls", 1, 0, 100)
	assert.Error(t, err)
	_, err = NewRlsFilterStage("rls", 1, 1.5, 100)
	assert.Error(t, err)
}

func TestAdaptiveFilters_SaveLoadRoundTrip(t *testing.T) {
	s, err := NewLmsFilterStage("lms", 2, 0.5, 0)
	require.NoError(t, err)
	_ = process(t, s, []float32{1, 1, 2, 2}, 2)

	state := s.EncodeState()
	s2, err := NewLmsFilterStage("lms", 2, 0.5, 0)
	require.NoError(t, err)
	require.NoError(t, s2.DecodeState(state))

	out1 := process(t, s, []float32{3, 3}, 2)
	out2 := process(t, s2, []float32{3, 3}, 2)
	assert.Equal(t, out1, out2)
}
