package stage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPcaTransform_IdentityComponentsPassThroughUncentered(t *testing.T) {
	s, err := NewPcaTransformStage("pca", []float64{1, 0, 0, 1}, 2, 2, nil)
	require.NoError(t, err)

	out := process(t, s, []float32{3, 5}, 2)
	assert.InDeltaSlice(t, []float32{3, 5}, out, 1e-6)
}

// Keeping only the first principal component zero-fills the remaining
// output channel.
func TestPcaTransform_ReducedComponentsZeroFillRemainingChannels(t *testing.T) {
	s, err := NewPcaTransformStage("pca", []float64{1, 0}, 2, 1, nil)
	require.NoError(t, err)

	out := process(t, s, []float32{3, 5}, 2)
	assert.InDeltaSlice(t, []float32{3, 0}, out, 1e-6)
}

func TestPcaTransform_CentersOnMeanBeforeProjecting(t *testing.T) {
	s, err := NewPcaTransformStage("pca", []float64{1, 0, 0, 1}, 2, 2, []float64{1, 1})
	require.NoError(t, err)

	out := process(t, s, []float32{3, 5}, 2)
	assert.InDeltaSlice(t, []float32{2, 4}, out, 1e-6)
}

func TestPcaTransform_RejectsTooManyComponents(t *testing.T) {
	_, err := NewPcaTransformStage("pca", []float64{1, 0, 0, 1, 0, 0}, 2, 3, nil)
	assert.Error(t, err)
}

func TestPcaTransform_RejectsComponentsLengthMismatch(t *testing.T) {
	_, err := NewPcaTransformStage("pca", []float64{1, 0, 0}, 2, 2, nil)
	assert.Error(t, err)
}

func TestPcaTransform_RejectsMeanLengthMismatch(t *testing.T) {
	_, err := NewPcaTransformStage("pca", []float64{1, 0, 0, 1}, 2, 2, []float64{1})
	assert.Error(t, err)
}

func TestPcaTransform_RejectsChannelCountMismatch(t *testing.T) {
	s, err := NewPcaTransformStage("pca", []float64{1, 0, 0, 1}, 2, 2, nil)
	require.NoError(t, err)

	_, err = s.ProcessBlock(context.Background(), Buffer{Samples: []float32{1, 2, 3}, Channels: 3}, ProcessOptions{})
	assert.Error(t, err)
}

func TestIcaTransform_IdentityUnmixingPassesThrough(t *testing.T) {
	s, err := NewIcaTransformStage("ica", []float64{1, 0, 0, 1}, 2, 2, nil)
	require.NoError(t, err)

	out := process(t, s, []float32{7, 9}, 2)
	assert.InDeltaSlice(t, []float32{7, 9}, out, 1e-6)
}

func TestIcaTransform_RejectsUnmixingLengthMismatch(t *testing.T) {
	_, err := NewIcaTransformStage("ica", []float64{1, 0}, 2, 2, nil)
	assert.Error(t, err)
}

func TestIcaTransform_RejectsComponentsAboveChannels(t *testing.T) {
	_, err := NewIcaTransformStage("ica", []float64{1, 0, 0, 1, 0, 0}, 2, 3, nil)
	assert.Error(t, err)
}

func TestWhiteningTransform_IdentityMatrixPassesThrough(t *testing.T) {
	s, err := NewWhiteningTransformStage("white", []float64{1, 0, 0, 1}, 2, nil)
	require.NoError(t, err)

	out := process(t, s, []float32{4, 6}, 2)
	assert.InDeltaSlice(t, []float32{4, 6}, out, 1e-6)
}

func TestWhiteningTransform_RejectsNonPositiveChannels(t *testing.T) {
	_, err := NewWhiteningTransformStage("white", nil, 0, nil)
	assert.Error(t, err)
}

func TestWhiteningTransform_RejectsMatrixLengthMismatch(t *testing.T) {
	_, err := NewWhiteningTransformStage("white", []float64{1, 0, 0}, 2, nil)
	assert.Error(t, err)
}

func TestCspTransform_IdentityFiltersPassThrough(t *testing.T) {
	s, err := NewCspTransformStage("csp", []float64{1, 0, 0, 1}, 2, 2, nil)
	require.NoError(t, err)

	out := process(t, s, []float32{2, 3}, 2)
	assert.InDeltaSlice(t, []float32{2, 3}, out, 1e-6)
}

func TestCspTransform_ReducedFiltersZeroFillRemainingChannels(t *testing.T) {
	s, err := NewCspTransformStage("csp", []float64{1, 0}, 2, 1, nil)
	require.NoError(t, err)

	out := process(t, s, []float32{5, 9}, 2)
	assert.InDeltaSlice(t, []float32{5, 0}, out, 1e-6)
}

func TestCspTransform_RejectsFilterLengthMismatch(t *testing.T) {
	_, err := NewCspTransformStage("csp", []float64{1, 0, 0}, 2, 1, nil)
	assert.Error(t, err)
}
