package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecimate_OutputLengthHalvesWithFactorTwo(t *testing.T) {
	s, err := NewDecimateStage("dec", 2, 3)
	require.NoError(t, err)

	out := process(t, s, []float32{1, 2, 3, 4, 5, 6, 7, 8}, 1)
	assert.Len(t, out, 4)
}

func TestInterpolate_OutputLengthDoublesWithFactorTwo(t *testing.T) {
	s, err := NewInterpolateStage("interp", 2, 3)
	require.NoError(t, err)

	out := process(t, s, []float32{1, 2, 3, 4}, 1)
	assert.Len(t, out, 8)
}

func TestResample_IdentityFactorsPreserveLength(t *testing.T) {
	s, err := NewResampleStage("rs", 1, 1, 3)
	require.NoError(t, err)

	out := process(t, s, []float32{1, 2, 3, 4, 5}, 1)
	assert.Len(t, out, 5)
}

// Moving-mode streaming invariant: the persistent phase counter must make
// process(A++B) on a fresh stage equal concat(process(A), process(B)) on
// an equivalent split call.
func TestDecimate_StreamingSplitInvariant(t *testing.T) {
	full := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	a, b := full[:4], full[4:]

	whole, err := NewDecimateStage("dec", 2, 3)
	require.NoError(t, err)
	wantOut := process(t, whole, append([]float32(nil), full...), 1)

	split, err := NewDecimateStage("dec", 2, 3)
	require.NoError(t, err)
	outA := process(t, split, append([]float32(nil), a...), 1)
	outB := process(t, split, append([]float32(nil), b...), 1)
	gotOut := append(append([]float32(nil), outA...), outB...)

	assert.InDeltaSlice(t, wantOut, gotOut, 1e-6)
}

func TestInterpolate_RejectsFactorBelowTwo(t *testing.T) {
	_, err := NewInterpolateStage("interp", 1, 3)
	assert.Error(t, err)
}

func TestResample_RejectsEvenOrder(t *testing.T) {
	_, err := NewResampleStage("rs", 1, 1, 4)
	assert.Error(t, err)
}

func TestDecimate_SaveLoadRoundTrip(t *testing.T) {
	s, err := NewDecimateStage("dec", 2, 3)
	require.NoError(t, err)
	_ = process(t, s, []float32{1, 2, 3, 4, 5}, 1)

	state := s.EncodeState()
	s2, err := NewDecimateStage("dec", 2, 3)
	require.NoError(t, err)
	require.NoError(t, s2.DecodeState(state))

	out1 := process(t, s, []float32{6, 7, 8}, 1)
	out2 := process(t, s2, []float32{6, 7, 8}, 1)
	assert.Equal(t, out1, out2)
}
