package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A pure-gain "filter" (b=[g], a=[1]) must behave like amplify.
func TestFilter_PureGainMatchesAmplify(t *testing.T) {
	s, err := NewFilterStage("f", []float64{2}, []float64{1})
	require.NoError(t, err)

	out := process(t, s, []float32{1, 2, 3}, 1)
	assert.Equal(t, []float32{2, 4, 6}, out)
}

func TestFilter_NormalizesNonUnitA0(t *testing.T) {
	s, err := NewFilterStage("f", []float64{2}, []float64{2})
	require.NoError(t, err)
	// a = [2] normalizes to [1], b = [2] normalizes to [1] -> identity.
	out := process(t, s, []float32{1, 2, 3}, 1)
	assert.Equal(t, []float32{1, 2, 3}, out)
}

func TestFilter_SaveLoadRoundTrip(t *testing.T) {
	s, err := NewFilterStage("f", []float64{0.2, 0.3}, []float64{1, -0.5})
	require.NoError(t, err)
	_ = process(t, s, []float32{1, 2, 3, 4}, 1)

	state := s.EncodeState()
	s2, err := NewFilterStage("f", []float64{0.2, 0.3}, []float64{1, -0.5})
	require.NoError(t, err)
	require.NoError(t, s2.DecodeState(state))

	out1 := process(t, s, []float32{5, 6}, 1)
	out2 := process(t, s2, []float32{5, 6}, 1)
	assert.Equal(t, out1, out2)
}

func TestFilterBank_ChannelExpansion(t *testing.T) {
	s, err := NewFilterBankStage("fb", [][2][]float64{
		{{1}, {1}},
		{{2}, {1}},
	})
	require.NoError(t, err)

	// 1 input channel, 2 bands -> 2 output channels per spec §4.2.6 layout.
	out := process(t, s, []float32{3, 4}, 1)
	assert.Equal(t, []float32{3, 6, 4, 8}, out)
}

func TestFilterBank_RejectsEmptyBands(t *testing.T) {
	_, err := NewFilterBankStage("fb", nil)
	assert.Error(t, err)
}
