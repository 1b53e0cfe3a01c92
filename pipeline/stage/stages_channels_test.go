package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario E: ChannelSelect(mapping=[1,0], numInputChannels=2).
func TestChannelSelect_ScenarioE(t *testing.T) {
	s, err := NewChannelSelectStage("cs", []int{1, 0}, 2)
	require.NoError(t, err)

	out := process(t, s, []float32{1, 2, 3, 4, 5, 6}, 2)
	assert.Equal(t, []float32{2, 1, 4, 3, 6, 5}, out)
}

func TestChannelSelect_IdentityMapping(t *testing.T) {
	s, err := NewChannelSelectStage("cs", []int{0, 1, 2}, 3)
	require.NoError(t, err)

	in := []float32{1, 2, 3, 4, 5, 6}
	out := process(t, s, append([]float32(nil), in...), 3)
	assert.Equal(t, in, out)
}

func TestChannelSelect_RejectsOutOfRangeIndex(t *testing.T) {
	_, err := NewChannelSelectStage("cs", []int{0, 5}, 2)
	assert.Error(t, err)
}

func TestChannelSelect_RejectsEmptyMapping(t *testing.T) {
	_, err := NewChannelSelectStage("cs", nil, 2)
	assert.Error(t, err)
}

func TestChannelMerge_AverageGroups(t *testing.T) {
	s, err := NewChannelMergeStage("cm", [][]int{{0, 1}}, MergeAverage, 2)
	require.NoError(t, err)

	out := process(t, s, []float32{2, 4, 6, 8}, 2)
	assert.InDeltaSlice(t, []float32{3, 7}, out, 1e-6)
}

func TestChannelMerge_SumGroups(t *testing.T) {
	s, err := NewChannelMergeStage("cm", [][]int{{0, 1}}, MergeSum, 2)
	require.NoError(t, err)

	out := process(t, s, []float32{2, 4}, 2)
	assert.InDeltaSlice(t, []float32{6}, out, 1e-6)
}

func TestChannelMerge_ParamsReportsGroupLayout(t *testing.T) {
	s, err := NewChannelMergeStage("cm", [][]int{{0, 1}, {2, 3}}, MergeAverage, 4)
	require.NoError(t, err)

	params := s.Params()
	groups, ok := params["groups"].([]any)
	require.True(t, ok)
	require.Len(t, groups, 2)
	assert.Equal(t, []float64{0, 1}, groups[0])
	assert.Equal(t, []float64{2, 3}, groups[1])
}
