package stage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func process(t *testing.T, s Stage, samples []float32, channels int) []float32 {
	t.Helper()
	out, err := s.ProcessBlock(context.Background(), Buffer{Samples: samples, Channels: channels}, ProcessOptions{SampleRate: 1000})
	require.NoError(t, err)
	return out.Samples
}

// Scenario A: MovingAverage(windowSize=3), single channel.
func TestMovingAverage_ScenarioA(t *testing.T) {
	s, err := NewMovingAverageStage("ma", ModeMoving, 3, 0)
	require.NoError(t, err)

	out := process(t, s, []float32{1, 2, 3, 4, 5}, 1)
	assert.InDeltaSlice(t, []float32{1, 1.5, 2, 3, 4}, out, 1e-6)
}

// Scenario C: Rms(windowSize=3).
func TestRms_ScenarioC(t *testing.T) {
	s, err := NewRmsStage("rms", ModeMoving, 3, 0)
	require.NoError(t, err)

	out := process(t, s, []float32{3, 4, 0, 6, 8}, 1)
	want := []float32{3, 3.5355339, 2.8867513, 4.1633320, 5.7735027}
	assert.InDeltaSlice(t, want, out, 1e-4)
}

// Scenario D: Variance(batch) broadcasts the population variance.
func TestVariance_ScenarioD_Batch(t *testing.T) {
	s, err := NewVarianceStage("var", ModeBatch, 0, 0)
	require.NoError(t, err)

	out := process(t, s, []float32{1, 2, 3, 4, 5}, 1)
	assert.InDeltaSlice(t, []float32{2, 2, 2, 2, 2}, out, 1e-6)
}

func TestMeanAbsoluteValue_Moving(t *testing.T) {
	s, err := NewMeanAbsoluteValueStage("mav", ModeMoving, 2, 0)
	require.NoError(t, err)

	out := process(t, s, []float32{-2, 4, -6}, 1)
	// n1: |{-2}| -> 2
	// n2: |{-2,4}| -> (2+4)/2 = 3
	// n3: window evicts -2: |{4,-6}| -> (4+6)/2 = 5
	assert.InDeltaSlice(t, []float32{2, 3, 5}, out, 1e-6)
}

// Every Rectify(full)/Rms/MeanAbsoluteValue/Variance output sample must be
// non-negative (spec §8 universal invariant 4).
func TestNonNegativeInvariant(t *testing.T) {
	input := []float32{-5, 3, -1, 0, 7, -9}

	rect, err := NewRectifyStage("r", RectifyFull)
	require.NoError(t, err)
	for _, v := range process(t, rect, append([]float32(nil), input...), 1) {
		assert.GreaterOrEqual(t, v, float32(0))
	}

	rms, err := NewRmsStage("rms", ModeMoving, 3, 0)
	require.NoError(t, err)
	for _, v := range process(t, rms, append([]float32(nil), input...), 1) {
		assert.GreaterOrEqual(t, v, float32(0))
	}

	mav, err := NewMeanAbsoluteValueStage("mav", ModeMoving, 3, 0)
	require.NoError(t, err)
	for _, v := range process(t, mav, append([]float32(nil), input...), 1) {
		assert.GreaterOrEqual(t, v, float32(0))
	}

	variance, err := NewVarianceStage("var", ModeMoving, 3, 0)
	require.NoError(t, err)
	for _, v := range process(t, variance, append([]float32(nil), input...), 1) {
		assert.GreaterOrEqual(t, v, float32(0))
	}
}

// Moving-mode streaming invariant (spec §8 property 1): process(A++B) ==
// concat(process(A), process(B)) on a fresh pipeline.
func TestMovingAverage_StreamingSplitInvariant(t *testing.T) {
	full := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	a, b := full[:3], full[3:]

	whole, err := NewMovingAverageStage("ma", ModeMoving, 4, 0)
	require.NoError(t, err)
	wantOut := process(t, whole, append([]float32(nil), full...), 1)

	split, err := NewMovingAverageStage("ma", ModeMoving, 4, 0)
	require.NoError(t, err)
	outA := process(t, split, append([]float32(nil), a...), 1)
	outB := process(t, split, append([]float32(nil), b...), 1)
	gotOut := append(append([]float32(nil), outA...), outB...)

	assert.InDeltaSlice(t, wantOut, gotOut, 1e-6)
}

// clearState followed by reprocessing must match a fresh stage (spec §8
// property 3).
func TestMovingAverage_ClearStateMatchesFresh(t *testing.T) {
	input := []float32{1, 2, 3, 4, 5}

	s, err := NewMovingAverageStage("ma", ModeMoving, 3, 0)
	require.NoError(t, err)
	_ = process(t, s, []float32{9, 9, 9}, 1)
	s.Reset()
	afterClear := process(t, s, append([]float32(nil), input...), 1)

	fresh, err := NewMovingAverageStage("ma", ModeMoving, 3, 0)
	require.NoError(t, err)
	freshOut := process(t, fresh, append([]float32(nil), input...), 1)

	assert.InDeltaSlice(t, freshOut, afterClear, 1e-6)
}

func TestExponentialMovingAverage_ScenarioB(t *testing.T) {
	s, err := NewExponentialMovingAverageStage("ema", 0.5, ModeMoving)
	require.NoError(t, err)

	out := process(t, s, []float32{1, 2, 3, 4, 5}, 1)
	assert.InDeltaSlice(t, []float32{1, 1.5, 2.25, 3.125, 4.0625}, out, 1e-6)
}

func TestExponentialMovingAverage_InvalidAlpha(t *testing.T) {
	_, err := NewExponentialMovingAverageStage("ema", 0, ModeMoving)
	assert.Error(t, err)
	_, err = NewExponentialMovingAverageStage("ema", 1.5, ModeMoving)
	assert.Error(t, err)
}

func TestCumulativeMovingAverage_ScenarioH(t *testing.T) {
	s := NewCumulativeMovingAverageStage("cma", ModeMoving)

	out1 := process(t, s, []float32{10, 20, 30, 40, 50}, 1)
	assert.InDeltaSlice(t, []float32{10, 15, 20, 25, 30}, out1, 1e-6)

	out2 := process(t, s, []float32{60}, 1)
	assert.InDeltaSlice(t, []float32{35}, out2, 1e-6)
}

func TestWindowedStat_SaveLoadRoundTrip(t *testing.T) {
	s, err := NewRmsStage("rms", ModeMoving, 3, 0)
	require.NoError(t, err)
	_ = process(t, s, []float32{3, 4, 0}, 1)

	state := s.EncodeState()

	s2, err := NewRmsStage("rms", ModeMoving, 3, 0)
	require.NoError(t, err)
	require.NoError(t, s2.DecodeState(state))

	out1 := process(t, s, []float32{6, 8}, 1)
	out2 := process(t, s2, []float32{6, 8}, 1)
	assert.Equal(t, out1, out2)
}

func TestWindowedStat_LoadValidation_RejectsTamperedSum(t *testing.T) {
	s, err := NewRmsStage("rms", ModeMoving, 3, 0)
	require.NoError(t, err)
	_ = process(t, s, []float32{3, 4, 0}, 1)
	state := s.EncodeState()

	channels := state["channels"].([]any)
	ch0 := channels[0].(Fields)
	ch0["runningSum"] = ch0["runningSum"].(float64) + 1000

	s2, err := NewRmsStage("rms", ModeMoving, 3, 0)
	require.NoError(t, err)
	err = s2.DecodeState(state)
	assert.Error(t, err)
	assert.ErrorIs(t, err, ErrStateLoad)
}
