package stage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClipDetection_FlagsSamplesAtOrAboveThreshold(t *testing.T) {
	s, err := NewClipDetectionStage("clip", ModeBatch, 2)
	require.NoError(t, err)

	out := process(t, s, []float32{1, 3, -2.5}, 1)
	assert.Equal(t, []float32{0, 1, 1}, out)
}

func TestClipDetection_RejectsNegativeThreshold(t *testing.T) {
	_, err := NewClipDetectionStage("clip", ModeBatch, -1)
	assert.Error(t, err)
}

// Local maxima at input index 1 (value 3) and index 3 (value 5); the dip
// back to 2 and 1 around them never clears the centered window test.
func TestPeakDetection_FlagsLocalMaximaRespectingWindow(t *testing.T) {
	s, err := NewPeakDetectionStage("peak", ModeMoving, 0, 3, 1, nil)
	require.NoError(t, err)

	out := process(t, s, []float32{1, 3, 2, 5, 1}, 1)
	assert.Equal(t, []float32{0, 1, 0, 1, 0}, out)
}

func TestPeakDetection_RejectsEvenWindowSize(t *testing.T) {
	_, err := NewPeakDetectionStage("peak", ModeMoving, 0, 4, 1, nil)
	assert.Error(t, err)
}

func TestPeakDetection_RejectsMinDistanceBelowOne(t *testing.T) {
	_, err := NewPeakDetectionStage("peak", ModeMoving, 0, 3, 0, nil)
	assert.Error(t, err)
}

func TestPeakDetection_WarnsOnNonDefaultMovingWindow(t *testing.T) {
	var msg string
	_, err := NewPeakDetectionStage("peak", ModeMoving, 0, 5, 1, func(s string) { msg = s })
	require.NoError(t, err)
	assert.NotEmpty(t, msg)
}

func TestPeakDetection_SaveLoadRoundTrip(t *testing.T) {
	s, err := NewPeakDetectionStage("peak", ModeMoving, 0, 3, 1, nil)
	require.NoError(t, err)
	_ = process(t, s, []float32{1, 3, 2}, 1)

	state := s.EncodeState()
	s2, err := NewPeakDetectionStage("peak", ModeMoving, 0, 3, 1, nil)
	require.NoError(t, err)
	require.NoError(t, s2.DecodeState(state))

	out1 := process(t, s, []float32{5, 1}, 1)
	out2 := process(t, s2, []float32{5, 1}, 1)
	assert.Equal(t, out1, out2)
}

// windowSize=1 so each frame's RMS is just the instantaneous magnitude;
// chosen so the ratios are clean powers of ten.
func TestSnr_ComputesWindowedRatioInDecibels(t *testing.T) {
	s, err := NewSnrStage("snr", 1)
	require.NoError(t, err)

	out := process(t, s, []float32{10, 1, 100, 1}, 2)
	require.Len(t, out, 2)
	assert.InDelta(t, 20, out[0], 1e-4)
	assert.InDelta(t, 40, out[1], 1e-4)
}

func TestSnr_RejectsNonTwoChannelInput(t *testing.T) {
	s, err := NewSnrStage("snr", 4)
	require.NoError(t, err)

	_, err = s.ProcessBlock(context.Background(), Buffer{Samples: []float32{1, 2, 3}, Channels: 3}, ProcessOptions{})
	assert.Error(t, err)
}

func TestSnr_RejectsNonPositiveWindowSize(t *testing.T) {
	_, err := NewSnrStage("snr", 0)
	assert.Error(t, err)
}

func TestSnr_SaveLoadRoundTrip(t *testing.T) {
	s, err := NewSnrStage("snr", 3)
	require.NoError(t, err)
	_ = process(t, s, []float32{10, 1, 20, 2}, 2)

	state := s.EncodeState()
	s2, err := NewSnrStage("snr", 3)
	require.NoError(t, err)
	require.NoError(t, s2.DecodeState(state))

	out1 := process(t, s, []float32{30, 3}, 2)
	out2 := process(t, s2, []float32{30, 3}, 2)
	assert.Equal(t, out1, out2)
}

func TestWaveformLength_SumsAbsoluteSuccessiveDifferences(t *testing.T) {
	s, err := NewWaveformLengthStage("wl", 3)
	require.NoError(t, err)

	out := process(t, s, []float32{1, 3, 2, 6}, 1)
	assert.InDeltaSlice(t, []float32{0, 2, 3, 5}, out, 1e-6)
}

func TestWillisonAmplitude_CountsCrossingsAboveThreshold(t *testing.T) {
	s, err := NewWillisonAmplitudeStage("wamp", 3, 1.5)
	require.NoError(t, err)

	out := process(t, s, []float32{1, 3, 2, 6}, 1)
	assert.InDeltaSlice(t, []float32{0, 1, 1, 1}, out, 1e-6)
}

func TestSlopeSignChange_CountsSlopeReversalsInWindow(t *testing.T) {
	s, err := NewSlopeSignChangeStage("ssc", 3)
	require.NoError(t, err)

	out := process(t, s, []float32{1, 3, 2, 6}, 1)
	assert.InDeltaSlice(t, []float32{0, 0, 1, 1}, out, 1e-6)
}

func TestLinearRegression_EmitsLeastSquaresSlopeOverWindow(t *testing.T) {
	s, err := NewLinearRegressionStage("lr", 3)
	require.NoError(t, err)

	out := process(t, s, []float32{1, 3, 2, 6}, 1)
	assert.InDeltaSlice(t, []float32{0, 2, 0.5, 1.5}, out, 1e-4)
}

func TestWindowedFeature_RejectsWindowSizeBelowTwo(t *testing.T) {
	_, err := NewWaveformLengthStage("wl", 1)
	assert.Error(t, err)
}

func TestWindowedFeature_SaveLoadRoundTrip(t *testing.T) {
	s, err := NewWaveformLengthStage("wl", 3)
	require.NoError(t, err)
	_ = process(t, s, []float32{1, 3, 2}, 1)

	state := s.EncodeState()
	s2, err := NewWaveformLengthStage("wl", 3)
	require.NoError(t, err)
	require.NoError(t, s2.DecodeState(state))

	out1 := process(t, s, []float32{6, 1}, 1)
	out2 := process(t, s2, []float32{6, 1}, 1)
	assert.Equal(t, out1, out2)
}

func TestTap_ForwardsBufferUnchangedAndInvokesObserver(t *testing.T) {
	var seen []float32
	s := NewTapStage("tap", func(b Buffer) { seen = b.Samples })

	out := process(t, s, []float32{1, 2, 3}, 1)
	assert.Equal(t, []float32{1, 2, 3}, out)
	assert.Equal(t, []float32{1, 2, 3}, seen)
}

func TestTap_ToleratesNilObserver(t *testing.T) {
	s := NewTapStage("tap", nil)
	out := process(t, s, []float32{1, 2}, 1)
	assert.Equal(t, []float32{1, 2}, out)
}

// A constant measurement stream should converge to itself: the Kalman
// gain settles but the innovation is always zero once tracking begins.
func TestKalmanFilter_TracksConstantMeasurementExactly(t *testing.T) {
	s, err := NewKalmanFilterStage("kf", 1, 1, 1)
	require.NoError(t, err)

	out := process(t, s, []float32{5, 5}, 1)
	assert.InDeltaSlice(t, []float32{5, 5}, out, 1e-6)
}

func TestKalmanFilter_RejectsChannelCountMismatch(t *testing.T) {
	s, err := NewKalmanFilterStage("kf", 2, 1, 1)
	require.NoError(t, err)

	_, err = s.ProcessBlock(context.Background(), Buffer{Samples: []float32{1}, Channels: 1}, ProcessOptions{})
	assert.Error(t, err)
}

func TestKalmanFilter_RejectsNonPositiveNoise(t *testing.T) {
	_, err := NewKalmanFilterStage("kf", 1, 0, 1)
	assert.Error(t, err)
	_, err = NewKalmanFilterStage("kf", 1, 1, 0)
	assert.Error(t, err)
}

func TestKalmanFilter_SaveLoadRoundTrip(t *testing.T) {
	s, err := NewKalmanFilterStage("kf", 1, 0.5, 0.5)
	require.NoError(t, err)
	_ = process(t, s, []float32{3, 4}, 1)

	state := s.EncodeState()
	s2, err := NewKalmanFilterStage("kf", 1, 0.5, 0.5)
	require.NoError(t, err)
	require.NoError(t, s2.DecodeState(state))

	out1 := process(t, s, []float32{5}, 1)
	out2 := process(t, s2, []float32{5}, 1)
	assert.Equal(t, out1, out2)
}

// Timestamps already land exactly on the target grid, so the interpolated
// output must equal the input values unchanged.
func TestTimeAlignment_PassesThroughSamplesAlreadyOnGrid(t *testing.T) {
	s, err := NewTimeAlignmentStage("ta", 1, InterpLinear, GapInterpolate, 2, DriftNone)
	require.NoError(t, err)

	out, err := s.ProcessBlock(context.Background(), Buffer{Samples: []float32{0, 10, 20}, Channels: 1},
		ProcessOptions{SampleRate: 1, Timestamps: []float32{0, 1, 2}})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0, 10, 20}, out.Samples, 1e-6)
}

func TestTimeAlignment_ErrorsOnGapBeyondThresholdUnderGapErrorPolicy(t *testing.T) {
	s, err := NewTimeAlignmentStage("ta", 1, InterpLinear, GapError, 2, DriftNone)
	require.NoError(t, err)

	_, err = s.ProcessBlock(context.Background(), Buffer{Samples: []float32{1, 2}, Channels: 1},
		ProcessOptions{SampleRate: 1, Timestamps: []float32{0, 5}})
	assert.ErrorIs(t, err, ErrGapPolicy)
}

func TestTimeAlignment_RejectsMismatchedTimestampCount(t *testing.T) {
	s, err := NewTimeAlignmentStage("ta", 1, InterpLinear, GapInterpolate, 2, DriftNone)
	require.NoError(t, err)

	_, err = s.ProcessBlock(context.Background(), Buffer{Samples: []float32{1, 2, 3}, Channels: 1},
		ProcessOptions{SampleRate: 1, Timestamps: []float32{0, 1}})
	assert.Error(t, err)
}

func TestTimeAlignment_RejectsNonPositiveTargetSampleRate(t *testing.T) {
	_, err := NewTimeAlignmentStage("ta", 0, InterpLinear, GapInterpolate, 2, DriftNone)
	assert.Error(t, err)
}

func TestTimeAlignment_RejectsUnimplementedInterpolationMethods(t *testing.T) {
	_, err := NewTimeAlignmentStage("ta", 1, InterpCubic, GapInterpolate, 2, DriftNone)
	assert.Error(t, err)
	_, err = NewTimeAlignmentStage("ta", 1, InterpSinc, GapInterpolate, 2, DriftNone)
	assert.Error(t, err)
}

func TestTimeAlignment_SaveLoadRoundTrip(t *testing.T) {
	s, err := NewTimeAlignmentStage("ta", 1, InterpLinear, GapInterpolate, 2, DriftNone)
	require.NoError(t, err)
	_, err = s.ProcessBlock(context.Background(), Buffer{Samples: []float32{0, 10}, Channels: 1},
		ProcessOptions{SampleRate: 1, Timestamps: []float32{0, 1}})
	require.NoError(t, err)

	state := s.EncodeState()
	s2, err := NewTimeAlignmentStage("ta", 1, InterpLinear, GapInterpolate, 2, DriftNone)
	require.NoError(t, err)
	require.NoError(t, s2.DecodeState(state))

	out1, err := s.ProcessBlock(context.Background(), Buffer{Samples: []float32{20}, Channels: 1},
		ProcessOptions{SampleRate: 1, Timestamps: []float32{2}})
	require.NoError(t, err)
	out2, err := s2.ProcessBlock(context.Background(), Buffer{Samples: []float32{20}, Channels: 1},
		ProcessOptions{SampleRate: 1, Timestamps: []float32{2}})
	require.NoError(t, err)
	assert.InDeltaSlice(t, out1.Samples, out2.Samples, 1e-6)
}
