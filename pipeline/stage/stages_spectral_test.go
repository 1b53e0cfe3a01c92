package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/A-KGeorge/dspx-sub002/dsp"
)

func TestFFT_ConstantSignalOnlyHasDCBin(t *testing.T) {
	s, err := NewFFTStage("fft", 4)
	require.NoError(t, err)

	out := process(t, s, []float32{1, 1, 1, 1}, 1)
	require.Len(t, out, 6) // (windowSize/2+1)*2 complex pairs
	want := []float32{4, 0, 0, 0, 0, 0}
	assert.InDeltaSlice(t, want, out, 1e-4)
}

func TestSTFT_BuffersUntilFullWindow(t *testing.T) {
	s, err := NewSTFTStage("stft", 4, 4, STFTMagnitude, SpectralAuto, dsp.WindowNone)
	require.NoError(t, err)

	out1 := process(t, s, []float32{1, 2}, 1)
	assert.Empty(t, out1)

	out2 := process(t, s, []float32{3, 4}, 1)
	require.Len(t, out2, 3) // windowSize/2+1 bins, one frame
}

func TestMelSpectrogram_IdentityMatrixPassesThroughBins(t *testing.T) {
	s, err := NewMelSpectrogramStage("mel", 2, 2, []float64{1, 0, 0, 1})
	require.NoError(t, err)

	out := process(t, s, []float32{3, 5}, 1)
	assert.InDeltaSlice(t, []float32{3, 5}, out, 1e-6)
}

func TestMelSpectrogram_RejectsMismatchedMatrixLength(t *testing.T) {
	_, err := NewMelSpectrogramStage("mel", 2, 2, []float64{1, 0, 0})
	assert.Error(t, err)
}

func TestMFCC_ConstantMelRowYieldsOnlyDCCoefficient(t *testing.T) {
	s, err := NewMFCCStage("mfcc", 4, 2, false, 0)
	require.NoError(t, err)

	out := process(t, s, []float32{2, 2, 2, 2}, 1)
	require.Len(t, out, 2)
	assert.InDelta(t, 8, out[0], 1e-4)
	assert.InDelta(t, 0, out[1], 1e-3)
}

func TestMFCC_RejectsTooManyCoefficients(t *testing.T) {
	_, err := NewMFCCStage("mfcc", 4, 5, false, 0)
	assert.Error(t, err)
}

func TestWaveletTransform_OutputsApproxAndDetailPerWindow(t *testing.T) {
	s, err := NewWaveletTransformStage("wav", "db4")
	require.NoError(t, err)

	out := process(t, s, []float32{1, 2, 3, 4}, 1)
	assert.Len(t, out, 2)
}

func TestWaveletTransform_RejectsUnknownWavelet(t *testing.T) {
	_, err := NewWaveletTransformStage("wav", "haar")
	assert.Error(t, err)
}

func TestHilbertEnvelope_OutputLengthMatchesInputAndNonNegative(t *testing.T) {
	s, err := NewHilbertEnvelopeStage("hilb", 4)
	require.NoError(t, err)

	out := process(t, s, []float32{1, -3, 2, -5, 4}, 1)
	require.Len(t, out, 5)
	for _, v := range out {
		assert.GreaterOrEqual(t, v, float32(0))
	}
}

func TestHilbertEnvelope_RejectsTooSmallWindow(t *testing.T) {
	_, err := NewHilbertEnvelopeStage("hilb", 2)
	assert.Error(t, err)
}
