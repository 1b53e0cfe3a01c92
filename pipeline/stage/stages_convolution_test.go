package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario F: Convolution(kernel=[1,-1], mode=batch).
func TestConvolution_ScenarioF_Batch(t *testing.T) {
	s, err := NewConvolutionStage("conv", []float32{1, -1}, ModeBatch, ConvDirect, 0)
	require.NoError(t, err)

	out := process(t, s, []float32{1, 3, 2, 5, 4}, 1)
	assert.Equal(t, []float32{-2, 1, -3, 1}, out)
}

func TestConvolution_BatchAndFFTAgree(t *testing.T) {
	kernel := []float32{1, -1}
	input := []float32{1, 3, 2, 5, 4}

	direct, err := NewConvolutionStage("conv-direct", kernel, ModeBatch, ConvDirect, 0)
	require.NoError(t, err)
	fft, err := NewConvolutionStage("conv-fft", kernel, ModeBatch, ConvFFT, 0)
	require.NoError(t, err)

	outDirect := process(t, direct, append([]float32(nil), input...), 1)
	outFFT := process(t, fft, append([]float32(nil), input...), 1)
	assert.InDeltaSlice(t, outDirect, outFFT, 1e-3)
}

func TestConvolution_Moving_SameFrameCount(t *testing.T) {
	s, err := NewConvolutionStage("conv", []float32{0.5, 0.5}, ModeMoving, ConvDirect, 0)
	require.NoError(t, err)

	out := process(t, s, []float32{2, 4, 6, 8}, 1)
	require.Len(t, out, 4)
	// y0 = 0.5*2 + 0.5*0(hist) = 1
	// y1 = 0.5*4 + 0.5*2 = 3
	// y2 = 0.5*6 + 0.5*4 = 5
	// y3 = 0.5*8 + 0.5*6 = 7
	assert.InDeltaSlice(t, []float32{1, 3, 5, 7}, out, 1e-6)
}

func TestConvolution_RejectsEmptyKernel(t *testing.T) {
	_, err := NewConvolutionStage("conv", nil, ModeBatch, ConvAuto, 0)
	assert.Error(t, err)
}

func TestConvolution_BatchShorterThanKernelYieldsEmpty(t *testing.T) {
	s, err := NewConvolutionStage("conv", []float32{1, 1, 1}, ModeBatch, ConvDirect, 0)
	require.NoError(t, err)

	out := process(t, s, []float32{1, 2}, 1)
	assert.Empty(t, out)
}
