package pipeline

import (
	"github.com/A-KGeorge/dspx-sub002/dsp"
	"github.com/A-KGeorge/dspx-sub002/pipeline/stage"
)

// Builder accumulates stages fluently and yields a Pipeline, mirroring the
// teacher's PipelineBuilder (Chain/Connect/Branch/Build). The first
// constructor error encountered is latched and returned from Build,
// letting callers chain appenders without checking each one.
type Builder struct {
	pipeline *Pipeline
	err      error
}

// NewBuilder starts a new Builder with the given pipeline configuration.
func NewBuilder(cfg Config) *Builder {
	return &Builder{pipeline: New(cfg)}
}

// Append adds a pre-constructed stage, or latches its construction error.
func (b *Builder) Append(s stage.Stage, err error) *Builder {
	if b.err != nil {
		return b
	}
	if err != nil {
		b.err = err
		return b
	}
	if appendErr := b.pipeline.Append(s); appendErr != nil {
		b.err = appendErr
	}
	return b
}

// Build finalizes the pipeline, returning the first latched error (if any).
func (b *Builder) Build() (*Pipeline, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.pipeline, nil
}

// The following fluent appenders cover spec §6's stage-kind catalog. Each
// wraps the matching stage constructor and returns the Builder so
// `NewBuilder(cfg).Rectify(...).MovingAverage(...).Build()` reads as a
// single declarative composition.

func (b *Builder) Rectify(name string, mode stage.RectifyMode) *Builder {
	s, err := stage.NewRectifyStage(name, mode)
	return b.Append(s, err)
}

func (b *Builder) Amplify(name string, gain float64) *Builder {
	return b.Append(stage.NewAmplifyStage(name, gain), nil)
}

func (b *Builder) MovingAverage(name string, mode stage.Mode, windowSize int, windowDuration float64) *Builder {
	s, err := stage.NewMovingAverageStage(name, mode, windowSize, windowDuration)
	return b.Append(s, err)
}

func (b *Builder) Rms(name string, mode stage.Mode, windowSize int, windowDuration float64) *Builder {
	s, err := stage.NewRmsStage(name, mode, windowSize, windowDuration)
	return b.Append(s, err)
}

func (b *Builder) MeanAbsoluteValue(name string, mode stage.Mode, windowSize int, windowDuration float64) *Builder {
	s, err := stage.NewMeanAbsoluteValueStage(name, mode, windowSize, windowDuration)
	return b.Append(s, err)
}

func (b *Builder) Variance(name string, mode stage.Mode, windowSize int, windowDuration float64) *Builder {
	s, err := stage.NewVarianceStage(name, mode, windowSize, windowDuration)
	return b.Append(s, err)
}

func (b *Builder) CumulativeMovingAverage(name string, mode stage.Mode) *Builder {
	return b.Append(stage.NewCumulativeMovingAverageStage(name, mode), nil)
}

func (b *Builder) ExponentialMovingAverage(name string, alpha float64, mode stage.Mode) *Builder {
	s, err := stage.NewExponentialMovingAverageStage(name, alpha, mode)
	return b.Append(s, err)
}

func (b *Builder) ZScoreNormalize(name string, mode stage.Mode, windowSize int, windowDuration float64) *Builder {
	s, err := stage.NewZScoreNormalizeStage(name, mode, windowSize, windowDuration)
	return b.Append(s, err)
}

func (b *Builder) Differentiator(name string) *Builder {
	return b.Append(stage.NewDifferentiatorStage(name), nil)
}

func (b *Builder) Integrator(name string, alpha float64) *Builder {
	s, err := stage.NewIntegratorStage(name, alpha)
	return b.Append(s, err)
}

func (b *Builder) Filter(name string, num, den []float64) *Builder {
	s, err := stage.NewFilterStage(name, num, den)
	return b.Append(s, err)
}

func (b *Builder) FilterBank(name string, bands [][2][]float64) *Builder {
	s, err := stage.NewFilterBankStage(name, bands)
	return b.Append(s, err)
}

func (b *Builder) Convolution(name string, kernel []float32, mode stage.Mode, method stage.ConvolutionMethod, autoThreshold int) *Builder {
	s, err := stage.NewConvolutionStage(name, kernel, mode, method, autoThreshold)
	return b.Append(s, err)
}

func (b *Builder) Interpolate(name string, factor, order int) *Builder {
	s, err := stage.NewInterpolateStage(name, factor, order)
	return b.Append(s, err)
}

func (b *Builder) Decimate(name string, factor, order int) *Builder {
	s, err := stage.NewDecimateStage(name, factor, order)
	return b.Append(s, err)
}

func (b *Builder) Resample(name string, upFactor, downFactor, order int) *Builder {
	s, err := stage.NewResampleStage(name, upFactor, downFactor, order)
	return b.Append(s, err)
}

func (b *Builder) STFT(name string, windowSize, hopSize int, output stage.STFTOutput, method stage.SpectralMethod, window dsp.WindowKind) *Builder {
	s, err := stage.NewSTFTStage(name, windowSize, hopSize, output, method, window)
	return b.Append(s, err)
}

func (b *Builder) MelSpectrogram(name string, numBins, numMelBands int, matrix []float64) *Builder {
	s, err := stage.NewMelSpectrogramStage(name, numBins, numMelBands, matrix)
	return b.Append(s, err)
}

func (b *Builder) MFCC(name string, numMelBands, numCoefficients int, applyLog bool, lifterCoeff float64) *Builder {
	s, err := stage.NewMFCCStage(name, numMelBands, numCoefficients, applyLog, lifterCoeff)
	return b.Append(s, err)
}

func (b *Builder) WaveletTransform(name, wavelet string) *Builder {
	s, err := stage.NewWaveletTransformStage(name, wavelet)
	return b.Append(s, err)
}

func (b *Builder) HilbertEnvelope(name string, windowSize int) *Builder {
	s, err := stage.NewHilbertEnvelopeStage(name, windowSize)
	return b.Append(s, err)
}

func (b *Builder) FFT(name string, windowSize int) *Builder {
	s, err := stage.NewFFTStage(name, windowSize)
	return b.Append(s, err)
}

func (b *Builder) PcaTransform(name string, components []float64, numChannels, numComponents int, mean []float64) *Builder {
	s, err := stage.NewPcaTransformStage(name, components, numChannels, numComponents, mean)
	return b.Append(s, err)
}

func (b *Builder) IcaTransform(name string, unmixing []float64, numChannels, numComponents int, mean []float64) *Builder {
	s, err := stage.NewIcaTransformStage(name, unmixing, numChannels, numComponents, mean)
	return b.Append(s, err)
}

func (b *Builder) WhiteningTransform(name string, matrix []float64, numChannels int, mean []float64) *Builder {
	s, err := stage.NewWhiteningTransformStage(name, matrix, numChannels, mean)
	return b.Append(s, err)
}

func (b *Builder) CspTransform(name string, filters []float64, numChannels, numComponents int, mean []float64) *Builder {
	s, err := stage.NewCspTransformStage(name, filters, numChannels, numComponents, mean)
	return b.Append(s, err)
}

func (b *Builder) ChannelSelect(name string, mapping []int, numInputChannels int) *Builder {
	s, err := stage.NewChannelSelectStage(name, mapping, numInputChannels)
	return b.Append(s, err)
}

func (b *Builder) ChannelMerge(name string, groups [][]int, method stage.ChannelMergeMethod, numInputChannels int) *Builder {
	s, err := stage.NewChannelMergeStage(name, groups, method, numInputChannels)
	return b.Append(s, err)
}

func (b *Builder) LmsFilter(name string, numTaps int, stepSize, leakage float64) *Builder {
	s, err := stage.NewLmsFilterStage(name, numTaps, stepSize, leakage)
	return b.Append(s, err)
}

func (b *Builder) RlsFilter(name string, numTaps int, forgetting, initP float64) *Builder {
	s, err := stage.NewRlsFilterStage(name, numTaps, forgetting, initP)
	return b.Append(s, err)
}

func (b *Builder) PeakDetection(name string, mode stage.Mode, threshold float64, windowSize, minPeakDistance int, warn func(string)) *Builder {
	s, err := stage.NewPeakDetectionStage(name, mode, threshold, windowSize, minPeakDistance, warn)
	return b.Append(s, err)
}

func (b *Builder) ClipDetection(name string, mode stage.Mode, threshold float64) *Builder {
	s, err := stage.NewClipDetectionStage(name, mode, threshold)
	return b.Append(s, err)
}

func (b *Builder) Snr(name string, windowSize int) *Builder {
	s, err := stage.NewSnrStage(name, windowSize)
	return b.Append(s, err)
}

func (b *Builder) WaveformLength(name string, windowSize int) *Builder {
	s, err := stage.NewWaveformLengthStage(name, windowSize)
	return b.Append(s, err)
}

func (b *Builder) WillisonAmplitude(name string, windowSize int, threshold float64) *Builder {
	s, err := stage.NewWillisonAmplitudeStage(name, windowSize, threshold)
	return b.Append(s, err)
}

func (b *Builder) SlopeSignChange(name string, windowSize int) *Builder {
	s, err := stage.NewSlopeSignChangeStage(name, windowSize)
	return b.Append(s, err)
}

func (b *Builder) LinearRegression(name string, windowSize int) *Builder {
	s, err := stage.NewLinearRegressionStage(name, windowSize)
	return b.Append(s, err)
}

func (b *Builder) Tap(name string, observe func(stage.Buffer)) *Builder {
	return b.Append(stage.NewTapStage(name, observe), nil)
}

func (b *Builder) KalmanFilter(name string, dimensions int, processNoise, measurementNoise float64) *Builder {
	s, err := stage.NewKalmanFilterStage(name, dimensions, processNoise, measurementNoise)
	return b.Append(s, err)
}

func (b *Builder) TimeAlignment(name string, targetSampleRate float64, method stage.InterpolationMethod, gapPolicy stage.GapPolicy, gapThreshold float64, drift stage.DriftCompensation) *Builder {
	s, err := stage.NewTimeAlignmentStage(name, targetSampleRate, method, gapPolicy, gapThreshold, drift)
	return b.Append(s, err)
}
