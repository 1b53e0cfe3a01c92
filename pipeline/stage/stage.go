package stage

import "context"

// Kind is a stable stage-kind identifier, used verbatim in snapshots
// (spec §6, "stable strings").
type Kind string

// Registered stage kinds, one per spec §6 identifier.
const (
	KindRectify                 Kind = "rectify"
	KindMovingAverage            Kind = "movingAverage"
	KindCumulativeMovingAverage  Kind = "cumulativeMovingAverage"
	KindExponentialMovingAverage Kind = "exponentialMovingAverage"
	KindRms                      Kind = "rms"
	KindMeanAbsoluteValue        Kind = "meanAbsoluteValue"
	KindVariance                 Kind = "variance"
	KindZScoreNormalize          Kind = "zScoreNormalize"
	KindDifferentiator           Kind = "differentiator"
	KindIntegrator               Kind = "integrator"
	KindFilter                   Kind = "filter"
	KindFilterBank               Kind = "filterBank"
	KindConvolution              Kind = "convolution"
	KindInterpolate              Kind = "interpolate"
	KindDecimate                 Kind = "decimate"
	KindResample                 Kind = "resample"
	KindSTFT                     Kind = "stft"
	KindMelSpectrogram           Kind = "melSpectrogram"
	KindMFCC                     Kind = "mfcc"
	KindWaveletTransform         Kind = "waveletTransform"
	KindHilbertEnvelope          Kind = "hilbertEnvelope"
	KindFFT                      Kind = "fft"
	KindPcaTransform             Kind = "pcaTransform"
	KindIcaTransform             Kind = "icaTransform"
	KindWhiteningTransform       Kind = "whiteningTransform"
	KindCspTransform             Kind = "cspTransform"
	KindChannelSelect            Kind = "channelSelect"
	KindChannelMerge             Kind = "channelMerge"
	KindLmsFilter                Kind = "lmsFilter"
	KindRlsFilter                Kind = "rlsFilter"
	KindPeakDetection            Kind = "peakDetection"
	KindClipDetection            Kind = "clipDetection"
	KindSnr                      Kind = "snr"
	KindWaveformLength           Kind = "waveformLength"
	KindWillisonAmplitude        Kind = "willisonAmplitude"
	KindSlopeSignChange          Kind = "slopeSignChange"
	KindLinearRegression         Kind = "linearRegression"
	KindTap                      Kind = "tap"
	KindKalmanFilter             Kind = "kalmanFilter"
	KindTimeAlignment            Kind = "timeAlignment"
	KindAmplify                  Kind = "amplify"
)

// Mode distinguishes streaming ("moving") stages, whose state carries across
// calls, from "batch" stages, which reset state at entry (spec invariants
// 1-2).
type Mode string

const (
	ModeMoving Mode = "moving"
	ModeBatch  Mode = "batch"
)

// Fields is a string-keyed bag of values used both for snapshot parameter
// blocks and state blocks. Values are float64, []float64, int, string or
// bool, or, for per-channel state, nested Fields and []any lists of them.
type Fields map[string]any

// Stage is the contract every stage kind honors (spec §9's required
// operations: process_block, serialize_state, deserialize_state, reset,
// clone-for-rollback).
type Stage interface {
	// Name is the caller-assigned or default instance name.
	Name() string
	// Kind is the stable registered type identifier.
	Kind() Kind
	// Mode reports moving vs batch.
	Mode() Mode

	// ProcessBlock runs this stage over buf, returning the stage's output
	// buffer (same buffer reused in place, or a freshly allocated resized
	// buffer — spec §4.1's StageOutput sum is expressed here simply as the
	// returned Buffer's own Channels/len, the executor does not need to
	// know which case occurred).
	ProcessBlock(ctx context.Context, buf Buffer, opts ProcessOptions) (Buffer, error)

	// Reset clears all per-channel state, preserving parameters (spec
	// "clearState").
	Reset()

	// Params returns the subset of parameters that affect state shape, for
	// snapshot parameter validation at load time (spec §4.3 step 3).
	Params() Fields

	// EncodeState renders the current state as a Fields tree for
	// snapshotting (spec §4.3 "state" block).
	EncodeState() Fields

	// DecodeState installs a previously encoded state, validating derived
	// invariants where cheap (spec §4.3 step 4). Returns a *stage.Error
	// wrapping ErrStateLoad on any mismatch.
	DecodeState(Fields) error

	// CloneState captures a cheap, call-scoped copy of the mutable state
	// for the executor's error-rollback protocol (spec §4.1 "no partial
	// state commit").
	CloneState() any

	// RestoreState installs a value previously returned by CloneState.
	RestoreState(any)
}

// BaseStage provides the common Name/Kind/Mode bookkeeping every stage
// embeds, mirroring the teacher's BaseStage.
type BaseStage struct {
	name string
	kind Kind
	mode Mode
}

// NewBaseStage constructs a BaseStage.
func NewBaseStage(name string, kind Kind, mode Mode) BaseStage {
	return BaseStage{name: name, kind: kind, mode: mode}
}

func (b *BaseStage) Name() string { return b.name }
func (b *BaseStage) Kind() Kind    { return b.kind }
func (b *BaseStage) Mode() Mode    { return b.mode }
