package stage

import (
	"context"
	"fmt"
	"math"

	"github.com/A-KGeorge/dspx-sub002/dsp"
)

// STFTOutput selects what an STFT frame emits per bin (spec §4.2.8).
type STFTOutput string

const (
	STFTMagnitude STFTOutput = "magnitude"
	STFTPower     STFTOutput = "power"
	STFTPhase     STFTOutput = "phase"
	STFTComplex   STFTOutput = "complex"
)

// SpectralMethod selects the transform kernel.
type SpectralMethod string

const (
	SpectralAuto SpectralMethod = "auto"
	SpectralFFT  SpectralMethod = "fft"
	SpectralDFT  SpectralMethod = "dft"
)

// All spectral stages share one streaming convention: every emitted
// analysis frame occupies `binsPerFrame` consecutive rows of the output
// Buffer (where a "row" is one slot across all channels, i.e. one unit of
// Buffer.Frames()), and successive analysis frames are concatenated along
// that axis. MelSpectrogram/MFCC downstream read windows of their
// predecessor's binsPerFrame as one analysis frame's worth of input.

// STFTStage implements spec §4.2.8: buffers input until a full window is
// available, then emits one output frame (of windowSize/2+1 bins) per hop.
type STFTStage struct {
	BaseStage
	windowSize int
	hopSize    int
	output     STFTOutput
	method     SpectralMethod
	windowKind dsp.WindowKind
	window     []float32

	channels int
	pending  [][]float32 // per-channel leftover samples awaiting a full window
}

// NewSTFTStage constructs an STFT stage.
func NewSTFTStage(name string, windowSize, hopSize int, output STFTOutput, method SpectralMethod, windowKind dsp.WindowKind) (*STFTStage, error) {
	if windowSize <= 0 {
		return nil, NewError(name, KindSTFT, ErrorKindParameter, fmt.Errorf("%w: windowSize must be positive", ErrParameter))
	}
	if hopSize <= 0 {
		hopSize = windowSize / 2
		if hopSize < 1 {
			hopSize = 1
		}
	}
	if hopSize > windowSize {
		return nil, NewError(name, KindSTFT, ErrorKindParameter, fmt.Errorf("%w: hopSize must be <= windowSize", ErrParameter))
	}
	if output == "" {
		output = STFTMagnitude
	}
	if method == "" {
		method = SpectralAuto
	}
	if windowKind == "" {
		windowKind = dsp.WindowHann
	}
	if method == SpectralFFT && !dsp.IsPowerOfTwo(windowSize) {
		return nil, NewError(name, KindSTFT, ErrorKindParameter, fmt.Errorf("%w: fft method requires a power-of-two windowSize", ErrParameter))
	}
	return &STFTStage{
		BaseStage:  NewBaseStage(name, KindSTFT, ModeMoving),
		windowSize: windowSize,
		hopSize:    hopSize,
		output:     output,
		method:     method,
		windowKind: windowKind,
		window:     dsp.Window(windowKind, windowSize),
	}, nil
}

func (s *STFTStage) usesFFT() bool {
	if s.method == SpectralFFT {
		return true
	}
	if s.method == SpectralDFT {
		return false
	}
	return dsp.IsPowerOfTwo(s.windowSize)
}

func (s *STFTStage) binsPerFrame() int {
	numBins := s.windowSize/2 + 1
	if s.output == STFTComplex {
		return 2 * numBins
	}
	return numBins
}

func (s *STFTStage) ensure(channels int) {
	if s.channels == channels && len(s.pending) == channels {
		return
	}
	s.channels = channels
	s.pending = make([][]float32, channels)
}

func (s *STFTStage) analyze(frame []float32) []float32 {
	windowed := make([]float32, len(frame))
	dsp.ApplyWindow(windowed, frame, s.window)
	spectrum := dsp.RealSpectrum(windowed, s.usesFFT())
	out := make([]float32, s.binsPerFrame())
	switch s.output {
	case STFTPower:
		for i, c := range spectrum {
			m := dsp.Magnitude(c)
			out[i] = float32(m * m)
		}
	case STFTPhase:
		for i, c := range spectrum {
			out[i] = float32(dsp.Phase(c))
		}
	case STFTComplex:
		for i, c := range spectrum {
			out[2*i] = float32(c.Re)
			out[2*i+1] = float32(c.Im)
		}
	default: // magnitude
		for i, c := range spectrum {
			out[i] = float32(dsp.Magnitude(c))
		}
	}
	return out
}

func (s *STFTStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	frames, channels := buf.Frames(), buf.Channels
	s.ensure(channels)

	perChannelFrames := make([][]float32, channels)
	maxFramesOut := 0
	for c := 0; c < channels; c++ {
		buf2 := append(s.pending[c], make([]float32, frames)...)
		for f := 0; f < frames; f++ {
			buf2[len(s.pending[c])+f] = buf.Samples[f*channels+c]
		}
		var framesOut [][]float32
		pos := 0
		for pos+s.windowSize <= len(buf2) {
			framesOut = append(framesOut, s.analyze(buf2[pos:pos+s.windowSize]))
			pos += s.hopSize
		}
		s.pending[c] = append([]float32(nil), buf2[pos:]...)

		flat := make([]float32, 0, len(framesOut)*s.binsPerFrame())
		for _, fr := range framesOut {
			flat = append(flat, fr...)
		}
		perChannelFrames[c] = flat
		if nf := len(framesOut); nf > maxFramesOut {
			maxFramesOut = nf
		}
	}

	outRows := maxFramesOut * s.binsPerFrame()
	out := NewBuffer(outRows, channels)
	for c := 0; c < channels; c++ {
		for r := 0; r < len(perChannelFrames[c]); r++ {
			out.Samples[r*channels+c] = perChannelFrames[c][r]
		}
	}
	return out, nil
}

func (s *STFTStage) Reset() {
	for c := range s.pending {
		s.pending[c] = nil
	}
}

func (s *STFTStage) Params() Fields {
	return Fields{
		"windowSize": float64(s.windowSize),
		"hopSize":    float64(s.hopSize),
		"output":     string(s.output),
	}
}

func (s *STFTStage) EncodeState() Fields {
	chans := make([]any, len(s.pending))
	for i, p := range s.pending {
		chans[i] = Fields{"pending": float64Slice(p)}
	}
	return Fields{"channels": chans}
}

func (s *STFTStage) DecodeState(f Fields) error {
	raw, ok := f["channels"].([]any)
	if !ok {
		return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: missing stft channel state", ErrStateLoad))
	}
	s.channels = len(raw)
	s.pending = make([][]float32, len(raw))
	for i, r := range raw {
		cf, ok := r.(Fields)
		if !ok {
			return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: malformed stft channel state", ErrStateLoad))
		}
		p, _ := cf["pending"].([]float64)
		s.pending[i] = float32Slice(p)
	}
	return nil
}

func (s *STFTStage) CloneState() any {
	out := make([][]float32, len(s.pending))
	for i, p := range s.pending {
		out[i] = append([]float32(nil), p...)
	}
	return out
}

func (s *STFTStage) RestoreState(v any) {
	if pending, ok := v.([][]float32); ok {
		s.pending = pending
	}
}

// MelSpectrogramStage consumes analysis frames of numBins magnitudes and
// applies a precomputed mel filterbank matrix (numMelBands x numBins,
// row-major) to emit numMelBands values per frame (spec §4.2.8).
type MelSpectrogramStage struct {
	BaseStage
	numBins     int
	numMelBands int
	matrix      []float64 // row-major numMelBands x numBins

	channels int
	pending  [][]float32
}

// NewMelSpectrogramStage constructs a MelSpectrogram stage.
func NewMelSpectrogramStage(name string, numBins, numMelBands int, matrix []float64) (*MelSpectrogramStage, error) {
	if numBins <= 0 || numMelBands <= 0 {
		return nil, NewError(name, KindMelSpectrogram, ErrorKindParameter, fmt.Errorf("%w: numBins and numMelBands must be positive", ErrParameter))
	}
	if len(matrix) != numBins*numMelBands {
		return nil, NewError(name, KindMelSpectrogram, ErrorKindParameter, fmt.Errorf("%w: mel matrix length %d != numBins*numMelBands (%d)", ErrParameter, len(matrix), numBins*numMelBands))
	}
	return &MelSpectrogramStage{
		BaseStage:   NewBaseStage(name, KindMelSpectrogram, ModeMoving),
		numBins:     numBins,
		numMelBands: numMelBands,
		matrix:      append([]float64(nil), matrix...),
	}, nil
}

func (s *MelSpectrogramStage) ensure(channels int) {
	if s.channels == channels && len(s.pending) == channels {
		return
	}
	s.channels = channels
	s.pending = make([][]float32, channels)
}

func (s *MelSpectrogramStage) apply(binRow []float32) []float32 {
	out := make([]float32, s.numMelBands)
	for mb := 0; mb < s.numMelBands; mb++ {
		var acc float64
		base := mb * s.numBins
		for b := 0; b < s.numBins; b++ {
			acc += s.matrix[base+b] * float64(binRow[b])
		}
		out[mb] = float32(acc)
	}
	return out
}

func (s *MelSpectrogramStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	frames, channels := buf.Frames(), buf.Channels
	s.ensure(channels)

	perChannel := make([][]float32, channels)
	maxOut := 0
	for c := 0; c < channels; c++ {
		acc := append(s.pending[c], make([]float32, frames)...)
		for f := 0; f < frames; f++ {
			acc[len(s.pending[c])+f] = buf.Samples[f*channels+c]
		}
		var out []float32
		pos := 0
		for pos+s.numBins <= len(acc) {
			out = append(out, s.apply(acc[pos:pos+s.numBins])...)
			pos += s.numBins
		}
		s.pending[c] = append([]float32(nil), acc[pos:]...)
		perChannel[c] = out
		if len(out) > maxOut {
			maxOut = len(out)
		}
	}

	out := NewBuffer(maxOut, channels)
	for c := 0; c < channels; c++ {
		for r := 0; r < len(perChannel[c]); r++ {
			out.Samples[r*channels+c] = perChannel[c][r]
		}
	}
	return out, nil
}

func (s *MelSpectrogramStage) Reset() {
	for c := range s.pending {
		s.pending[c] = nil
	}
}
func (s *MelSpectrogramStage) Params() Fields {
	return Fields{"numBins": float64(s.numBins), "numMelBands": float64(s.numMelBands)}
}
func (s *MelSpectrogramStage) EncodeState() Fields {
	chans := make([]any, len(s.pending))
	for i, p := range s.pending {
		chans[i] = Fields{"pending": float64Slice(p)}
	}
	return Fields{"channels": chans}
}
func (s *MelSpectrogramStage) DecodeState(f Fields) error {
	raw, ok := f["channels"].([]any)
	if !ok {
		return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: missing mel channel state", ErrStateLoad))
	}
	s.channels = len(raw)
	s.pending = make([][]float32, len(raw))
	for i, r := range raw {
		cf, _ := r.(Fields)
		p, _ := cf["pending"].([]float64)
		s.pending[i] = float32Slice(p)
	}
	return nil
}
func (s *MelSpectrogramStage) CloneState() any {
	out := make([][]float32, len(s.pending))
	for i, p := range s.pending {
		out[i] = append([]float32(nil), p...)
	}
	return out
}
func (s *MelSpectrogramStage) RestoreState(v any) {
	if pending, ok := v.([][]float32); ok {
		s.pending = pending
	}
}

// MFCCStage consumes analysis frames of numMelBands values, optionally
// log-compresses, applies truncated DCT-II, and optionally sinusoidal
// liftering (spec §4.2.8).
type MFCCStage struct {
	BaseStage
	numMelBands     int
	numCoefficients int
	applyLog        bool
	lifterCoeff     float64

	channels int
	pending  [][]float32
}

// NewMFCCStage constructs an MFCC stage. numCoefficients must be <=
// numMelBands.
func NewMFCCStage(name string, numMelBands, numCoefficients int, applyLog bool, lifterCoeff float64) (*MFCCStage, error) {
	if numMelBands <= 0 || numCoefficients <= 0 {
		return nil, NewError(name, KindMFCC, ErrorKindParameter, fmt.Errorf("%w: numMelBands and numCoefficients must be positive", ErrParameter))
	}
	if numCoefficients > numMelBands {
		return nil, NewError(name, KindMFCC, ErrorKindParameter, fmt.Errorf("%w: numCoefficients must be <= numMelBands", ErrParameter))
	}
	return &MFCCStage{
		BaseStage:       NewBaseStage(name, KindMFCC, ModeMoving),
		numMelBands:     numMelBands,
		numCoefficients: numCoefficients,
		applyLog:        applyLog,
		lifterCoeff:     lifterCoeff,
	}, nil
}

const mfccLogEpsilon = 1e-10

func (s *MFCCStage) apply(melRow []float32) []float32 {
	in := make([]float64, s.numMelBands)
	for i, v := range melRow {
		x := float64(v)
		if s.applyLog {
			x = math.Log(x + mfccLogEpsilon)
		}
		in[i] = x
	}
	out := make([]float32, s.numCoefficients)
	n := float64(s.numMelBands)
	for k := 0; k < s.numCoefficients; k++ {
		var acc float64
		for i := 0; i < s.numMelBands; i++ {
			acc += in[i] * math.Cos(math.Pi/n*(float64(i)+0.5)*float64(k))
		}
		if s.lifterCoeff > 0 {
			lift := 1 + s.lifterCoeff/2*math.Sin(math.Pi*float64(k)/s.lifterCoeff)
			acc *= lift
		}
		out[k] = float32(acc)
	}
	return out
}

func (s *MFCCStage) ensure(channels int) {
	if s.channels == channels && len(s.pending) == channels {
		return
	}
	s.channels = channels
	s.pending = make([][]float32, channels)
}

func (s *MFCCStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	frames, channels := buf.Frames(), buf.Channels
	s.ensure(channels)

	perChannel := make([][]float32, channels)
	maxOut := 0
	for c := 0; c < channels; c++ {
		acc := append(s.pending[c], make([]float32, frames)...)
		for f := 0; f < frames; f++ {
			acc[len(s.pending[c])+f] = buf.Samples[f*channels+c]
		}
		var out []float32
		pos := 0
		for pos+s.numMelBands <= len(acc) {
			out = append(out, s.apply(acc[pos:pos+s.numMelBands])...)
			pos += s.numMelBands
		}
		s.pending[c] = append([]float32(nil), acc[pos:]...)
		perChannel[c] = out
		if len(out) > maxOut {
			maxOut = len(out)
		}
	}
	out := NewBuffer(maxOut, channels)
	for c := 0; c < channels; c++ {
		for r := 0; r < len(perChannel[c]); r++ {
			out.Samples[r*channels+c] = perChannel[c][r]
		}
	}
	return out, nil
}

func (s *MFCCStage) Reset() {
	for c := range s.pending {
		s.pending[c] = nil
	}
}
func (s *MFCCStage) Params() Fields {
	return Fields{"numMelBands": float64(s.numMelBands), "numCoefficients": float64(s.numCoefficients)}
}
func (s *MFCCStage) EncodeState() Fields {
	chans := make([]any, len(s.pending))
	for i, p := range s.pending {
		chans[i] = Fields{"pending": float64Slice(p)}
	}
	return Fields{"channels": chans}
}
func (s *MFCCStage) DecodeState(f Fields) error {
	raw, ok := f["channels"].([]any)
	if !ok {
		return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: missing mfcc channel state", ErrStateLoad))
	}
	s.channels = len(raw)
	s.pending = make([][]float32, len(raw))
	for i, r := range raw {
		cf, _ := r.(Fields)
		p, _ := cf["pending"].([]float64)
		s.pending[i] = float32Slice(p)
	}
	return nil
}
func (s *MFCCStage) CloneState() any {
	out := make([][]float32, len(s.pending))
	for i, p := range s.pending {
		out[i] = append([]float32(nil), p...)
	}
	return out
}
func (s *MFCCStage) RestoreState(v any) {
	if pending, ok := v.([][]float32); ok {
		s.pending = pending
	}
}

// FFTStage emits the one-sided complex spectrum of each non-overlapping
// block of windowSize samples (hop == windowSize), the simplest spectral
// stage in the catalog and the building block STFT generalizes.
type FFTStage struct {
	BaseStage
	windowSize int
	inner      *STFTStage
}

// NewFFTStage constructs an FFT stage.
func NewFFTStage(name string, windowSize int) (*FFTStage, error) {
	inner, err := NewSTFTStage(name, windowSize, windowSize, STFTComplex, SpectralAuto, dsp.WindowNone)
	if err != nil {
		return nil, err
	}
	inner.BaseStage = NewBaseStage(name, KindFFT, ModeMoving)
	return &FFTStage{BaseStage: NewBaseStage(name, KindFFT, ModeMoving), windowSize: windowSize, inner: inner}, nil
}

func (s *FFTStage) ProcessBlock(ctx context.Context, buf Buffer, opts ProcessOptions) (Buffer, error) {
	return s.inner.ProcessBlock(ctx, buf, opts)
}
func (s *FFTStage) Reset()                   { s.inner.Reset() }
func (s *FFTStage) Params() Fields           { return Fields{"windowSize": float64(s.windowSize)} }
func (s *FFTStage) EncodeState() Fields      { return s.inner.EncodeState() }
func (s *FFTStage) DecodeState(f Fields) error { return s.inner.DecodeState(f) }
func (s *FFTStage) CloneState() any          { return s.inner.CloneState() }
func (s *FFTStage) RestoreState(v any)       { s.inner.RestoreState(v) }

// HilbertEnvelopeStage computes the analytic-signal magnitude in a sliding
// window (spec §4.2.8) via a windowed discrete Hilbert transform: for each
// new sample, take the last windowSize samples, compute their one-sided
// spectrum, zero the negative frequencies, double the positive ones, and
// inverse-transform to recover the envelope at the window's center.
type HilbertEnvelopeStage struct {
	BaseStage
	windowSize int
	channels   int
	rings      []*ring
}

// NewHilbertEnvelopeStage constructs a HilbertEnvelope stage.
func NewHilbertEnvelopeStage(name string, windowSize int) (*HilbertEnvelopeStage, error) {
	if windowSize < 3 || !dsp.IsPowerOfTwo(windowSize) {
		return nil, NewError(name, KindHilbertEnvelope, ErrorKindParameter, fmt.Errorf("%w: windowSize must be a power of two >= 4", ErrParameter))
	}
	return &HilbertEnvelopeStage{BaseStage: NewBaseStage(name, KindHilbertEnvelope, ModeMoving), windowSize: windowSize}, nil
}

func (s *HilbertEnvelopeStage) ensure(channels int) {
	if s.channels == channels && len(s.rings) == channels {
		return
	}
	s.channels = channels
	s.rings = make([]*ring, channels)
	for c := range s.rings {
		s.rings[c] = newRing(s.windowSize)
	}
}

func (s *HilbertEnvelopeStage) envelopeAt(r *ring) float32 {
	vals := r.values()
	if len(vals) < s.windowSize {
		padded := make([]float32, s.windowSize)
		copy(padded[s.windowSize-len(vals):], vals)
		vals = padded
	}
	spec := make([]dsp.Complex, s.windowSize)
	for i, v := range vals {
		spec[i] = dsp.Complex{Re: float64(v)}
	}
	dsp.FFT(spec)
	n := s.windowSize
	for k := 1; k < n/2+(n%2); k++ {
		spec[k].Re *= 2
		spec[k].Im *= 2
	}
	for k := n/2 + 1; k < n; k++ {
		spec[k] = dsp.Complex{}
	}
	dsp.IFFT(spec)
	mid := n / 2
	return float32(dsp.Magnitude(spec[mid]))
}

func (s *HilbertEnvelopeStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	frames, channels := buf.Frames(), buf.Channels
	s.ensure(channels)
	out := NewBuffer(frames, channels)
	for f := 0; f < frames; f++ {
		for c := 0; c < channels; c++ {
			s.rings[c].push(buf.Samples[f*channels+c])
			out.Samples[f*channels+c] = s.envelopeAt(s.rings[c])
		}
	}
	return out, nil
}

func (s *HilbertEnvelopeStage) Reset() {
	for _, r := range s.rings {
		r.reset()
	}
}
func (s *HilbertEnvelopeStage) Params() Fields { return Fields{"windowSize": float64(s.windowSize)} }
func (s *HilbertEnvelopeStage) EncodeState() Fields {
	chans := make([]any, len(s.rings))
	for i, r := range s.rings {
		chans[i] = Fields{"buffer": float64Slice(r.values())}
	}
	return Fields{"channels": chans}
}
func (s *HilbertEnvelopeStage) DecodeState(f Fields) error {
	raw, ok := f["channels"].([]any)
	if !ok {
		return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: missing hilbert channel state", ErrStateLoad))
	}
	s.channels = len(raw)
	s.rings = make([]*ring, len(raw))
	for i, r := range raw {
		cf, _ := r.(Fields)
		vals, _ := cf["buffer"].([]float64)
		nr := newRing(s.windowSize)
		nr.restoreValues(float32Slice(vals), s.windowSize)
		s.rings[i] = nr
	}
	return nil
}
func (s *HilbertEnvelopeStage) CloneState() any {
	out := make([]*ring, len(s.rings))
	for i, r := range s.rings {
		out[i] = r.clone()
	}
	return out
}
func (s *HilbertEnvelopeStage) RestoreState(v any) {
	if rings, ok := v.([]*ring); ok {
		s.rings = rings
	}
}

// WaveletTransformStage implements a single-level discrete wavelet
// decomposition (spec §4.2.8). Only the Daubechies-4 family is implemented
// (db4 low-pass/high-pass quadrature mirror filter pair), matching the
// spec's "e.g., Daubechies-4" example; emits approximation and detail
// coefficients concatenated per channel frame (approximation row, then
// detail row, for each decimated position).
type WaveletTransformStage struct {
	BaseStage
	lowPass, highPass []float64

	channels int
	pending  [][]float32
}

// db4LowPass are the normalized Daubechies-4 scaling (low-pass) filter
// coefficients.
var db4LowPass = []float64{
	0.6830127018922193, 1.1830127018922194, 0.3169872981077807, -0.1830127018922193,
}

// NewWaveletTransformStage constructs a WaveletTransform stage using the
// Daubechies-4 wavelet.
func NewWaveletTransformStage(name, wavelet string) (*WaveletTransformStage, error) {
	if wavelet != "" && wavelet != "db4" && wavelet != "daubechies4" {
		return nil, NewError(name, KindWaveletTransform, ErrorKindParameter, fmt.Errorf("%w: unsupported wavelet %q", ErrParameter, wavelet))
	}
	low := make([]float64, len(db4LowPass))
	for i, c := range db4LowPass {
		low[i] = c / 2
	}
	high := make([]float64, len(low))
	for i := range low {
		// Quadrature mirror relation: g[n] = (-1)^n * h[L-1-n].
		sign := 1.0
		if i%2 != 0 {
			sign = -1.0
		}
		high[i] = sign * low[len(low)-1-i]
	}
	return &WaveletTransformStage{
		BaseStage: NewBaseStage(name, KindWaveletTransform, ModeMoving),
		lowPass:   low,
		highPass:  high,
	}, nil
}

func (s *WaveletTransformStage) ensure(channels int) {
	if s.channels == channels && len(s.pending) == channels {
		return
	}
	s.channels = channels
	s.pending = make([][]float32, channels)
}

func (s *WaveletTransformStage) decompose(window []float32) (approx, detail float32) {
	var a, d float64
	for i, v := range window {
		a += s.lowPass[i] * float64(v)
		d += s.highPass[i] * float64(v)
	}
	return float32(a), float32(d)
}

func (s *WaveletTransformStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	frames, channels := buf.Frames(), buf.Channels
	s.ensure(channels)
	taps := len(s.lowPass)

	perChannel := make([][]float32, channels)
	maxOut := 0
	for c := 0; c < channels; c++ {
		acc := append(s.pending[c], make([]float32, frames)...)
		for f := 0; f < frames; f++ {
			acc[len(s.pending[c])+f] = buf.Samples[f*channels+c]
		}
		var out []float32
		pos := 0
		for pos+taps <= len(acc) {
			a, d := s.decompose(acc[pos : pos+taps])
			out = append(out, a, d)
			pos += 2 // downsample by 2, the standard DWT stride
		}
		s.pending[c] = append([]float32(nil), acc[pos:]...)
		perChannel[c] = out
		if len(out) > maxOut {
			maxOut = len(out)
		}
	}
	out := NewBuffer(maxOut, channels)
	for c := 0; c < channels; c++ {
		for r := 0; r < len(perChannel[c]); r++ {
			out.Samples[r*channels+c] = perChannel[c][r]
		}
	}
	return out, nil
}

func (s *WaveletTransformStage) Reset() {
	for c := range s.pending {
		s.pending[c] = nil
	}
}
func (s *WaveletTransformStage) Params() Fields { return Fields{} }
func (s *WaveletTransformStage) EncodeState() Fields {
	chans := make([]any, len(s.pending))
	for i, p := range s.pending {
		chans[i] = Fields{"pending": float64Slice(p)}
	}
	return Fields{"channels": chans}
}
func (s *WaveletTransformStage) DecodeState(f Fields) error {
	raw, ok := f["channels"].([]any)
	if !ok {
		return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: missing wavelet channel state", ErrStateLoad))
	}
	s.channels = len(raw)
	s.pending = make([][]float32, len(raw))
	for i, r := range raw {
		cf, _ := r.(Fields)
		p, _ := cf["pending"].([]float64)
		s.pending[i] = float32Slice(p)
	}
	return nil
}
func (s *WaveletTransformStage) CloneState() any {
	out := make([][]float32, len(s.pending))
	for i, p := range s.pending {
		out[i] = append([]float32(nil), p...)
	}
	return out
}
func (s *WaveletTransformStage) RestoreState(v any) {
	if pending, ok := v.([][]float32); ok {
		s.pending = pending
	}
}
