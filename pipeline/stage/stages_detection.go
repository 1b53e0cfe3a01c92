package stage

import (
	"context"
	"fmt"
	"math"
)

// ClipDetectionStage flags samples whose magnitude meets or exceeds
// threshold (spec §4.2.12): a same-shape indicator buffer, 1.0 where
// clipped, 0.0 otherwise. Stateless.
type ClipDetectionStage struct {
	BaseStage
	threshold float32
}

// NewClipDetectionStage constructs a ClipDetection stage.
func NewClipDetectionStage(name string, mode Mode, threshold float64) (*ClipDetectionStage, error) {
	if threshold < 0 {
		return nil, NewError(name, KindClipDetection, ErrorKindParameter, fmt.Errorf("%w: threshold must be >= 0", ErrParameter))
	}
	return &ClipDetectionStage{BaseStage: NewBaseStage(name, KindClipDetection, mode), threshold: float32(threshold)}, nil
}

func (s *ClipDetectionStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	out := NewBuffer(buf.Frames(), buf.Channels)
	for i, v := range buf.Samples {
		if v < 0 {
			v = -v
		}
		if v >= s.threshold {
			out.Samples[i] = 1
		}
	}
	return out, nil
}

func (s *ClipDetectionStage) Reset()                  {}
func (s *ClipDetectionStage) Params() Fields          { return Fields{"threshold": float64(s.threshold)} }
func (s *ClipDetectionStage) EncodeState() Fields     { return Fields{} }
func (s *ClipDetectionStage) DecodeState(Fields) error { return nil }
func (s *ClipDetectionStage) CloneState() any         { return nil }
func (s *ClipDetectionStage) RestoreState(any)        {}

// PeakDetectionStage flags local maxima that clear threshold and respect a
// minimum inter-peak distance (spec §4.2.12). Moving mode only supports
// windowSize == 3 (larger values are accepted with a warning, per the
// spec's recorded Open Question).
type PeakDetectionStage struct {
	BaseStage
	threshold       float32
	windowSize      int
	minPeakDistance int

	channels     int
	history      []*ring // last windowSize samples per channel
	cooldown     []int
	pendingIndex []int     // index of last emitted-but-unconfirmed peak per channel, -1 if none
	pendingValue []float32
}

// NewPeakDetectionStage constructs a PeakDetection stage. warn, if non-nil,
// receives a warning when windowSize != 3 in moving mode.
func NewPeakDetectionStage(name string, mode Mode, threshold float64, windowSize, minPeakDistance int, warn func(string)) (*PeakDetectionStage, error) {
	if threshold < 0 {
		return nil, NewError(name, KindPeakDetection, ErrorKindParameter, fmt.Errorf("%w: threshold must be >= 0", ErrParameter))
	}
	if windowSize < 3 || windowSize%2 == 0 {
		return nil, NewError(name, KindPeakDetection, ErrorKindParameter, fmt.Errorf("%w: windowSize must be odd and >= 3", ErrParameter))
	}
	if minPeakDistance < 1 {
		return nil, NewError(name, KindPeakDetection, ErrorKindParameter, fmt.Errorf("%w: minPeakDistance must be >= 1", ErrParameter))
	}
	if mode == ModeMoving && windowSize != 3 && warn != nil {
		warn(fmt.Sprintf("PeakDetection: moving mode with windowSize=%d is only partially supported; only 3 is exercised", windowSize))
	}
	return &PeakDetectionStage{
		BaseStage:       NewBaseStage(name, KindPeakDetection, mode),
		threshold:       float32(threshold),
		windowSize:      windowSize,
		minPeakDistance: minPeakDistance,
	}, nil
}

func (s *PeakDetectionStage) ensure(channels int) {
	if s.channels == channels && len(s.history) == channels {
		return
	}
	s.channels = channels
	s.history = make([]*ring, channels)
	s.cooldown = make([]int, channels)
	s.pendingIndex = make([]int, channels)
	s.pendingValue = make([]float32, channels)
	for c := range s.history {
		s.history[c] = newRing(s.windowSize)
		s.pendingIndex[c] = -1
	}
}

func (s *PeakDetectionStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	frames, channels := buf.Frames(), buf.Channels
	s.ensure(channels)
	if s.Mode() == ModeBatch {
		s.Reset()
	}
	out := NewBuffer(frames, channels)
	half := s.windowSize / 2

	for c := 0; c < channels; c++ {
		r := s.history[c]
		for f := 0; f < frames; f++ {
			x := buf.Samples[f*channels+c]
			r.push(x)
			if r.count < s.windowSize {
				continue
			}
			center := r.at(half)
			isMax := center >= s.threshold
			if isMax {
				for i := 0; i < s.windowSize; i++ {
					if i == half {
						continue
					}
					if r.at(i) > center {
						isMax = false
						break
					}
				}
			}
			if !isMax {
				if s.cooldown[c] > 0 {
					s.cooldown[c]--
				}
				continue
			}
			// center corresponds to input position f-half.
			pos := f - half
			if s.cooldown[c] > 0 {
				if center > s.pendingValue[c] {
					// Rescind the earlier suppression in favor of this
					// strictly larger peak.
					if s.pendingIndex[c] >= 0 && s.pendingIndex[c] < frames {
						out.Samples[s.pendingIndex[c]*channels+c] = 0
					}
					out.Samples[pos*channels+c] = 1
					s.pendingIndex[c] = pos
					s.pendingValue[c] = center
					s.cooldown[c] = s.minPeakDistance
				}
				continue
			}
			out.Samples[pos*channels+c] = 1
			s.pendingIndex[c] = pos
			s.pendingValue[c] = center
			s.cooldown[c] = s.minPeakDistance
		}
	}
	return out, nil
}

func (s *PeakDetectionStage) Reset() {
	for c := range s.history {
		s.history[c].reset()
		s.cooldown[c] = 0
		s.pendingIndex[c] = -1
	}
}

func (s *PeakDetectionStage) Params() Fields {
	return Fields{
		"threshold":       float64(s.threshold),
		"windowSize":      float64(s.windowSize),
		"minPeakDistance": float64(s.minPeakDistance),
	}
}

func (s *PeakDetectionStage) EncodeState() Fields {
	chans := make([]any, len(s.history))
	for i, r := range s.history {
		chans[i] = Fields{
			"history":  float64Slice(r.values()),
			"cooldown": float64(s.cooldown[i]),
		}
	}
	return Fields{"channels": chans}
}

func (s *PeakDetectionStage) DecodeState(f Fields) error {
	raw, ok := f["channels"].([]any)
	if !ok {
		return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: missing peak detection channel state", ErrStateLoad))
	}
	s.channels = len(raw)
	s.history = make([]*ring, len(raw))
	s.cooldown = make([]int, len(raw))
	s.pendingIndex = make([]int, len(raw))
	s.pendingValue = make([]float32, len(raw))
	for i, r := range raw {
		cf, ok := r.(Fields)
		if !ok {
			return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: malformed peak detection state", ErrStateLoad))
		}
		hist, _ := cf["history"].([]float64)
		nr := newRing(s.windowSize)
		nr.restoreValues(float32Slice(hist), s.windowSize)
		s.history[i] = nr
		cd, _ := cf["cooldown"].(float64)
		s.cooldown[i] = int(cd)
		s.pendingIndex[i] = -1
	}
	return nil
}

type peakSnapshot struct {
	history      []*ring
	cooldown     []int
	pendingIndex []int
	pendingValue []float32
}

func (s *PeakDetectionStage) CloneState() any {
	out := make([]*ring, len(s.history))
	for i, r := range s.history {
		out[i] = r.clone()
	}
	return peakSnapshot{
		history:      out,
		cooldown:     append([]int(nil), s.cooldown...),
		pendingIndex: append([]int(nil), s.pendingIndex...),
		pendingValue: append([]float32(nil), s.pendingValue...),
	}
}

func (s *PeakDetectionStage) RestoreState(v any) {
	if snap, ok := v.(peakSnapshot); ok {
		s.history, s.cooldown = snap.history, snap.cooldown
		s.pendingIndex, s.pendingValue = snap.pendingIndex, snap.pendingValue
	}
}

// SnrStage computes windowed RMS-ratio SNR in decibels from a 2-channel
// (signal, noise) input, clamped to [-100, 100] dB (spec §4.2.12).
type SnrStage struct {
	BaseStage
	windowSize int
	sigRing    *ring
	noiseRing  *ring
	sigSumSq   float64
	noiseSumSq float64
}

// NewSnrStage constructs an Snr stage.
func NewSnrStage(name string, windowSize int) (*SnrStage, error) {
	if windowSize < 1 {
		return nil, NewError(name, KindSnr, ErrorKindParameter, fmt.Errorf("%w: windowSize must be positive", ErrParameter))
	}
	return &SnrStage{
		BaseStage:  NewBaseStage(name, KindSnr, ModeMoving),
		windowSize: windowSize,
		sigRing:    newRing(windowSize),
		noiseRing:  newRing(windowSize),
	}, nil
}

func (s *SnrStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	if buf.Channels != 2 {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, fmt.Errorf("%w: Snr requires exactly 2 channels (signal, noise)", ErrShape))
	}
	frames := buf.Frames()
	out := NewBuffer(frames, 1)
	for f := 0; f < frames; f++ {
		sig := buf.Samples[f*2]
		noise := buf.Samples[f*2+1]

		if s.sigRing.count == s.sigRing.capacity() {
			e := s.sigRing.at(0)
			s.sigSumSq -= float64(e) * float64(e)
		}
		s.sigRing.push(sig)
		s.sigSumSq += float64(sig) * float64(sig)

		if s.noiseRing.count == s.noiseRing.capacity() {
			e := s.noiseRing.at(0)
			s.noiseSumSq -= float64(e) * float64(e)
		}
		s.noiseRing.push(noise)
		s.noiseSumSq += float64(noise) * float64(noise)

		sigRMS := math.Sqrt(s.sigSumSq / float64(s.sigRing.count))
		noiseRMS := math.Sqrt(s.noiseSumSq / float64(s.noiseRing.count))

		var db float64
		switch {
		case noiseRMS <= 1e-12 && sigRMS <= 1e-12:
			db = 0
		case noiseRMS <= 1e-12:
			db = 100
		default:
			db = 20 * math.Log10(sigRMS/noiseRMS)
		}
		if db > 100 {
			db = 100
		}
		if db < -100 {
			db = -100
		}
		out.Samples[f] = float32(db)
	}
	return out, nil
}

func (s *SnrStage) Reset() {
	s.sigRing.reset()
	s.noiseRing.reset()
	s.sigSumSq = 0
	s.noiseSumSq = 0
}

func (s *SnrStage) Params() Fields { return Fields{"windowSize": float64(s.windowSize)} }

func (s *SnrStage) EncodeState() Fields {
	return Fields{
		"signal": float64Slice(s.sigRing.values()),
		"noise":  float64Slice(s.noiseRing.values()),
	}
}

func (s *SnrStage) DecodeState(f Fields) error {
	sig, _ := f["signal"].([]float64)
	noise, _ := f["noise"].([]float64)
	s.sigRing = newRing(s.windowSize)
	s.sigRing.restoreValues(float32Slice(sig), s.windowSize)
	s.noiseRing = newRing(s.windowSize)
	s.noiseRing.restoreValues(float32Slice(noise), s.windowSize)
	s.sigSumSq = 0
	for _, v := range s.sigRing.values() {
		s.sigSumSq += float64(v) * float64(v)
	}
	s.noiseSumSq = 0
	for _, v := range s.noiseRing.values() {
		s.noiseSumSq += float64(v) * float64(v)
	}
	return nil
}

type snrSnapshot struct {
	sig, noise             *ring
	sigSumSq, noiseSumSq   float64
}

func (s *SnrStage) CloneState() any {
	return snrSnapshot{sig: s.sigRing.clone(), noise: s.noiseRing.clone(), sigSumSq: s.sigSumSq, noiseSumSq: s.noiseSumSq}
}

func (s *SnrStage) RestoreState(v any) {
	if snap, ok := v.(snrSnapshot); ok {
		s.sigRing = snap.sig
		s.noiseRing = snap.noise
		s.sigSumSq = snap.sigSumSq
		s.noiseSumSq = snap.noiseSumSq
	}
}

// windowedFeatureKind selects the per-window EMG-style feature computed by
// windowedFeatureStage.
type windowedFeatureKind int

const (
	featureWaveformLength windowedFeatureKind = iota
	featureWillisonAmplitude
	featureSlopeSignChange
	featureLinearRegressionSlope
)

// windowedFeatureStage generalizes WaveformLength, WillisonAmplitude,
// SlopeSignChange, and LinearRegression (spec §4.2.12: "others follow the
// same template" as the windowed-statistics family): each emits one value
// per sample, recomputed over the trailing windowSize samples.
type windowedFeatureStage struct {
	BaseStage
	feature    windowedFeatureKind
	windowSize int
	threshold  float32 // WillisonAmplitude only

	channels int
	rings    []*ring
}

func newWindowedFeatureStage(name string, kind Kind, feature windowedFeatureKind, windowSize int, threshold float64) (*windowedFeatureStage, error) {
	if windowSize < 2 {
		return nil, NewError(name, kind, ErrorKindParameter, fmt.Errorf("%w: windowSize must be >= 2", ErrParameter))
	}
	return &windowedFeatureStage{
		BaseStage:  NewBaseStage(name, kind, ModeMoving),
		feature:    feature,
		windowSize: windowSize,
		threshold:  float32(threshold),
	}, nil
}

func (s *windowedFeatureStage) ensure(channels int) {
	if s.channels == channels && len(s.rings) == channels {
		return
	}
	s.channels = channels
	s.rings = make([]*ring, channels)
	for c := range s.rings {
		s.rings[c] = newRing(s.windowSize)
	}
}

func (s *windowedFeatureStage) compute(r *ring) float32 {
	vals := r.values()
	if len(vals) < 2 {
		return 0
	}
	switch s.feature {
	case featureWaveformLength:
		var acc float64
		for i := 1; i < len(vals); i++ {
			d := float64(vals[i]) - float64(vals[i-1])
			if d < 0 {
				d = -d
			}
			acc += d
		}
		return float32(acc)
	case featureWillisonAmplitude:
		var count float64
		for i := 1; i < len(vals); i++ {
			d := float64(vals[i]) - float64(vals[i-1])
			if d < 0 {
				d = -d
			}
			if d > float64(s.threshold) {
				count++
			}
		}
		return float32(count)
	case featureSlopeSignChange:
		var count float64
		for i := 1; i < len(vals)-1; i++ {
			a := float64(vals[i]) - float64(vals[i-1])
			b := float64(vals[i+1]) - float64(vals[i])
			if a*b < 0 {
				count++
			}
		}
		return float32(count)
	case featureLinearRegressionSlope:
		n := float64(len(vals))
		var sumX, sumY, sumXY, sumXX float64
		for i, v := range vals {
			x := float64(i)
			y := float64(v)
			sumX += x
			sumY += y
			sumXY += x * y
			sumXX += x * x
		}
		denom := n*sumXX - sumX*sumX
		if denom == 0 {
			return 0
		}
		slope := (n*sumXY - sumX*sumY) / denom
		return float32(slope)
	}
	return 0
}

func (s *windowedFeatureStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	frames, channels := buf.Frames(), buf.Channels
	s.ensure(channels)
	out := NewBuffer(frames, channels)
	for f := 0; f < frames; f++ {
		for c := 0; c < channels; c++ {
			s.rings[c].push(buf.Samples[f*channels+c])
			out.Samples[f*channels+c] = s.compute(s.rings[c])
		}
	}
	return out, nil
}

func (s *windowedFeatureStage) Reset() {
	for _, r := range s.rings {
		r.reset()
	}
}

func (s *windowedFeatureStage) Params() Fields {
	return Fields{"windowSize": float64(s.windowSize), "threshold": float64(s.threshold)}
}

func (s *windowedFeatureStage) EncodeState() Fields {
	chans := make([]any, len(s.rings))
	for i, r := range s.rings {
		chans[i] = Fields{"history": float64Slice(r.values())}
	}
	return Fields{"channels": chans}
}

func (s *windowedFeatureStage) DecodeState(f Fields) error {
	raw, ok := f["channels"].([]any)
	if !ok {
		return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: missing windowed feature channel state", ErrStateLoad))
	}
	s.channels = len(raw)
	s.rings = make([]*ring, len(raw))
	for i, r := range raw {
		cf, _ := r.(Fields)
		hist, _ := cf["history"].([]float64)
		nr := newRing(s.windowSize)
		nr.restoreValues(float32Slice(hist), s.windowSize)
		s.rings[i] = nr
	}
	return nil
}

func (s *windowedFeatureStage) CloneState() any {
	out := make([]*ring, len(s.rings))
	for i, r := range s.rings {
		out[i] = r.clone()
	}
	return out
}

func (s *windowedFeatureStage) RestoreState(v any) {
	if rings, ok := v.([]*ring); ok {
		s.rings = rings
	}
}

// WaveformLengthStage sums absolute successive differences over a sliding
// window (spec §4.2.12).
type WaveformLengthStage struct{ *windowedFeatureStage }

// NewWaveformLengthStage constructs a WaveformLength stage.
func NewWaveformLengthStage(name string, windowSize int) (*WaveformLengthStage, error) {
	inner, err := newWindowedFeatureStage(name, KindWaveformLength, featureWaveformLength, windowSize, 0)
	if err != nil {
		return nil, err
	}
	return &WaveformLengthStage{inner}, nil
}

// WillisonAmplitudeStage counts successive-difference crossings of
// threshold over a sliding window (spec §4.2.12).
type WillisonAmplitudeStage struct{ *windowedFeatureStage }

// NewWillisonAmplitudeStage constructs a WillisonAmplitude stage.
func NewWillisonAmplitudeStage(name string, windowSize int, threshold float64) (*WillisonAmplitudeStage, error) {
	inner, err := newWindowedFeatureStage(name, KindWillisonAmplitude, featureWillisonAmplitude, windowSize, threshold)
	if err != nil {
		return nil, err
	}
	return &WillisonAmplitudeStage{inner}, nil
}

// SlopeSignChangeStage counts slope-sign reversals over a sliding window
// (spec §4.2.12).
type SlopeSignChangeStage struct{ *windowedFeatureStage }

// NewSlopeSignChangeStage constructs a SlopeSignChange stage.
func NewSlopeSignChangeStage(name string, windowSize int) (*SlopeSignChangeStage, error) {
	inner, err := newWindowedFeatureStage(name, KindSlopeSignChange, featureSlopeSignChange, windowSize, 0)
	if err != nil {
		return nil, err
	}
	return &SlopeSignChangeStage{inner}, nil
}

// LinearRegressionStage emits the least-squares slope of a sliding window
// against the sample index (spec §4.2.12).
type LinearRegressionStage struct{ *windowedFeatureStage }

// NewLinearRegressionStage constructs a LinearRegression stage.
func NewLinearRegressionStage(name string, windowSize int) (*LinearRegressionStage, error) {
	inner, err := newWindowedFeatureStage(name, KindLinearRegression, featureLinearRegressionSlope, windowSize, 0)
	if err != nil {
		return nil, err
	}
	return &LinearRegressionStage{inner}, nil
}

// TapStage is a zero-transformation observer (spec §4.2.12): it forwards
// the buffer unchanged, invoking an observer callback with a read-only
// view before returning it. No state.
type TapStage struct {
	BaseStage
	observe func(Buffer)
}

// NewTapStage constructs a Tap stage. observe may be nil.
func NewTapStage(name string, observe func(Buffer)) *TapStage {
	return &TapStage{BaseStage: NewBaseStage(name, KindTap, ModeMoving), observe: observe}
}

func (s *TapStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	if s.observe != nil {
		s.observe(Buffer{Samples: append([]float32(nil), buf.Samples...), Channels: buf.Channels})
	}
	return buf, nil
}

func (s *TapStage) Reset()                  {}
func (s *TapStage) Params() Fields          { return Fields{} }
func (s *TapStage) EncodeState() Fields     { return Fields{} }
func (s *TapStage) DecodeState(Fields) error { return nil }
func (s *TapStage) CloneState() any         { return nil }
func (s *TapStage) RestoreState(any)        {}

// KalmanFilterStage is a constant-velocity state-space tracker (spec
// §4.2.12): one independent position/velocity pair per input channel
// (channels must equal dimensions), emitting the filtered position
// estimate per channel.
type KalmanFilterStage struct {
	BaseStage
	dimensions      int
	processNoise    float64
	measurementNoise float64

	// Per-dimension 2x2 state: [position, velocity] and covariance P
	// (row-major 2x2), persisted across calls.
	pos, vel []float64
	p        [][4]float64
	init     []bool
}

// NewKalmanFilterStage constructs a KalmanFilter stage.
func NewKalmanFilterStage(name string, dimensions int, processNoise, measurementNoise float64) (*KalmanFilterStage, error) {
	if dimensions < 1 {
		return nil, NewError(name, KindKalmanFilter, ErrorKindParameter, fmt.Errorf("%w: dimensions must be positive", ErrParameter))
	}
	if processNoise <= 0 || measurementNoise <= 0 {
		return nil, NewError(name, KindKalmanFilter, ErrorKindParameter, fmt.Errorf("%w: processNoise and measurementNoise must be positive", ErrParameter))
	}
	return &KalmanFilterStage{
		BaseStage:        NewBaseStage(name, KindKalmanFilter, ModeMoving),
		dimensions:       dimensions,
		processNoise:     processNoise,
		measurementNoise: measurementNoise,
		pos:              make([]float64, dimensions),
		vel:              make([]float64, dimensions),
		p:                make([][4]float64, dimensions),
		init:             make([]bool, dimensions),
	}, nil
}

// step runs one constant-velocity predict/update cycle for dimension d
// with measurement z and unit time step.
func (s *KalmanFilterStage) step(d int, z float64) float64 {
	if !s.init[d] {
		s.pos[d] = z
		s.vel[d] = 0
		s.p[d] = [4]float64{1, 0, 0, 1}
		s.init[d] = true
		return s.pos[d]
	}
	q := s.processNoise
	r := s.measurementNoise
	p := s.p[d]

	// Predict: x = F x, F = [[1,1],[0,1]].
	predPos := s.pos[d] + s.vel[d]
	predVel := s.vel[d]
	// P = F P F^T + Q (Q is q*I).
	p00 := p[0] + p[1] + p[2] + p[3] + q
	p01 := p[1] + p[3]
	p10 := p[2] + p[3]
	p11 := p[3] + q

	// Update with measurement of position only (H = [1,0]).
	sInnov := p00 + r
	k0 := p00 / sInnov
	k1 := p10 / sInnov
	y := z - predPos

	s.pos[d] = predPos + k0*y
	s.vel[d] = predVel + k1*y

	s.p[d] = [4]float64{
		(1 - k0) * p00, (1 - k0) * p01,
		p10 - k1*p00, p11 - k1*p01,
	}
	return s.pos[d]
}

func (s *KalmanFilterStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	if buf.Channels != s.dimensions {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, fmt.Errorf("%w: KalmanFilter requires channels == dimensions (%d)", ErrShape, s.dimensions))
	}
	frames := buf.Frames()
	out := NewBuffer(frames, s.dimensions)
	for f := 0; f < frames; f++ {
		for d := 0; d < s.dimensions; d++ {
			z := float64(buf.Samples[f*s.dimensions+d])
			out.Samples[f*s.dimensions+d] = float32(s.step(d, z))
		}
	}
	return out, nil
}

func (s *KalmanFilterStage) Reset() {
	for d := range s.init {
		s.init[d] = false
		s.pos[d] = 0
		s.vel[d] = 0
		s.p[d] = [4]float64{}
	}
}

func (s *KalmanFilterStage) Params() Fields {
	return Fields{
		"dimensions":       float64(s.dimensions),
		"processNoise":     s.processNoise,
		"measurementNoise": s.measurementNoise,
	}
}

func (s *KalmanFilterStage) EncodeState() Fields {
	dims := make([]any, s.dimensions)
	for d := 0; d < s.dimensions; d++ {
		dims[d] = Fields{
			"pos":  s.pos[d],
			"vel":  s.vel[d],
			"p":    []float64{s.p[d][0], s.p[d][1], s.p[d][2], s.p[d][3]},
			"init": s.init[d],
		}
	}
	return Fields{"dimensions": dims}
}

func (s *KalmanFilterStage) DecodeState(f Fields) error {
	raw, ok := f["dimensions"].([]any)
	if !ok || len(raw) != s.dimensions {
		return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: kalman dimension count mismatch", ErrStateLoad))
	}
	for d, r := range raw {
		df, ok := r.(Fields)
		if !ok {
			return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: malformed kalman state", ErrStateLoad))
		}
		pos, _ := df["pos"].(float64)
		vel, _ := df["vel"].(float64)
		p, _ := df["p"].([]float64)
		if len(p) != 4 {
			return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: malformed kalman covariance", ErrStateLoad))
		}
		init, _ := df["init"].(bool)
		s.pos[d] = pos
		s.vel[d] = vel
		s.p[d] = [4]float64{p[0], p[1], p[2], p[3]}
		s.init[d] = init
	}
	return nil
}

type kalmanSnapshot struct {
	pos, vel []float64
	p        [][4]float64
	init     []bool
}

func (s *KalmanFilterStage) CloneState() any {
	return kalmanSnapshot{
		pos:  append([]float64(nil), s.pos...),
		vel:  append([]float64(nil), s.vel...),
		p:    append([][4]float64(nil), s.p...),
		init: append([]bool(nil), s.init...),
	}
}

func (s *KalmanFilterStage) RestoreState(v any) {
	if snap, ok := v.(kalmanSnapshot); ok {
		s.pos = snap.pos
		s.vel = snap.vel
		s.p = snap.p
		s.init = snap.init
	}
}

// InterpolationMethod selects TimeAlignment's resampling kernel.
//
// Only InterpLinear is implemented today: the streaming grid walk only
// retains the two straddling samples (the previous and current frame),
// which is exactly what linear interpolation needs but not enough to
// reconstruct a cubic or sinc kernel (those need a multi-sample history
// window). InterpCubic/InterpSinc are defined as named constants so
// callers can still reference them, but NewTimeAlignmentStage rejects
// either at construction rather than silently falling back to linear.
type InterpolationMethod string

const (
	InterpLinear InterpolationMethod = "linear"
	InterpCubic  InterpolationMethod = "cubic"
	InterpSinc   InterpolationMethod = "sinc"
)

// GapPolicy controls TimeAlignment's behavior when timestamps jump by more
// than gapThreshold times the expected spacing.
type GapPolicy string

const (
	GapInterpolate GapPolicy = "interpolate"
	GapZeroFill    GapPolicy = "zero-fill"
	GapHold        GapPolicy = "hold"
	GapError       GapPolicy = "error"
)

// DriftCompensation selects how TimeAlignment corrects for clock drift
// between the source timestamps and the target grid.
type DriftCompensation string

const (
	DriftNone       DriftCompensation = "none"
	DriftRegression DriftCompensation = "regression"
	DriftPLL        DriftCompensation = "pll"
)

// TimeAlignmentStage resamples irregularly timestamped input onto a
// uniform grid at targetSampleRate (spec §4.2.12). It is the one stage
// that consumes the paired timestamps buffer (spec §6).
type TimeAlignmentStage struct {
	BaseStage
	targetSampleRate float64
	method           InterpolationMethod
	gapPolicy        GapPolicy
	gapThreshold     float64
	drift            DriftCompensation

	channels      int
	lastTimestamp float64
	haveLast      bool
	lastValues    []float32
	nextGridTime  float64
	driftOffset   float64
}

// NewTimeAlignmentStage constructs a TimeAlignment stage.
func NewTimeAlignmentStage(name string, targetSampleRate float64, method InterpolationMethod, gapPolicy GapPolicy, gapThreshold float64, drift DriftCompensation) (*TimeAlignmentStage, error) {
	if targetSampleRate <= 0 {
		return nil, NewError(name, KindTimeAlignment, ErrorKindParameter, fmt.Errorf("%w: targetSampleRate must be positive", ErrParameter))
	}
	if method == "" {
		method = InterpLinear
	}
	if method != InterpLinear {
		return nil, NewError(name, KindTimeAlignment, ErrorKindParameter, fmt.Errorf("%w: interpolationMethod %q is not yet implemented, only %q is supported", ErrParameter, method, InterpLinear))
	}
	if gapPolicy == "" {
		gapPolicy = GapInterpolate
	}
	if gapThreshold <= 0 {
		gapThreshold = 2
	}
	if drift == "" {
		drift = DriftNone
	}
	return &TimeAlignmentStage{
		BaseStage:        NewBaseStage(name, KindTimeAlignment, ModeMoving),
		targetSampleRate: targetSampleRate,
		method:           method,
		gapPolicy:        gapPolicy,
		gapThreshold:     gapThreshold,
		drift:            drift,
	}, nil
}

// ConsumesTimestamps marks TimeAlignment as timestamp-aware (spec §6).
func (s *TimeAlignmentStage) ConsumesTimestamps() bool { return true }

func (s *TimeAlignmentStage) ensure(channels int) {
	if s.channels == channels && s.lastValues != nil {
		return
	}
	s.channels = channels
	s.lastValues = make([]float32, channels)
}

func (s *TimeAlignmentStage) ProcessBlock(_ context.Context, buf Buffer, opts ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	frames, channels := buf.Frames(), buf.Channels
	if len(opts.Timestamps) != frames {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, fmt.Errorf("%w: TimeAlignment requires one timestamp per frame", ErrShape))
	}
	s.ensure(channels)
	gridStep := 1.0 / s.targetSampleRate

	if !s.haveLast && frames > 0 {
		s.lastTimestamp = float64(opts.Timestamps[0])
		s.nextGridTime = s.lastTimestamp
		for c := 0; c < channels; c++ {
			s.lastValues[c] = buf.Samples[c]
		}
		s.haveLast = true
	}

	expectedSpacing := gridStep
	var outSamples []float32
	prevT := s.lastTimestamp
	prevVals := append([]float32(nil), s.lastValues...)

	for f := 0; f < frames; f++ {
		t := float64(opts.Timestamps[f]) + s.driftOffset
		if s.drift == DriftRegression || s.drift == DriftPLL {
			// Gentle correction toward the uniform grid's expected spacing.
			if f > 0 {
				observedSpacing := t - prevT
				s.driftOffset += 0.01 * (expectedSpacing - observedSpacing)
			}
		}
		curVals := make([]float32, channels)
		for c := 0; c < channels; c++ {
			curVals[c] = buf.Samples[f*channels+c]
		}

		gap := t - prevT
		if gap > s.gapThreshold*expectedSpacing {
			switch s.gapPolicy {
			case GapError:
				return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindGapPolicy, fmt.Errorf("%w: timestamp gap %.6f exceeds threshold", ErrGapPolicy, gap))
			case GapZeroFill:
				for gt := s.nextGridTime; gt < t; gt += gridStep {
					outSamples = append(outSamples, make([]float32, channels)...)
					s.nextGridTime = gt + gridStep
				}
			case GapHold:
				for gt := s.nextGridTime; gt < t; gt += gridStep {
					outSamples = append(outSamples, prevVals...)
					s.nextGridTime = gt + gridStep
				}
			default: // interpolate: fall through to normal interpolation below.
			}
		}

		for gt := s.nextGridTime; gt <= t; gt += gridStep {
			var frac float64
			if t > prevT {
				frac = (gt - prevT) / (t - prevT)
			}
			for c := 0; c < channels; c++ {
				v := float64(prevVals[c]) + frac*(float64(curVals[c])-float64(prevVals[c]))
				outSamples = append(outSamples, float32(v))
			}
			s.nextGridTime = gt + gridStep
		}

		prevT = t
		prevVals = curVals
	}

	s.lastTimestamp = prevT
	s.lastValues = prevVals

	return Buffer{Samples: outSamples, Channels: channels}, nil
}

func (s *TimeAlignmentStage) Reset() {
	s.haveLast = false
	s.lastTimestamp = 0
	s.nextGridTime = 0
	s.driftOffset = 0
	for c := range s.lastValues {
		s.lastValues[c] = 0
	}
}

func (s *TimeAlignmentStage) Params() Fields {
	return Fields{
		"targetSampleRate": s.targetSampleRate,
		"interpolationMethod": string(s.method),
		"gapPolicy":           string(s.gapPolicy),
	}
}

func (s *TimeAlignmentStage) EncodeState() Fields {
	return Fields{
		"lastTimestamp": s.lastTimestamp,
		"nextGridTime":  s.nextGridTime,
		"driftOffset":   s.driftOffset,
		"lastValues":    float64Slice(s.lastValues),
	}
}

func (s *TimeAlignmentStage) DecodeState(f Fields) error {
	lt, _ := f["lastTimestamp"].(float64)
	ngt, _ := f["nextGridTime"].(float64)
	do, _ := f["driftOffset"].(float64)
	lv, _ := f["lastValues"].([]float64)
	s.lastTimestamp = lt
	s.nextGridTime = ngt
	s.driftOffset = do
	s.lastValues = float32Slice(lv)
	s.channels = len(s.lastValues)
	s.haveLast = true
	return nil
}

type timeAlignmentSnapshot struct {
	lastTimestamp, nextGridTime, driftOffset float64
	lastValues                               []float32
	haveLast                                  bool
}

func (s *TimeAlignmentStage) CloneState() any {
	return timeAlignmentSnapshot{
		lastTimestamp: s.lastTimestamp,
		nextGridTime:  s.nextGridTime,
		driftOffset:   s.driftOffset,
		lastValues:    append([]float32(nil), s.lastValues...),
		haveLast:      s.haveLast,
	}
}

func (s *TimeAlignmentStage) RestoreState(v any) {
	if snap, ok := v.(timeAlignmentSnapshot); ok {
		s.lastTimestamp = snap.lastTimestamp
		s.nextGridTime = snap.nextGridTime
		s.driftOffset = snap.driftOffset
		s.lastValues = snap.lastValues
		s.haveLast = snap.haveLast
	}
}
