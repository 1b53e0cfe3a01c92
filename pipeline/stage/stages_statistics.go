package stage

import (
	"context"
	"fmt"
	"math"
)

// statKind selects the windowed statistic a WindowedStatStage computes.
type statKind int

const (
	statMovingAverage statKind = iota
	statRms
	statMeanAbsoluteValue
	statVariance
)

func (k statKind) name() Kind {
	switch k {
	case statRms:
		return KindRms
	case statMeanAbsoluteValue:
		return KindMeanAbsoluteValue
	case statVariance:
		return KindVariance
	default:
		return KindMovingAverage
	}
}

// WindowedStatStage implements spec §4.2.2: MovingAverage, Rms,
// MeanAbsoluteValue, and Variance all share the same moving/batch
// contract and the same O(1)-per-sample running-sum/ring-buffer state
// shape, differing only in the per-sample transform and the statistic
// combining the running sums.
type WindowedStatStage struct {
	BaseStage
	stat           statKind
	windowSize     int
	windowDuration float64 // seconds; resolved to windowSize via sampleRate if > 0 and windowSize == 0

	channels int
	rings    []*ring
	sums     []float64
	sumsSq   []float64
}

// NewMovingAverageStage constructs a MovingAverage stage (spec §4.2.2).
func NewMovingAverageStage(name string, mode Mode, windowSize int, windowDuration float64) (*WindowedStatStage, error) {
	return NewWindowedStatStage(name, statMovingAverage, mode, windowSize, windowDuration)
}

// NewRmsStage constructs an Rms stage (spec §4.2.2).
func NewRmsStage(name string, mode Mode, windowSize int, windowDuration float64) (*WindowedStatStage, error) {
	return NewWindowedStatStage(name, statRms, mode, windowSize, windowDuration)
}

// NewMeanAbsoluteValueStage constructs a MeanAbsoluteValue stage (spec
// §4.2.2).
func NewMeanAbsoluteValueStage(name string, mode Mode, windowSize int, windowDuration float64) (*WindowedStatStage, error) {
	return NewWindowedStatStage(name, statMeanAbsoluteValue, mode, windowSize, windowDuration)
}

// NewVarianceStage constructs a Variance stage (spec §4.2.2).
func NewVarianceStage(name string, mode Mode, windowSize int, windowDuration float64) (*WindowedStatStage, error) {
	return NewWindowedStatStage(name, statVariance, mode, windowSize, windowDuration)
}

// NewWindowedStatStage constructs a windowed statistic stage. At least one
// of windowSize or windowDuration must be positive for moving mode
// (windowSize takes precedence when both are); both are ignored in batch
// mode.
func NewWindowedStatStage(name string, stat statKind, mode Mode, windowSize int, windowDuration float64) (*WindowedStatStage, error) {
	k := stat.name()
	if mode == ModeMoving {
		if windowSize <= 0 && windowDuration <= 0 {
			return nil, NewError(name, k, ErrorKindParameter, fmt.Errorf("%w: windowSize or windowDuration must be positive in moving mode", ErrParameter))
		}
	}
	return &WindowedStatStage{
		BaseStage:      NewBaseStage(name, k, mode),
		stat:           stat,
		windowSize:     windowSize,
		windowDuration: windowDuration,
	}, nil
}

func (s *WindowedStatStage) resolveWindow(sampleRate float64) int {
	if s.windowSize > 0 {
		return s.windowSize
	}
	if s.windowDuration > 0 && sampleRate > 0 {
		n := int(s.windowDuration * sampleRate)
		if n < 1 {
			n = 1
		}
		return n
	}
	return 1
}

func (s *WindowedStatStage) ensureState(channels int, sampleRate float64) {
	if s.channels == channels && len(s.rings) == channels {
		return
	}
	s.channels = channels
	win := s.resolveWindow(sampleRate)
	if win < 1 {
		win = 1
	}
	s.windowSize = win
	s.rings = make([]*ring, channels)
	s.sums = make([]float64, channels)
	s.sumsSq = make([]float64, channels)
	for c := range s.rings {
		s.rings[c] = newRing(win)
	}
}

func (s *WindowedStatStage) updateChannel(ch int, x float32) float32 {
	r := s.rings[ch]
	full := r.count == r.capacity()
	var evicted float32
	if full {
		evicted = r.at(0)
	}

	pushVal := x
	if s.stat == statMeanAbsoluteValue {
		pushVal = float32(math.Abs(float64(x)))
	}
	r.push(pushVal)

	s.sums[ch] += float64(pushVal)
	s.sumsSq[ch] += float64(pushVal) * float64(pushVal)
	if full {
		s.sums[ch] -= float64(evicted)
		s.sumsSq[ch] -= float64(evicted) * float64(evicted)
	}

	n := float64(r.count)
	switch s.stat {
	case statRms:
		v := s.sumsSq[ch] / n
		if v < 0 {
			v = 0
		}
		return float32(math.Sqrt(v))
	case statVariance:
		mean := s.sums[ch] / n
		v := s.sumsSq[ch]/n - mean*mean
		if v < 0 {
			v = 0
		}
		return float32(v)
	default: // statMovingAverage, statMeanAbsoluteValue
		return float32(s.sums[ch] / n)
	}
}

// batchStat computes the statistic over an entire channel's samples,
// ignoring any streaming ring state (spec §4.2.2 batch mode).
func (s *WindowedStatStage) batchStat(vals []float32) float32 {
	n := float64(len(vals))
	if n == 0 {
		return 0
	}
	var sum, sumSq float64
	for _, v := range vals {
		x := float64(v)
		if s.stat == statMeanAbsoluteValue {
			x = math.Abs(x)
		}
		sum += x
		sumSq += x * x
	}
	switch s.stat {
	case statRms:
		v := sumSq / n
		if v < 0 {
			v = 0
		}
		return float32(math.Sqrt(v))
	case statVariance:
		mean := sum / n
		v := sumSq/n - mean*mean
		if v < 0 {
			v = 0
		}
		return float32(v)
	default:
		return float32(sum / n)
	}
}

func (s *WindowedStatStage) ProcessBlock(_ context.Context, buf Buffer, opts ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	frames, channels := buf.Frames(), buf.Channels

	if s.Mode() == ModeBatch {
		out := NewBuffer(frames, channels)
		for c := 0; c < channels; c++ {
			vals := make([]float32, frames)
			for f := 0; f < frames; f++ {
				vals[f] = buf.Samples[f*channels+c]
			}
			v := s.batchStat(vals)
			for f := 0; f < frames; f++ {
				out.Samples[f*channels+c] = v
			}
		}
		return out, nil
	}

	s.ensureState(channels, opts.SampleRate)
	out := NewBuffer(frames, channels)
	for f := 0; f < frames; f++ {
		for c := 0; c < channels; c++ {
			out.Samples[f*channels+c] = s.updateChannel(c, buf.Samples[f*channels+c])
		}
	}
	return out, nil
}

func (s *WindowedStatStage) Reset() {
	for c := range s.rings {
		s.rings[c].reset()
		s.sums[c] = 0
		s.sumsSq[c] = 0
	}
}

func (s *WindowedStatStage) Params() Fields {
	return Fields{
		"mode":       string(s.Mode()),
		"windowSize": float64(s.windowSize),
	}
}

func (s *WindowedStatStage) EncodeState() Fields {
	channels := make([]any, len(s.rings))
	for c, r := range s.rings {
		channels[c] = Fields{
			"buffer":          float64Slice(r.values()),
			"runningSum":      s.sums[c],
			"runningSumOfSquares": s.sumsSq[c],
		}
	}
	return Fields{"channels": channels}
}

func (s *WindowedStatStage) DecodeState(f Fields) error {
	rawChannels, ok := f["channels"].([]any)
	if !ok {
		return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: missing channels state", ErrStateLoad))
	}
	channels := len(rawChannels)
	s.channels = channels
	s.rings = make([]*ring, channels)
	s.sums = make([]float64, channels)
	s.sumsSq = make([]float64, channels)
	for c, raw := range rawChannels {
		cf, ok := raw.(Fields)
		if !ok {
			return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: malformed channel state", ErrStateLoad))
		}
		bufVals, _ := cf["buffer"].([]float64)
		sum, _ := cf["runningSum"].(float64)
		sumSq, _ := cf["runningSumOfSquares"].(float64)

		r := newRing(s.windowSize)
		r.restoreValues(float32Slice(bufVals), s.windowSize)
		s.rings[c] = r

		var recomputedSum, recomputedSumSq float64
		for _, v := range bufVals {
			recomputedSum += v
			recomputedSumSq += v * v
		}
		const tol = 1e-4
		if math.Abs(recomputedSum-sum) > tol*(1+math.Abs(sum)) {
			return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: running sum validation failed", ErrStateLoad))
		}
		if math.Abs(recomputedSumSq-sumSq) > tol*(1+math.Abs(sumSq)) {
			return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: running sum of squares validation failed", ErrStateLoad))
		}
		s.sums[c] = sum
		s.sumsSq[c] = sumSq
	}
	return nil
}

type windowedStatSnapshot struct {
	rings  []*ring
	sums   []float64
	sumsSq []float64
}

func (s *WindowedStatStage) CloneState() any {
	rings := make([]*ring, len(s.rings))
	for i, r := range s.rings {
		rings[i] = r.clone()
	}
	return windowedStatSnapshot{
		rings:  rings,
		sums:   append([]float64(nil), s.sums...),
		sumsSq: append([]float64(nil), s.sumsSq...),
	}
}

func (s *WindowedStatStage) RestoreState(v any) {
	snap, ok := v.(windowedStatSnapshot)
	if !ok {
		return
	}
	s.rings = snap.rings
	s.sums = snap.sums
	s.sumsSq = snap.sumsSq
}

// --- CumulativeMovingAverage (spec §4.2.3) ---

// CumulativeMovingAverageStage maintains an unbounded running mean per
// channel: cma[n] = (sum + x[n]) / (count + 1).
type CumulativeMovingAverageStage struct {
	BaseStage
	channels int
	sums     []float64
	counts   []float64
}

// NewCumulativeMovingAverageStage constructs a CumulativeMovingAverage
// stage.
func NewCumulativeMovingAverageStage(name string, mode Mode) *CumulativeMovingAverageStage {
	return &CumulativeMovingAverageStage{BaseStage: NewBaseStage(name, KindCumulativeMovingAverage, mode)}
}

func (s *CumulativeMovingAverageStage) ensure(channels int) {
	if s.channels == channels && s.sums != nil {
		return
	}
	s.channels = channels
	s.sums = make([]float64, channels)
	s.counts = make([]float64, channels)
}

func (s *CumulativeMovingAverageStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	frames, channels := buf.Frames(), buf.Channels
	s.ensure(channels)
	if s.Mode() == ModeBatch {
		for c := 0; c < channels; c++ {
			s.sums[c] = 0
			s.counts[c] = 0
		}
	}
	out := NewBuffer(frames, channels)
	for f := 0; f < frames; f++ {
		for c := 0; c < channels; c++ {
			x := float64(buf.Samples[f*channels+c])
			cma := (s.sums[c] + x) / (s.counts[c] + 1)
			s.sums[c] += x
			s.counts[c]++
			out.Samples[f*channels+c] = float32(cma)
		}
	}
	return out, nil
}

func (s *CumulativeMovingAverageStage) Reset() {
	for c := range s.sums {
		s.sums[c] = 0
		s.counts[c] = 0
	}
}

func (s *CumulativeMovingAverageStage) Params() Fields { return Fields{"mode": string(s.Mode())} }

func (s *CumulativeMovingAverageStage) EncodeState() Fields {
	return Fields{"sums": s.sums, "counts": s.counts}
}

func (s *CumulativeMovingAverageStage) DecodeState(f Fields) error {
	sums, ok1 := f["sums"].([]float64)
	counts, ok2 := f["counts"].([]float64)
	if !ok1 || !ok2 || len(sums) != len(counts) {
		return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: malformed cumulative-average state", ErrStateLoad))
	}
	s.channels = len(sums)
	s.sums = append([]float64(nil), sums...)
	s.counts = append([]float64(nil), counts...)
	return nil
}

type cmaSnapshot struct{ sums, counts []float64 }

func (s *CumulativeMovingAverageStage) CloneState() any {
	return cmaSnapshot{sums: append([]float64(nil), s.sums...), counts: append([]float64(nil), s.counts...)}
}

func (s *CumulativeMovingAverageStage) RestoreState(v any) {
	snap, ok := v.(cmaSnapshot)
	if !ok {
		return
	}
	s.sums, s.counts = snap.sums, snap.counts
}

// --- ExponentialMovingAverage (spec §4.2.4) ---

// ExponentialMovingAverageStage computes y[n] = alpha*x[n] + (1-alpha)*y[n-1]
// per channel, with y[0] = x[0].
type ExponentialMovingAverageStage struct {
	BaseStage
	alpha       float64
	channels    int
	yPrev       []float64
	initialized []bool
}

// NewExponentialMovingAverageStage constructs an EMA stage. alpha must lie
// in (0, 1].
func NewExponentialMovingAverageStage(name string, alpha float64, mode Mode) (*ExponentialMovingAverageStage, error) {
	if alpha <= 0 || alpha > 1 {
		return nil, NewError(name, KindExponentialMovingAverage, ErrorKindParameter, fmt.Errorf("%w: alpha must be in (0, 1], got %v", ErrParameter, alpha))
	}
	return &ExponentialMovingAverageStage{BaseStage: NewBaseStage(name, KindExponentialMovingAverage, mode), alpha: alpha}, nil
}

func (s *ExponentialMovingAverageStage) ensure(channels int) {
	if s.channels == channels && s.yPrev != nil {
		return
	}
	s.channels = channels
	s.yPrev = make([]float64, channels)
	s.initialized = make([]bool, channels)
}

func (s *ExponentialMovingAverageStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	frames, channels := buf.Frames(), buf.Channels
	s.ensure(channels)
	if s.Mode() == ModeBatch {
		for c := 0; c < channels; c++ {
			s.initialized[c] = false
			s.yPrev[c] = 0
		}
	}
	out := NewBuffer(frames, channels)
	for f := 0; f < frames; f++ {
		for c := 0; c < channels; c++ {
			x := float64(buf.Samples[f*channels+c])
			var y float64
			if !s.initialized[c] {
				y = x
				s.initialized[c] = true
			} else {
				y = s.alpha*x + (1-s.alpha)*s.yPrev[c]
			}
			s.yPrev[c] = y
			out.Samples[f*channels+c] = float32(y)
		}
	}
	return out, nil
}

func (s *ExponentialMovingAverageStage) Reset() {
	for c := range s.yPrev {
		s.yPrev[c] = 0
		s.initialized[c] = false
	}
}

func (s *ExponentialMovingAverageStage) Params() Fields {
	return Fields{"alpha": s.alpha, "mode": string(s.Mode())}
}

func (s *ExponentialMovingAverageStage) EncodeState() Fields {
	init := make([]any, len(s.initialized))
	for i, v := range s.initialized {
		init[i] = v
	}
	return Fields{"yPrev": s.yPrev, "initialized": init}
}

func (s *ExponentialMovingAverageStage) DecodeState(f Fields) error {
	yPrev, ok1 := f["yPrev"].([]float64)
	rawInit, ok2 := f["initialized"].([]any)
	if !ok1 || !ok2 || len(yPrev) != len(rawInit) {
		return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: malformed EMA state", ErrStateLoad))
	}
	s.channels = len(yPrev)
	s.yPrev = append([]float64(nil), yPrev...)
	s.initialized = make([]bool, len(rawInit))
	for i, v := range rawInit {
		b, _ := v.(bool)
		s.initialized[i] = b
	}
	return nil
}

type emaSnapshot struct {
	yPrev       []float64
	initialized []bool
}

func (s *ExponentialMovingAverageStage) CloneState() any {
	return emaSnapshot{yPrev: append([]float64(nil), s.yPrev...), initialized: append([]bool(nil), s.initialized...)}
}

func (s *ExponentialMovingAverageStage) RestoreState(v any) {
	snap, ok := v.(emaSnapshot)
	if !ok {
		return
	}
	s.yPrev, s.initialized = snap.yPrev, snap.initialized
}

// --- ZScoreNormalize ---

// ZScoreNormalizeStage normalizes each channel to zero mean, unit variance
// using the same windowed running-sum machinery as WindowedStatStage.
type ZScoreNormalizeStage struct {
	BaseStage
	stats   *WindowedStatStage
	epsilon float64
}

// NewZScoreNormalizeStage constructs a ZScoreNormalize stage.
func NewZScoreNormalizeStage(name string, mode Mode, windowSize int, windowDuration float64) (*ZScoreNormalizeStage, error) {
	stats, err := NewWindowedStatStage(name, statVariance, mode, windowSize, windowDuration)
	if err != nil {
		return nil, err
	}
	return &ZScoreNormalizeStage{
		BaseStage: NewBaseStage(name, KindZScoreNormalize, mode),
		stats:     stats,
		epsilon:   1e-8,
	}, nil
}

func (s *ZScoreNormalizeStage) ProcessBlock(ctx context.Context, buf Buffer, opts ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	frames, channels := buf.Frames(), buf.Channels
	variance, err := s.stats.ProcessBlock(ctx, Buffer{Samples: append([]float32(nil), buf.Samples...), Channels: channels}, opts)
	if err != nil {
		return Buffer{}, err
	}

	mean := s.runningMeans(channels)
	if s.Mode() == ModeBatch {
		for c := 0; c < channels && frames > 0; c++ {
			var sum float64
			for f := 0; f < frames; f++ {
				sum += float64(buf.Samples[f*channels+c])
			}
			mean[c] = sum / float64(frames)
		}
	}
	out := NewBuffer(frames, channels)
	for f := 0; f < frames; f++ {
		for c := 0; c < channels; c++ {
			idx := f*channels + c
			std := math.Sqrt(float64(variance.Samples[idx]))
			out.Samples[idx] = float32((float64(buf.Samples[idx]) - mean[c]) / (std + s.epsilon))
		}
	}
	return out, nil
}

func (s *ZScoreNormalizeStage) runningMeans(channels int) []float64 {
	means := make([]float64, channels)
	for c := 0; c < channels && c < len(s.stats.rings); c++ {
		n := float64(s.stats.rings[c].count)
		if n > 0 {
			means[c] = s.stats.sums[c] / n
		}
	}
	return means
}

func (s *ZScoreNormalizeStage) Reset()                   { s.stats.Reset() }
func (s *ZScoreNormalizeStage) Params() Fields           { return s.stats.Params() }
func (s *ZScoreNormalizeStage) EncodeState() Fields      { return s.stats.EncodeState() }
func (s *ZScoreNormalizeStage) DecodeState(f Fields) error { return s.stats.DecodeState(f) }
func (s *ZScoreNormalizeStage) CloneState() any          { return s.stats.CloneState() }
func (s *ZScoreNormalizeStage) RestoreState(v any)       { s.stats.RestoreState(v) }
