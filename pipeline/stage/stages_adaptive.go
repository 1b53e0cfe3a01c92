package stage

import (
	"context"
	"fmt"
)

// adaptiveChannelState holds the tap delay line and weight vector shared
// by LMS and RLS (spec §4.2.11).
type adaptiveChannelState struct {
	delay   *ring
	weights []float64
	// p is RLS's inverse-correlation matrix, row-major numTaps x numTaps;
	// unused (nil) for LMS.
	p []float64
}

func newAdaptiveChannelState(numTaps int, rls bool, initP float64) *adaptiveChannelState {
	st := &adaptiveChannelState{
		delay:   newRing(numTaps),
		weights: make([]float64, numTaps),
	}
	if rls {
		st.p = make([]float64, numTaps*numTaps)
		for i := 0; i < numTaps; i++ {
			st.p[i*numTaps+i] = initP
		}
	}
	return st
}

func (st *adaptiveChannelState) clone() *adaptiveChannelState {
	return &adaptiveChannelState{
		delay:   st.delay.clone(),
		weights: append([]float64(nil), st.weights...),
		p:       append([]float64(nil), st.p...),
	}
}

// tapVector returns the current tap window, most-recent-first.
func (st *adaptiveChannelState) tapVector(numTaps int) []float64 {
	vals := st.delay.values() // oldest-first
	out := make([]float64, numTaps)
	n := len(vals)
	for i := 0; i < numTaps; i++ {
		if i < n {
			out[i] = float64(vals[n-1-i])
		}
	}
	return out
}

func dotF64(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// LmsFilterStage implements a normalized LMS adaptive filter (spec
// §4.2.11). The input contract is exactly 2 channels (channel 0 the
// reference x, channel 1 the desired d); the estimation error e = d - ŷ
// is copied to both output channels.
type LmsFilterStage struct {
	BaseStage
	numTaps  int
	stepSize float64
	leakage  float64
	epsilon  float64

	state *adaptiveChannelState
}

// NewLmsFilterStage constructs an LmsFilter stage. stepSize is the NLMS
// adaptation rate in (0,2); leakage in [0,1) shrinks weights each update to
// bound drift.
func NewLmsFilterStage(name string, numTaps int, stepSize, leakage float64) (*LmsFilterStage, error) {
	if numTaps < 1 {
		return nil, NewError(name, KindLmsFilter, ErrorKindParameter, fmt.Errorf("%w: numTaps must be positive", ErrParameter))
	}
	if stepSize <= 0 || stepSize >= 2 {
		return nil, NewError(name, KindLmsFilter, ErrorKindParameter, fmt.Errorf("%w: stepSize must be in (0,2)", ErrParameter))
	}
	if leakage < 0 || leakage >= 1 {
		return nil, NewError(name, KindLmsFilter, ErrorKindParameter, fmt.Errorf("%w: leakage must be in [0,1)", ErrParameter))
	}
	return &LmsFilterStage{
		BaseStage: NewBaseStage(name, KindLmsFilter, ModeMoving),
		numTaps:   numTaps,
		stepSize:  stepSize,
		leakage:   leakage,
		epsilon:   1e-8,
		state:     newAdaptiveChannelState(numTaps, false, 0),
	}, nil
}

func (s *LmsFilterStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	if buf.Channels != 2 {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, fmt.Errorf("%w: LmsFilter requires exactly 2 channels (reference, desired)", ErrShape))
	}
	frames := buf.Frames()
	out := NewBuffer(frames, 2)
	for f := 0; f < frames; f++ {
		x := buf.Samples[f*2]
		d := buf.Samples[f*2+1]
		st := s.state
		st.delay.push(x)
		tap := st.tapVector(s.numTaps)
		y := dotF64(st.weights, tap)
		e := float64(d) - y
		var energy float64
		for _, v := range tap {
			energy += v * v
		}
		mu := s.stepSize / (s.epsilon + energy)
		for i := range st.weights {
			st.weights[i] = (1-s.leakage)*st.weights[i] + mu*e*tap[i]
		}
		out.Samples[f*2] = float32(e)
		out.Samples[f*2+1] = float32(e)
	}
	return out, nil
}

func (s *LmsFilterStage) Reset() {
	st := s.state
	st.delay.reset()
	for i := range st.weights {
		st.weights[i] = 0
	}
}

func (s *LmsFilterStage) Params() Fields {
	return Fields{"numTaps": float64(s.numTaps), "stepSize": s.stepSize, "leakage": s.leakage}
}

func (s *LmsFilterStage) EncodeState() Fields {
	st := s.state
	return Fields{
		"delay":   float64Slice(st.delay.values()),
		"weights": append([]float64(nil), st.weights...),
	}
}

func (s *LmsFilterStage) DecodeState(f Fields) error {
	w, _ := f["weights"].([]float64)
	if len(w) != s.numTaps {
		return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: lms tap count mismatch", ErrStateLoad))
	}
	delay, _ := f["delay"].([]float64)
	st := newAdaptiveChannelState(s.numTaps, false, 0)
	st.delay.restoreValues(float32Slice(delay), s.numTaps)
	st.weights = append([]float64(nil), w...)
	s.state = st
	return nil
}

func (s *LmsFilterStage) CloneState() any {
	return s.state.clone()
}

func (s *LmsFilterStage) RestoreState(v any) {
	if st, ok := v.(*adaptiveChannelState); ok {
		s.state = st
	}
}

// RlsFilterStage implements a recursive least squares adaptive filter
// (spec §4.2.11) via the Sherman-Morrison inverse-correlation update. The
// input contract is exactly 2 channels (channel 0 the reference x,
// channel 1 the desired d); the estimation error e = d - ŷ is copied to
// both output channels.
type RlsFilterStage struct {
	BaseStage
	numTaps    int
	forgetting float64
	initP      float64

	state *adaptiveChannelState
}

// NewRlsFilterStage constructs an RlsFilter stage. forgetting (lambda) is
// typically close to but below 1; initP seeds the inverse-correlation
// matrix as initP*I.
func NewRlsFilterStage(name string, numTaps int, forgetting, initP float64) (*RlsFilterStage, error) {
	if numTaps < 1 {
		return nil, NewError(name, KindRlsFilter, ErrorKindParameter, fmt.Errorf("%w: numTaps must be positive", ErrParameter))
	}
	if forgetting <= 0 || forgetting > 1 {
		return nil, NewError(name, KindRlsFilter, ErrorKindParameter, fmt.Errorf("%w: forgetting must be in (0,1]", ErrParameter))
	}
	if initP <= 0 {
		initP = 100
	}
	return &RlsFilterStage{
		BaseStage:  NewBaseStage(name, KindRlsFilter, ModeMoving),
		numTaps:    numTaps,
		forgetting: forgetting,
		initP:      initP,
		state:      newAdaptiveChannelState(numTaps, true, initP),
	}, nil
}

func (s *RlsFilterStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	if buf.Channels != 2 {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, fmt.Errorf("%w: RlsFilter requires exactly 2 channels (reference, desired)", ErrShape))
	}
	frames := buf.Frames()
	n := s.numTaps
	out := NewBuffer(frames, 2)
	px := make([]float64, n)
	k := make([]float64, n)
	st := s.state
	for f := 0; f < frames; f++ {
		x := buf.Samples[f*2]
		d := buf.Samples[f*2+1]
		st.delay.push(x)
		tap := st.tapVector(n)

		y := dotF64(st.weights, tap)
		e := float64(d) - y

		// px = P * tap
		for r := 0; r < n; r++ {
			var acc float64
			row := st.p[r*n : r*n+n]
			for c := 0; c < n; c++ {
				acc += row[c] * tap[c]
			}
			px[r] = acc
		}
		denom := s.forgetting + dotF64(tap, px)
		for i := 0; i < n; i++ {
			k[i] = px[i] / denom
		}
		for i := 0; i < n; i++ {
			st.weights[i] += k[i] * e
		}
		// P = (P - k * px^T) / lambda
		for r := 0; r < n; r++ {
			row := st.p[r*n : r*n+n]
			for c := 0; c < n; c++ {
				row[c] = (row[c] - k[r]*px[c]) / s.forgetting
			}
		}
		out.Samples[f*2] = float32(e)
		out.Samples[f*2+1] = float32(e)
	}
	return out, nil
}

func (s *RlsFilterStage) Reset() {
	st := s.state
	st.delay.reset()
	for i := range st.weights {
		st.weights[i] = 0
	}
	for i := range st.p {
		st.p[i] = 0
	}
	for i := 0; i < s.numTaps; i++ {
		st.p[i*s.numTaps+i] = s.initP
	}
}

func (s *RlsFilterStage) Params() Fields {
	return Fields{"numTaps": float64(s.numTaps), "forgetting": s.forgetting, "initP": s.initP}
}

func (s *RlsFilterStage) EncodeState() Fields {
	st := s.state
	return Fields{
		"delay":   float64Slice(st.delay.values()),
		"weights": append([]float64(nil), st.weights...),
		"p":       append([]float64(nil), st.p...),
	}
}

func (s *RlsFilterStage) DecodeState(f Fields) error {
	w, _ := f["weights"].([]float64)
	p, _ := f["p"].([]float64)
	if len(w) != s.numTaps || len(p) != s.numTaps*s.numTaps {
		return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: rls tap count mismatch", ErrStateLoad))
	}
	delay, _ := f["delay"].([]float64)
	st := newAdaptiveChannelState(s.numTaps, true, s.initP)
	st.delay.restoreValues(float32Slice(delay), s.numTaps)
	st.weights = append([]float64(nil), w...)
	st.p = append([]float64(nil), p...)
	s.state = st
	return nil
}

func (s *RlsFilterStage) CloneState() any {
	return s.state.clone()
}

func (s *RlsFilterStage) RestoreState(v any) {
	if st, ok := v.(*adaptiveChannelState); ok {
		s.state = st
	}
}
