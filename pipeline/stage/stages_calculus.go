package stage

import (
	"context"
	"fmt"
)

// DifferentiatorStage computes y[n] = x[n] - x[n-1] per channel (spec
// §4.2.5). Streaming state (prev) persists across calls regardless of
// Mode, per the spec text ("Streaming state persists across calls").
type DifferentiatorStage struct {
	BaseStage
	channels int
	prev     []float64
}

// NewDifferentiatorStage constructs a Differentiator stage.
func NewDifferentiatorStage(name string) *DifferentiatorStage {
	return &DifferentiatorStage{BaseStage: NewBaseStage(name, KindDifferentiator, ModeMoving)}
}

func (s *DifferentiatorStage) ensure(channels int) {
	if s.channels == channels && s.prev != nil {
		return
	}
	s.channels = channels
	s.prev = make([]float64, channels)
}

func (s *DifferentiatorStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	frames, channels := buf.Frames(), buf.Channels
	s.ensure(channels)
	out := NewBuffer(frames, channels)
	for f := 0; f < frames; f++ {
		for c := 0; c < channels; c++ {
			x := float64(buf.Samples[f*channels+c])
			out.Samples[f*channels+c] = float32(x - s.prev[c])
			s.prev[c] = x
		}
	}
	return out, nil
}

func (s *DifferentiatorStage) Reset() {
	for c := range s.prev {
		s.prev[c] = 0
	}
}
func (s *DifferentiatorStage) Params() Fields      { return Fields{} }
func (s *DifferentiatorStage) EncodeState() Fields { return Fields{"prev": s.prev} }
func (s *DifferentiatorStage) DecodeState(f Fields) error {
	prev, ok := f["prev"].([]float64)
	if !ok {
		return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: malformed differentiator state", ErrStateLoad))
	}
	s.channels = len(prev)
	s.prev = append([]float64(nil), prev...)
	return nil
}
func (s *DifferentiatorStage) CloneState() any    { return append([]float64(nil), s.prev...) }
func (s *DifferentiatorStage) RestoreState(v any) {
	if prev, ok := v.([]float64); ok {
		s.prev = prev
	}
}

// IntegratorStage computes a leaky integrator y[n] = alpha*y[n-1] + x[n]
// per channel (spec §4.2.5).
type IntegratorStage struct {
	BaseStage
	alpha    float64
	channels int
	yPrev    []float64
}

// NewIntegratorStage constructs an Integrator stage. alpha must lie in
// [0, 1].
func NewIntegratorStage(name string, alpha float64) (*IntegratorStage, error) {
	if alpha < 0 || alpha > 1 {
		return nil, NewError(name, KindIntegrator, ErrorKindParameter, fmt.Errorf("%w: alpha must be in [0, 1], got %v", ErrParameter, alpha))
	}
	return &IntegratorStage{BaseStage: NewBaseStage(name, KindIntegrator, ModeMoving), alpha: alpha}, nil
}

func (s *IntegratorStage) ensure(channels int) {
	if s.channels == channels && s.yPrev != nil {
		return
	}
	s.channels = channels
	s.yPrev = make([]float64, channels)
}

func (s *IntegratorStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	frames, channels := buf.Frames(), buf.Channels
	s.ensure(channels)
	out := NewBuffer(frames, channels)
	for f := 0; f < frames; f++ {
		for c := 0; c < channels; c++ {
			x := float64(buf.Samples[f*channels+c])
			y := s.alpha*s.yPrev[c] + x
			s.yPrev[c] = y
			out.Samples[f*channels+c] = float32(y)
		}
	}
	return out, nil
}

func (s *IntegratorStage) Reset() {
	for c := range s.yPrev {
		s.yPrev[c] = 0
	}
}
func (s *IntegratorStage) Params() Fields      { return Fields{"alpha": s.alpha} }
func (s *IntegratorStage) EncodeState() Fields { return Fields{"yPrev": s.yPrev} }
func (s *IntegratorStage) DecodeState(f Fields) error {
	yPrev, ok := f["yPrev"].([]float64)
	if !ok {
		return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: malformed integrator state", ErrStateLoad))
	}
	s.channels = len(yPrev)
	s.yPrev = append([]float64(nil), yPrev...)
	return nil
}
func (s *IntegratorStage) CloneState() any { return append([]float64(nil), s.yPrev...) }
func (s *IntegratorStage) RestoreState(v any) {
	if yPrev, ok := v.([]float64); ok {
		s.yPrev = yPrev
	}
}
