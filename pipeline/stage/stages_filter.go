package stage

import (
	"context"
	"fmt"
)

// iirCore is the shared transposed-direct-form-II IIR kernel used by both
// FilterStage and each band of FilterBankStage (spec §4.2.6). b and a are
// normalized so a[0] == 1 (dsp.NormalizeIIR); the per-channel delay line
// has length max(len(b), len(a)) - 1.
type iirCore struct {
	b, a  []float64 // zero-padded to the same length
	order int
}

func newIIRCore(b, a []float64) (*iirCore, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: filter requires at least one numerator coefficient", ErrParameter)
	}
	n := len(b)
	if len(a) > n {
		n = len(a)
	}
	pb := make([]float64, n)
	copy(pb, b)
	pa := make([]float64, n)
	copy(pa, a)
	if len(pa) == 0 || pa[0] == 0 {
		pa[0] = 1
	} else if pa[0] != 1 {
		a0 := pa[0]
		for i := range pa {
			pa[i] /= a0
		}
		for i := range pb {
			pb[i] /= a0
		}
	}
	return &iirCore{b: pb, a: pa, order: n - 1}, nil
}

type iirChannelState struct {
	z []float64
}

func newIIRChannelState(order int) *iirChannelState {
	return &iirChannelState{z: make([]float64, order)}
}

func (c *iirChannelState) clone() *iirChannelState {
	return &iirChannelState{z: append([]float64(nil), c.z...)}
}

func (core *iirCore) step(st *iirChannelState, x float64) float64 {
	order := core.order
	if order == 0 {
		return core.b[0] * x
	}
	y := core.b[0]*x + st.z[0]
	for i := 0; i < order-1; i++ {
		st.z[i] = core.b[i+1]*x - core.a[i+1]*y + st.z[i+1]
	}
	st.z[order-1] = core.b[order]*x - core.a[order]*y
	return y
}

// FilterStage is a generic IIR filter (spec §4.2.6): coefficient vectors
// b[] (numerator) and a[] (denominator), applied independently per
// channel via a transposed direct-form-II delay line.
type FilterStage struct {
	BaseStage
	core     *iirCore
	channels int
	states   []*iirChannelState
}

// NewFilterStage constructs an IIR filter stage from raw (possibly
// unnormalized) coefficients.
func NewFilterStage(name string, b, a []float64) (*FilterStage, error) {
	core, err := newIIRCore(b, a)
	if err != nil {
		return nil, NewError(name, KindFilter, ErrorKindParameter, err)
	}
	return &FilterStage{BaseStage: NewBaseStage(name, KindFilter, ModeMoving), core: core}, nil
}

func (s *FilterStage) ensure(channels int) {
	if s.channels == channels && len(s.states) == channels {
		return
	}
	s.channels = channels
	s.states = make([]*iirChannelState, channels)
	for c := range s.states {
		s.states[c] = newIIRChannelState(s.core.order)
	}
}

func (s *FilterStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	frames, channels := buf.Frames(), buf.Channels
	s.ensure(channels)
	out := NewBuffer(frames, channels)
	for f := 0; f < frames; f++ {
		for c := 0; c < channels; c++ {
			x := float64(buf.Samples[f*channels+c])
			out.Samples[f*channels+c] = float32(s.core.step(s.states[c], x))
		}
	}
	return out, nil
}

func (s *FilterStage) Reset() {
	for _, st := range s.states {
		for i := range st.z {
			st.z[i] = 0
		}
	}
}

func (s *FilterStage) Params() Fields {
	return Fields{"b": append([]float64(nil), s.core.b...), "a": append([]float64(nil), s.core.a...)}
}

func (s *FilterStage) EncodeState() Fields {
	chans := make([]any, len(s.states))
	for i, st := range s.states {
		chans[i] = Fields{"z": append([]float64(nil), st.z...)}
	}
	return Fields{"channels": chans}
}

func (s *FilterStage) DecodeState(f Fields) error {
	raw, ok := f["channels"].([]any)
	if !ok {
		return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: missing filter channel state", ErrStateLoad))
	}
	s.channels = len(raw)
	s.states = make([]*iirChannelState, len(raw))
	for i, r := range raw {
		cf, ok := r.(Fields)
		if !ok {
			return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: malformed filter channel state", ErrStateLoad))
		}
		z, _ := cf["z"].([]float64)
		if len(z) != s.core.order {
			return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: filter order mismatch", ErrStateLoad))
		}
		s.states[i] = &iirChannelState{z: append([]float64(nil), z...)}
	}
	return nil
}

func (s *FilterStage) CloneState() any {
	out := make([]*iirChannelState, len(s.states))
	for i, st := range s.states {
		out[i] = st.clone()
	}
	return out
}

func (s *FilterStage) RestoreState(v any) {
	if states, ok := v.([]*iirChannelState); ok {
		s.states = states
	}
}

// FilterBankStage applies a collection of IIR filters in parallel to each
// input channel (spec §4.2.6). Output channel count is Cin*numBands, with
// layout [band0ch0, band1ch0, ..., bandK-1ch0, band0ch1, ...].
type FilterBankStage struct {
	BaseStage
	cores    []*iirCore // one per band
	channels int        // input channels
	states   [][]*iirChannelState // [channel][band]
}

// NewFilterBankStage constructs a FilterBank stage from one (b, a) pair per
// band.
func NewFilterBankStage(name string, bands [][2][]float64) (*FilterBankStage, error) {
	if len(bands) == 0 {
		return nil, NewError(name, KindFilterBank, ErrorKindParameter, fmt.Errorf("%w: filter bank requires at least one band", ErrParameter))
	}
	cores := make([]*iirCore, len(bands))
	for i, band := range bands {
		core, err := newIIRCore(band[0], band[1])
		if err != nil {
			return nil, NewError(name, KindFilterBank, ErrorKindParameter, err)
		}
		cores[i] = core
	}
	return &FilterBankStage{BaseStage: NewBaseStage(name, KindFilterBank, ModeMoving), cores: cores}, nil
}

func (s *FilterBankStage) numBands() int { return len(s.cores) }

func (s *FilterBankStage) ensure(channels int) {
	if s.channels == channels && len(s.states) == channels {
		return
	}
	s.channels = channels
	s.states = make([][]*iirChannelState, channels)
	for c := range s.states {
		s.states[c] = make([]*iirChannelState, s.numBands())
		for b, core := range s.cores {
			s.states[c][b] = newIIRChannelState(core.order)
		}
	}
}

func (s *FilterBankStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	frames, channels := buf.Frames(), buf.Channels
	s.ensure(channels)
	numBands := s.numBands()
	outChannels := channels * numBands
	out := NewBuffer(frames, outChannels)
	for f := 0; f < frames; f++ {
		for c := 0; c < channels; c++ {
			x := float64(buf.Samples[f*channels+c])
			for b, core := range s.cores {
				y := core.step(s.states[c][b], x)
				out.Samples[f*outChannels+c*numBands+b] = float32(y)
			}
		}
	}
	return out, nil
}

func (s *FilterBankStage) Reset() {
	for _, bands := range s.states {
		for _, st := range bands {
			for i := range st.z {
				st.z[i] = 0
			}
		}
	}
}

func (s *FilterBankStage) Params() Fields {
	return Fields{"numBands": float64(s.numBands())}
}

func (s *FilterBankStage) EncodeState() Fields {
	chanFields := make([]any, len(s.states))
	for c, bands := range s.states {
		bandFields := make([]any, len(bands))
		for b, st := range bands {
			bandFields[b] = Fields{"z": append([]float64(nil), st.z...)}
		}
		chanFields[c] = Fields{"bands": bandFields}
	}
	return Fields{"channels": chanFields}
}

func (s *FilterBankStage) DecodeState(f Fields) error {
	raw, ok := f["channels"].([]any)
	if !ok {
		return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: missing filter bank channel state", ErrStateLoad))
	}
	s.channels = len(raw)
	s.states = make([][]*iirChannelState, len(raw))
	for c, r := range raw {
		cf, ok := r.(Fields)
		if !ok {
			return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: malformed filter bank state", ErrStateLoad))
		}
		bands, ok := cf["bands"].([]any)
		if !ok || len(bands) != s.numBands() {
			return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: filter bank band count mismatch", ErrStateLoad))
		}
		s.states[c] = make([]*iirChannelState, len(bands))
		for b, br := range bands {
			bf, ok := br.(Fields)
			if !ok {
				return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: malformed filter bank band state", ErrStateLoad))
			}
			z, _ := bf["z"].([]float64)
			if len(z) != s.cores[b].order {
				return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: filter bank order mismatch", ErrStateLoad))
			}
			s.states[c][b] = &iirChannelState{z: append([]float64(nil), z...)}
		}
	}
	return nil
}

func (s *FilterBankStage) CloneState() any {
	out := make([][]*iirChannelState, len(s.states))
	for c, bands := range s.states {
		out[c] = make([]*iirChannelState, len(bands))
		for b, st := range bands {
			out[c][b] = st.clone()
		}
	}
	return out
}

func (s *FilterBankStage) RestoreState(v any) {
	if states, ok := v.([][]*iirChannelState); ok {
		s.states = states
	}
}
