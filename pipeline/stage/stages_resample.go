package stage

import (
	"context"
	"fmt"

	"github.com/A-KGeorge/dspx-sub002/dsp"
)

const defaultResampleOrder = 31

// resampleCore implements the shared polyphase rational rate-conversion
// machinery behind Interpolate, Decimate, and Resample (spec §4.2.7):
// zero-stuff by `up`, filter through a single windowed-sinc lowpass FIR,
// keep every `down`-th filtered sample. A persistent phase counter spans
// ProcessBlock calls so the decimation decision is continuous across
// chunk boundaries (the moving-mode contract, spec invariant 1).
type resampleCore struct {
	up, down int
	kernel   []float64
	order    int

	channels int
	delays   []*iirChannelState
	phase    int
}

func newResampleCore(up, down, order int, applyUpGain bool) *resampleCore {
	cutoff := 1.0 / float64(up)
	if d := 1.0 / float64(down); d < cutoff {
		cutoff = d
	}
	kernel := dsp.DesignLowpassFIR(order, cutoff)
	if applyUpGain && up > 1 {
		for i := range kernel {
			kernel[i] *= float64(up)
		}
	}
	return &resampleCore{up: up, down: down, kernel: kernel, order: len(kernel) - 1}
}

func (c *resampleCore) ensure(channels int) {
	if c.channels == channels && len(c.delays) == channels {
		return
	}
	c.channels = channels
	c.delays = make([]*iirChannelState, channels)
	for i := range c.delays {
		c.delays[i] = newIIRChannelState(c.order)
	}
}

func (c *resampleCore) step(ch int, x float64) float64 {
	order := c.order
	st := c.delays[ch]
	if order == 0 {
		return c.kernel[0] * x
	}
	y := c.kernel[0]*x + st.z[0]
	for i := 0; i < order-1; i++ {
		st.z[i] = c.kernel[i+1]*x + st.z[i+1]
	}
	st.z[order-1] = c.kernel[order] * x
	return y
}

func (c *resampleCore) process(buf Buffer) Buffer {
	frames, channels := buf.Frames(), buf.Channels
	c.ensure(channels)

	// Worst case every up-sampled position survives decimation.
	out := make([]float32, 0, (frames*c.up/c.down+2)*channels)
	for f := 0; f < frames; f++ {
		for u := 0; u < c.up; u++ {
			keep := c.phase == 0
			for ch := 0; ch < channels; ch++ {
				var val float64
				if u == 0 {
					val = float64(buf.Samples[f*channels+ch])
				}
				y := c.step(ch, val)
				if keep {
					out = append(out, float32(y))
				}
			}
			c.phase = (c.phase + 1) % c.down
		}
	}
	return Buffer{Samples: out, Channels: channels}
}

func (c *resampleCore) reset() {
	c.phase = 0
	for _, st := range c.delays {
		for i := range st.z {
			st.z[i] = 0
		}
	}
}

func (c *resampleCore) encodeState() Fields {
	chans := make([]any, len(c.delays))
	for i, st := range c.delays {
		chans[i] = Fields{"z": append([]float64(nil), st.z...)}
	}
	return Fields{"channels": chans, "phase": float64(c.phase)}
}

func (c *resampleCore) decodeState(name string, kind Kind, f Fields) error {
	raw, ok := f["channels"].([]any)
	if !ok {
		return NewError(name, kind, ErrorKindStateLoad, fmt.Errorf("%w: missing resample channel state", ErrStateLoad))
	}
	phase, _ := f["phase"].(float64)
	c.channels = len(raw)
	c.delays = make([]*iirChannelState, len(raw))
	for i, r := range raw {
		cf, ok := r.(Fields)
		if !ok {
			return NewError(name, kind, ErrorKindStateLoad, fmt.Errorf("%w: malformed resample channel state", ErrStateLoad))
		}
		z, _ := cf["z"].([]float64)
		if len(z) != c.order {
			return NewError(name, kind, ErrorKindStateLoad, fmt.Errorf("%w: resample order mismatch", ErrStateLoad))
		}
		c.delays[i] = &iirChannelState{z: append([]float64(nil), z...)}
	}
	c.phase = int(phase)
	return nil
}

type resampleSnapshot struct {
	delays []*iirChannelState
	phase  int
}

func (c *resampleCore) clone() resampleSnapshot {
	out := make([]*iirChannelState, len(c.delays))
	for i, st := range c.delays {
		out[i] = st.clone()
	}
	return resampleSnapshot{delays: out, phase: c.phase}
}

func (c *resampleCore) restore(snap resampleSnapshot) {
	c.delays = snap.delays
	c.phase = snap.phase
}

func validateOrder(name string, kind Kind, order int) (int, error) {
	if order == 0 {
		order = defaultResampleOrder
	}
	if order < 3 || order%2 == 0 {
		return 0, NewError(name, kind, ErrorKindParameter, fmt.Errorf("%w: order must be odd and >= 3, got %d", ErrParameter, order))
	}
	return order, nil
}

// InterpolateStage upsamples by an integer factor >= 2, applying an
// anti-imaging lowpass FIR (spec §4.2.7).
type InterpolateStage struct {
	BaseStage
	factor int
	core   *resampleCore
}

// NewInterpolateStage constructs an Interpolate stage.
func NewInterpolateStage(name string, factor, order int) (*InterpolateStage, error) {
	if factor < 2 {
		return nil, NewError(name, KindInterpolate, ErrorKindParameter, fmt.Errorf("%w: factor must be >= 2, got %d", ErrParameter, factor))
	}
	order, err := validateOrder(name, KindInterpolate, order)
	if err != nil {
		return nil, err
	}
	return &InterpolateStage{
		BaseStage: NewBaseStage(name, KindInterpolate, ModeMoving),
		factor:    factor,
		core:      newResampleCore(factor, 1, order, true),
	}, nil
}

func (s *InterpolateStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	return s.core.process(buf), nil
}

func (s *InterpolateStage) Reset()            { s.core.reset() }
func (s *InterpolateStage) Params() Fields    { return Fields{"factor": float64(s.factor)} }
func (s *InterpolateStage) EncodeState() Fields { return s.core.encodeState() }
func (s *InterpolateStage) DecodeState(f Fields) error {
	return s.core.decodeState(s.Name(), s.Kind(), f)
}
func (s *InterpolateStage) CloneState() any { return s.core.clone() }
func (s *InterpolateStage) RestoreState(v any) {
	if snap, ok := v.(resampleSnapshot); ok {
		s.core.restore(snap)
	}
}

// DecimateStage downsamples by an integer factor >= 2, applying an
// anti-aliasing lowpass FIR before decimation (spec §4.2.7).
type DecimateStage struct {
	BaseStage
	factor int
	core   *resampleCore
}

// NewDecimateStage constructs a Decimate stage.
func NewDecimateStage(name string, factor, order int) (*DecimateStage, error) {
	if factor < 2 {
		return nil, NewError(name, KindDecimate, ErrorKindParameter, fmt.Errorf("%w: factor must be >= 2, got %d", ErrParameter, factor))
	}
	order, err := validateOrder(name, KindDecimate, order)
	if err != nil {
		return nil, err
	}
	return &DecimateStage{
		BaseStage: NewBaseStage(name, KindDecimate, ModeMoving),
		factor:    factor,
		core:      newResampleCore(1, factor, order, false),
	}, nil
}

func (s *DecimateStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	return s.core.process(buf), nil
}

func (s *DecimateStage) Reset()            { s.core.reset() }
func (s *DecimateStage) Params() Fields    { return Fields{"factor": float64(s.factor)} }
func (s *DecimateStage) EncodeState() Fields { return s.core.encodeState() }
func (s *DecimateStage) DecodeState(f Fields) error {
	return s.core.decodeState(s.Name(), s.Kind(), f)
}
func (s *DecimateStage) CloneState() any { return s.core.clone() }
func (s *DecimateStage) RestoreState(v any) {
	if snap, ok := v.(resampleSnapshot); ok {
		s.core.restore(snap)
	}
}

// ResampleStage implements rational rate conversion upFactor/downFactor
// (spec §4.2.7).
type ResampleStage struct {
	BaseStage
	upFactor, downFactor int
	core                 *resampleCore
}

// NewResampleStage constructs a Resample stage.
func NewResampleStage(name string, upFactor, downFactor, order int) (*ResampleStage, error) {
	if upFactor < 1 || downFactor < 1 {
		return nil, NewError(name, KindResample, ErrorKindParameter, fmt.Errorf("%w: upFactor and downFactor must be positive", ErrParameter))
	}
	order, err := validateOrder(name, KindResample, order)
	if err != nil {
		return nil, err
	}
	return &ResampleStage{
		BaseStage:  NewBaseStage(name, KindResample, ModeMoving),
		upFactor:   upFactor,
		downFactor: downFactor,
		core:       newResampleCore(upFactor, downFactor, order, true),
	}, nil
}

func (s *ResampleStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	return s.core.process(buf), nil
}

func (s *ResampleStage) Reset() { s.core.reset() }
func (s *ResampleStage) Params() Fields {
	return Fields{"upFactor": float64(s.upFactor), "downFactor": float64(s.downFactor)}
}
func (s *ResampleStage) EncodeState() Fields { return s.core.encodeState() }
func (s *ResampleStage) DecodeState(f Fields) error {
	return s.core.decodeState(s.Name(), s.Kind(), f)
}
func (s *ResampleStage) CloneState() any { return s.core.clone() }
func (s *ResampleStage) RestoreState(v any) {
	if snap, ok := v.(resampleSnapshot); ok {
		s.core.restore(snap)
	}
}
