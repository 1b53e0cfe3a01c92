package stage

import (
	"context"
	"fmt"

	"github.com/A-KGeorge/dspx-sub002/dsp"
)

// linearMapCore applies a fixed, memoryless linear map y = W*(x - mean) to
// every frame (spec §4.2.9: PcaTransform, IcaTransform, WhiteningTransform,
// CspTransform). W is stored numComponents x numChannels, column-major, the
// layout dsp.MatVec expects directly. Output always carries numChannels
// channels; components beyond numComponents are zero-filled.
type linearMapCore struct {
	w            []float64 // numComponents x numChannels, column-major
	mean         []float64 // length numChannels, may be nil (no centering)
	numChannels  int
	numComponents int
}

func newLinearMapCore(w []float64, numComponents, numChannels int, mean []float64) *linearMapCore {
	return &linearMapCore{w: w, mean: mean, numChannels: numChannels, numComponents: numComponents}
}

// pcaColumnsToW transposes PCA's natural "numChannels x numComponents,
// column-major" eigenvector layout (each column is one principal
// component's loadings) into the numComponents x numChannels, column-major
// layout linearMapCore/dsp.MatVec expect.
func pcaColumnsToW(components []float64, numChannels, numComponents int) []float64 {
	w := make([]float64, numComponents*numChannels)
	for c := 0; c < numComponents; c++ {
		for ch := 0; ch < numChannels; ch++ {
			w[ch*numComponents+c] = components[c*numChannels+ch]
		}
	}
	return w
}

func (c *linearMapCore) process(buf Buffer) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, err
	}
	frames, channels := buf.Frames(), buf.Channels
	if channels != c.numChannels {
		return Buffer{}, fmt.Errorf("%w: expected %d input channels, got %d", ErrShape, c.numChannels, channels)
	}
	out := NewBuffer(frames, channels)
	centered := make([]float64, channels)
	y := make([]float64, c.numComponents)
	for f := 0; f < frames; f++ {
		for ch := 0; ch < channels; ch++ {
			v := float64(buf.Samples[f*channels+ch])
			if c.mean != nil {
				v -= c.mean[ch]
			}
			centered[ch] = v
		}
		dsp.MatVec(c.w, c.numComponents, c.numChannels, centered, y)
		for k := 0; k < channels; k++ {
			if k < c.numComponents {
				out.Samples[f*channels+k] = float32(y[k])
			} else {
				out.Samples[f*channels+k] = 0
			}
		}
	}
	return out, nil
}

func (c *linearMapCore) params() Fields {
	return Fields{
		"numChannels":   float64(c.numChannels),
		"numComponents": float64(c.numComponents),
	}
}

// PcaTransformStage projects centered input onto a fixed set of principal
// components (spec §4.2.9). Stateless and memoryless: identical in moving
// and batch mode.
type PcaTransformStage struct {
	BaseStage
	core *linearMapCore
}

// NewPcaTransformStage constructs a PcaTransform stage. components is
// numChannels x numComponents, column-major (one column per principal
// component); mean, if non-nil, must have length numChannels.
func NewPcaTransformStage(name string, components []float64, numChannels, numComponents int, mean []float64) (*PcaTransformStage, error) {
	if numChannels <= 0 || numComponents <= 0 || numComponents > numChannels {
		return nil, NewError(name, KindPcaTransform, ErrorKindParameter, fmt.Errorf("%w: invalid numChannels/numComponents", ErrParameter))
	}
	if len(components) != numChannels*numComponents {
		return nil, NewError(name, KindPcaTransform, ErrorKindParameter, fmt.Errorf("%w: components length mismatch", ErrParameter))
	}
	if mean != nil && len(mean) != numChannels {
		return nil, NewError(name, KindPcaTransform, ErrorKindParameter, fmt.Errorf("%w: mean length mismatch", ErrParameter))
	}
	w := pcaColumnsToW(components, numChannels, numComponents)
	return &PcaTransformStage{
		BaseStage: NewBaseStage(name, KindPcaTransform, ModeMoving),
		core:      newLinearMapCore(w, numComponents, numChannels, mean),
	}, nil
}

func (s *PcaTransformStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	out, err := s.core.process(buf)
	if err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	return out, nil
}
func (s *PcaTransformStage) Reset()                     {}
func (s *PcaTransformStage) Params() Fields              { return s.core.params() }
func (s *PcaTransformStage) EncodeState() Fields         { return Fields{} }
func (s *PcaTransformStage) DecodeState(Fields) error    { return nil }
func (s *PcaTransformStage) CloneState() any             { return nil }
func (s *PcaTransformStage) RestoreState(any)            {}

// IcaTransformStage applies a fixed unmixing matrix to recover independent
// source components (spec §4.2.9).
type IcaTransformStage struct {
	BaseStage
	core *linearMapCore
}

// NewIcaTransformStage constructs an IcaTransform stage. unmixing is
// numComponents x numChannels, column-major.
func NewIcaTransformStage(name string, unmixing []float64, numChannels, numComponents int, mean []float64) (*IcaTransformStage, error) {
	if numChannels <= 0 || numComponents <= 0 || numComponents > numChannels {
		return nil, NewError(name, KindIcaTransform, ErrorKindParameter, fmt.Errorf("%w: invalid numChannels/numComponents", ErrParameter))
	}
	if len(unmixing) != numComponents*numChannels {
		return nil, NewError(name, KindIcaTransform, ErrorKindParameter, fmt.Errorf("%w: unmixing matrix length mismatch", ErrParameter))
	}
	return &IcaTransformStage{
		BaseStage: NewBaseStage(name, KindIcaTransform, ModeMoving),
		core:      newLinearMapCore(append([]float64(nil), unmixing...), numComponents, numChannels, mean),
	}, nil
}

func (s *IcaTransformStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	out, err := s.core.process(buf)
	if err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	return out, nil
}
func (s *IcaTransformStage) Reset()                  {}
func (s *IcaTransformStage) Params() Fields          { return s.core.params() }
func (s *IcaTransformStage) EncodeState() Fields     { return Fields{} }
func (s *IcaTransformStage) DecodeState(Fields) error { return nil }
func (s *IcaTransformStage) CloneState() any         { return nil }
func (s *IcaTransformStage) RestoreState(any)        {}

// WhiteningTransformStage decorrelates and unit-scales channels via a fixed
// numChannels x numChannels whitening matrix (spec §4.2.9).
type WhiteningTransformStage struct {
	BaseStage
	core *linearMapCore
}

// NewWhiteningTransformStage constructs a WhiteningTransform stage. matrix
// is numChannels x numChannels, column-major.
func NewWhiteningTransformStage(name string, matrix []float64, numChannels int, mean []float64) (*WhiteningTransformStage, error) {
	if numChannels <= 0 {
		return nil, NewError(name, KindWhiteningTransform, ErrorKindParameter, fmt.Errorf("%w: numChannels must be positive", ErrParameter))
	}
	if len(matrix) != numChannels*numChannels {
		return nil, NewError(name, KindWhiteningTransform, ErrorKindParameter, fmt.Errorf("%w: whitening matrix length mismatch", ErrParameter))
	}
	return &WhiteningTransformStage{
		BaseStage: NewBaseStage(name, KindWhiteningTransform, ModeMoving),
		core:      newLinearMapCore(append([]float64(nil), matrix...), numChannels, numChannels, mean),
	}, nil
}

func (s *WhiteningTransformStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	out, err := s.core.process(buf)
	if err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	return out, nil
}
func (s *WhiteningTransformStage) Reset()                  {}
func (s *WhiteningTransformStage) Params() Fields          { return s.core.params() }
func (s *WhiteningTransformStage) EncodeState() Fields     { return Fields{} }
func (s *WhiteningTransformStage) DecodeState(Fields) error { return nil }
func (s *WhiteningTransformStage) CloneState() any         { return nil }
func (s *WhiteningTransformStage) RestoreState(any)        {}

// CspTransformStage projects multi-channel input onto a fixed set of common
// spatial pattern filters (spec §4.2.9), the same shape as ICA but derived
// from class-discriminative covariance rather than independence.
type CspTransformStage struct {
	BaseStage
	core *linearMapCore
}

// NewCspTransformStage constructs a CspTransform stage. filters is
// numComponents x numChannels, column-major.
func NewCspTransformStage(name string, filters []float64, numChannels, numComponents int, mean []float64) (*CspTransformStage, error) {
	if numChannels <= 0 || numComponents <= 0 || numComponents > numChannels {
		return nil, NewError(name, KindCspTransform, ErrorKindParameter, fmt.Errorf("%w: invalid numChannels/numComponents", ErrParameter))
	}
	if len(filters) != numComponents*numChannels {
		return nil, NewError(name, KindCspTransform, ErrorKindParameter, fmt.Errorf("%w: filter matrix length mismatch", ErrParameter))
	}
	return &CspTransformStage{
		BaseStage: NewBaseStage(name, KindCspTransform, ModeMoving),
		core:      newLinearMapCore(append([]float64(nil), filters...), numComponents, numChannels, mean),
	}, nil
}

func (s *CspTransformStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	out, err := s.core.process(buf)
	if err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	return out, nil
}
func (s *CspTransformStage) Reset()                  {}
func (s *CspTransformStage) Params() Fields          { return s.core.params() }
func (s *CspTransformStage) EncodeState() Fields     { return Fields{} }
func (s *CspTransformStage) DecodeState(Fields) error { return nil }
func (s *CspTransformStage) CloneState() any         { return nil }
func (s *CspTransformStage) RestoreState(any)        {}
