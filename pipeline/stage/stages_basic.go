package stage

import (
	"context"
	"fmt"
)

// RectifyMode selects full-wave or half-wave rectification.
type RectifyMode string

const (
	RectifyFull RectifyMode = "full"
	RectifyHalf RectifyMode = "half"
)

// RectifyStage implements spec §4.2.1: a pure, stateless function applied
// in place.
type RectifyStage struct {
	BaseStage
	rectMode RectifyMode
}

// NewRectifyStage constructs a Rectify stage. An empty mode defaults to
// full-wave rectification.
func NewRectifyStage(name string, mode RectifyMode) (*RectifyStage, error) {
	if mode == "" {
		mode = RectifyFull
	}
	if mode != RectifyFull && mode != RectifyHalf {
		return nil, NewError(name, KindRectify, ErrorKindParameter, fmt.Errorf("%w: unknown rectify mode %q", ErrParameter, mode))
	}
	return &RectifyStage{
		BaseStage: NewBaseStage(name, KindRectify, ModeBatch),
		rectMode:  mode,
	}, nil
}

func (s *RectifyStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	if s.rectMode == RectifyHalf {
		for i, v := range buf.Samples {
			if v < 0 {
				buf.Samples[i] = 0
			}
		}
	} else {
		for i, v := range buf.Samples {
			if v < 0 {
				buf.Samples[i] = -v
			}
		}
	}
	return buf, nil
}

func (s *RectifyStage) Reset()                 {}
func (s *RectifyStage) Params() Fields         { return Fields{"mode": string(s.rectMode)} }
func (s *RectifyStage) EncodeState() Fields    { return Fields{} }
func (s *RectifyStage) DecodeState(Fields) error { return nil }
func (s *RectifyStage) CloneState() any        { return nil }
func (s *RectifyStage) RestoreState(any)       {}

// AmplifyStage scales every sample by a constant gain. Pure function, no
// state; listed in spec §6's stable stage-kind identifiers alongside the
// other in-place transforms.
type AmplifyStage struct {
	BaseStage
	gain float64
}

// NewAmplifyStage constructs an Amplify stage.
func NewAmplifyStage(name string, gain float64) *AmplifyStage {
	return &AmplifyStage{
		BaseStage: NewBaseStage(name, KindAmplify, ModeBatch),
		gain:      gain,
	}
}

func (s *AmplifyStage) ProcessBlock(_ context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	g := float32(s.gain)
	for i, v := range buf.Samples {
		buf.Samples[i] = v * g
	}
	return buf, nil
}

func (s *AmplifyStage) Reset()                 {}
func (s *AmplifyStage) Params() Fields         { return Fields{"gain": s.gain} }
func (s *AmplifyStage) EncodeState() Fields    { return Fields{} }
func (s *AmplifyStage) DecodeState(Fields) error { return nil }
func (s *AmplifyStage) CloneState() any        { return nil }
func (s *AmplifyStage) RestoreState(any)       {}
