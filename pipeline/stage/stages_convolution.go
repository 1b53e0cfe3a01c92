package stage

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/A-KGeorge/dspx-sub002/dsp"
)

// ConvolutionMethod selects the kernel implementation for batch-mode
// convolution (spec §4.2.6).
type ConvolutionMethod string

const (
	ConvAuto   ConvolutionMethod = "auto"
	ConvDirect ConvolutionMethod = "direct"
	ConvFFT    ConvolutionMethod = "fft"
)

const defaultAutoThreshold = 64

// ConvolutionStage implements spec §4.2.6's Convolution stage: moving mode
// is causal FIR convolution (same frame count as input, ring-buffered
// delay line of length len(kernel)-1); batch mode is "valid" convolution,
// producing N-M+1 frames per call.
type ConvolutionStage struct {
	BaseStage
	kernel        []float32
	method        ConvolutionMethod
	autoThreshold int

	channels int
	delays   []*ring
}

// NewConvolutionStage constructs a Convolution stage.
func NewConvolutionStage(name string, kernel []float32, mode Mode, method ConvolutionMethod, autoThreshold int) (*ConvolutionStage, error) {
	if len(kernel) == 0 {
		return nil, NewError(name, KindConvolution, ErrorKindParameter, fmt.Errorf("%w: convolution kernel must not be empty", ErrParameter))
	}
	if method == "" {
		method = ConvAuto
	}
	if autoThreshold <= 0 {
		autoThreshold = defaultAutoThreshold
	}
	return &ConvolutionStage{
		BaseStage:     NewBaseStage(name, KindConvolution, mode),
		kernel:        append([]float32(nil), kernel...),
		method:        method,
		autoThreshold: autoThreshold,
	}, nil
}

func (s *ConvolutionStage) useFFT() bool {
	switch s.method {
	case ConvFFT:
		return true
	case ConvDirect:
		return false
	default:
		return len(s.kernel) >= s.autoThreshold
	}
}

func (s *ConvolutionStage) ensure(channels int) {
	if s.channels == channels && len(s.delays) == channels {
		return
	}
	s.channels = channels
	order := len(s.kernel) - 1
	s.delays = make([]*ring, channels)
	for c := range s.delays {
		s.delays[c] = newRing(maxInt(order, 1))
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// causalConvolve runs the causal FIR recursion for one channel, consuming
// and updating the channel's delay ring.
func (s *ConvolutionStage) causalConvolve(r *ring, x []float32, out []float32, stride, offset int) {
	order := len(s.kernel) - 1
	for _, xn := range x {
		y := float64(xn) * float64(s.kernel[0])
		for i := 0; i < order; i++ {
			// 0 = most recently pushed historical sample.
			var hist float32
			if i < r.count {
				hist = r.at(r.count - 1 - i)
			}
			y += float64(hist) * float64(s.kernel[i+1])
		}
		r.push(xn)
		out[offset] = float32(y)
		offset += stride
	}
}

// validConvolveDirect computes valid-mode correlation: y[n] = sum_i
// x[n+i]*k[i], i.e. the literal scenario from spec §8 Scenario F (no
// kernel flip).
func validConvolveDirect(x, k []float32) []float32 {
	m := len(k)
	n := len(x)
	if n < m {
		return nil
	}
	out := make([]float32, n-m+1)
	for pos := range out {
		var acc float64
		for i := 0; i < m; i++ {
			acc += float64(x[pos+i]) * float64(k[i])
		}
		out[pos] = float32(acc)
	}
	return out
}

// validConvolveFFT computes the same valid-mode result via zero-padded
// FFT multiplication (overlap-save style single block), used once the
// kernel is long enough that direct O(N*M) work is wasteful.
func validConvolveFFT(x, k []float32) []float32 {
	m := len(k)
	n := len(x)
	if n < m {
		return nil
	}
	size := 1
	for size < n+m-1 {
		size <<= 1
	}
	xf := make([]dsp.Complex, size)
	for i, v := range x {
		xf[i] = dsp.Complex{Re: float64(v)}
	}
	kf := make([]dsp.Complex, size)
	// Reverse the kernel here so full linear convolution of x with the
	// reversed kernel reproduces the no-flip correlation of validConvolveDirect.
	for i, v := range k {
		kf[m-1-i] = dsp.Complex{Re: float64(v)}
	}
	dsp.FFT(xf)
	dsp.FFT(kf)
	for i := range xf {
		xf[i] = dsp.Complex{
			Re: xf[i].Re*kf[i].Re - xf[i].Im*kf[i].Im,
			Im: xf[i].Re*kf[i].Im + xf[i].Im*kf[i].Re,
		}
	}
	dsp.IFFT(xf)
	out := make([]float32, n-m+1)
	for pos := range out {
		out[pos] = float32(xf[pos+m-1].Re)
	}
	return out
}

func (s *ConvolutionStage) ProcessBlock(ctx context.Context, buf Buffer, _ ProcessOptions) (Buffer, error) {
	if err := buf.Validate(); err != nil {
		return Buffer{}, NewError(s.Name(), s.Kind(), ErrorKindShape, err)
	}
	frames, channels := buf.Frames(), buf.Channels

	if s.Mode() == ModeBatch {
		m := len(s.kernel)
		outFrames := frames - m + 1
		if outFrames < 0 {
			outFrames = 0
		}
		out := NewBuffer(outFrames, channels)
		if outFrames == 0 {
			return out, nil
		}
		g, _ := errgroup.WithContext(ctx)
		for c := 0; c < channels; c++ {
			c := c
			g.Go(func() error {
				x := make([]float32, frames)
				for f := 0; f < frames; f++ {
					x[f] = buf.Samples[f*channels+c]
				}
				var y []float32
				if s.useFFT() {
					y = validConvolveFFT(x, s.kernel)
				} else {
					y = validConvolveDirect(x, s.kernel)
				}
				for f := 0; f < outFrames; f++ {
					out.Samples[f*channels+c] = y[f]
				}
				return nil
			})
		}
		_ = g.Wait()
		return out, nil
	}

	s.ensure(channels)
	out := NewBuffer(frames, channels)
	for c := 0; c < channels; c++ {
		x := make([]float32, frames)
		y := make([]float32, frames)
		for f := 0; f < frames; f++ {
			x[f] = buf.Samples[f*channels+c]
		}
		s.causalConvolve(s.delays[c], x, y, 1, 0)
		for f := 0; f < frames; f++ {
			out.Samples[f*channels+c] = y[f]
		}
	}
	return out, nil
}

func (s *ConvolutionStage) Reset() {
	for _, r := range s.delays {
		r.reset()
	}
}

func (s *ConvolutionStage) Params() Fields {
	return Fields{
		"mode":   string(s.Mode()),
		"kernel": float64Slice(s.kernel),
	}
}

func (s *ConvolutionStage) EncodeState() Fields {
	chans := make([]any, len(s.delays))
	for i, r := range s.delays {
		chans[i] = Fields{"history": float64Slice(r.values())}
	}
	return Fields{"channels": chans}
}

func (s *ConvolutionStage) DecodeState(f Fields) error {
	raw, ok := f["channels"].([]any)
	if !ok {
		return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: missing convolution channel state", ErrStateLoad))
	}
	order := len(s.kernel) - 1
	s.channels = len(raw)
	s.delays = make([]*ring, len(raw))
	for i, r := range raw {
		cf, ok := r.(Fields)
		if !ok {
			return NewError(s.Name(), s.Kind(), ErrorKindStateLoad, fmt.Errorf("%w: malformed convolution channel state", ErrStateLoad))
		}
		hist, _ := cf["history"].([]float64)
		nr := newRing(maxInt(order, 1))
		nr.restoreValues(float32Slice(hist), maxInt(order, 1))
		s.delays[i] = nr
	}
	return nil
}

func (s *ConvolutionStage) CloneState() any {
	out := make([]*ring, len(s.delays))
	for i, r := range s.delays {
		out[i] = r.clone()
	}
	return out
}

func (s *ConvolutionStage) RestoreState(v any) {
	if delays, ok := v.([]*ring); ok {
		s.delays = delays
	}
}
