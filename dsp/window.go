// Package dsp provides the numeric primitives shared by pipeline stages:
// windowing functions, a radix-2 FFT/DFT, biquad filter design, and small
// dot-product / matrix-vector helpers. None of it is stateful; stages own
// the per-channel state built on top of these kernels.
package dsp

import "math"

// WindowKind names a supported analysis window.
type WindowKind string

// Supported window kinds, matching spec §4.2.8.
const (
	WindowHann     WindowKind = "hann"
	WindowHamming  WindowKind = "hamming"
	WindowBlackman WindowKind = "blackman"
	WindowBartlett WindowKind = "bartlett"
	WindowNone     WindowKind = "none"
)

// Window returns a window of length n for the given kind. Unknown kinds
// behave as WindowNone (all ones), since parameter validation is the
// caller's responsibility at stage-construction time.
func Window(kind WindowKind, n int) []float32 {
	w := make([]float32, n)
	if n == 0 {
		return w
	}
	if n == 1 {
		w[0] = 1
		return w
	}
	denom := float64(n - 1)
	for i := 0; i < n; i++ {
		t := float64(i) / denom
		switch kind {
		case WindowHamming:
			w[i] = float32(0.54 - 0.46*math.Cos(2*math.Pi*t))
		case WindowBlackman:
			w[i] = float32(0.42 - 0.5*math.Cos(2*math.Pi*t) + 0.08*math.Cos(4*math.Pi*t))
		case WindowBartlett:
			w[i] = float32(1 - math.Abs(2*t-1))
		case WindowNone:
			w[i] = 1
		case WindowHann:
			fallthrough
		default:
			w[i] = float32(0.5 - 0.5*math.Cos(2*math.Pi*t))
		}
	}
	return w
}

// ApplyWindow multiplies src by the window in place, writing into dst
// (which may alias src).
func ApplyWindow(dst, src, w []float32) {
	for i := range src {
		dst[i] = src[i] * w[i]
	}
}
