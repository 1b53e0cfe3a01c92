package dsp

import "math"

// BiquadCoeffs holds a single second-order-section's numerator (b) and
// denominator (a) coefficients, already normalized so a[0] == 1.
type BiquadCoeffs struct {
	B [3]float64
	A [3]float64
}

// FilterKind names the family a coefficient factory designs for. These are
// parameter factories only (spec §4.2.6): they compute IIR coefficients,
// they carry no state of their own.
type FilterKind string

const (
	FilterLowpass  FilterKind = "lowpass"
	FilterHighpass FilterKind = "highpass"
	FilterBandpass FilterKind = "bandpass"
	FilterNotch    FilterKind = "notch"
	FilterPeakEQ   FilterKind = "peakingEQ"
)

// DesignButterworthBiquad designs a single second-order Butterworth section
// (the maximally-flat response) for the given kind, cutoff frequency and
// sample rate, using the Audio EQ Cookbook RBJ formulation — the same
// derivation the teacher pack's convolution/biquad reference files use for
// their lowpass/highpass sections.
func DesignButterworthBiquad(kind FilterKind, cutoffHz, sampleRate, q float64) BiquadCoeffs {
	if q <= 0 {
		q = math.Sqrt2 / 2
	}
	w0 := 2 * math.Pi * cutoffHz / sampleRate
	cosW0 := math.Cos(w0)
	sinW0 := math.Sin(w0)
	alpha := sinW0 / (2 * q)

	var b0, b1, b2, a0, a1, a2 float64
	switch kind {
	case FilterHighpass:
		b0 = (1 + cosW0) / 2
		b1 = -(1 + cosW0)
		b2 = (1 + cosW0) / 2
		a0 = 1 + alpha
		a1 = -2 * cosW0
		a2 = 1 - alpha
	case FilterBandpass:
		b0 = alpha
		b1 = 0
		b2 = -alpha
		a0 = 1 + alpha
		a1 = -2 * cosW0
		a2 = 1 - alpha
	case FilterNotch:
		b0 = 1
		b1 = -2 * cosW0
		b2 = 1
		a0 = 1 + alpha
		a1 = -2 * cosW0
		a2 = 1 - alpha
	case FilterPeakEQ:
		// Unity-gain peaking EQ: numerator and denominator are identical, so
		// the section passes the signal unchanged (H(z) = 1); callers
		// wanting true gain should scale b externally.
		b0 = 1 + alpha
		b1 = -2 * cosW0
		b2 = 1 - alpha
		a0 = 1 + alpha
		a1 = -2 * cosW0
		a2 = 1 - alpha
	case FilterLowpass:
		fallthrough
	default:
		b0 = (1 - cosW0) / 2
		b1 = 1 - cosW0
		b2 = (1 - cosW0) / 2
		a0 = 1 + alpha
		a1 = -2 * cosW0
		a2 = 1 - alpha
	}

	return BiquadCoeffs{
		B: [3]float64{b0 / a0, b1 / a0, b2 / a0},
		A: [3]float64{1, a1 / a0, a2 / a0},
	}
}

// DesignChebyshevBiquad designs a Chebyshev Type I section. rippleDB
// controls passband ripple; the pole placement uses the standard Chebyshev
// prototype warped onto a single RBJ-style biquad section.
func DesignChebyshevBiquad(kind FilterKind, cutoffHz, sampleRate, rippleDB float64) BiquadCoeffs {
	eps := math.Sqrt(math.Pow(10, rippleDB/10) - 1)
	if eps <= 0 {
		eps = 0.01
	}
	// A single-section approximation: use the Chebyshev Q derived from the
	// ripple factor in place of the Butterworth Q=1/sqrt(2).
	q := 1 / (2 * math.Sinh(math.Asinh(1/eps)/2))
	return DesignButterworthBiquad(kind, cutoffHz, sampleRate, q)
}

// DesignBesselBiquad designs a Bessel (maximally-flat group delay) section.
// Bessel sections use a lower Q than Butterworth for the same order to
// trade off roll-off steepness for phase linearity.
func DesignBesselBiquad(kind FilterKind, cutoffHz, sampleRate float64) BiquadCoeffs {
	const besselQ = 0.5773502691896258 // 1/sqrt(3), first-order Bessel pole pair Q
	return DesignButterworthBiquad(kind, cutoffHz, sampleRate, besselQ)
}

// DesignPeakingEQBiquad designs a peaking-EQ section with an explicit gain
// in dB, per the RBJ cookbook.
func DesignPeakingEQBiquad(centerHz, sampleRate, q, gainDB float64) BiquadCoeffs {
	a := math.Pow(10, gainDB/40)
	w0 := 2 * math.Pi * centerHz / sampleRate
	cosW0 := math.Cos(w0)
	sinW0 := math.Sin(w0)
	alpha := sinW0 / (2 * q)

	b0 := 1 + alpha*a
	b1 := -2 * cosW0
	b2 := 1 - alpha*a
	a0 := 1 + alpha/a
	a1 := -2 * cosW0
	a2 := 1 - alpha/a

	return BiquadCoeffs{
		B: [3]float64{b0 / a0, b1 / a0, b2 / a0},
		A: [3]float64{1, a1 / a0, a2 / a0},
	}
}

// NormalizeIIR normalizes a raw (b, a) coefficient pair so a[0] == 1,
// per spec §4.2.6 ("a[0] treated as 1, normalization required if
// non-unit").
func NormalizeIIR(b, a []float64) (nb, na []float64) {
	if len(a) == 0 || a[0] == 1 {
		return append([]float64(nil), b...), append([]float64(nil), a...)
	}
	a0 := a[0]
	nb = make([]float64, len(b))
	na = make([]float64, len(a))
	for i, v := range b {
		nb[i] = v / a0
	}
	for i, v := range a {
		na[i] = v / a0
	}
	return nb, na
}
