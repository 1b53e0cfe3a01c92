package dsp

import "math"

// DesignLowpassFIR designs a windowed-sinc lowpass FIR with numTaps
// coefficients (ideally odd, per spec §4.2.7's "order (odd)" parameter),
// unity DC gain, and cutoff expressed as a fraction of Nyquist (1.0 ==
// Nyquist). Used by Interpolate/Decimate/Resample for anti-imaging /
// anti-aliasing filtering.
func DesignLowpassFIR(numTaps int, cutoff float64) []float64 {
	if numTaps < 1 {
		numTaps = 1
	}
	if cutoff <= 0 {
		cutoff = 1e-6
	}
	if cutoff > 1 {
		cutoff = 1
	}
	taps := make([]float64, numTaps)
	m := float64(numTaps-1) / 2
	win := Window(WindowHamming, numTaps)
	wc := math.Pi * cutoff

	var sum float64
	for i := 0; i < numTaps; i++ {
		x := float64(i) - m
		var h float64
		if x == 0 {
			h = wc / math.Pi
		} else {
			h = math.Sin(wc*x) / (math.Pi * x)
		}
		h *= float64(win[i])
		taps[i] = h
		sum += h
	}
	if sum != 0 {
		for i := range taps {
			taps[i] /= sum
		}
	}
	return taps
}
