// Package analysis extracts summary characteristics from evaluated output
// traces: power spectra and dominant frequencies of a time-sampled signal.
package analysis

import (
	"math"
	"math/cmplx"
)

func fft(data []complex128) []complex128 {
	n := len(data)
	if n <= 1 {
		return data
	}

	even := make([]complex128, n/2)
	odd := make([]complex128, n/2)
	for i := 0; i < n/2; i++ {
		even[i] = data[2*i]
		odd[i] = data[2*i+1]
	}

	feven := fft(even)
	fodd := fft(odd)

	result := make([]complex128, n)
	for k := 0; k < n/2; k++ {
		w := cmplx.Exp(complex(0, -2*math.Pi*float64(k)/float64(n)))
		result[k] = feven[k] + w*fodd[k]
		result[k+n/2] = feven[k] - w*fodd[k]
	}
	return result
}

// PowerSpectrum returns the magnitude spectrum of a signal up to the
// Nyquist bin. The signal is zero-padded to the next power of two, so any
// sample count is accepted.
func PowerSpectrum(samples []float64) []float64 {
	n := 1
	for n < len(samples) {
		n *= 2
	}
	padded := make([]complex128, n)
	for i, v := range samples {
		padded[i] = complex(v, 0)
	}

	spectrum := fft(padded)
	ps := make([]float64, len(spectrum)/2)
	for i := range ps {
		ps[i] = cmplx.Abs(spectrum[i])
	}
	return ps
}

// DominantFrequency returns the strongest non-DC frequency of a signal
// sampled every dt seconds, in hertz. Zero means no oscillation was found.
func DominantFrequency(samples []float64, dt float64) float64 {
	if len(samples) < 2 || dt <= 0 {
		return 0
	}
	ps := PowerSpectrum(samples)

	maxPower := 0.0
	maxIdx := 0
	for i := 1; i < len(ps); i++ {
		if ps[i] > maxPower {
			maxPower = ps[i]
			maxIdx = i
		}
	}
	// Rounding noise in the transform leaves the non-DC bins of a flat
	// signal slightly above zero.
	floor := 1e-9 * math.Max(ps[0], 1)
	if maxIdx == 0 || maxPower < floor {
		return 0
	}

	// Bin width is sample rate over padded length; ps covers half of it.
	return float64(maxIdx) / (float64(2*len(ps)) * dt)
}

// Stats returns the minimum, maximum and mean of a trace.
func Stats(samples []float64) (min, max, mean float64) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	min, max = samples[0], samples[0]
	var sum float64
	for _, v := range samples {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	return min, max, sum / float64(len(samples))
}
