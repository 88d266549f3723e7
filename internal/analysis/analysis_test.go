package analysis

import (
	"math"
	"testing"
)

func TestPowerSpectrumPadsToPowerOfTwo(t *testing.T) {
	ps := PowerSpectrum(make([]float64, 100))
	if len(ps) != 64 {
		t.Errorf("expected 64 bins for 100 samples padded to 128, got %d", len(ps))
	}
}

func TestDominantFrequencySine(t *testing.T) {
	// 2 Hz sine sampled at 128 Hz for 2 seconds.
	dt := 1.0 / 128.0
	samples := make([]float64, 256)
	for i := range samples {
		samples[i] = math.Sin(2 * math.Pi * 2 * float64(i) * dt)
	}

	freq := DominantFrequency(samples, dt)
	if math.Abs(freq-2) > 0.5 {
		t.Errorf("expected dominant frequency near 2 Hz, got %v", freq)
	}
}

func TestDominantFrequencyConstantSignal(t *testing.T) {
	samples := []float64{5, 5, 5, 5, 5, 5, 5, 5}
	if freq := DominantFrequency(samples, 0.1); freq != 0 {
		t.Errorf("expected no dominant frequency for constant signal, got %v", freq)
	}
}

func TestDominantFrequencyDegenerateInputs(t *testing.T) {
	if freq := DominantFrequency(nil, 0.1); freq != 0 {
		t.Errorf("expected 0 for empty signal, got %v", freq)
	}
	if freq := DominantFrequency([]float64{1, 2, 3}, 0); freq != 0 {
		t.Errorf("expected 0 for zero sample interval, got %v", freq)
	}
}

func TestStats(t *testing.T) {
	min, max, mean := Stats([]float64{2, -1, 4, 3})
	if min != -1 || max != 4 || mean != 2 {
		t.Errorf("expected (-1, 4, 2), got (%v, %v, %v)", min, max, mean)
	}

	min, max, mean = Stats(nil)
	if min != 0 || max != 0 || mean != 0 {
		t.Error("expected zeros for empty trace")
	}
}
