// SPDX-License-Identifier: MIT
package analysis

import (
	"errors"
	"math"
	"testing"

	"github.com/nicolas-f/sonomkr-core/pkg/utils"
)

const (
	testFFTSize    = 1024
	testSampleRate = 44100
)

func newTestFFT(t testing.TB, w WindowFunc) *FFTProcessor {
	t.Helper()
	p, err := NewFFTProcessor(testFFTSize, testSampleRate, w)
	if err != nil {
		t.Fatalf("NewFFTProcessor: %v", err)
	}
	return p
}

func TestNewFFTProcessorErrors(t *testing.T) {
	if _, err := NewFFTProcessor(1000, testSampleRate, Hann); !errors.Is(err, ErrFFTSize) {
		t.Errorf("size 1000 error = %v, want ErrFFTSize", err)
	}
	if _, err := NewFFTProcessor(testFFTSize, 0, Hann); !errors.Is(err, ErrSampleRate) {
		t.Errorf("rate 0 error = %v, want ErrSampleRate", err)
	}
}

func TestFFTPeakBin(t *testing.T) {
	p := newTestFFT(t, Hann)

	// Bin-centered tone.
	bin := 40
	freq := float64(bin) * testSampleRate / testFFTSize
	p.Process(utils.GenerateSineWave(testFFTSize, testSampleRate, freq))

	mags := p.GetMagnitudes()
	if got := utils.FindPeakBin(mags, 0, len(mags)-1); got != bin {
		t.Errorf("peak bin = %d, want %d", got, bin)
	}
	if got := p.GetFrequencyForBin(bin); math.Abs(got-freq) > 1e-9 {
		t.Errorf("GetFrequencyForBin(%d) = %v, want %v", bin, got, freq)
	}
}

func TestFFTHarmonicPeaks(t *testing.T) {
	p := newTestFFT(t, Hann)
	p.Process(utils.GenerateComplexWave(testFFTSize, testSampleRate))
	mags := p.GetMagnitudes()

	width := float64(testSampleRate) / testFFTSize
	var prev float64
	for i, freq := range []float64{440, 880, 1320} {
		center := freq / width
		lo, hi := int(center)-5, int(center)+5
		peak := utils.FindPeakBin(mags, lo, hi)
		if math.Abs(float64(peak)-center) > 1 {
			t.Errorf("harmonic %v Hz peaks at bin %d, want near %.1f", freq, peak, center)
		}
		// Harmonic amplitudes decrease.
		if i > 0 && mags[peak] >= prev {
			t.Errorf("harmonic %v Hz magnitude %v not below %v", freq, mags[peak], prev)
		}
		prev = mags[peak]
	}
}

func TestFFTMagnitudeScaling(t *testing.T) {
	for _, w := range []WindowFunc{Hann, Hamming, Blackman, Rectangular} {
		t.Run(w.String(), func(t *testing.T) {
			p := newTestFFT(t, w)
			freq := 64.0 * testSampleRate / testFFTSize
			p.Process(utils.GenerateSineWave(testFFTSize, testSampleRate, freq))

			var sum float64
			for _, m := range p.GetMagnitudes() {
				sum += m * m
			}
			// Mean square of a 0.9 amplitude sine.
			want := 0.9 * 0.9 / 2
			if math.Abs(sum-want)/want > 0.02 {
				t.Errorf("sum of squared magnitudes = %.4f, want %.4f", sum, want)
			}
		})
	}
}

func TestFFTZeroPadsShortBlocks(t *testing.T) {
	p := newTestFFT(t, Hann)
	p.Process(utils.GenerateSineWave(testFFTSize, testSampleRate, 1000))
	p.Process(nil)
	for i, m := range p.GetMagnitudes() {
		if m != 0 {
			t.Fatalf("magnitude[%d] = %v after empty block, want 0", i, m)
		}
	}
}

func TestGetMagnitudesInto(t *testing.T) {
	p := newTestFFT(t, Hann)
	if err := p.GetMagnitudesInto(make([]float64, 3)); !errors.Is(err, ErrMagnitudeSize) {
		t.Errorf("error = %v, want ErrMagnitudeSize", err)
	}
	if err := p.GetMagnitudesInto(make([]float64, testFFTSize/2+1)); err != nil {
		t.Errorf("GetMagnitudesInto: %v", err)
	}
}

func TestParseWindowFunc(t *testing.T) {
	tests := []struct {
		name    string
		want    WindowFunc
		wantErr bool
	}{
		{"Hann", Hann, false},
		{"hanning", Hann, false},
		{"", Hann, false},
		{"HAMMING", Hamming, false},
		{"BlackmanNuttall", BlackmanNuttall, false},
		{"none", Rectangular, false},
		{"kaiser", Hann, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseWindowFunc(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFFTHotPath(t *testing.T) {
	p := newTestFFT(t, Hann)
	input := utils.GenerateComplexWave(testFFTSize, testSampleRate)

	// Warm-up call so lazily allocated state is not counted.
	p.Process(input)
	allocs := testing.AllocsPerRun(100, func() {
		p.Process(input)
	})
	if allocs > 0 {
		t.Errorf("Expected zero allocations in FFT Process hot path, got %.1f", allocs)
	}
}

func TestGetFrequencyForBinZeroAllocs(t *testing.T) {
	p := newTestFFT(t, Hann)
	allocs := testing.AllocsPerRun(100, func() {
		_ = p.GetFrequencyForBin(0)               // DC component
		_ = p.GetFrequencyForBin(10)              // Low frequency
		_ = p.GetFrequencyForBin(testFFTSize / 2) // Nyquist frequency
		_ = p.GetFrequencyForBin(-1)              // Out of range
	})
	if allocs > 0 {
		t.Errorf("Expected zero allocations in GetFrequencyForBin, got %.1f", allocs)
	}
}

func BenchmarkProcess(b *testing.B) {
	p := newTestFFT(b, Hann)
	input := utils.GenerateComplexWave(testFFTSize, testSampleRate)

	b.ReportAllocs()
	for b.Loop() {
		p.Process(input)
	}
}
