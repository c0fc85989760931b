package analysis

import (
	"math"
	"testing"
)

func TestLeq(t *testing.T) {
	sine := make([]float64, 4800)
	for i := range sine {
		// 100 full periods.
		sine[i] = math.Sin(2 * math.Pi * float64(i) / 48)
	}
	square := []float64{1, -1, 1, -1}

	tests := []struct {
		name    string
		samples []float64
		want    float64
	}{
		{"full scale square", square, 0},
		{"full scale sine", sine, -3.0103},
		{"half scale square", []float64{0.5, -0.5}, -6.0206},
		{"silence", make([]float64, 16), FloorDecibels},
		{"empty", nil, FloorDecibels},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Leq(tt.samples); math.Abs(got-tt.want) > 1e-3 {
				t.Errorf("Leq = %.4f, want %.4f", got, tt.want)
			}
		})
	}
}

func TestDecibelsFloor(t *testing.T) {
	if got := Decibels(1e-30); got != FloorDecibels {
		t.Errorf("Decibels(1e-30) = %v, want floor", got)
	}
	if got := Decibels(-1); got != FloorDecibels {
		t.Errorf("Decibels(-1) = %v, want floor", got)
	}
}

func TestPeak(t *testing.T) {
	if got := Peak([]float64{0.1, -0.7, 0.5}); got != 0.7 {
		t.Errorf("Peak = %v, want 0.7", got)
	}
	if got := Peak([]float64{0.1, 0.3}); got != 0.3 {
		t.Errorf("Peak = %v, want 0.3", got)
	}
	if got := Peak(nil); got != 0 {
		t.Errorf("Peak(nil) = %v", got)
	}
}
