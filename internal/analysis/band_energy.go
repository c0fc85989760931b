package analysis

import (
	"errors"
	"math"
	"strconv"

	applog "github.com/nicolas-f/sonomkr-core/internal/log"
)

// ReferenceHz is the center of the octave band every other center is derived from.
const ReferenceHz = 1000.0

// FrequencyBand defines the name and frequency range for an energy band.
type FrequencyBand struct {
	Name     string
	CenterHz float64
	LowHz    float64
	HighHz   float64
	Energy   float64 // Mean-square level of the current frame.
	numBins  int
}

// OctaveBands returns up to count octave bands centered on ReferenceHz*2^k,
// the highest one being the last whose upper edge stays below Nyquist.
// The lowest band starts count-1 octaves below it.
func OctaveBands(count int, sampleRate float64) []*FrequencyBand {
	if count <= 0 || sampleRate <= 0 {
		return nil
	}
	nyquist := sampleRate / 2
	edge := math.Sqrt2

	top := math.Floor(math.Log2(nyquist / edge / ReferenceHz))
	bands := make([]*FrequencyBand, 0, count)
	for k := top - float64(count-1); k <= top; k++ {
		center := ReferenceHz * math.Exp2(k)
		bands = append(bands, &FrequencyBand{
			Name:     bandName(center),
			CenterHz: center,
			LowHz:    center / edge,
			HighHz:   center * edge,
		})
	}
	return bands
}

func bandName(center float64) string {
	if center >= 1000 {
		return strconv.FormatFloat(center/1000, 'f', -1, 64) + "k"
	}
	return strconv.FormatFloat(math.Round(center*10)/10, 'f', -1, 64)
}

// BandEnergyProcessor calculates the level of frequency bands from FFT data.
type BandEnergyProcessor struct {
	bands       []*FrequencyBand
	fftProvider FFTResultProvider
	magnitudes  []float64
}

// NewBandEnergyProcessor returns a processor computing count octave bands
// from the spectrum of fftProvider.
func NewBandEnergyProcessor(fftProvider FFTResultProvider, count int) (*BandEnergyProcessor, error) {
	if fftProvider == nil {
		return nil, errors.New("analysis: band energy requires an FFT result provider")
	}
	bands := OctaveBands(count, fftProvider.GetSampleRate())
	applog.Debugf("Analysis: Initializing BandEnergyProcessor with %d bands.", len(bands))
	return &BandEnergyProcessor{
		bands:       bands,
		fftProvider: fftProvider,
		magnitudes:  make([]float64, fftProvider.GetFFTSize()/2+1),
	}, nil
}

// Bands returns the bands with the energy of the last Process call.
func (p *BandEnergyProcessor) Bands() []*FrequencyBand { return p.bands }

// Process reads the latest spectrum from the provider and sums the bin
// energies of each band.
func (p *BandEnergyProcessor) Process() {
	if err := p.fftProvider.GetMagnitudesInto(p.magnitudes); err != nil {
		applog.Warnf("BandEnergyProcessor: %v", err)
		return
	}

	for _, band := range p.bands {
		band.Energy = 0
		band.numBins = 0
	}

	for i, m := range p.magnitudes {
		freq := p.fftProvider.GetFrequencyForBin(i)
		for _, band := range p.bands {
			if freq >= band.LowHz && freq < band.HighHz {
				band.Energy += m * m
				band.numBins++
				break
			}
		}
	}
}

// Levels writes the level of each band in dB relative to full scale into dst
// and returns it. dst is grown when too short.
func (p *BandEnergyProcessor) Levels(dst []float64) []float64 {
	dst = dst[:0]
	for _, band := range p.bands {
		dst = append(dst, Decibels(band.Energy))
	}
	return dst
}
