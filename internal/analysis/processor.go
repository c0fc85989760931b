// SPDX-License-Identifier: MIT
package analysis

// BlockProcessor analyzes one block of normalized samples. Implementations
// should be efficient as this is called from a consumer hot path.
type BlockProcessor interface {
	Process(block []float32)
}

// ClosableProcessor combines BlockProcessor with a Close method for resource cleanup.
type ClosableProcessor interface {
	BlockProcessor
	Close() error // Close releases any resources held by the processor.
}

// FFTResultProvider decouples consumers of spectral data (BandEnergyProcessor)
// from the FFT implementation.
type FFTResultProvider interface {
	GetMagnitudes() []float64                // GetMagnitudes returns a thread-safe copy of the latest FFT magnitude spectrum.
	GetMagnitudesInto(dest []float64) error  // GetMagnitudesInto copies the latest spectrum into dest without allocating.
	GetFrequencyForBin(binIndex int) float64 // GetFrequencyForBin returns the center frequency (Hz) for a given FFT bin index.
	GetFFTSize() int                         // GetFFTSize returns the size (number of points) of the FFT.
	GetSampleRate() float64                  // GetSampleRate returns the sample rate used for the FFT analysis.
}
