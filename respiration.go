package rfbiom

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
)

// RespirationConfig configures the breathing-rate estimate.
type RespirationConfig struct {
	SampleRate     float64
	FFTSize        int     // zero-padded transform length, >= window length
	MinFreq        float64 // search band, Hz
	MaxFreq        float64
	SmoothingAlpha float64 // 0..1, smaller is smoother
	MaxJumpHz      float64 // larger jumps are treated as interference
}

// RespirationDetector tracks the dominant breathing frequency of a band-limited signal.
type RespirationDetector struct {
	config   RespirationConfig
	lastFreq float64
	hasLock  bool
}

// NewRespirationDetector creates a detector with no lock.
func NewRespirationDetector(cfg RespirationConfig) *RespirationDetector {
	return &RespirationDetector{config: cfg}
}

// Reset drops the current lock, e.g. once the subject leaves.
func (rd *RespirationDetector) Reset() {
	rd.lastFreq = 0
	rd.hasLock = false
}

// Detect returns the smoothed breathing frequency in Hz.
// found is false when signal is empty or no peak lies inside the band.
func (rd *RespirationDetector) Detect(signal []float64) (freq float64, found bool) {
	if len(signal) == 0 {
		return rd.lastFreq, false
	}

	spectrum := rd.computeFFT(signal)

	peak, ok := rd.findPeak(spectrum)
	if !ok {
		return rd.lastFreq, false
	}
	return rd.update(peak), true
}

// BreathsPerMinute converts a frequency in Hz.
func BreathsPerMinute(freq float64) float64 {
	return freq * 60
}

// computeFFT windows the latest FFTSize samples (or all of them) and zero-pads.
func (rd *RespirationDetector) computeFFT(signal []float64) []complex128 {
	if len(signal) > rd.config.FFTSize {
		signal = signal[len(signal)-rd.config.FFTSize:]
	}
	w := window.Hann(len(signal))
	padded := make([]float64, rd.config.FFTSize)
	for i, v := range signal {
		padded[i] = v * w[i]
	}
	return fft.FFTReal(padded)
}

// findPeak searches the band and refines the peak with parabolic interpolation.
func (rd *RespirationDetector) findPeak(spectrum []complex128) (float64, bool) {
	binRes := rd.config.SampleRate / float64(rd.config.FFTSize)
	minBin := max(1, int(math.Ceil(rd.config.MinFreq/binRes)))
	maxBin := min(len(spectrum)/2, int(rd.config.MaxFreq/binRes))

	maxMag := 0.0
	maxIndex := -1
	for i := minBin; i <= maxBin; i++ {
		if m := cmplx.Abs(spectrum[i]); m > maxMag {
			maxMag = m
			maxIndex = i
		}
	}
	if maxIndex < 0 {
		return 0, false
	}

	y1 := cmplx.Abs(spectrum[maxIndex-1])
	y3 := cmplx.Abs(spectrum[maxIndex+1])
	delta := 0.0
	if den := 2 * (2*maxMag - y1 - y3); den != 0 {
		delta = (y3 - y1) / den
	}
	return (float64(maxIndex) + delta) * binRes, true
}

// update applies jump rejection and exponential smoothing.
func (rd *RespirationDetector) update(freq float64) float64 {
	if !rd.hasLock {
		rd.lastFreq = freq
		rd.hasLock = true
		return rd.lastFreq
	}
	if math.Abs(freq-rd.lastFreq) > rd.config.MaxJumpHz {
		return rd.lastFreq
	}
	a := rd.config.SmoothingAlpha
	rd.lastFreq = (1-a)*rd.lastFreq + a*freq
	return rd.lastFreq
}
