package rfbiom

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// VitalsReading is the per-tick pair derived from the analysis window.
type VitalsReading struct {
	Variance  float64 // spatial variance of the latest frame (movement)
	BioEnergy float64 // energy of the last second of band-limited signal (breathing)
}

// VitalsExtractor derives a VitalsReading from a SampleBuffer.
type VitalsExtractor struct {
	filter       *BandpassFilter
	energyWindow int
}

// NewVitalsExtractor creates an extractor that integrates energy over energyWindow samples.
func NewVitalsExtractor(filter *BandpassFilter, energyWindow int) *VitalsExtractor {
	return &VitalsExtractor{filter: filter, energyWindow: energyWindow}
}

// Extract returns (0, 0) until the buffer is warm.
func (x *VitalsExtractor) Extract(buf *SampleBuffer) VitalsReading {
	reading, _ := x.Analyze(buf)
	return reading
}

// Analyze is Extract that also returns the filtered temporal signal (nil while cold).
func (x *VitalsExtractor) Analyze(buf *SampleBuffer) (VitalsReading, []float64) {
	if !buf.IsWarm() {
		return VitalsReading{}, nil
	}

	variance := stat.PopVariance(buf.Latest(), nil)

	temporal := make([]float64, buf.Len())
	buf.Each(func(i int, frame Frame) {
		temporal[i] = stat.Mean(frame, nil)
	})

	filtered := x.filter.Apply(temporal)

	tail := filtered[max(0, len(filtered)-x.energyWindow):]
	energy := floats.Dot(tail, tail)

	return VitalsReading{Variance: variance, BioEnergy: energy}, filtered
}
