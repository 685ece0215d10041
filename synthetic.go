package rfbiom

import (
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// SyntheticGenerator emulates a receiver: Gaussian noise on every carrier plus, during
// a repeating slice of wall-clock time, a slow sinusoid standing in for a breathing subject.
type SyntheticGenerator struct {
	carriers int
	noise    distuv.Normal

	period      time.Duration
	activeFrom  time.Duration
	activeUntil time.Duration
	breathHz    float64
	amplitude   float64

	clock func() time.Time
}

// NewSyntheticGenerator creates a generator drawing noise from src and time from clock.
func NewSyntheticGenerator(cfg *Config, src rand.Source, clock func() time.Time) *SyntheticGenerator {
	if clock == nil {
		clock = time.Now
	}
	return &SyntheticGenerator{
		carriers: cfg.Carriers,
		noise: distuv.Normal{
			Mu:    cfg.Synthetic.Mean,
			Sigma: cfg.Synthetic.StdDev,
			Src:   src,
		},
		period:      cfg.Synthetic.Period,
		activeFrom:  cfg.Synthetic.ActiveFrom,
		activeUntil: cfg.Synthetic.ActiveUntil,
		breathHz:    cfg.Synthetic.BreathHz,
		amplitude:   cfg.Synthetic.Amplitude,
		clock:       clock,
	}
}

// Next always yields a frame.
func (g *SyntheticGenerator) Next() (Frame, bool) {
	now := g.clock()

	frame := make(Frame, g.carriers)
	for i := range frame {
		frame[i] = g.noise.Rand()
	}

	if g.Active(now) {
		t := float64(now.UnixNano()) / float64(time.Second)
		floats.AddConst(math.Sin(2*math.Pi*g.breathHz*t)*g.amplitude, frame)
	}
	return frame, true
}

// Active reports whether the breathing perturbation is injected at now.
// Both window bounds are exclusive.
func (g *SyntheticGenerator) Active(now time.Time) bool {
	phase := time.Duration(now.UnixNano() % int64(g.period))
	if phase < 0 {
		phase += g.period
	}
	return phase > g.activeFrom && phase < g.activeUntil
}

// DutyCycle is the fraction of time the perturbation is present.
func (g *SyntheticGenerator) DutyCycle() float64 {
	return float64(g.activeUntil-g.activeFrom) / float64(g.period)
}

func (g *SyntheticGenerator) Mode() Mode {
	return ModeSimulation
}

func (g *SyntheticGenerator) Close() error {
	return nil
}
