package rfbiom

import (
	"fmt"
	"time"
)

// MissingFramePolicy decides what the engine appends when the source had nothing new this tick.
type MissingFramePolicy int

const (
	// ReuseLast re-appends the last acquired frame so the buffer keeps a uniform time base.
	ReuseLast MissingFramePolicy = iota
	// Skip appends nothing for the tick.
	Skip
)

func (p MissingFramePolicy) String() string {
	switch p {
	case ReuseLast:
		return "reuse-last"
	case Skip:
		return "skip"
	default:
		return fmt.Sprintf("MissingFramePolicy(%d)", int(p))
	}
}

// Config groups every tunable of the engine. Values are fixed at construction.
type Config struct {
	Carriers      int // amplitudes per frame
	SamplingRate  int // ticks per second
	WindowSeconds int // analysis window length

	// --- Bandpass (breathing band) ---
	Filter struct {
		Order  int
		LowHz  float64
		HighHz float64
	}

	// --- Decision thresholds ---
	// Equality falls to the lower-activity branch.
	Classifier struct {
		VarianceThreshold float64
		EnergyThreshold   float64
	}

	// --- Serial CSI receiver ---
	Hardware struct {
		Enabled     bool
		BaudRate    int
		ReadTimeout time.Duration // must stay short relative to the tick period
		Keywords    []string      // descriptor substrings used for auto-selection
		Marker      string        // token that marks a CSI record line
	}

	// --- Simulation ---
	Synthetic struct {
		Mean        float64
		StdDev      float64
		Period      time.Duration // perturbation repeats every Period of wall-clock time
		ActiveFrom  time.Duration // exclusive
		ActiveUntil time.Duration // exclusive
		BreathHz    float64
		Amplitude   float64
		Seed        uint64
	}

	Acquisition struct {
		MissingFrame MissingFramePolicy
	}

	// --- Breathing rate estimate (only while a subject is static) ---
	Respiration struct {
		Enabled        bool
		FFTSize        int     // zero-padded transform length
		SmoothingAlpha float64 // 0..1, larger follows faster
		MaxJumpHz      float64 // larger jumps are treated as interference
	}

	Log struct {
		Level  string
		Format string
	}
}

// DefaultConfig returns the reference tuning: 64 carriers at 30 Hz over a 10 s window.
func DefaultConfig() *Config {
	cfg := &Config{
		Carriers:      64,
		SamplingRate:  30,
		WindowSeconds: 10,
	}

	cfg.Filter.Order = 4
	cfg.Filter.LowHz = 0.15
	cfg.Filter.HighHz = 0.5

	cfg.Classifier.VarianceThreshold = 0.18
	cfg.Classifier.EnergyThreshold = 0.05

	cfg.Hardware.Enabled = true
	cfg.Hardware.BaudRate = 115200
	cfg.Hardware.ReadTimeout = 100 * time.Millisecond
	cfg.Hardware.Keywords = []string{"UART", "CP210", "CH340", "USB"}
	cfg.Hardware.Marker = "CSI_DATA"

	cfg.Synthetic.Mean = 15
	cfg.Synthetic.StdDev = 0.1
	cfg.Synthetic.Period = 20 * time.Second
	cfg.Synthetic.ActiveFrom = 10 * time.Second
	cfg.Synthetic.ActiveUntil = 18 * time.Second
	cfg.Synthetic.BreathHz = 0.3
	cfg.Synthetic.Amplitude = 0.65

	cfg.Acquisition.MissingFrame = ReuseLast

	cfg.Respiration.Enabled = true
	cfg.Respiration.FFTSize = 2048
	cfg.Respiration.SmoothingAlpha = 0.3
	cfg.Respiration.MaxJumpHz = 0.1

	cfg.Log.Level = "info"
	cfg.Log.Format = "console"

	return cfg
}

// Capacity is the number of frames held by the analysis window.
func (c *Config) Capacity() int {
	return c.SamplingRate * c.WindowSeconds
}

// TickPeriod is the target duration of one loop iteration.
func (c *Config) TickPeriod() time.Duration {
	return time.Second / time.Duration(c.SamplingRate)
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Carriers <= 0 {
		return fmt.Errorf("config: carriers must be positive: %d", c.Carriers)
	}
	if c.SamplingRate <= 0 {
		return fmt.Errorf("config: sampling rate must be positive: %d", c.SamplingRate)
	}
	if c.WindowSeconds <= 0 {
		return fmt.Errorf("config: window must be positive: %d s", c.WindowSeconds)
	}
	if c.Filter.Order <= 0 {
		return fmt.Errorf("config: filter order must be positive: %d", c.Filter.Order)
	}
	nyquist := float64(c.SamplingRate) / 2
	if c.Filter.LowHz <= 0 || c.Filter.HighHz <= c.Filter.LowHz || c.Filter.HighHz >= nyquist {
		return fmt.Errorf("config: invalid passband %.3f-%.3f Hz for %d Hz sampling", c.Filter.LowHz, c.Filter.HighHz, c.SamplingRate)
	}
	if c.Classifier.VarianceThreshold < 0 || c.Classifier.EnergyThreshold < 0 {
		return fmt.Errorf("config: thresholds must not be negative")
	}
	if c.Hardware.Enabled {
		if c.Hardware.BaudRate <= 0 {
			return fmt.Errorf("config: baud rate must be positive: %d", c.Hardware.BaudRate)
		}
		if c.Hardware.Marker == "" {
			return fmt.Errorf("config: hardware marker must not be empty")
		}
		if c.Hardware.ReadTimeout <= 0 {
			return fmt.Errorf("config: read timeout must be positive: %s", c.Hardware.ReadTimeout)
		}
	}
	if c.Synthetic.StdDev < 0 {
		return fmt.Errorf("config: synthetic stddev must not be negative: %f", c.Synthetic.StdDev)
	}
	if c.Synthetic.Period <= 0 || c.Synthetic.ActiveFrom < 0 || c.Synthetic.ActiveUntil > c.Synthetic.Period || c.Synthetic.ActiveFrom >= c.Synthetic.ActiveUntil {
		return fmt.Errorf("config: invalid synthetic window %s-%s of %s", c.Synthetic.ActiveFrom, c.Synthetic.ActiveUntil, c.Synthetic.Period)
	}
	switch c.Acquisition.MissingFrame {
	case ReuseLast, Skip:
	default:
		return fmt.Errorf("config: unknown missing frame policy: %s", c.Acquisition.MissingFrame)
	}
	if c.Respiration.Enabled {
		if c.Respiration.FFTSize < c.Capacity() {
			return fmt.Errorf("config: respiration FFT size %d shorter than window %d", c.Respiration.FFTSize, c.Capacity())
		}
		if c.Respiration.SmoothingAlpha <= 0 || c.Respiration.SmoothingAlpha > 1 {
			return fmt.Errorf("config: smoothing alpha must be in (0, 1]: %f", c.Respiration.SmoothingAlpha)
		}
	}
	return nil
}
