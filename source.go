package rfbiom

import (
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Mode tells which FrameSource variant is feeding the engine.
type Mode int

const (
	ModeSimulation Mode = iota
	ModeHardware
)

func (m Mode) String() string {
	if m == ModeHardware {
		return "HARDWARE"
	}
	return "SIMULATION"
}

// FrameSource produces at most one frame per tick.
type FrameSource interface {
	// Next never blocks; ok is false when no new frame is available this tick.
	Next() (frame Frame, ok bool)
	Mode() Mode
	// Close releases any device handle. Calling it more than once is safe.
	Close() error
}

type sourceOptions struct {
	logger *zap.Logger
	lister PortLister
	opener PortOpener
	clock  func() time.Time
	src    rand.Source
}

// SourceOption customizes NewFrameSource.
type SourceOption func(*sourceOptions)

// WithLogger sets the logger for the source
func WithLogger(logger *zap.Logger) SourceOption {
	return func(o *sourceOptions) {
		o.logger = logger
	}
}

// WithPortLister replaces serial port enumeration
func WithPortLister(lister PortLister) SourceOption {
	return func(o *sourceOptions) {
		o.lister = lister
	}
}

// WithPortOpener replaces the serial port opener
func WithPortOpener(opener PortOpener) SourceOption {
	return func(o *sourceOptions) {
		o.opener = opener
	}
}

// WithClock sets the wall clock used by the synthetic generator
func WithClock(clock func() time.Time) SourceOption {
	return func(o *sourceOptions) {
		o.clock = clock
	}
}

// WithRandSource sets the noise source of the synthetic generator
func WithRandSource(src rand.Source) SourceOption {
	return func(o *sourceOptions) {
		o.src = src
	}
}

// NewFrameSource picks the source variant once. When hardware is enabled but no
// endpoint can be opened, the choice falls back to simulation for good.
func NewFrameSource(cfg *Config, options ...SourceOption) FrameSource {
	o := sourceOptions{
		lister: ListSerialPorts,
		opener: OpenSerialPort,
		clock:  time.Now,
	}
	for _, option := range options {
		option(&o)
	}
	o.logger = orNop(o.logger)

	if cfg.Hardware.Enabled {
		hw, err := openHardware(cfg, &o)
		if err == nil {
			return hw
		}
		o.logger.Warn("no hardware detected, falling back to simulation", zap.Error(err))
	}

	src := o.src
	if src == nil {
		seed := cfg.Synthetic.Seed
		if seed == 0 {
			seed = uint64(time.Now().UnixNano())
		}
		src = rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	}
	return NewSyntheticGenerator(cfg, src, o.clock)
}
