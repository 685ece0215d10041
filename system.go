package rfbiom

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Result is what the engine emits once per tick.
type Result struct {
	Tick     uint64
	Acquired bool // a new frame arrived this tick
	Reading  VitalsReading
	State    State

	HasRespiration bool
	RespirationHz  float64
}

// Engine owns the whole pipeline: source, window, filter and classifier.
// It is driven by a single goroutine.
type Engine struct {
	cfg    *Config
	logger *zap.Logger

	source     FrameSource
	buffer     *SampleBuffer
	extractor  *VitalsExtractor
	classifier Classifier
	breathing  *RespirationDetector
	reporter   Reporter

	lastFrame Frame
	ticks     uint64
	missed    uint64
	startedAt time.Time

	closeOnce sync.Once
	closeErr  error
}

// NewEngine takes ownership of source and reporter, and releases both when it fails.
// A nil reporter discards results.
func NewEngine(cfg *Config, source FrameSource, reporter Reporter, logger *zap.Logger) (*Engine, error) {
	if reporter == nil {
		reporter = NopReporter{}
	}
	release := func(err error) error {
		err = multierr.Append(err, reporter.Close())
		if source != nil {
			err = multierr.Append(err, source.Close())
		}
		return err
	}

	if err := cfg.Validate(); err != nil {
		return nil, release(fmt.Errorf("creating engine: %w", err))
	}
	if source == nil {
		return nil, release(fmt.Errorf("creating engine: nil frame source"))
	}

	rate := float64(cfg.SamplingRate)
	filter := NewButterworthBandpass(cfg.Filter.Order, rate, cfg.Filter.LowHz, cfg.Filter.HighHz)

	e := &Engine{
		cfg:       cfg,
		logger:    orNop(logger),
		source:    source,
		buffer:    NewSampleBuffer(cfg.Capacity()),
		extractor: NewVitalsExtractor(filter, cfg.SamplingRate),
		classifier: Classifier{
			VarianceThreshold: cfg.Classifier.VarianceThreshold,
			EnergyThreshold:   cfg.Classifier.EnergyThreshold,
		},
		reporter: reporter,
	}
	if cfg.Respiration.Enabled {
		e.breathing = NewRespirationDetector(RespirationConfig{
			SampleRate:     rate,
			FFTSize:        cfg.Respiration.FFTSize,
			MinFreq:        cfg.Filter.LowHz,
			MaxFreq:        cfg.Filter.HighHz,
			SmoothingAlpha: cfg.Respiration.SmoothingAlpha,
			MaxJumpHz:      cfg.Respiration.MaxJumpHz,
		})
	}
	return e, nil
}

// Mode reports which source variant feeds the engine.
func (e *Engine) Mode() Mode {
	return e.source.Mode()
}

// Buffer exposes the analysis window for inspection.
func (e *Engine) Buffer() *SampleBuffer {
	return e.buffer
}

// Step runs one tick without pacing: acquire, buffer, analyze, classify.
func (e *Engine) Step() Result {
	e.ticks++
	res := Result{Tick: e.ticks}

	frame, ok := e.source.Next()
	switch {
	case ok:
		e.lastFrame = frame
		e.buffer.Append(frame)
		res.Acquired = true
	case e.cfg.Acquisition.MissingFrame == ReuseLast && e.lastFrame != nil:
		e.missed++
		e.buffer.Append(e.lastFrame)
	default:
		e.missed++
	}

	reading, filtered := e.extractor.Analyze(e.buffer)
	res.Reading = reading
	res.State = e.classifier.Classify(reading)

	if e.breathing != nil {
		if res.State == BiometricActive {
			res.RespirationHz, res.HasRespiration = e.breathing.Detect(filtered)
		} else {
			e.breathing.Reset()
		}
	}
	return res
}

// Run drives one tick per period until ctx is cancelled, then releases the source.
func (e *Engine) Run(ctx context.Context) (err error) {
	defer func() {
		err = multierr.Append(err, e.Close())
	}()

	period := e.cfg.TickPeriod()
	timer := time.NewTimer(period)
	defer timer.Stop()

	e.startedAt = time.Now()
	e.logger.Info("inference loop started",
		zap.Stringer("mode", e.source.Mode()),
		zap.Duration("period", period),
		zap.Int("window", e.buffer.Cap()),
		zap.Stringer("missing_frame", e.cfg.Acquisition.MissingFrame),
	)

	for {
		if ctx.Err() != nil {
			return nil
		}

		start := time.Now()
		e.reporter.Report(e.Step())

		wait := period - time.Since(start)
		if wait <= 0 {
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

// Close releases the source and the reporter exactly once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = multierr.Combine(
			e.reporter.Close(),
			e.source.Close(),
		)

		fields := []zap.Field{
			zap.String("ticks", humanize.Comma(int64(e.ticks))),
			zap.String("missed_frames", humanize.Comma(int64(e.missed))),
		}
		if !e.startedAt.IsZero() {
			fields = append(fields, zap.String("started", humanize.Time(e.startedAt)))
		}
		if e.closeErr != nil {
			fields = append(fields, zap.Error(e.closeErr))
		}
		e.logger.Info("engine stopped", fields...)
	})
	return e.closeErr
}
