package rfbiom

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// scriptedSource replays frames in order; a nil entry is a tick without data.
// Once the script runs out, the last entry repeats.
type scriptedSource struct {
	mu     sync.Mutex
	script []Frame
	pos    int

	calls      atomic.Int64
	closeCount atomic.Int64
	closeErr   error
}

func (s *scriptedSource) Next() (Frame, bool) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.script) == 0 {
		return nil, false
	}
	f := s.script[min(s.pos, len(s.script)-1)]
	s.pos++
	return f, f != nil
}

func (s *scriptedSource) Mode() Mode { return ModeHardware }

func (s *scriptedSource) Close() error {
	s.closeCount.Add(1)
	return s.closeErr
}

type recordingReporter struct {
	mu      sync.Mutex
	results []Result
	closed  int
}

func (r *recordingReporter) Report(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recordingReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *recordingReporter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func newTestEngine(t *testing.T, cfg *Config, source FrameSource, reporter Reporter) *Engine {
	e, err := NewEngine(cfg, source, reporter, zaptest.NewLogger(t))
	require.NoError(t, err)
	return e
}

// breathingFrames builds n frames whose carriers straddle a breathing mean by ±spread.
func breathingFrames(n int, spread float64) []Frame {
	frames := make([]Frame, n)
	for i := range frames {
		mean := 15 + 0.65*math.Sin(2*math.Pi*0.3*float64(i)/30)
		frame := make(Frame, 64)
		for c := range frame {
			if c%2 == 0 {
				frame[c] = mean + spread
			} else {
				frame[c] = mean - spread
			}
		}
		frames[i] = frame
	}
	return frames
}

func TestEngine_QuietRoomStaysVacant(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Synthetic.StdDev = 0
	// 2 s into the period: outside the perturbation window.
	source := NewSyntheticGenerator(cfg, rand.NewPCG(1, 2), fixedClock(epoch.Add(2*time.Second)))
	e := newTestEngine(t, cfg, source, nil)

	for tick := 1; tick < 300; tick++ {
		res := e.Step()
		require.Equal(t, uint64(tick), res.Tick)
		require.True(t, res.Acquired)
		require.Equal(t, VitalsReading{}, res.Reading, "tick %d must report a cold window", tick)
		require.Equal(t, Vacant, res.State)
	}

	for tick := 300; tick <= 400; tick++ {
		res := e.Step()
		require.True(t, e.Buffer().IsWarm())
		assert.Equal(t, 0.0, res.Reading.Variance)
		assert.InDelta(t, 0, res.Reading.BioEnergy, 1e-12)
		assert.Equal(t, Vacant, res.State)
		assert.False(t, res.HasRespiration)
	}
	assert.Equal(t, 300, e.Buffer().Len())
}

func TestEngine_StaticSubjectReportsBreathing(t *testing.T) {
	source := &scriptedSource{script: breathingFrames(300, 0.5)}
	e := newTestEngine(t, DefaultConfig(), source, nil)

	var res Result
	for i := 0; i < 300; i++ {
		res = e.Step()
	}

	assert.InDelta(t, 0.25, res.Reading.Variance, 1e-9)
	assert.InDelta(t, 0.38, res.Reading.BioEnergy, 0.05)
	assert.Equal(t, BiometricActive, res.State)
	require.True(t, res.HasRespiration)
	assert.InDelta(t, 0.3, res.RespirationHz, 0.03)
}

func TestEngine_MovementWithoutBreathing(t *testing.T) {
	frames := breathingFrames(300, 0.5)
	for _, f := range frames {
		mean := (f[0] + f[1]) / 2
		for c := range f {
			f[c] += 15 - mean // flatten the temporal mean
		}
	}
	e := newTestEngine(t, DefaultConfig(), &scriptedSource{script: frames}, nil)

	var res Result
	for i := 0; i < 300; i++ {
		res = e.Step()
	}
	assert.Equal(t, MovementDetected, res.State)
	assert.False(t, res.HasRespiration)
}

func TestEngine_RespirationDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Respiration.Enabled = false
	e := newTestEngine(t, cfg, &scriptedSource{script: breathingFrames(300, 0.5)}, nil)

	var res Result
	for i := 0; i < 300; i++ {
		res = e.Step()
	}
	assert.Equal(t, BiometricActive, res.State)
	assert.False(t, res.HasRespiration)
}

func TestEngine_MissingFramePolicy(t *testing.T) {
	a, b := Frame{1, 2}, Frame{3, 4}
	script := []Frame{nil, a, nil, nil, b}

	tests := []struct {
		policy  MissingFramePolicy
		lengths []int
	}{
		{ReuseLast, []int{0, 1, 2, 3, 4}},
		{Skip, []int{0, 1, 1, 1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Carriers = 2
			cfg.Acquisition.MissingFrame = tt.policy
			e := newTestEngine(t, cfg, &scriptedSource{script: script}, nil)

			for i, want := range tt.lengths {
				res := e.Step()
				assert.Equal(t, script[i] != nil, res.Acquired, "tick %d", i+1)
				assert.Equal(t, want, e.Buffer().Len(), "tick %d", i+1)
			}
			assert.Equal(t, b, e.Buffer().Latest())
			if tt.policy == ReuseLast {
				assert.Equal(t, []Frame{a, a, a, b}, e.Buffer().Snapshot())
			}
		})
	}
}

func TestEngine_ReuseLastKeepsTimeBase(t *testing.T) {
	// A receiver that delivers every third tick still fills the window in 300 ticks.
	script := make([]Frame, 0, 300)
	for i := 0; i < 300; i++ {
		if i%3 == 0 {
			script = append(script, constantFrame(64, 15))
		} else {
			script = append(script, nil)
		}
	}
	e := newTestEngine(t, DefaultConfig(), &scriptedSource{script: script}, nil)

	for i := 0; i < 299; i++ {
		e.Step()
	}
	assert.False(t, e.Buffer().IsWarm())
	e.Step()
	assert.True(t, e.Buffer().IsWarm())
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	source := &scriptedSource{script: []Frame{constantFrame(64, 15)}}
	reporter := &recordingReporter{}
	e := newTestEngine(t, DefaultConfig(), source, reporter)

	assert.Equal(t, ModeHardware, e.Mode())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return reporter.Len() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, int64(1), source.closeCount.Load())
	assert.Equal(t, 1, reporter.closed)

	require.NoError(t, e.Close())
	assert.Equal(t, int64(1), source.closeCount.Load(), "source is released once")

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	for i, res := range reporter.results {
		assert.Equal(t, uint64(i+1), res.Tick)
	}
}

func TestEngine_RunIsPaced(t *testing.T) {
	source := &scriptedSource{script: []Frame{constantFrame(64, 15)}}
	e := newTestEngine(t, DefaultConfig(), source, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, e.Run(ctx))

	// 30 Hz over 300 ms is about 9 ticks.
	calls := source.calls.Load()
	assert.GreaterOrEqual(t, calls, int64(3))
	assert.LessOrEqual(t, calls, int64(15))
}

func TestEngine_RunReportsCloseError(t *testing.T) {
	closeErr := errors.New("port vanished")
	source := &scriptedSource{closeErr: closeErr}
	e := newTestEngine(t, DefaultConfig(), source, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Run(ctx)
	assert.ErrorIs(t, err, closeErr)
}

func TestNewEngine_Rejects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Carriers = 0
	_, err := NewEngine(cfg, &scriptedSource{}, nil, nil)
	assert.Error(t, err)

	_, err = NewEngine(DefaultConfig(), nil, nil, nil)
	assert.Error(t, err)
}

func TestNewEngine_ReleasesOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.csv")
	trace, err := NewCsvTrace(path)
	require.NoError(t, err)
	status := &recordingReporter{}
	source := &scriptedSource{}

	cfg := DefaultConfig()
	cfg.Filter.Order = 0
	_, err = NewEngine(cfg, source, MultiReporter{status, trace}, nil)
	require.Error(t, err)

	assert.Equal(t, int64(1), source.closeCount.Load())
	assert.Equal(t, 1, status.closed)

	// The buffered header reached the disk.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "Tick,Acquired,"))

	// A nil source still releases the reporter.
	other := &recordingReporter{}
	_, err = NewEngine(DefaultConfig(), nil, other, nil)
	require.Error(t, err)
	assert.Equal(t, 1, other.closed)
}

func TestEngine_RunsOnSimulationAfterHardwareFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSeconds = 1 // warm after 30 ticks

	source := NewFrameSource(cfg,
		WithLogger(zaptest.NewLogger(t)),
		WithPortLister(listPorts(testPorts...)),
		WithPortOpener(func(string, int, time.Duration) (SerialPort, error) {
			return nil, errors.New("permission denied")
		}),
		WithRandSource(rand.NewPCG(3, 4)),
	)
	reporter := &recordingReporter{}
	e := newTestEngine(t, cfg, source, reporter)
	require.Equal(t, ModeSimulation, e.Mode())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return reporter.Len() >= 45 }, 10*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	for i, res := range reporter.results {
		require.Equal(t, uint64(i+1), res.Tick)
		require.True(t, res.Acquired, "synthetic frames never go missing")
		if res.Tick < 30 {
			assert.Equal(t, VitalsReading{}, res.Reading, "tick %d", res.Tick)
		} else {
			assert.Greater(t, res.Reading.Variance, 0.0, "tick %d", res.Tick)
		}
	}
}
