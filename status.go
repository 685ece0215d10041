package rfbiom

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"
)

// Reporter receives every tick's result. The engine only depends on this interface.
type Reporter interface {
	Report(r Result)
	Close() error
}

// StatusLine rewrites a single terminal line per tick.
type StatusLine struct {
	mu      sync.Mutex
	w       io.Writer
	written bool
	err     error // first write failure, returned by Close
}

// NewStatusLine writes to w, usually os.Stdout.
func NewStatusLine(w io.Writer) *StatusLine {
	return &StatusLine{w: w}
}

// Format renders one status line without the leading carriage return.
func Format(r Result) string {
	line := fmt.Sprintf("[RF-ID] Variance: %.4f | Bio-Energy: %.6f | %-34s",
		r.Reading.Variance, r.Reading.BioEnergy, r.State)
	if r.HasRespiration {
		line += fmt.Sprintf(" | Resp: %4.1f /min", BreathsPerMinute(r.RespirationHz))
	} else {
		line += "                  "
	}
	return line
}

func (s *StatusLine) Report(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprint(s.w, "\r"+Format(r)); err != nil && s.err == nil {
		s.err = err
	}
	s.written = true
}

// Close ends the status line so later output starts on a fresh line.
func (s *StatusLine) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.err
	s.err = nil
	if !s.written {
		return err
	}
	s.written = false
	_, werr := fmt.Fprintln(s.w)
	return multierr.Append(err, werr)
}

// NopReporter discards results.
type NopReporter struct{}

func (NopReporter) Report(Result) {}
func (NopReporter) Close() error  { return nil }
