package rfbiom

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/tarm/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const maxLineLength = 64 << 10

var (
	// ErrNoDevice is returned when no serial endpoint matched or opened.
	ErrNoDevice = errors.New("no CSI receiver available")

	// ErrNoMarker is returned for lines that are not CSI records.
	ErrNoMarker = errors.New("missing CSI marker")

	// ErrShortRecord is returned when a record has fewer fields than carriers.
	ErrShortRecord = errors.New("not enough carrier fields")

	// ErrInvalidEncoding is returned for lines that are not valid UTF-8.
	ErrInvalidEncoding = errors.New("invalid line encoding")
)

// SerialPort is the byte stream of an opened receiver. Tests substitute an in-memory port.
type SerialPort interface {
	io.ReadWriteCloser
}

// PortInfo describes an enumerated serial endpoint.
type PortInfo struct {
	Name        string
	Description string
}

// PortLister enumerates candidate endpoints.
type PortLister func() ([]PortInfo, error)

// PortOpener opens an endpoint at the given baud rate with a bounded read timeout.
type PortOpener func(name string, baud int, readTimeout time.Duration) (SerialPort, error)

// ListSerialPorts enumerates the system serial ports with their USB product strings.
func ListSerialPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		desc := d.Product
		if desc == "" {
			desc = d.Name
		}
		ports = append(ports, PortInfo{Name: d.Name, Description: desc})
	}
	return ports, nil
}

// OpenSerialPort opens name with 8N1 framing.
func OpenSerialPort(name string, baud int, readTimeout time.Duration) (SerialPort, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: readTimeout,
	})
	if err != nil {
		return nil, err
	}
	return port, nil
}

// SelectPorts keeps, in enumeration order, the ports whose description contains a keyword.
func SelectPorts(ports []PortInfo, keywords []string) []PortInfo {
	var out []PortInfo
	for _, p := range ports {
		for _, k := range keywords {
			if strings.Contains(p.Description, k) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// ParseLine decodes a CSI record: the first carriers comma-separated numbers after the marker.
// Extra fields are ignored.
func ParseLine(line, marker string, carriers int) (Frame, error) {
	if !utf8.ValidString(line) {
		return nil, ErrInvalidEncoding
	}

	idx := strings.Index(line, marker)
	if idx < 0 {
		return nil, ErrNoMarker
	}

	rest := strings.TrimSpace(line[idx+len(marker):])
	rest = strings.TrimPrefix(rest, ",")
	if rest == "" {
		return nil, fmt.Errorf("%w: 0 of %d", ErrShortRecord, carriers)
	}

	fields := strings.SplitN(rest, ",", carriers+1)
	if len(fields) < carriers {
		return nil, fmt.Errorf("%w: %d of %d", ErrShortRecord, len(fields), carriers)
	}

	frame := make(Frame, carriers)
	for i := range frame {
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[i]), 64)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("field %d: non-finite amplitude %q", i, fields[i])
		}
		frame[i] = v
	}
	return frame, nil
}

// HardwareAdapter reads CSI records from a serial receiver on its own goroutine and
// hands the newest frame to the pacing loop through a single-slot channel.
type HardwareAdapter struct {
	port     SerialPort
	name     string
	marker   string
	carriers int
	backoff  time.Duration

	frames chan Frame
	done   chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	received    atomic.Uint64
	parseErrors atomic.Uint64
	dropped     atomic.Uint64

	logger *zap.Logger
}

// NewHardwareAdapter takes ownership of port and starts reading from it.
func NewHardwareAdapter(port SerialPort, name string, cfg *Config, logger *zap.Logger) *HardwareAdapter {
	h := &HardwareAdapter{
		port:     port,
		name:     name,
		marker:   cfg.Hardware.Marker,
		carriers: cfg.Carriers,
		backoff:  cfg.Hardware.ReadTimeout,
		frames:   make(chan Frame, 1),
		done:     make(chan struct{}),
		logger:   orNop(logger).With(zap.String("port", name)),
	}
	go h.readLoop()
	return h
}

// Next returns the newest frame received since the previous call, without waiting.
func (h *HardwareAdapter) Next() (Frame, bool) {
	select {
	case f := <-h.frames:
		return f, true
	default:
		return nil, false
	}
}

func (h *HardwareAdapter) Mode() Mode {
	return ModeHardware
}

// Port returns the device name.
func (h *HardwareAdapter) Port() string {
	return h.name
}

// Close closes the port exactly once and waits for the reader to exit.
func (h *HardwareAdapter) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeErr = h.port.Close()
		<-h.done
		h.logger.Info("serial port closed",
			zap.Uint64("frames", h.received.Load()),
			zap.Uint64("parse_errors", h.parseErrors.Load()),
			zap.Uint64("dropped", h.dropped.Load()),
		)
	})
	return h.closeErr
}

func (h *HardwareAdapter) readLoop() {
	defer close(h.done)

	reader := bufio.NewReader(h.port)
	var pending []byte
	var failures int
	discarding := false // inside an oversized line, skipping to its newline

	for !h.closed.Load() {
		start := time.Now()
		chunk, err := reader.ReadSlice('\n')
		if !discarding {
			pending = append(pending, chunk...)
		}

		switch {
		case err == nil:
			if discarding {
				discarding = false
			} else {
				h.handleLine(string(pending))
			}
			pending = pending[:0]
			failures = 0

		case errors.Is(err, bufio.ErrBufferFull), errors.Is(err, io.EOF):
			// Partial line or read timeout; keep what we have.
			if len(pending) > maxLineLength {
				h.logger.Debug("discarding oversized line", zap.Int("bytes", len(pending)))
				pending = pending[:0]
				discarding = true
			}
			// A hung-up tty returns EOF at once instead of waiting out the timeout.
			if errors.Is(err, io.EOF) && len(chunk) == 0 {
				if wait := h.backoff - time.Since(start); wait > 0 {
					time.Sleep(wait)
				}
			}

		default:
			if h.closed.Load() || errors.Is(err, os.ErrClosed) {
				return
			}
			failures++
			if failures == 1 {
				h.logger.Warn("serial read failed", zap.Error(err))
			} else {
				h.logger.Debug("serial read failed", zap.Error(err), zap.Int("consecutive", failures))
			}
			time.Sleep(h.backoff)
		}
	}
}

func (h *HardwareAdapter) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	frame, err := ParseLine(line, h.marker, h.carriers)
	if err != nil {
		h.parseErrors.Add(1)
		h.logger.Debug("ignoring line", zap.Error(err))
		return
	}
	h.received.Add(1)

	select {
	case h.frames <- frame:
		return
	default:
	}

	// Slot taken by an unconsumed frame: replace it with the newer one.
	select {
	case <-h.frames:
		h.dropped.Add(1)
	default:
	}
	select {
	case h.frames <- frame:
	default:
	}
}

func openHardware(cfg *Config, o *sourceOptions) (*HardwareAdapter, error) {
	ports, err := o.lister()
	if err != nil {
		return nil, fmt.Errorf("%w: enumerating serial ports: %w", ErrNoDevice, err)
	}

	candidates := SelectPorts(ports, cfg.Hardware.Keywords)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: none of %d ports matched %v", ErrNoDevice, len(ports), cfg.Hardware.Keywords)
	}

	var errs error
	for _, p := range candidates {
		port, err := o.opener(p.Name, cfg.Hardware.BaudRate, cfg.Hardware.ReadTimeout)
		if err != nil {
			o.logger.Warn("failed to open serial port",
				zap.String("port", p.Name),
				zap.String("description", p.Description),
				zap.Error(err),
			)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", p.Name, err))
			continue
		}

		o.logger.Info("hardware connected",
			zap.String("port", p.Name),
			zap.String("description", p.Description),
			zap.Int("baud", cfg.Hardware.BaudRate),
		)
		return NewHardwareAdapter(port, p.Name, cfg, o.logger), nil
	}

	return nil, fmt.Errorf("%w: %w", ErrNoDevice, errs)
}
