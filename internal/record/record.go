// Package record turns decoded heart rate samples into comma-separated
// record lines.
package record

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chaz8081/gohrm/internal/events"
	"github.com/chaz8081/gohrm/internal/hrm"
)

// TimestampLayout is the time format of the first field of a record line.
const TimestampLayout = "2006-01-02 15:04:05"

// Format renders s as "<timestamp>,<bpm>[,<rr>...]".
func Format(s hrm.Sample) string {
	var b strings.Builder
	b.WriteString(s.Timestamp.Format(TimestampLayout))
	b.WriteByte(',')
	b.WriteString(strconv.FormatUint(uint64(s.HeartRate), 10))
	for _, rr := range s.RRIntervals {
		b.WriteByte(',')
		b.WriteString(strconv.FormatUint(uint64(rr), 10))
	}
	return b.String()
}

// Sink writes one record line per SampleDecoded event while enabled.
type Sink struct {
	enabled atomic.Bool
	logger  *slog.Logger

	mu    sync.Mutex
	w     io.Writer
	lines int
}

// NewSink creates a sink writing to w.
func NewSink(w io.Writer, enabled bool, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{w: w, logger: logger}
	s.enabled.Store(enabled)
	return s
}

// SetEnabled toggles recording. Samples arriving while disabled are dropped.
func (s *Sink) SetEnabled(on bool) { s.enabled.Store(on) }

// Enabled reports whether recording is on.
func (s *Sink) Enabled() bool { return s.enabled.Load() }

// Lines returns the number of lines written so far.
func (s *Sink) Lines() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines
}

// Attach subscribes the sink to sample events on bus.
func (s *Sink) Attach(bus *events.Bus) (detach func()) {
	return bus.Subscribe(s.Handle, events.SampleDecoded)
}

// Handle is an events.Handler. Non-sample events are ignored.
func (s *Sink) Handle(ev events.Event) {
	if ev.Type != events.SampleDecoded || !s.Enabled() {
		return
	}
	line := Format(ev.Sample)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintln(s.w, line); err != nil {
		s.logger.Warn("[HRM] writing record line failed", "error", err)
		return
	}
	s.lines++
}
