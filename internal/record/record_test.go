package record

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/gohrm/internal/events"
	"github.com/chaz8081/gohrm/internal/hrm"
)

var (
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	testTime   = time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
)

func TestFormat(t *testing.T) {
	tests := []struct {
		name   string
		sample hrm.Sample
		want   string
	}{
		{
			name:   "heart rate only",
			sample: hrm.Sample{HeartRate: 70, RRIntervals: []uint16{}, Timestamp: testTime},
			want:   "2024-03-09 14:05:07,70",
		},
		{
			name:   "one rr interval",
			sample: hrm.Sample{HeartRate: 70, RRIntervals: []uint16{976}, Timestamp: testTime},
			want:   "2024-03-09 14:05:07,70,976",
		},
		{
			name:   "several rr intervals",
			sample: hrm.Sample{HeartRate: 181, RRIntervals: []uint16{331, 332}, Timestamp: testTime},
			want:   "2024-03-09 14:05:07,181,331,332",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Format(tt.sample))
		})
	}
}

func TestFormatDecodedPayload(t *testing.T) {
	s, err := hrm.Decode([]byte{0x10, 0x46, 0xE8, 0x03}, testTime)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-09 14:05:07,70,976", Format(s))
}

func sampleEvent(bpm uint16) events.Event {
	return events.Event{
		Type:   events.SampleDecoded,
		Sample: hrm.Sample{HeartRate: bpm, RRIntervals: []uint16{}, Timestamp: testTime},
	}
}

func TestSinkWritesOnlyWhenEnabled(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf, false, testLogger)

	s.Handle(sampleEvent(60))
	assert.Empty(t, buf.String())

	s.SetEnabled(true)
	assert.True(t, s.Enabled())
	s.Handle(sampleEvent(61))
	s.Handle(events.Event{Type: events.Connected})
	s.Handle(events.Event{Type: events.DecodeFailed, Err: hrm.ErrTooShort})

	assert.Equal(t, "2024-03-09 14:05:07,61\n", buf.String())
	assert.Equal(t, 1, s.Lines())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestSinkWriteErrorIsNotCounted(t *testing.T) {
	s := NewSink(failingWriter{}, true, testLogger)
	s.Handle(sampleEvent(60))
	assert.Zero(t, s.Lines())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSinkAttachedToBus(t *testing.T) {
	bus := events.New(testLogger)
	defer bus.Close()

	var out syncBuffer
	s := NewSink(&out, true, testLogger)
	detach := s.Attach(bus)

	bus.Publish(events.Event{Type: events.Connected})
	bus.Publish(sampleEvent(72))
	bus.Publish(sampleEvent(73))

	require.Eventually(t, func() bool { return s.Lines() == 2 }, time.Second, 5*time.Millisecond)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, []string{"2024-03-09 14:05:07,72", "2024-03-09 14:05:07,73"}, lines)

	detach()
	bus.Publish(sampleEvent(74))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, s.Lines())
}
