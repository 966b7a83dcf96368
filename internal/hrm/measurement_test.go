package hrm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func TestDecodeUint8NoRR(t *testing.T) {
	s, err := Decode([]byte{0x00, 0x46}, t0)
	require.NoError(t, err)

	assert.Equal(t, uint16(70), s.HeartRate)
	assert.NotNil(t, s.RRIntervals, "RR intervals must be empty, not nil")
	assert.Empty(t, s.RRIntervals)
	assert.Equal(t, t0, s.Timestamp)
}

func TestDecodeSingleRR(t *testing.T) {
	// The profile example pads the uint8 value with 0x00, which leaves a
	// three-byte RR tail; an odd tail is rejected rather than guessed at.
	s, err := Decode([]byte{0x10, 0x46, 0x00, 0xE8, 0x03}, t0)
	require.ErrorIs(t, err, ErrMalformedLength)
	assert.Zero(t, s.HeartRate)

	// 0x46 is followed by the RR pair directly.
	s, err = Decode([]byte{0x10, 0x46, 0xE8, 0x03}, t0)
	require.NoError(t, err)
	assert.Equal(t, uint16(70), s.HeartRate)
	assert.Equal(t, []uint16{976}, s.RRIntervals)
}

func TestDecodeWideValueSingleRR(t *testing.T) {
	// Same bytes as the profile example, read with the 16-bit width flag.
	s, err := Decode([]byte{0x11, 0x46, 0x00, 0xE8, 0x03}, t0)
	require.NoError(t, err)
	assert.Equal(t, uint16(70), s.HeartRate)
	assert.Equal(t, []uint16{976}, s.RRIntervals)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		want error
	}{
		{"empty", nil, ErrTooShort},
		{"flags only", []byte{0x00}, ErrTooShort},
		{"wide flag without value", []byte{0x01}, ErrTooShort},
		{"wide flag one value byte", []byte{0x01, 0x46}, ErrTooShort},
		{"energy truncated", []byte{0x08, 0x46, 0x01}, ErrTooShort},
		{"rr odd tail", []byte{0x10, 0x46, 0xE8}, ErrMalformedLength},
		{"rr odd tail after pair", []byte{0x10, 0x46, 0xE8, 0x03, 0x01}, ErrMalformedLength},
		{"rr odd tail after energy", []byte{0x18, 0x46, 0x10, 0x00, 0xE8}, ErrMalformedLength},
		{"rr odd tail from padded uint8 example", []byte{0x10, 0x46, 0x00, 0xE8, 0x03}, ErrMalformedLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, err := Decode(tt.buf, t0)
				require.ErrorIs(t, err, tt.want)

				var de *DecodeError
				require.ErrorAs(t, err, &de)
				assert.Equal(t, len(tt.buf), de.Len)
			})
		})
	}
}

func TestParseEnergySkipped(t *testing.T) {
	// flags: energy + rr, hr=72, energy=0x0120, rr=1024 (1000 ms)
	m, err := Parse([]byte{0x18, 0x48, 0x20, 0x01, 0x00, 0x04})
	require.NoError(t, err)

	assert.True(t, m.Flags.EnergyPresent())
	assert.Equal(t, uint16(72), m.HeartRate)
	assert.Equal(t, uint16(0x0120), m.EnergyExpended)
	assert.Equal(t, []uint16{1024}, m.RRRaw)
	assert.Equal(t, []uint16{1000}, m.Sample(t0).RRIntervals)
}

func TestParseMultipleRR(t *testing.T) {
	m, err := Parse([]byte{0x10, 0x3C, 0x00, 0x04, 0x00, 0x02, 0x33, 0x03})
	require.NoError(t, err)
	assert.Equal(t, []uint16{1024, 512, 819}, m.RRRaw)
	assert.Equal(t, []uint16{1000, 500, 799}, m.Sample(t0).RRIntervals)
}

func TestRRFlagIgnoresOtherBits(t *testing.T) {
	// 0x06 sets contact bits only; the trailing bytes are not RR data.
	s, err := Decode([]byte{0x06, 0x50, 0xE8, 0x03}, t0)
	require.NoError(t, err)
	assert.Equal(t, uint16(80), s.HeartRate)
	assert.Empty(t, s.RRIntervals)
}

func TestFlags(t *testing.T) {
	f := Flags(0x1F)
	assert.True(t, f.Wide())
	assert.True(t, f.ContactDetected())
	assert.True(t, f.ContactSupported())
	assert.True(t, f.EnergyPresent())
	assert.True(t, f.RRPresent())

	f = Flags(0x00)
	assert.False(t, f.Wide())
	assert.False(t, f.ContactSupported())
	assert.False(t, f.RRPresent())
}

func TestEncodeRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{0x00, 0x46},
		{0x01, 0x2C, 0x01},
		{0x10, 0x46, 0xE8, 0x03},
		{0x16, 0x46, 0xE8, 0x03, 0x00, 0x04},
		{0x19, 0xB4, 0x00, 0x10, 0x27, 0x9A, 0x02},
		{0x08, 0x5A, 0xFF, 0xFF},
	}

	for _, p := range payloads {
		m, err := Parse(p)
		require.NoError(t, err, "Parse(% X)", p)
		assert.Equal(t, p, Encode(m), "Encode(Parse(% X))", p)
	}
}

func TestDecodeDoesNotRetainBuffer(t *testing.T) {
	buf := []byte{0x10, 0x46, 0xE8, 0x03}
	s, err := Decode(buf, t0)
	require.NoError(t, err)

	buf[1], buf[2], buf[3] = 0, 0, 0
	assert.Equal(t, uint16(70), s.HeartRate)
	assert.Equal(t, []uint16{976}, s.RRIntervals)
}

func TestSampleClone(t *testing.T) {
	s := Sample{HeartRate: 60, RRIntervals: []uint16{1000}, Timestamp: t0}
	c := s.Clone()
	c.RRIntervals[0] = 1
	assert.Equal(t, uint16(1000), s.RRIntervals[0])
}
