// Package hrm decodes the Bluetooth SIG Heart Rate Measurement
// characteristic (0x2A37) into heart-rate and RR-interval values.
//
// Layout, all multi-byte fields little-endian:
//
//	byte 0        flags
//	byte 1[..2]   heart rate, uint8 or uint16 depending on flags bit 0
//	[2 bytes]     energy expended (kJ), present when flags bit 3 is set
//	[2 bytes]*    RR intervals in 1/1024 s, present when flags bit 4 is set
package hrm

import (
	"encoding/binary"
	"time"
)

// Flag bits of the first payload byte.
const (
	FlagValueUint16    byte = 0x01
	FlagContactDetect  byte = 0x02
	FlagContactSupport byte = 0x04
	FlagEnergyPresent  byte = 0x08
	FlagRRPresent      byte = 0x10
)

// MinLength is the shortest valid payload: flags plus a uint8 heart rate.
const MinLength = 2

// Flags is a read-only view over the flags byte.
type Flags byte

// Wide reports whether the heart-rate field is 16 bits.
func (f Flags) Wide() bool { return byte(f)&FlagValueUint16 != 0 }

// ContactSupported reports whether the sensor reports skin contact at all.
func (f Flags) ContactSupported() bool { return byte(f)&FlagContactSupport != 0 }

// ContactDetected reports skin contact. Only meaningful when ContactSupported.
func (f Flags) ContactDetected() bool { return byte(f)&FlagContactDetect != 0 }

// EnergyPresent reports whether an energy-expended field follows the heart rate.
func (f Flags) EnergyPresent() bool { return byte(f)&FlagEnergyPresent != 0 }

// RRPresent reports whether RR intervals trail the payload.
func (f Flags) RRPresent() bool { return byte(f)&FlagRRPresent != 0 }

// valueWidth returns the byte width of the heart-rate field.
func (f Flags) valueWidth() int {
	if f.Wide() {
		return 2
	}
	return 1
}

// Measurement is the complete parse of one notification.
type Measurement struct {
	Flags          Flags
	HeartRate      uint16
	EnergyExpended uint16   // kJ, valid only when Flags.EnergyPresent()
	RRRaw          []uint16 // 1/1024 s units
}

// Sample is what consumers see: heart rate, RR intervals in milliseconds
// and the capture time. RRIntervals is never nil.
type Sample struct {
	HeartRate   uint16
	RRIntervals []uint16
	Timestamp   time.Time
}

// Clone returns a copy of s that shares no memory with it.
func (s Sample) Clone() Sample {
	rr := make([]uint16, len(s.RRIntervals))
	copy(rr, s.RRIntervals)
	s.RRIntervals = rr
	return s
}

// RRToMillis converts a raw 1/1024 s RR value to whole milliseconds.
func RRToMillis(raw uint16) uint16 {
	return uint16(uint32(raw) * 1000 / 1024)
}

// Parse decodes buf into a Measurement. It never retains buf.
func Parse(buf []byte) (Measurement, error) {
	if len(buf) < MinLength {
		return Measurement{}, newDecodeError(ErrTooShort, len(buf), 0)
	}

	m := Measurement{Flags: Flags(buf[0])}
	cursor := 1

	width := m.Flags.valueWidth()
	if len(buf)-cursor < width {
		return Measurement{}, newDecodeError(ErrTooShort, len(buf), cursor)
	}
	if width == 2 {
		m.HeartRate = binary.LittleEndian.Uint16(buf[cursor:])
	} else {
		m.HeartRate = uint16(buf[cursor])
	}
	cursor += width

	if m.Flags.EnergyPresent() {
		if len(buf)-cursor < 2 {
			return Measurement{}, newDecodeError(ErrTooShort, len(buf), cursor)
		}
		m.EnergyExpended = binary.LittleEndian.Uint16(buf[cursor:])
		cursor += 2
	}

	m.RRRaw = []uint16{}
	if m.Flags.RRPresent() {
		rest := len(buf) - cursor
		if rest%2 != 0 {
			return Measurement{}, newDecodeError(ErrMalformedLength, len(buf), cursor)
		}
		m.RRRaw = make([]uint16, 0, rest/2)
		for ; cursor+2 <= len(buf); cursor += 2 {
			m.RRRaw = append(m.RRRaw, binary.LittleEndian.Uint16(buf[cursor:]))
		}
	}

	return m, nil
}

// Decode parses buf and converts it into a Sample stamped with at.
func Decode(buf []byte, at time.Time) (Sample, error) {
	m, err := Parse(buf)
	if err != nil {
		return Sample{}, err
	}
	return m.Sample(at), nil
}

// Sample converts the measurement into a consumer-facing Sample.
func (m Measurement) Sample(at time.Time) Sample {
	rr := make([]uint16, len(m.RRRaw))
	for i, raw := range m.RRRaw {
		rr[i] = RRToMillis(raw)
	}
	return Sample{
		HeartRate:   m.HeartRate,
		RRIntervals: rr,
		Timestamp:   at,
	}
}

// Encode serializes m back into the characteristic layout. The heart-rate
// width, energy and RR sections follow m.Flags; a heart rate that does not
// fit in 8 bits is truncated unless the wide flag is set.
func Encode(m Measurement) []byte {
	buf := make([]byte, 0, 1+2+2+2*len(m.RRRaw))
	buf = append(buf, byte(m.Flags))
	if m.Flags.Wide() {
		buf = binary.LittleEndian.AppendUint16(buf, m.HeartRate)
	} else {
		buf = append(buf, byte(m.HeartRate))
	}
	if m.Flags.EnergyPresent() {
		buf = binary.LittleEndian.AppendUint16(buf, m.EnergyExpended)
	}
	if m.Flags.RRPresent() {
		for _, rr := range m.RRRaw {
			buf = binary.LittleEndian.AppendUint16(buf, rr)
		}
	}
	return buf
}
