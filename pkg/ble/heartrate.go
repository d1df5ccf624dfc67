package ble

import (
	"encoding/binary"
	"errors"
	"time"
)

// Heart Rate Measurement flag bits (Bluetooth HRS 1.0, section 3.1.1.1).
const (
	flagUint16Format     = 0x01
	flagContactDetected  = 0x02
	flagContactSupported = 0x04
	flagEnergyExpended   = 0x08
	flagRRInterval       = 0x10
)

var (
	// ErrEmptyPayload is returned for a notification without a flags byte.
	ErrEmptyPayload = errors.New("heart rate payload is empty")
	// ErrShortPayload is returned when the payload ends before the value the flags announce.
	ErrShortPayload = errors.New("heart rate payload is truncated")
)

// Measurement is a decoded Heart Rate Measurement notification.
type Measurement struct {
	BPM              int
	ContactSupported bool
	Contact          bool
	Energy           int // kJ, -1 when not present
	RR               []time.Duration
}

// DecodeBPM returns the heart rate carried by a measurement payload. Bit 0 of
// the flags byte selects a uint8 or a little-endian uint16 value.
func DecodeBPM(payload []byte) (int, error) {
	if len(payload) == 0 {
		return 0, ErrEmptyPayload
	}
	if payload[0]&flagUint16Format == 0 {
		if len(payload) < 2 {
			return 0, ErrShortPayload
		}
		return int(payload[1]), nil
	}
	if len(payload) < 3 {
		return 0, ErrShortPayload
	}
	return int(binary.LittleEndian.Uint16(payload[1:3])), nil
}

// EncodeBPM builds a minimal measurement payload for bpm, using the 8-bit
// format when the value fits and wide is false.
func EncodeBPM(bpm uint16, wide bool) []byte {
	if !wide && bpm <= 0xff {
		return []byte{0x00, byte(bpm)}
	}
	buf := []byte{flagUint16Format, 0, 0}
	binary.LittleEndian.PutUint16(buf[1:], bpm)
	return buf
}

// ParseMeasurement decodes the whole measurement, including the optional
// energy expended and RR-interval fields. Truncated optional fields are
// ignored rather than failing the heart rate value.
func ParseMeasurement(payload []byte) (Measurement, error) {
	bpm, err := DecodeBPM(payload)
	if err != nil {
		return Measurement{}, err
	}
	flags := payload[0]
	m := Measurement{
		BPM:              bpm,
		ContactSupported: flags&flagContactSupported != 0,
		Contact:          flags&(flagContactSupported|flagContactDetected) == flagContactSupported|flagContactDetected,
		Energy:           -1,
	}

	offset := 2
	if flags&flagUint16Format != 0 {
		offset = 3
	}
	if flags&flagEnergyExpended != 0 {
		if len(payload) < offset+2 {
			return m, nil
		}
		m.Energy = int(binary.LittleEndian.Uint16(payload[offset:]))
		offset += 2
	}
	if flags&flagRRInterval != 0 {
		rr := payload[offset:]
		m.RR = make([]time.Duration, 0, len(rr)/2)
		for i := 0; i+1 < len(rr); i += 2 {
			m.RR = append(m.RR, time.Duration(binary.LittleEndian.Uint16(rr[i:]))*time.Second/1024)
		}
	}
	return m, nil
}
