package ble

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBPM_Uint8(t *testing.T) {
	bpm, err := DecodeBPM([]byte{0x00, 72})
	require.NoError(t, err)
	assert.Equal(t, 72, bpm)
}

func TestDecodeBPM_Uint16LittleEndian(t *testing.T) {
	bpm, err := DecodeBPM([]byte{0x01, 0x2c, 0x01})
	require.NoError(t, err)
	assert.Equal(t, 300, bpm)
}

func TestDecodeBPM_IgnoresTrailingFields(t *testing.T) {
	// 8-bit value followed by an RR interval
	bpm, err := DecodeBPM([]byte{0x10, 60, 0x00, 0x04})
	require.NoError(t, err)
	assert.Equal(t, 60, bpm)
}

func TestDecodeBPM_Errors(t *testing.T) {
	_, err := DecodeBPM(nil)
	assert.ErrorIs(t, err, ErrEmptyPayload)

	_, err = DecodeBPM([]byte{0x00})
	assert.ErrorIs(t, err, ErrShortPayload)

	_, err = DecodeBPM([]byte{0x01, 0x10})
	assert.ErrorIs(t, err, ErrShortPayload)
}

func TestDecodeBPM_RoundTrip(t *testing.T) {
	for v := 0; v <= 0xffff; v++ {
		bpm, err := DecodeBPM(EncodeBPM(uint16(v), true))
		if !assert.NoError(t, err) || !assert.Equal(t, v, bpm) {
			return
		}
		if v <= 0xff {
			bpm, err = DecodeBPM(EncodeBPM(uint16(v), false))
			if !assert.NoError(t, err) || !assert.Equal(t, v, bpm) {
				return
			}
		}
	}
}

func TestEncodeBPM_NarrowFallsBackToWide(t *testing.T) {
	assert.Equal(t, []byte{0x01, 0x00, 0x01}, EncodeBPM(256, false))
	assert.Equal(t, []byte{0x00, 0x48}, EncodeBPM(72, false))
}

func TestParseMeasurement_OptionalFields(t *testing.T) {
	payload := []byte{
		0x1e,       // contact supported+detected, energy, RR
		80,         // bpm
		0x10, 0x00, // 16 kJ
		0x00, 0x04, // 1024/1024 s
		0x00, 0x02, // 512/1024 s
	}
	m, err := ParseMeasurement(payload)
	require.NoError(t, err)
	assert.Equal(t, 80, m.BPM)
	assert.True(t, m.ContactSupported)
	assert.True(t, m.Contact)
	assert.Equal(t, 16, m.Energy)
	assert.Equal(t, []time.Duration{time.Second, 500 * time.Millisecond}, m.RR)
}

func TestParseMeasurement_NoContact(t *testing.T) {
	m, err := ParseMeasurement([]byte{0x04, 0})
	require.NoError(t, err)
	assert.True(t, m.ContactSupported)
	assert.False(t, m.Contact)
	assert.Equal(t, -1, m.Energy)
	assert.Nil(t, m.RR)
}
