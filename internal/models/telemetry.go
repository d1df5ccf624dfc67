package models

import "time"

// HeartRateSample is one decoded measurement.
type HeartRateSample struct {
	BPM        int       `json:"bpm"`
	ObservedAt time.Time `json:"timestamp"`
}

// BPMResponse is the body of GET /api/bpm. BPM 0 means no data.
type BPMResponse struct {
	BPM int `json:"bpm"`
}

// DataMessage is the payload published on the data topic and the live socket.
type DataMessage struct {
	BPM       int    `json:"bpm"`
	Timestamp string `json:"timestamp"` // ISO-8601 UTC
}

// NewDataMessage formats a sample for the wire.
func NewDataMessage(sample HeartRateSample) DataMessage {
	return DataMessage{
		BPM:       sample.BPM,
		Timestamp: sample.ObservedAt.UTC().Format(time.RFC3339Nano),
	}
}
