// Package telemetry delivers proximity records to a remote collector.
//
// A Record is the collector's wire schema. Transports move one record per
// call and report the collector's answer as a Response; the dispatcher
// decides what to retry. Spans around each attempt are exported through
// OpenTelemetry when a provider is configured.
package telemetry

import (
	"encoding/json"
	"math"
)

// Heart-rate bounds applied to outgoing records.
const (
	MinHeartRate = 30
	MaxHeartRate = 250
)

// Kind distinguishes genuine records from synthetic ones.
type Kind string

const (
	KindPrimary Kind = "primary"
	KindDecoy   Kind = "decoy"
)

// Record is one proximity report as the collector expects it.
type Record struct {
	DeviceID       string  `json:"deviceId"`
	NearbyDeviceID string  `json:"nearbyDeviceId"`
	Distance       float64 `json:"distance"`
	HeartRate      int     `json:"heartRate"`
}

// NewRecord builds a record, rounding distance to centimetres and clamping
// both values into range.
func NewRecord(deviceID, nearbyDeviceID string, distance float64, heartRate int) Record {
	return Record{
		DeviceID:       deviceID,
		NearbyDeviceID: nearbyDeviceID,
		Distance:       RoundDistance(distance),
		HeartRate:      ClampHeartRate(heartRate),
	}
}

// RoundDistance rounds to 2 decimals and clamps negatives to zero.
func RoundDistance(d float64) float64 {
	if math.IsNaN(d) || d < 0 {
		return 0
	}
	return math.Round(d*100) / 100
}

// ClampHeartRate clamps into [MinHeartRate, MaxHeartRate].
func ClampHeartRate(bpm int) int {
	if bpm < MinHeartRate {
		return MinHeartRate
	}
	if bpm > MaxHeartRate {
		return MaxHeartRate
	}
	return bpm
}

// Marshal serializes a record to JSON.
func (r Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalRecord deserializes a record from JSON.
func UnmarshalRecord(data []byte) (Record, error) {
	var r Record
	err := json.Unmarshal(data, &r)
	return r, err
}
