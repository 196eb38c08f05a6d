// Package proximity defines the event emitted when a tracked peer is found
// inside the proximity threshold, and the subject it travels on between the
// sweeper and the dispatcher.
package proximity

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// SubjectPrefix is the subject prefix for proximity events.
const SubjectPrefix = "proximity."

// DefaultThreshold is the distance in metres below which a peer counts as close.
const DefaultThreshold = 5.0

// ErrInvalidEvent is returned when a decoded event is missing required fields.
var ErrInvalidEvent = errors.New("invalid proximity event")

// Event is a single close-contact observation.
type Event struct {
	// ID uniquely identifies the event.
	ID uuid.UUID `json:"id"`

	// ObservedAt is when the sweep produced the event.
	ObservedAt time.Time `json:"observed_at"`

	// SelfID is this node's identifier.
	SelfID string `json:"self_id"`

	// PeerID is the identifier of the nearby node.
	PeerID string `json:"peer_id"`

	// Distance is the estimated distance in metres.
	Distance float64 `json:"distance"`

	// Signal is the last observed signal strength.
	Signal int `json:"signal"`

	// HeartRate is nil while no valid reading exists.
	HeartRate *int `json:"heart_rate,omitempty"`

	// Trace carries the sweep's trace context.
	Trace map[string]string `json:"trace,omitempty"`
}

// NewEvent creates an event with a fresh ID.
func NewEvent(selfID, peerID string, distance float64, signal int, heartRate *int, at time.Time) *Event {
	var hr *int
	if heartRate != nil {
		v := *heartRate
		hr = &v
	}
	return &Event{
		ID:         uuid.New(),
		ObservedAt: at,
		SelfID:     selfID,
		PeerID:     peerID,
		Distance:   distance,
		Signal:     signal,
		HeartRate:  hr,
	}
}

// Marshal serializes an event to JSON.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal deserializes an event from JSON.
func Unmarshal(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.SelfID == "" || e.PeerID == "" {
		return nil, ErrInvalidEvent
	}
	return &e, nil
}

// Subject returns the subject for this event.
func (e *Event) Subject() string {
	return Subject(e.SelfID)
}

// Subject returns the subject events from selfID are published on.
func Subject(selfID string) string {
	return SubjectPrefix + selfID
}

// HeartRateString renders the heart rate for logs, "unknown" when absent.
func (e *Event) HeartRateString() string {
	return FormatHeartRate(e.HeartRate)
}

// FormatHeartRate renders an optional heart rate.
func FormatHeartRate(hr *int) string {
	if hr == nil {
		return "unknown"
	}
	return strconv.Itoa(*hr)
}

// Close reports whether a distance is known and below threshold.
func Close(distance, threshold float64) bool {
	return distance >= 0 && distance < threshold
}
