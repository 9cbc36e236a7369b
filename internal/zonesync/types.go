package zonesync

import (
	"math"

	"github.com/banshee-data/safezone/internal/geo"
)

// EventType is the kind of zone transition reported by the service.
type EventType string

const (
	EventEnter EventType = "zone_enter"
	EventExit  EventType = "zone_exit"
)

// Valid reports whether t is a known transition kind.
func (t EventType) Valid() bool {
	return t == EventEnter || t == EventExit
}

// Event is a zone transition detected by the service for one update.
type Event struct {
	Type           EventType `json:"type"`
	Zone           string    `json:"zone"`
	AlertTriggered bool      `json:"alertTriggered"`
}

// updateRequest is the body of a location update. Optional measurements
// are omitted, never null.
type updateRequest struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Timestamp int64    `json:"timestamp"` // Unix milliseconds
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
}

type updateResponse struct {
	Events []Event `json:"events"`
}

type coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func newUpdateRequest(p geo.Position) updateRequest {
	return updateRequest{
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Timestamp: p.Timestamp.UnixMilli(),
		Accuracy:  finite(p.Accuracy),
		Altitude:  finite(p.Altitude),
		Heading:   finite(p.Heading),
		Speed:     finite(p.Speed),
	}
}

// finite drops absent, NaN and infinite measurements.
func finite(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}
