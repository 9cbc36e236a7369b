// Package geo holds the position model shared by the sampler, the motion
// filter and the zone service client.
package geo

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidPosition is returned by Validate for out-of-range fixes.
var ErrInvalidPosition = errors.New("invalid position")

// Position is a single geographic fix. Optional measurements are nil when
// the source did not provide them. A Position is a value and is never
// mutated after creation.
type Position struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  *float64  `json:"accuracy,omitempty"` // meters, horizontal
	Altitude  *float64  `json:"altitude,omitempty"` // meters
	Heading   *float64  `json:"heading,omitempty"`  // degrees from true north
	Speed     *float64  `json:"speed,omitempty"`    // meters per second
	Timestamp time.Time `json:"timestamp"`
}

// Float returns a pointer to v, for filling optional Position fields.
func Float(v float64) *float64 { return &v }

// Validate checks coordinate ranges and optional field bounds.
func (p Position) Validate() error {
	if math.IsNaN(p.Latitude) || p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidPosition, p.Latitude)
	}
	if math.IsNaN(p.Longitude) || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidPosition, p.Longitude)
	}
	if p.Accuracy != nil && *p.Accuracy < 0 {
		return fmt.Errorf("%w: negative accuracy %v", ErrInvalidPosition, *p.Accuracy)
	}
	if p.Heading != nil && (*p.Heading < 0 || *p.Heading > 360) {
		return fmt.Errorf("%w: heading %v out of range", ErrInvalidPosition, *p.Heading)
	}
	if p.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidPosition)
	}
	return nil
}

// Equal reports whether p and other are the same fix: same instant and
// same coordinates. Optional measurements are not compared.
func (p Position) Equal(other Position) bool {
	return p.Timestamp.Equal(other.Timestamp) &&
		p.Latitude == other.Latitude &&
		p.Longitude == other.Longitude
}

// String renders the fix for log lines.
func (p Position) String() string {
	s := fmt.Sprintf("(%.6f, %.6f)", p.Latitude, p.Longitude)
	if p.Accuracy != nil {
		s += fmt.Sprintf(" ±%.1fm", *p.Accuracy)
	}
	return s
}
