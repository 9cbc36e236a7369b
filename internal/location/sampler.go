// Package location obtains device position fixes. It defines the Sampler
// and Permissions ports consumed by the tracking engine and provides a
// serial NMEA GPS receiver that implements them on the companion device.
package location

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/safezone/internal/geo"
)

var (
	// ErrLocationUnavailable is returned when no acceptable fix can be
	// produced in time.
	ErrLocationUnavailable = errors.New("location unavailable")
	// ErrPermissionDenied is returned when location access is refused.
	ErrPermissionDenied = errors.New("location permission denied")
)

// Accuracy is the desired accuracy class of a sample.
type Accuracy int

const (
	// AccuracyLow accepts any valid fix.
	AccuracyLow Accuracy = iota
	// AccuracyHigh requires a fix with a known horizontal accuracy.
	AccuracyHigh
)

func (a Accuracy) String() string {
	switch a {
	case AccuracyLow:
		return "low"
	case AccuracyHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Request describes the sample a caller wants.
type Request struct {
	// MaxAge is the oldest cached fix that may be returned.
	MaxAge   time.Duration
	Accuracy Accuracy
}

var (
	// ValidationRequest is used once when tracking starts to confirm the
	// device can produce a position at all.
	ValidationRequest = Request{MaxAge: 60 * time.Second, Accuracy: AccuracyLow}
	// TrackingRequest is used for every periodic update.
	TrackingRequest = Request{MaxAge: 10 * time.Second, Accuracy: AccuracyHigh}
)

// Sampler returns a single position fix.
type Sampler interface {
	Sample(ctx context.Context, req Request) (geo.Position, error)
}

// Permissions gates access to location data.
type Permissions interface {
	// RequestForeground returns ErrPermissionDenied when tracking may not
	// read positions at all.
	RequestForeground(ctx context.Context) error
	// RequestBackground asks for continued access while the user is not
	// interacting with the device. Callers treat failure as advisory.
	RequestBackground(ctx context.Context) error
}
