// Package motion decides whether a new position sample is worth sending to
// the zone service.
package motion

import (
	"fmt"
	"time"

	"github.com/banshee-data/safezone/internal/geo"
)

const (
	// DefaultMinDistance is the movement, in meters, that triggers a report.
	DefaultMinDistance = 0.5
	// DefaultMaxStaleness is the age of the last report after which a
	// sample is sent even if the device has not moved.
	DefaultMaxStaleness = 30 * time.Second
)

// Filter gates position reports on distance moved and report staleness.
// The zero value is not useful; use Default or set both fields.
type Filter struct {
	MinDistance  float64       // meters, strict lower bound
	MaxStaleness time.Duration // strict lower bound
}

// Default returns the filter used by the tracking loop.
func Default() Filter {
	return Filter{MinDistance: DefaultMinDistance, MaxStaleness: DefaultMaxStaleness}
}

// Reason explains a Decision.
type Reason string

const (
	ReasonFirst     Reason = "first"
	ReasonMoved     Reason = "moved"
	ReasonHeartbeat Reason = "heartbeat"
	ReasonQuiet     Reason = "quiet"
)

// Decision is the result of Evaluate.
type Decision struct {
	Report   bool
	Reason   Reason
	Distance float64       // meters from last, zero when last is nil
	Elapsed  time.Duration // since last.Timestamp, zero when last is nil
}

func (d Decision) String() string {
	return fmt.Sprintf("%s (moved %.2fm, %s since last report)", d.Reason, d.Distance, d.Elapsed.Round(time.Millisecond))
}

// Evaluate compares next against the last reported position. When last is
// nil the sample is always reported.
func (f Filter) Evaluate(last *geo.Position, next geo.Position, now time.Time) Decision {
	if last == nil {
		return Decision{Report: true, Reason: ReasonFirst}
	}

	d := Decision{
		Distance: geo.Distance(*last, next),
		Elapsed:  now.Sub(last.Timestamp),
	}
	switch {
	case d.Distance > f.MinDistance:
		d.Report, d.Reason = true, ReasonMoved
	case d.Elapsed > f.MaxStaleness:
		d.Report, d.Reason = true, ReasonHeartbeat
	default:
		d.Reason = ReasonQuiet
	}
	return d
}

// ShouldReport reports whether next should be transmitted.
func (f Filter) ShouldReport(last *geo.Position, next geo.Position, now time.Time) bool {
	return f.Evaluate(last, next, now).Report
}
