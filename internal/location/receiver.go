package location

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"

	"github.com/banshee-data/safezone/internal/geo"
	"github.com/banshee-data/safezone/internal/monitoring"
	"github.com/banshee-data/safezone/internal/timeutil"
)

const (
	// DefaultSampleTimeout bounds how long Sample waits for a usable fix.
	DefaultSampleTimeout = 15 * time.Second
	// DefaultUERE is the user equivalent range error, in meters, used to
	// turn HDOP into an accuracy estimate.
	DefaultUERE = 5.0

	knotsToMetersPerSecond = 0.514444
)

// ReceiverOptions tunes a Receiver. Zero values take the defaults.
type ReceiverOptions struct {
	SampleTimeout time.Duration
	UERE          float64
	Clock         timeutil.Clock
}

// ReceiverStats counts sentences seen by Monitor.
type ReceiverStats struct {
	Sentences int64     `json:"sentences"`
	Rejected  int64     `json:"rejected"`
	Fixes     int64     `json:"fixes"`
	LastFixAt time.Time `json:"last_fix_at,omitempty"`
}

// fix is the latest position with a flag for whether it carries a GGA
// quality indicator.
type fix struct {
	position geo.Position
	precise  bool
}

// satisfies reports whether f meets a. High accuracy needs a GGA quality
// reading unless the receiver has never produced one, in which case the
// best it offers is accepted.
func (f fix) satisfies(a Accuracy, qualitySeen bool) bool {
	return a == AccuracyLow || f.precise || !qualitySeen
}

// epoch collects the sentences a receiver emits for one instant.
type epoch struct {
	utc        nmea.Time
	receivedAt time.Time
	rmc        *nmea.RMC
	gga        *nmea.GGA
}

// Receiver turns an NMEA sentence stream into position samples. Monitor
// must be running for Sample to see new fixes.
type Receiver struct {
	port          io.Reader
	clock         timeutil.Clock
	sampleTimeout time.Duration
	uere          float64

	mu      sync.Mutex
	current epoch
	latest  fix
	hasFix  bool
	closed  bool
	updated chan struct{}
	stats   ReceiverStats

	// qualitySeen is set once any fix carried GGA accuracy.
	qualitySeen bool
}

// NewReceiver creates a Receiver reading from port.
func NewReceiver(port io.Reader, opts ReceiverOptions) *Receiver {
	if opts.SampleTimeout <= 0 {
		opts.SampleTimeout = DefaultSampleTimeout
	}
	if opts.UERE <= 0 {
		opts.UERE = DefaultUERE
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Receiver{
		port:          port,
		clock:         opts.Clock,
		sampleTimeout: opts.SampleTimeout,
		uere:          opts.UERE,
		updated:       make(chan struct{}),
	}
}

// Sample returns the latest fix if it is fresh enough for req, otherwise
// waits for one until the sample timeout.
func (r *Receiver) Sample(ctx context.Context, req Request) (geo.Position, error) {
	timer := r.clock.NewTimer(r.sampleTimeout)
	defer timer.Stop()

	for {
		r.mu.Lock()
		f, ok, closed, updated := r.latest, r.hasFix, r.closed, r.updated
		qualitySeen := r.qualitySeen
		r.mu.Unlock()

		if ok && r.clock.Since(f.position.Timestamp) <= req.MaxAge && f.satisfies(req.Accuracy, qualitySeen) {
			return f.position, nil
		}
		if closed {
			return geo.Position{}, fmt.Errorf("%w: receiver stopped", ErrLocationUnavailable)
		}

		select {
		case <-updated:
		case <-timer.C():
			return geo.Position{}, fmt.Errorf("%w: no %s accuracy fix within %s", ErrLocationUnavailable, req.Accuracy, r.sampleTimeout)
		case <-ctx.Done():
			return geo.Position{}, fmt.Errorf("%w: %v", ErrLocationUnavailable, ctx.Err())
		}
	}
}

// Stats returns a snapshot of sentence counters.
func (r *Receiver) Stats() ReceiverStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Monitor reads sentences until ctx is cancelled or the port fails. Once it
// returns, Sample fails immediately.
func (r *Receiver) Monitor(ctx context.Context) error {
	defer r.close()

	scan := bufio.NewScanner(r.port)
	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// Scan in a goroutine so a blocking read does not hold up cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErrChan:
			return fmt.Errorf("gps read: %w", err)
		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return fmt.Errorf("gps read: %w", err)
				default:
				}
				return io.EOF
			}
			if err := r.HandleLine(line); err != nil {
				monitoring.Debugf("gps: dropped sentence %q: %v", line, err)
			}
		}
	}
}

func (r *Receiver) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.updated)
}

// HandleLine parses one NMEA sentence and folds it into the current fix.
// Sentences other than RMC and GGA are ignored.
func (r *Receiver) HandleLine(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	s, err := nmea.Parse(line)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Sentences++
	if err != nil {
		r.stats.Rejected++
		return err
	}

	now := r.clock.Now()
	switch m := s.(type) {
	case nmea.RMC:
		r.startEpoch(m.Time, now)
		r.current.rmc = &m
	case nmea.GGA:
		r.startEpoch(m.Time, now)
		r.current.gga = &m
	default:
		return nil
	}

	f, ok := r.current.fix(r.uere)
	if !ok {
		return nil
	}
	r.latest = f
	r.hasFix = true
	if f.precise {
		r.qualitySeen = true
	}
	r.stats.Fixes++
	r.stats.LastFixAt = f.position.Timestamp
	if !r.closed {
		close(r.updated)
		r.updated = make(chan struct{})
	}
	return nil
}

func (r *Receiver) startEpoch(utc nmea.Time, now time.Time) {
	if r.current.utc == utc && !r.current.receivedAt.IsZero() {
		return
	}
	r.current = epoch{utc: utc, receivedAt: now}
}

// fix builds a position from whatever valid sentences the epoch has.
func (e epoch) fix(uere float64) (fix, bool) {
	rmcOK := e.rmc != nil && e.rmc.Validity == nmea.ValidRMC
	ggaOK := e.gga != nil && e.gga.FixQuality != nmea.Invalid
	if !rmcOK && !ggaOK {
		return fix{}, false
	}

	p := geo.Position{Timestamp: e.receivedAt}
	if rmcOK {
		p.Latitude = e.rmc.Latitude
		p.Longitude = e.rmc.Longitude
		p.Speed = geo.Float(e.rmc.Speed * knotsToMetersPerSecond)
		if e.rmc.Course >= 0 && e.rmc.Course <= 360 {
			p.Heading = geo.Float(e.rmc.Course)
		}
	} else {
		p.Latitude = e.gga.Latitude
		p.Longitude = e.gga.Longitude
	}
	if ggaOK {
		p.Altitude = geo.Float(e.gga.Altitude)
		if e.gga.HDOP > 0 {
			p.Accuracy = geo.Float(e.gga.HDOP * uere)
		}
	}
	if err := p.Validate(); err != nil {
		return fix{}, false
	}
	return fix{position: p, precise: ggaOK && p.Accuracy != nil}, true
}
