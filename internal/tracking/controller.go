// Package tracking runs the location tracking loop: it samples the device
// position on a fixed cadence, filters out insignificant movement, pushes
// updates to the zone service and hands reported zone transitions to
// listeners.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/banshee-data/safezone/internal/geo"
	"github.com/banshee-data/safezone/internal/location"
	"github.com/banshee-data/safezone/internal/monitoring"
	"github.com/banshee-data/safezone/internal/motion"
	"github.com/banshee-data/safezone/internal/timeutil"
	"github.com/banshee-data/safezone/internal/zonesync"
)

const (
	// DefaultInterval is the sampling cadence while tracking.
	DefaultInterval = 5 * time.Second
	// MinInterval is the shortest cadence SetInterval accepts.
	MinInterval = time.Second
)

var (
	// ErrNotTracking is returned by Refresh when the controller is idle.
	ErrNotTracking = errors.New("tracking: not started")
	// ErrDispatching is returned by Refresh while listeners are being
	// notified, which includes a Refresh made from a listener.
	ErrDispatching = errors.New("tracking: transitions are being dispatched")
)

// ZoneService is the remote side of the tracking loop.
type ZoneService interface {
	SendUpdate(ctx context.Context, p geo.Position) ([]zonesync.Event, error)
	InitializeStatus(ctx context.Context, p geo.Position) error
	ResetStatus(ctx context.Context) error
}

// Options configures a Controller. Zero values take defaults.
type Options struct {
	Interval time.Duration
	Filter   motion.Filter
	Clock    timeutil.Clock
	Meter    metric.Meter
	// OnStateChange is called after every transition between idle and
	// tracking, with the new state.
	OnStateChange func(tracking bool)
}

// Controller owns one tracking session at a time. Start and Stop are
// idempotent and serialized.
//
// Listeners must not call Start, Stop or Refresh synchronously from
// OnZoneTransition: each waits for the cycle that is dispatching. Refresh
// detects this and returns ErrDispatching instead of blocking.
type Controller struct {
	sampler       location.Sampler
	permissions   location.Permissions
	zones         ZoneService
	filter        motion.Filter
	clock         timeutil.Clock
	metrics       *metrics
	onStateChange func(bool)

	// lifecycle serializes Start, Stop and SetInterval.
	lifecycle sync.Mutex

	mu       sync.RWMutex
	interval time.Duration
	session  *session
	stats    stats

	listeners listenerSet
}

// session is the state of one Start..Stop span.
type session struct {
	id        string
	startedAt time.Time
	ticker    timeutil.Ticker
	stop      chan struct{}
	done      chan struct{}
	active    atomic.Bool

	// dispatching is set while listeners run, with cycleMu held.
	dispatching atomic.Bool

	// cycleMu is held for the whole of a cycle so cycles never overlap.
	cycleMu      sync.Mutex
	lastReported *geo.Position
}

// New creates an idle Controller.
func New(sampler location.Sampler, permissions location.Permissions, zones ZoneService, opts Options) (*Controller, error) {
	if sampler == nil || permissions == nil || zones == nil {
		return nil, errors.New("tracking: sampler, permissions and zone service are required")
	}
	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Interval < MinInterval {
		return nil, fmt.Errorf("tracking: interval %s below minimum %s", opts.Interval, MinInterval)
	}
	if opts.Filter == (motion.Filter{}) {
		opts.Filter = motion.Default()
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	m, err := newMetrics(opts.Meter)
	if err != nil {
		return nil, err
	}

	return &Controller{
		sampler:       sampler,
		permissions:   permissions,
		zones:         zones,
		filter:        opts.Filter,
		clock:         opts.Clock,
		metrics:       m,
		onStateChange: opts.OnStateChange,
		interval:      opts.Interval,
		stats:         newStats(),
	}, nil
}

// IsTracking reports whether a session is running.
func (c *Controller) IsTracking() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session != nil
}

// Interval returns the current sampling cadence.
func (c *Controller) Interval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.interval
}

// Start begins tracking. It returns nil without side effects if tracking
// is already running.
//
// Foreground permission and a validation sample are required; their
// failures are returned and leave the controller idle. Background
// permission and zone status initialization are best-effort.
func (c *Controller) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.IsTracking() {
		monitoring.Debugf("tracking: start ignored, already tracking")
		return nil
	}

	if err := c.permissions.RequestForeground(ctx); err != nil {
		monitoring.Logf("tracking: foreground location permission refused: %v", err)
		return fmt.Errorf("tracking: foreground permission: %w", err)
	}
	if err := c.permissions.RequestBackground(ctx); err != nil {
		monitoring.Logf("tracking: background location not granted, tracking continues while foregrounded: %v", err)
	}

	pos, err := c.sampler.Sample(ctx, location.ValidationRequest)
	if err != nil {
		monitoring.Logf("tracking: validation sample failed: %v", err)
		return fmt.Errorf("tracking: validation sample: %w", err)
	}

	c.bestEffort(ctx, "initialize zone status", func(ctx context.Context) error {
		return c.zones.InitializeStatus(ctx, pos)
	})

	s := &session{
		id:        uuid.NewString(),
		startedAt: c.clock.Now(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.active.Store(true)

	c.mu.Lock()
	c.session = s
	interval := c.interval
	c.mu.Unlock()
	c.notifyState(true)

	monitoring.Logf("tracking: started session %s at %s, interval %s", s.id, pos, interval)

	c.runCycle(context.Background(), s, "initial")

	s.ticker = c.clock.NewTicker(interval)
	go c.loop(s)
	return nil
}

// Stop ends tracking. It is a no-op when idle.
//
// The ticker is stopped and the loop exits before the zone status reset is
// sent, so no update can reach the service after the reset. A cycle that
// is in flight finishes, but its result is discarded.
func (c *Controller) Stop(ctx context.Context) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.RLock()
	s := c.session
	c.mu.RUnlock()
	if s == nil {
		return
	}

	s.active.Store(false)
	s.ticker.Stop()
	close(s.stop)
	<-s.done
	// Wait out a manual refresh that may hold the cycle.
	s.cycleMu.Lock()
	s.cycleMu.Unlock()

	// The reset must go out even if the caller is already shutting down.
	c.bestEffort(context.WithoutCancel(ctx), "reset zone status", c.zones.ResetStatus)

	c.mu.Lock()
	c.session = nil
	c.stats.lastReported = nil
	c.mu.Unlock()
	c.notifyState(false)

	monitoring.Logf("tracking: stopped session %s after %s", s.id, c.clock.Since(s.startedAt).Round(time.Second))
}

// Refresh runs one cycle now, outside the periodic schedule. It waits for
// any cycle already running, except one that is notifying listeners.
func (c *Controller) Refresh(ctx context.Context) (CycleInfo, error) {
	c.mu.RLock()
	s := c.session
	c.mu.RUnlock()
	if s == nil || !s.active.Load() {
		return CycleInfo{}, ErrNotTracking
	}
	if s.dispatching.Load() {
		return CycleInfo{}, ErrDispatching
	}
	return c.runCycle(ctx, s, "manual"), nil
}

// SetInterval changes the sampling cadence, taking effect immediately if
// tracking.
func (c *Controller) SetInterval(d time.Duration) error {
	if d < MinInterval {
		return fmt.Errorf("tracking: interval %s below minimum %s", d, MinInterval)
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	old := c.interval
	c.interval = d
	s := c.session
	c.mu.Unlock()

	if s != nil {
		s.ticker.Reset(d)
	}
	if old != d {
		monitoring.Logf("tracking: interval changed from %s to %s", old, d)
	}
	return nil
}

// loop runs periodic cycles until the session is stopped.
func (c *Controller) loop(s *session) {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-s.ticker.C():
			c.runCycle(context.Background(), s, "periodic")
		}
	}
}

// bestEffort runs a call whose failure must not block a lifecycle
// transition. Errors are logged and counted, never returned.
func (c *Controller) bestEffort(ctx context.Context, op string, fn func(context.Context) error) bool {
	if err := fn(ctx); err != nil {
		monitoring.Logf("tracking: %s failed, continuing: %v", op, err)
		c.mu.Lock()
		c.stats.counters.BestEffortFailures++
		c.mu.Unlock()
		c.metrics.bestEffortFailed(ctx, op)
		return false
	}
	return true
}

func (c *Controller) notifyState(tracking bool) {
	if c.onStateChange != nil {
		c.onStateChange(tracking)
	}
}
