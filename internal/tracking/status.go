package tracking

import (
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/safezone/internal/geo"
)

// latencyWindow is how many recent sends feed LatencyStats.
const latencyWindow = 64

// CycleInfo captures details about a single tracking cycle.
type CycleInfo struct {
	ID         string        `json:"id,omitempty"`
	Trigger    string        `json:"trigger,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	DurationMs int64         `json:"duration_ms,omitempty"`
	Outcome    Outcome       `json:"outcome,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Position   *geo.Position `json:"position,omitempty"`
	Events     int           `json:"events,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Counters are cumulative over the life of the Controller.
type Counters struct {
	Cycles             int64 `json:"cycles"`
	Sent               int64 `json:"sent"`
	Filtered           int64 `json:"filtered"`
	Duplicates         int64 `json:"duplicates"`
	SampleFailures     int64 `json:"sample_failures"`
	SendFailures       int64 `json:"send_failures"`
	Discarded          int64 `json:"discarded"`
	Transitions        int64 `json:"transitions"`
	ListenerPanics     int64 `json:"listener_panics"`
	BestEffortFailures int64 `json:"best_effort_failures"`
}

// LatencyStats summarizes recent SendUpdate round trips.
type LatencyStats struct {
	Samples  int     `json:"samples"`
	MeanMs   float64 `json:"mean_ms"`
	StdDevMs float64 `json:"stddev_ms"`
}

// Status represents the current state of the tracking engine.
type Status struct {
	Tracking     bool          `json:"tracking"`
	SessionID    string        `json:"session_id,omitempty"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	Interval     string        `json:"interval"`
	LastReported *geo.Position `json:"last_reported,omitempty"`
	Counters     Counters      `json:"counters"`
	SendLatency  LatencyStats  `json:"send_latency"`
	Listeners    int           `json:"listeners"`
	IsHealthy    bool          `json:"is_healthy"`
	CurrentCycle *CycleInfo    `json:"current_cycle,omitempty"`
	LastCycle    *CycleInfo    `json:"last_cycle,omitempty"`
}

type stats struct {
	counters     Counters
	lastReported *geo.Position
	currentCycle *CycleInfo
	lastCycle    *CycleInfo
	latencies    []float64 // ring of the last latencyWindow sends, ms
	latencyNext  int
}

func newStats() stats {
	return stats{latencies: make([]float64, 0, latencyWindow)}
}

func (s *stats) record(info CycleInfo) {
	s.counters.Cycles++
	switch info.Outcome {
	case OutcomeSent:
		s.counters.Sent++
	case OutcomeFiltered:
		s.counters.Filtered++
	case OutcomeDuplicate:
		s.counters.Duplicates++
	case OutcomeSampleFailed:
		s.counters.SampleFailures++
	case OutcomeSendFailed:
		s.counters.SendFailures++
	case OutcomeDiscarded:
		s.counters.Discarded++
	}
	s.currentCycle = nil
	s.lastCycle = &info
}

func (s *stats) addLatency(ms float64) {
	if len(s.latencies) < latencyWindow {
		s.latencies = append(s.latencies, ms)
		return
	}
	s.latencies[s.latencyNext] = ms
	s.latencyNext = (s.latencyNext + 1) % latencyWindow
}

func (s *stats) latency() LatencyStats {
	ls := LatencyStats{Samples: len(s.latencies)}
	switch {
	case ls.Samples == 1:
		ls.MeanMs = s.latencies[0]
	case ls.Samples > 1:
		ls.MeanMs, ls.StdDevMs = stat.MeanStdDev(s.latencies, nil)
	}
	return ls
}

// Status returns a snapshot of the engine state.
func (c *Controller) Status() Status {
	listeners := c.listeners.len()

	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		Tracking:    c.session != nil,
		Interval:    c.interval.String(),
		Counters:    c.stats.counters,
		SendLatency: c.stats.latency(),
		Listeners:   listeners,
		IsHealthy:   true,
	}
	if c.session != nil {
		st.SessionID = c.session.id
		started := c.session.startedAt
		st.StartedAt = &started
	}
	if c.stats.lastReported != nil {
		p := *c.stats.lastReported
		st.LastReported = &p
	}
	if c.stats.currentCycle != nil {
		ci := *c.stats.currentCycle
		st.CurrentCycle = &ci
	}
	if c.stats.lastCycle != nil {
		ci := *c.stats.lastCycle
		st.LastCycle = &ci
	}

	// While tracking, unhealthy if the last cycle failed or none has
	// finished within two intervals.
	if st.Tracking {
		switch {
		case st.LastCycle == nil:
			st.IsHealthy = false
		case st.LastCycle.Outcome.Failed():
			st.IsHealthy = false
		case c.clock.Since(st.LastCycle.FinishedAt) > 2*c.interval:
			st.IsHealthy = false
		}
	}
	return st
}
