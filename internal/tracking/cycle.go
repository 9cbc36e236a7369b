package tracking

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/safezone/internal/geo"
	"github.com/banshee-data/safezone/internal/location"
	"github.com/banshee-data/safezone/internal/monitoring"
)

// Outcome is how a cycle ended.
type Outcome string

const (
	OutcomeSent         Outcome = "sent"
	OutcomeFiltered     Outcome = "filtered"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeSampleFailed Outcome = "sample_failed"
	OutcomeSendFailed   Outcome = "send_failed"
	OutcomeDiscarded    Outcome = "discarded" // stopped while sending
	OutcomeSkipped      Outcome = "skipped"   // session already stopped
)

// Failed reports whether the outcome counts against health.
func (o Outcome) Failed() bool {
	return o == OutcomeSampleFailed || o == OutcomeSendFailed
}

// runCycle performs one sample, filter, send and dispatch pass for s.
// Failures are logged and recorded; the next tick is the retry.
func (c *Controller) runCycle(ctx context.Context, s *session, trigger string) CycleInfo {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	if !s.active.Load() {
		return CycleInfo{Trigger: trigger, Outcome: OutcomeSkipped}
	}

	info := c.startCycle(trigger)
	outcome, err := c.cycle(ctx, s, &info)
	return c.finishCycle(ctx, info, outcome, err)
}

func (c *Controller) cycle(ctx context.Context, s *session, info *CycleInfo) (Outcome, error) {
	pos, err := c.sampler.Sample(ctx, location.TrackingRequest)
	if err != nil {
		monitoring.Logf("tracking: sample failed, skipping cycle: %v", err)
		return OutcomeSampleFailed, err
	}
	info.Position = &pos

	last := s.lastReported
	if last != nil && last.Equal(pos) {
		monitoring.Debugf("tracking: sample %s already reported", pos)
		return OutcomeDuplicate, nil
	}

	decision := c.filter.Evaluate(last, pos, c.clock.Now())
	info.Reason = string(decision.Reason)
	if !decision.Report {
		monitoring.Debugf("tracking: not reporting %s: %s", pos, decision)
		return OutcomeFiltered, nil
	}

	sentAt := c.clock.Now()
	events, err := c.zones.SendUpdate(ctx, pos)
	latency := c.clock.Since(sentAt)
	c.metrics.sendFinished(ctx, latency, err)
	if err != nil {
		monitoring.Logf("tracking: update failed, keeping previous baseline: %v", err)
		return OutcomeSendFailed, err
	}

	if !s.active.Load() {
		monitoring.Logf("tracking: stopped during update, discarding %d event(s)", len(events))
		return OutcomeDiscarded, nil
	}

	s.lastReported = &pos
	c.recordSent(pos, latency)
	info.Events = len(events)
	monitoring.Debugf("tracking: reported %s (%s), %d event(s)", pos, decision, len(events))

	c.dispatch(ctx, s, events, pos)
	return OutcomeSent, nil
}

func (c *Controller) startCycle(trigger string) CycleInfo {
	info := CycleInfo{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: c.clock.Now(),
	}
	c.mu.Lock()
	current := info
	c.stats.currentCycle = &current
	c.mu.Unlock()
	return info
}

func (c *Controller) finishCycle(ctx context.Context, info CycleInfo, outcome Outcome, err error) CycleInfo {
	now := c.clock.Now()
	info.FinishedAt = now
	info.DurationMs = now.Sub(info.StartedAt).Milliseconds()
	info.Outcome = outcome
	if err != nil {
		info.Error = err.Error()
	}

	c.mu.Lock()
	c.stats.record(info)
	c.mu.Unlock()

	c.metrics.cycleFinished(ctx, outcome)
	return info
}

func (c *Controller) recordSent(pos geo.Position, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := pos
	c.stats.lastReported = &p
	c.stats.addLatency(float64(latency) / float64(time.Millisecond))
}
