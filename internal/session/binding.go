// Package session ties the tracking engine to the signed-in state of the
// companion device: tracking runs exactly while a valid credential is held.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/safezone/internal/monitoring"
	"github.com/banshee-data/safezone/internal/timeutil"
)

// Tracker is the part of the tracking engine the binding drives.
type Tracker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
}

// Store persists the credential across restarts. LoadToken returns an
// empty string when nothing is stored.
type Store interface {
	LoadToken(ctx context.Context) (string, error)
	SaveToken(ctx context.Context, token string) error
	DeleteToken(ctx context.Context) error
}

// Result describes a successful sign-in or restore.
type Result struct {
	Subject         string     `json:"subject"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	TrackingStarted bool       `json:"tracking"`
	// Warning is set when sign-in succeeded but tracking could not start.
	Warning string `json:"warning,omitempty"`
}

// Binding starts tracking on sign-in and restore, and stops it on sign-out
// before the credential is revoked. Calls are serialized.
type Binding struct {
	mu      sync.Mutex
	creds   *Credentials
	store   Store
	tracker Tracker
	clock   timeutil.Clock

	// startPending is set while a credential is held but tracking failed
	// to start. KeepTracking retries it.
	startPending bool
}

// NewBinding creates a Binding. A nil clock uses the real clock.
func NewBinding(creds *Credentials, store Store, tracker Tracker, clock timeutil.Clock) *Binding {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Binding{creds: creds, store: store, tracker: tracker, clock: clock}
}

// SignIn validates and stores token, then starts tracking. Signing in as a
// different subject ends the current tracking session first, with the old
// credential still in place for the zone status reset.
func (b *Binding) SignIn(ctx context.Context, token string) (*Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cred, err := ParseCredential(token, b.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := b.store.SaveToken(ctx, cred.Token); err != nil {
		return nil, fmt.Errorf("session: save credential: %w", err)
	}
	if prev, ok := b.creds.Current(); ok && prev.Subject != cred.Subject {
		monitoring.Logf("session: switching from %s to %s", prev.Subject, cred.Subject)
		b.tracker.Stop(ctx)
		b.creds.Clear()
		b.startPending = false
	}
	b.creds.Set(cred)
	monitoring.Logf("session: signed in as %s", cred.Subject)

	return b.startTracking(ctx, cred), nil
}

// Restore resumes a persisted session at process start. It returns
// ErrNotSignedIn when nothing is stored. Stored tokens that are no longer
// valid are deleted.
func (b *Binding) Restore(ctx context.Context) (*Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	token, err := b.store.LoadToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: load credential: %w", err)
	}
	if token == "" {
		return nil, ErrNotSignedIn
	}

	cred, err := ParseCredential(token, b.clock.Now())
	if err != nil {
		if derr := b.store.DeleteToken(ctx); derr != nil {
			monitoring.Logf("session: failed to delete unusable credential: %v", derr)
		}
		return nil, err
	}
	b.creds.Set(cred)
	monitoring.Logf("session: restored session for %s", cred.Subject)

	return b.startTracking(ctx, cred), nil
}

// SignOut stops tracking while the credential is still valid, so the zone
// status reset is authorized, then forgets the credential.
func (b *Binding) SignOut(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tracker.Stop(ctx)
	b.creds.Clear()
	b.startPending = false
	if err := b.store.DeleteToken(ctx); err != nil {
		return fmt.Errorf("session: delete credential: %w", err)
	}
	monitoring.Logf("session: signed out")
	return nil
}

// Current returns the signed-in credential, if any.
func (b *Binding) Current() (Credential, bool) {
	return b.creds.Current()
}

// startTracking starts the tracker without failing the sign-in. Location
// tracking is a degraded feature when it cannot run.
func (b *Binding) startTracking(ctx context.Context, cred Credential) *Result {
	res := &Result{Subject: cred.Subject}
	if !cred.ExpiresAt.IsZero() {
		exp := cred.ExpiresAt
		res.ExpiresAt = &exp
	}
	if err := b.tracker.Start(ctx); err != nil {
		monitoring.Logf("session: location tracking unavailable: %v", err)
		res.Warning = fmt.Sprintf("location tracking unavailable: %v", err)
		b.startPending = true
		return res
	}
	b.startPending = false
	res.TrackingStarted = true
	return res
}

// KeepTracking retries a failed tracking start every interval for as long
// as the credential is held, so a session restored before the first GPS
// fix still ends up tracking. It returns when ctx is done.
func (b *Binding) KeepTracking(ctx context.Context, interval time.Duration) {
	ticker := b.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			b.retryStart(ctx)
		}
	}
}

// retryStart makes one pending start attempt and reports whether tracking
// is now running.
func (b *Binding) retryStart(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.startPending {
		return false
	}
	cred, ok := b.creds.Current()
	if !ok || cred.Expired(b.clock.Now()) {
		monitoring.Logf("session: credential gone or expired, no longer retrying tracking")
		b.startPending = false
		return false
	}
	if err := b.tracker.Start(ctx); err != nil {
		monitoring.Debugf("session: tracking retry failed: %v", err)
		return false
	}
	b.startPending = false
	monitoring.Logf("session: location tracking started for %s after retry", cred.Subject)
	return true
}
