package location

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/safezone/internal/timeutil"
)

// sentence wraps an NMEA body with the leading '$' and XOR checksum.
func sentence(body string) string {
	var cs byte
	for i := 0; i < len(body); i++ {
		cs ^= body[i]
	}
	return fmt.Sprintf("$%s*%02X", body, cs)
}

const (
	rmcValid   = "GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"
	rmcVoid    = "GPRMC,123520,V,4807.038,N,01131.000,E,000.0,000.0,230394,003.1,W"
	ggaValid   = "GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,0000"
	ggaNoFix   = "GPGGA,123521,4807.038,N,01131.000,E,0,00,99.9,545.4,M,46.9,M,,0000"
	ggaLater   = "GPGGA,123522,4807.040,N,01131.002,E,1,09,1.2,545.0,M,46.9,M,,0000"
	wantLat    = 48.1173
	wantLon    = 11.516666
	coordDelta = 1e-4
)

func newTestReceiver(clock timeutil.Clock) *Receiver {
	return NewReceiver(strings.NewReader(""), ReceiverOptions{
		SampleTimeout: 50 * time.Millisecond,
		Clock:         clock,
	})
}

func TestReceiver_RMCOnlyIsLowAccuracy(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 2, 1, 12, 35, 19, 0, time.UTC))
	r := newTestReceiver(clock)

	if err := r.HandleLine(sentence(rmcValid)); err != nil {
		t.Fatalf("HandleLine: %v", err)
	}

	pos, err := r.Sample(context.Background(), ValidationRequest)
	if err != nil {
		t.Fatalf("Sample(low): %v", err)
	}
	if math.Abs(pos.Latitude-wantLat) > coordDelta || math.Abs(pos.Longitude-wantLon) > coordDelta {
		t.Errorf("position = %v, want (%v, %v)", pos, wantLat, wantLon)
	}
	if pos.Speed == nil || math.Abs(*pos.Speed-22.4*knotsToMetersPerSecond) > 1e-6 {
		t.Errorf("speed = %v, want knots converted to m/s", pos.Speed)
	}
	if pos.Heading == nil || *pos.Heading != 84.4 {
		t.Errorf("heading = %v, want 84.4", pos.Heading)
	}
	if pos.Accuracy != nil {
		t.Errorf("accuracy = %v, want nil without GGA", *pos.Accuracy)
	}
	if !pos.Timestamp.Equal(clock.Now()) {
		t.Errorf("timestamp = %v, want receipt time %v", pos.Timestamp, clock.Now())
	}

	// No GGA quality, so a high accuracy request must wait and time out.
	_, err = NewReceiver(strings.NewReader(""), ReceiverOptions{SampleTimeout: 20 * time.Millisecond}).
		Sample(context.Background(), TrackingRequest)
	if !errors.Is(err, ErrLocationUnavailable) {
		t.Errorf("Sample(high) on empty receiver = %v, want ErrLocationUnavailable", err)
	}
}

func TestReceiver_RMCOnlyReceiverServesTracking(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 2, 1, 12, 35, 19, 0, time.UTC))
	r := newTestReceiver(clock)

	if err := r.HandleLine(sentence(rmcValid)); err != nil {
		t.Fatalf("HandleLine: %v", err)
	}

	// Without any GGA the receiver cannot do better, so the fix is used.
	pos, err := r.Sample(context.Background(), TrackingRequest)
	if err != nil {
		t.Fatalf("Sample(high) on RMC-only receiver: %v", err)
	}
	if pos.Accuracy != nil {
		t.Errorf("accuracy = %v, want nil without GGA", *pos.Accuracy)
	}
}

func TestReceiver_HighAccuracyWaitsForGGAOnceSeen(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 2, 1, 12, 35, 19, 0, time.UTC))
	r := NewReceiver(strings.NewReader(""), ReceiverOptions{SampleTimeout: time.Minute, Clock: clock})

	r.HandleLine(sentence(rmcValid))
	r.HandleLine(sentence(ggaValid))
	// The next epoch starts with RMC; its GGA has not arrived yet.
	r.HandleLine(sentence("GPRMC,123523,A,4807.041,N,01131.003,E,022.4,084.4,230394,003.1,W"))

	got := make(chan error, 1)
	go func() {
		_, err := r.Sample(context.Background(), TrackingRequest)
		got <- err
	}()

	select {
	case err := <-got:
		t.Fatalf("Sample returned %v before the epoch had GGA quality", err)
	case <-time.After(20 * time.Millisecond):
	}

	if err := r.HandleLine(sentence("GPGGA,123523,4807.041,N,01131.003,E,1,08,0.9,545.4,M,46.9,M,,0000")); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("Sample after GGA: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Sample did not wake on the GGA fix")
	}
}

func TestReceiver_MergesEpoch(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 2, 1, 12, 35, 19, 0, time.UTC))
	r := newTestReceiver(clock)

	for _, body := range []string{rmcValid, ggaValid} {
		if err := r.HandleLine(sentence(body)); err != nil {
			t.Fatalf("HandleLine(%s): %v", body, err)
		}
	}

	pos, err := r.Sample(context.Background(), TrackingRequest)
	if err != nil {
		t.Fatalf("Sample(high): %v", err)
	}
	if pos.Accuracy == nil || math.Abs(*pos.Accuracy-0.9*DefaultUERE) > 1e-9 {
		t.Errorf("accuracy = %v, want HDOP x UERE", pos.Accuracy)
	}
	if pos.Altitude == nil || *pos.Altitude != 545.4 {
		t.Errorf("altitude = %v, want 545.4", pos.Altitude)
	}
	if pos.Speed == nil {
		t.Error("speed from RMC should survive the GGA merge")
	}

	stats := r.Stats()
	if stats.Sentences != 2 || stats.Fixes != 2 || stats.Rejected != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestReceiver_InvalidSentences(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	r := newTestReceiver(clock)

	if err := r.HandleLine("$GPRMC,garbage*00"); err == nil {
		t.Error("expected checksum/parse error")
	}
	if err := r.HandleLine(sentence(rmcVoid)); err != nil {
		t.Fatalf("void RMC should parse: %v", err)
	}
	if err := r.HandleLine(sentence(ggaNoFix)); err != nil {
		t.Fatalf("no-fix GGA should parse: %v", err)
	}

	if _, err := r.Sample(context.Background(), ValidationRequest); !errors.Is(err, ErrLocationUnavailable) {
		t.Errorf("Sample = %v, want ErrLocationUnavailable", err)
	}
	if got := r.Stats().Rejected; got != 1 {
		t.Errorf("Rejected = %d, want 1", got)
	}
}

func TestReceiver_StaleFixWaitsForNewOne(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	r := NewReceiver(strings.NewReader(""), ReceiverOptions{SampleTimeout: time.Minute, Clock: clock})

	r.HandleLine(sentence(rmcValid))
	r.HandleLine(sentence(ggaValid))
	clock.Advance(11 * time.Second)

	got := make(chan error, 1)
	go func() {
		_, err := r.Sample(context.Background(), TrackingRequest)
		got <- err
	}()

	select {
	case err := <-got:
		t.Fatalf("Sample returned early with %v; cached fix is older than MaxAge", err)
	case <-time.After(20 * time.Millisecond):
	}

	if err := r.HandleLine(sentence(ggaLater)); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("Sample after fresh fix: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Sample did not wake on new fix")
	}

	// The validation profile accepts the older fix window.
	if _, err := r.Sample(context.Background(), ValidationRequest); err != nil {
		t.Errorf("Sample(validation): %v", err)
	}
}

func TestReceiver_SampleHonoursContext(t *testing.T) {
	r := NewReceiver(strings.NewReader(""), ReceiverOptions{SampleTimeout: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Sample(ctx, ValidationRequest); !errors.Is(err, ErrLocationUnavailable) {
		t.Errorf("Sample = %v, want ErrLocationUnavailable", err)
	}
}

func TestReceiver_Monitor(t *testing.T) {
	input := strings.Join([]string{sentence(rmcValid), sentence(ggaValid), ""}, "\r\n")
	r := NewReceiver(strings.NewReader(input), ReceiverOptions{SampleTimeout: 50 * time.Millisecond})

	err := r.Monitor(context.Background())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("Monitor = %v, want io.EOF at end of stream", err)
	}
	if got := r.Stats().Fixes; got != 2 {
		t.Errorf("Fixes = %d, want 2", got)
	}

	// Latest fix is still served while fresh, but once stopped Sample
	// fails fast rather than waiting.
	if _, err := r.Sample(context.Background(), TrackingRequest); err != nil {
		t.Errorf("Sample after Monitor: %v", err)
	}
	if _, err := r.Sample(context.Background(), Request{MaxAge: 0, Accuracy: AccuracyHigh}); !errors.Is(err, ErrLocationUnavailable) {
		t.Errorf("Sample with zero MaxAge = %v, want ErrLocationUnavailable", err)
	}
}

func TestReceiver_MonitorCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	r := NewReceiver(pr, ReceiverOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Monitor(ctx) }()

	if _, err := io.WriteString(pw, sentence(rmcValid)+"\r\n"); err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Monitor did not stop on cancel")
	}
}
