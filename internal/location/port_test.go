package location

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.bug.st/serial"

	"github.com/banshee-data/safezone/internal/timeutil"
)

func TestPortOptions_Normalize(t *testing.T) {
	tests := []struct {
		name    string
		in      PortOptions
		want    PortOptions
		wantErr bool
	}{
		{"defaults", PortOptions{}, PortOptions{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "N"}, false},
		{"even parity long form", PortOptions{BaudRate: 4800, Parity: "even"}, PortOptions{BaudRate: 4800, DataBits: 8, StopBits: 1, Parity: "E"}, false},
		{"two stop bits", PortOptions{StopBits: 2, Parity: " o "}, PortOptions{BaudRate: 9600, DataBits: 8, StopBits: 2, Parity: "O"}, false},
		{"bad data bits", PortOptions{DataBits: 9}, PortOptions{}, true},
		{"bad stop bits", PortOptions{StopBits: 3}, PortOptions{}, true},
		{"bad parity", PortOptions{Parity: "mark"}, PortOptions{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Normalize()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Normalize() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Normalize() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{StopBits: 2, Parity: "E"}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode: %v", err)
	}
	want := &serial.Mode{BaudRate: 9600, DataBits: 8, StopBits: serial.TwoStopBits, Parity: serial.EvenParity}
	if diff := cmp.Diff(want, mode); diff != "" {
		t.Errorf("SerialMode mismatch (-want +got):\n%s", diff)
	}

	if _, err := (PortOptions{Parity: "?"}).SerialMode(); err == nil {
		t.Error("expected error for invalid parity")
	}
}

func TestOpenPort_MissingDevice(t *testing.T) {
	if _, err := OpenPort(filepath.Join(t.TempDir(), "ttyNOPE"), PortOptions{}); err == nil {
		t.Fatal("expected error opening a missing device")
	}
}

func TestGroupEpochs(t *testing.T) {
	lines := []string{
		sentence(rmcValid),
		sentence(ggaValid),
		sentence(ggaNoFix),
		"$GPGSV,1,1,00*79",
	}
	got := groupEpochs(lines)
	want := [][]string{
		{lines[0], lines[1]},
		{lines[2]},
		{lines[3]},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("groupEpochs mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walk.nmea")
	content := "# morning walk\n\n" + sentence(rmcValid) + "\n" + sentence(ggaValid) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	lines, err := LoadFixture(path)
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	if diff := cmp.Diff([]string{sentence(rmcValid), sentence(ggaValid)}, lines); diff != "" {
		t.Errorf("LoadFixture mismatch (-want +got):\n%s", diff)
	}

	empty := filepath.Join(t.TempDir(), "empty.nmea")
	os.WriteFile(empty, []byte("# nothing\n"), 0o644)
	if _, err := LoadFixture(empty); err == nil {
		t.Error("expected error for fixture without sentences")
	}
}

func TestReplayPort(t *testing.T) {
	lines := []string{sentence(rmcValid), sentence(ggaValid), sentence(ggaLater)}
	port := NewReplayPort(lines, 5*time.Millisecond, timeutil.RealClock{})
	defer port.Close()

	scan := bufio.NewScanner(port)
	var got []string
	for len(got) < 4 && scan.Scan() {
		got = append(got, scan.Text())
	}
	// Loops back to the first epoch after the last.
	want := []string{lines[0], lines[1], lines[2], lines[0]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("replay mismatch (-want +got):\n%s", diff)
	}

	if n, err := port.Write([]byte("PMTK")); n != 4 || err != nil {
		t.Errorf("Write = %d, %v", n, err)
	}
}

func TestReplayPort_FeedsReceiver(t *testing.T) {
	port := NewReplayPort([]string{sentence(rmcValid), sentence(ggaValid)}, 5*time.Millisecond, timeutil.RealClock{})
	r := NewReceiver(port, ReceiverOptions{SampleTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Monitor(ctx) }()

	pos, err := r.Sample(ctx, TrackingRequest)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if pos.Accuracy == nil {
		t.Error("replayed GGA should provide accuracy")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Monitor = %v, want context.Canceled", err)
	}
	port.Close()
}

func TestPermissions(t *testing.T) {
	ctx := context.Background()

	dev := filepath.Join(t.TempDir(), "ttyGPS")
	if err := os.WriteFile(dev, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	p := DevicePermissions{DevicePath: dev, Background: true}
	if err := p.RequestForeground(ctx); err != nil {
		t.Errorf("RequestForeground on accessible device: %v", err)
	}
	if err := p.RequestBackground(ctx); err != nil {
		t.Errorf("RequestBackground with background enabled: %v", err)
	}

	missing := DevicePermissions{DevicePath: filepath.Join(t.TempDir(), "none")}
	if err := missing.RequestForeground(ctx); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("RequestForeground on missing device = %v, want ErrPermissionDenied", err)
	}
	if err := missing.RequestBackground(ctx); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("RequestBackground disabled = %v, want ErrPermissionDenied", err)
	}
	if err := (DevicePermissions{}).RequestForeground(ctx); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("RequestForeground without device = %v, want ErrPermissionDenied", err)
	}

	if err := (StaticPermissions{Foreground: true}).RequestForeground(ctx); err != nil {
		t.Errorf("static foreground grant: %v", err)
	}
	if err := (StaticPermissions{}).RequestForeground(ctx); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("static foreground refusal = %v", err)
	}
	if err := (StaticPermissions{}).RequestBackground(ctx); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("static background refusal = %v", err)
	}
}
