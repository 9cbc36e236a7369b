// Command safezone runs the safe zone tracking daemon: it samples the GPS
// receiver, reports meaningful movement to the zone service and records the
// zone transitions the service detects.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/safezone/internal/api"
	"github.com/banshee-data/safezone/internal/config"
	"github.com/banshee-data/safezone/internal/db"
	"github.com/banshee-data/safezone/internal/health"
	"github.com/banshee-data/safezone/internal/httputil"
	"github.com/banshee-data/safezone/internal/location"
	"github.com/banshee-data/safezone/internal/monitoring"
	"github.com/banshee-data/safezone/internal/motion"
	"github.com/banshee-data/safezone/internal/session"
	"github.com/banshee-data/safezone/internal/telemetry"
	"github.com/banshee-data/safezone/internal/timeutil"
	"github.com/banshee-data/safezone/internal/tracking"
	"github.com/banshee-data/safezone/internal/version"
	"github.com/banshee-data/safezone/internal/zonesync"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Path to JSON configuration file")
	devMode     = flag.Bool("dev", false, "Replay NMEA fixtures instead of opening the GPS device")
	fixtures    = flag.String("fixtures", "config/fixtures/walk.nmea", "NMEA fixture file replayed in dev mode")
	listen      = flag.String("listen", "127.0.0.1:8080", "HTTP listen address")
	grpcListen  = flag.String("grpc-listen", "127.0.0.1:50051", "gRPC health listen address (empty to disable)")
	verbose     = flag.Bool("verbose", false, "Enable debug logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

const shutdownTimeout = 5 * time.Second

// replayInterval is the pause between fixture epochs in dev mode.
const replayInterval = time.Second

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	monitoring.SetVerbose(*verbose)
	log.Print(version.String())

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	store, err := db.NewDB(cfg.GetDatabasePath())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	port, perms, err := openGPS(cfg)
	if err != nil {
		log.Fatalf("failed to open GPS: %v", err)
	}

	receiver := location.NewReceiver(port, location.ReceiverOptions{
		SampleTimeout: cfg.GetSampleTimeout(),
	})

	provider, err := telemetry.NewProvider(ctx, cfg.GetOTLPEndpoint(), "safezone")
	if err != nil {
		log.Fatalf("failed to set up telemetry: %v", err)
	}
	provider.SetGlobal()

	creds := &session.Credentials{}
	zones, err := zonesync.NewClient(cfg.GetZoneServiceURL(), creds, zonesync.Options{
		HTTPClient: httputil.NewStandardClient(nil, cfg.GetRequestTimeout()),
		Timeout:    cfg.GetRequestTimeout(),
	})
	if err != nil {
		log.Fatalf("failed to create zone service client: %v", err)
	}

	reporter := health.NewReporter()
	ctrl, err := tracking.New(receiver, perms, zones, tracking.Options{
		Interval: cfg.GetPollInterval(),
		Filter: motion.Filter{
			MinDistance:  cfg.GetMinDistanceMeters(),
			MaxStaleness: cfg.GetMaxStaleness(),
		},
		Meter:         provider.MeterProvider.Meter(tracking.MeterName),
		OnStateChange: reporter.SetTracking,
	})
	if err != nil {
		log.Fatalf("failed to create tracking controller: %v", err)
	}
	ctrl.AddListener(recordTransitions(store))

	var wg sync.WaitGroup

	// run the receiver to keep the latest fix current; the validation
	// sample taken by a restored session needs it
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := receiver.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("GPS monitor stopped: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	binding := session.NewBinding(creds, store, ctrl, timeutil.RealClock{})
	if res, err := binding.Restore(ctx); errors.Is(err, session.ErrNotSignedIn) {
		log.Print("no stored session; waiting for sign-in")
	} else if err != nil {
		log.Printf("failed to restore session: %v", err)
	} else {
		log.Printf("restored session for %s (tracking=%v)", res.Subject, res.TrackingStarted)
	}

	// retry a restored or signed-in session whose tracking could not start,
	// typically because the GPS had no fix yet
	wg.Add(1)
	go func() {
		defer wg.Done()
		binding.KeepTracking(ctx, cfg.GetPollInterval())
	}()

	if *grpcListen != "" {
		if err := reporter.Start(*grpcListen); err != nil {
			log.Fatalf("failed to start health server: %v", err)
		}
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(ctrl, binding, store).ServeMux()
		// admin routes are loopback or tailnet only
		if err := store.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach admin routes: %v", err)
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("HTTP server listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		log.Printf("HTTP server routine stopped")
	}()

	<-ctx.Done()

	// Stop tracking before the port closes so the last cycle can finish
	// and the zone status is reset.
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	ctrl.Stop(stopCtx)
	cancel()
	reporter.Stop()

	// Closing the port unblocks a Monitor stuck in Read.
	port.Close()
	wg.Wait()

	telemetryCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = provider.Shutdown(telemetryCtx)

	log.Printf("Graceful shutdown complete")
}

// openGPS returns the NMEA source and the permission model that goes with
// it: the serial device, or a fixture replay in dev mode.
func openGPS(cfg *config.Config) (io.ReadCloser, location.Permissions, error) {
	if *devMode {
		lines, err := location.LoadFixture(*fixtures)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open fixtures file: %w", err)
		}
		log.Printf("dev mode: replaying %d NMEA sentences from %s", len(lines), *fixtures)
		port := location.NewReplayPort(lines, replayInterval, timeutil.RealClock{})
		return port, location.StaticPermissions{Foreground: true, Background: true}, nil
	}

	device := cfg.GetGPSDevice()
	port, err := location.OpenPort(device, location.PortOptions{BaudRate: cfg.GetGPSBaudRate()})
	if err != nil {
		return nil, nil, err
	}
	log.Printf("opened GPS device %s at %d baud", device, cfg.GetGPSBaudRate())
	return port, location.DevicePermissions{
		DevicePath: device,
		Background: cfg.GetBackgroundLocation(),
	}, nil
}

// transitionWriteTimeout bounds the local write made for each transition.
const transitionWriteTimeout = 2 * time.Second

type transitionRecorder interface {
	RecordTransition(ctx context.Context, r db.TransitionRecord) (int64, error)
}

// recordTransitions returns a listener that appends every transition to the
// local log.
func recordTransitions(store transitionRecorder) tracking.Listener {
	return tracking.ListenerFunc(func(t tracking.Transition) {
		ctx, cancel := context.WithTimeout(context.Background(), transitionWriteTimeout)
		defer cancel()
		if _, err := store.RecordTransition(ctx, toRecord(t)); err != nil {
			log.Printf("failed to record %s for %q: %v", t.Type, t.Zone, err)
			return
		}
		monitoring.Debugf("recorded %s for %q (alert=%v)", t.Type, t.Zone, t.AlertTriggered)
	})
}

func toRecord(t tracking.Transition) db.TransitionRecord {
	return db.TransitionRecord{
		Type:           string(t.Type),
		Zone:           t.Zone,
		AlertTriggered: t.AlertTriggered,
		Latitude:       t.Position.Latitude,
		Longitude:      t.Position.Longitude,
		Accuracy:       t.Position.Accuracy,
		PositionTime:   t.Position.Timestamp,
		ReceivedAt:     t.ReceivedAt,
	}
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
}
