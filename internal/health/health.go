// Package health exposes the tracking state over the standard gRPC health
// checking protocol so supervisors can probe the daemon.
package health

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/safezone/internal/monitoring"
)

// TrackingService is the health service name that reflects tracking state.
const TrackingService = "safezone.tracking"

// Reporter owns a gRPC server carrying the health service.
type Reporter struct {
	health   *grpchealth.Server
	server   *grpc.Server
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
}

func NewReporter() *Reporter {
	r := &Reporter{health: grpchealth.NewServer()}
	r.SetTracking(false)
	return r
}

// SetTracking flips TrackingService between SERVING and NOT_SERVING. The
// overall server status ("") stays SERVING while the process is up.
func (r *Reporter) SetTracking(tracking bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if tracking {
		status = healthpb.HealthCheckResponse_SERVING
	}
	r.health.SetServingStatus(TrackingService, status)
	monitoring.Debugf("[Health] %s -> %s", TrackingService, status)
}

// HealthServer returns the underlying health service implementation.
func (r *Reporter) HealthServer() healthpb.HealthServer {
	return r.health
}

// Start binds addr and serves the health service in the background.
func (r *Reporter) Start(addr string) error {
	if r.running.Load() {
		return fmt.Errorf("health server already running")
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	r.listener = lis
	r.server = grpc.NewServer()
	healthpb.RegisterHealthServer(r.server, r.health)
	r.running.Store(true)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		monitoring.Logf("[Health] gRPC health server listening on %s", lis.Addr())
		if err := r.server.Serve(lis); err != nil && r.running.Load() {
			monitoring.Logf("[Health] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr is the bound address, or nil before Start.
func (r *Reporter) Addr() net.Addr {
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Stop marks every service NOT_SERVING and gracefully stops the server.
func (r *Reporter) Stop() {
	r.health.Shutdown()
	if !r.running.Load() {
		return
	}
	r.running.Store(false)
	r.server.GracefulStop()
	r.wg.Wait()
	monitoring.Logf("[Health] gRPC server stopped")
}
