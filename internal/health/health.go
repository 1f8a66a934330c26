// Package health reports interface connection state over the standard
// gRPC health checking protocol. Each interface is a service named after
// it; the empty service name is SERVING only while every interface is
// connected.
package health

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/cmdtlm/internal/iface"
	"github.com/banshee-data/cmdtlm/internal/monitoring"
	"github.com/banshee-data/cmdtlm/internal/rawlog"
)

type Reporter struct {
	health *health.Server

	mu     sync.Mutex
	states map[string]iface.State

	running  atomic.Bool
	server   *grpc.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewReporter tracks the named interfaces, all initially disconnected.
func NewReporter(interfaces ...string) *Reporter {
	r := &Reporter{
		health: health.NewServer(),
		states: make(map[string]iface.State),
	}
	for _, name := range interfaces {
		r.states[name] = iface.Disconnected
		r.health.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	r.updateOverall()
	return r
}

// Server returns the health service for registration on another server.
func (r *Reporter) Server() healthpb.HealthServer { return r.health }

// StateChanged implements iface.Observer.
func (r *Reporter) StateChanged(name string, state iface.State) {
	r.mu.Lock()
	r.states[name] = state
	r.mu.Unlock()

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == iface.Connected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	r.health.SetServingStatus(name, status)
	r.updateOverall()
}

// Transferred implements iface.Observer.
func (r *Reporter) Transferred(string, rawlog.Direction, int, int) {}

func (r *Reporter) updateOverall() {
	r.mu.Lock()
	all := true
	for _, s := range r.states {
		if s != iface.Connected {
			all = false
			break
		}
	}
	r.mu.Unlock()
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if all {
		status = healthpb.HealthCheckResponse_SERVING
	}
	r.health.SetServingStatus("", status)
}

// Start serves the health service on addr.
func (r *Reporter) Start(addr string) error {
	if r.running.Load() {
		return fmt.Errorf("health reporter already running")
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return r.Serve(lis)
}

// Serve serves the health service on lis in the background.
func (r *Reporter) Serve(lis net.Listener) error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("health reporter already running")
	}
	r.listener = lis
	r.server = grpc.NewServer()
	healthpb.RegisterHealthServer(r.server, r.health)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		monitoring.Logf("[health] gRPC health listening on %s", lis.Addr())
		if err := r.server.Serve(lis); err != nil && r.running.Load() {
			monitoring.Logf("[health] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (r *Reporter) Addr() net.Addr {
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Stop marks every service NOT_SERVING and stops the server.
func (r *Reporter) Stop() {
	r.health.Shutdown()
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.server.GracefulStop()
	r.wg.Wait()
}
