// internal/health/health.go
package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported besides the empty one.
const ServiceName = "image-broker"

// Probe reports whether the broker can do useful work.
type Probe func() bool

// Monitor polls a probe and publishes the result over gRPC health and /healthz.
type Monitor struct {
	probe    Probe
	interval time.Duration
	srv      *grpchealth.Server
	serving  atomic.Bool
	logger   *slog.Logger
}

func NewMonitor(probe Probe, interval time.Duration, logger *slog.Logger) *Monitor {
	m := &Monitor{
		probe:    probe,
		interval: interval,
		srv:      grpchealth.NewServer(),
		logger:   logger.With("component", "health"),
	}
	m.set(false)
	return m
}

// NewGRPCServer returns a traced gRPC server with the health service registered.
func (m *Monitor) NewGRPCServer() *grpc.Server {
	s := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthpb.RegisterHealthServer(s, m.srv)
	return s
}

// Run polls the probe until ctx is done, then reports NOT_SERVING for good.
func (m *Monitor) Run(ctx context.Context) {
	m.Check()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.set(false)
			m.srv.Shutdown()
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check runs the probe once and publishes the result.
func (m *Monitor) Check() bool {
	ok := m.probe()
	if prev := m.serving.Load(); prev != ok {
		m.logger.Info("health changed", "serving", ok)
	}
	m.set(ok)
	return ok
}

func (m *Monitor) set(ok bool) {
	m.serving.Store(ok)
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	m.srv.SetServingStatus("", status)
	m.srv.SetServingStatus(ServiceName, status)
}

// ServeHTTP answers /healthz from the last probe result.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	if !m.serving.Load() {
		http.Error(w, "not serving", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
