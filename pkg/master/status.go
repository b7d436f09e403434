package master

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/core-tools/hsu-gearman-worker/pkg/errors"
	"github.com/core-tools/hsu-gearman-worker/pkg/gearman"
	"github.com/core-tools/hsu-gearman-worker/pkg/logging"
)

// StatusText is the reply to a status query on worker_<identifier>.
func StatusText(identifier, version string, min, max int, snapshot PoolSnapshot) string {
	return fmt.Sprintf("%s has %d worker and is working on %d jobs. Version: %s|worker=%d;;;%d;%d jobs=%dc",
		identifier, snapshot.CurrentWorkers, snapshot.CurrentJobs, version,
		snapshot.CurrentWorkers, min, max, snapshot.JobsDone)
}

// statusResponder answers status queries on its own job server
// connection, outside the worker pool.
type statusResponder struct {
	worker *gearman.Worker
}

func newStatusResponder(endpoints []gearman.Endpoint, queue string, reply func() string, logger logging.Logger) (*statusResponder, error) {
	w, err := gearman.NewWorker(endpoints, gearman.WorkerOptions{
		Logger:   logger,
		ClientID: queue,
	})
	if err != nil {
		return nil, err
	}
	if err := w.Register(queue, func(context.Context, *gearman.Job) ([]byte, error) {
		return []byte(reply()), nil
	}); err != nil {
		return nil, err
	}
	return &statusResponder{worker: w}, nil
}

func (r *statusResponder) run(ctx context.Context) error {
	return r.worker.Run(ctx)
}

// healthServer exposes the pool as the standard gRPC health service.
type healthServer struct {
	listener net.Listener
	server   *grpc.Server
	health   *health.Server
}

func newHealthServer(address string) (*healthServer, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.NewNetworkError("failed to listen for health checks", err).WithContext("address", address)
	}

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, hs)

	return &healthServer{listener: listener, server: server, health: hs}, nil
}

func (h *healthServer) Addr() string {
	return h.listener.Addr().String()
}

func (h *healthServer) serve(logger logging.Logger) {
	if err := h.server.Serve(h.listener); err != nil && err != grpc.ErrServerStopped {
		logger.Errorf("Health server failed: %v", err)
	}
}

func (h *healthServer) setServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
}

func (h *healthServer) stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}

// metricsServer publishes the pool counters for Prometheus.
type metricsServer struct {
	registry *prometheus.Registry
	listener net.Listener
	server   *http.Server
}

func newMetricsRegistry(state *PoolState) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gmworker_current_jobs",
			Help: "Checks currently running in the pool.",
		}, func() float64 { return float64(state.Snapshot().CurrentJobs) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gmworker_current_workers",
			Help: "Worker processes currently alive.",
		}, func() float64 { return float64(state.Snapshot().CurrentWorkers) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "gmworker_jobs_done_total",
			Help: "Checks finished since the daemon started.",
		}, func() float64 { return float64(state.Snapshot().JobsDone) }),
	)
	return registry
}

func newMetricsServer(address string, state *PoolState) (*metricsServer, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.NewNetworkError("failed to listen for metrics", err).WithContext("address", address)
	}

	registry := newMetricsRegistry(state)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &metricsServer{
		registry: registry,
		listener: listener,
		server:   &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
	}, nil
}

func (m *metricsServer) Addr() string {
	return m.listener.Addr().String()
}

func (m *metricsServer) serve(logger logging.Logger) {
	if err := m.server.Serve(m.listener); err != nil && err != http.ErrServerClosed {
		logger.Errorf("Metrics server failed: %v", err)
	}
}

func (m *metricsServer) stop(ctx context.Context) error {
	return m.server.Shutdown(ctx)
}
