// Package health serves the standard gRPC health protocol for a running
// pipeline. The empty service and ServiceName report the run as a whole;
// ServiceName + "/" + sensor reports one stream.
package health

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/slamfeed/internal/chunk"
	"github.com/banshee-data/slamfeed/internal/monitoring"
	"github.com/banshee-data/slamfeed/internal/pipeline"
	"github.com/banshee-data/slamfeed/internal/timeutil"
)

// ServiceName is the health service name of the pipeline.
const ServiceName = "slamfeed.Pipeline"

// SensorService returns the health service name of one sensor stream.
func SensorService(sensor string) string {
	return ServiceName + "/" + sensor
}

// Source is the part of a pipeline the health server watches.
type Source interface {
	StreamStates() []pipeline.StreamState
	Done() <-chan struct{}
	Wait() (pipeline.Summary, error)
}

// Config contains configuration for Server.
type Config struct {
	// ListenAddr is the TCP address Start binds, e.g. "localhost:50052".
	ListenAddr string
	// Interval between stream state polls (default: 1s).
	Interval time.Duration
	Clock    timeutil.Clock
}

// Server owns a gRPC server with only the health service registered.
type Server struct {
	cfg    Config
	grpc   *grpc.Server
	health *grpchealth.Server

	running  atomic.Bool
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates the server. Every service reports NOT_SERVING until a
// pipeline is watched.
func NewServer(cfg Config) *Server {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	s := &Server{
		cfg:    cfg,
		grpc:   grpc.NewServer(),
		health: grpchealth.NewServer(),
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// GRPCServer returns the underlying gRPC server.
func (s *Server) GRPCServer() *grpc.Server { return s.grpc }

// Start listens on cfg.ListenAddr and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on lis in the background.
func (s *Server) Serve(lis net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("health server already running")
	}
	s.listener = lis

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		monitoring.Logger().Info("health server listening", zap.String("addr", lis.Addr().String()))
		if err := s.grpc.Serve(lis); err != nil && s.running.Load() {
			monitoring.Logger().Error("health server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.grpc.GracefulStop()
	s.wg.Wait()
	monitoring.Logger().Info("health server stopped")
}

// Watch mirrors src into the health service until src finishes or ctx is
// done. While running, the pipeline is SERVING unless every stream has
// errored, and each sensor is SERVING unless its stream errored. After the
// run, the pipeline stays SERVING unless it failed.
func (s *Server) Watch(ctx context.Context, src Source) {
	for {
		s.update(src.StreamStates(), false)
		select {
		case <-src.Done():
			summary, _ := src.Wait()
			s.update(src.StreamStates(), summary.Status == pipeline.StatusFailed)
			return
		case <-ctx.Done():
			return
		case <-s.cfg.Clock.After(s.cfg.Interval):
		}
	}
}

func (s *Server) update(states []pipeline.StreamState, failed bool) {
	errored := 0
	for _, st := range states {
		status := healthpb.HealthCheckResponse_SERVING
		if st.State == chunk.StateErrored {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			errored++
		}
		s.health.SetServingStatus(SensorService(st.Sensor), status)
	}

	overall := healthpb.HealthCheckResponse_SERVING
	if failed || (len(states) > 0 && errored == len(states)) {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", overall)
	s.health.SetServingStatus(ServiceName, overall)
}
