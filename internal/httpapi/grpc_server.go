package httpapi

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"otterchat.org/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCServer serves grpc.health.v1 for the overall server ("") and for
// serviceName, driven by the same readiness probe as /readyz.
type GRPCServer struct {
	health    *health.Server
	readiness readinessChecker

	mu      sync.Mutex
	serving bool
}

// NewGRPCServer creates the health service in NOT_SERVING state.
func NewGRPCServer(r readinessChecker) *GRPCServer {
	s := &GRPCServer{health: health.NewServer(), readiness: r}
	s.set(false)
	return s
}

// Register attaches the health service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
}

// Refresh runs the readiness probe once and publishes the result.
func (s *GRPCServer) Refresh(ctx context.Context) bool {
	err := s.readiness.Check(ctx)
	ok := err == nil
	s.mu.Lock()
	changed := ok != s.serving
	s.mu.Unlock()
	if changed {
		fields := map[string]any{"serving": ok}
		if err != nil {
			fields["err"] = err
		}
		obs.Info("grpc health changed", fields)
	}
	s.set(ok)
	obs.SetReady(ok)
	return ok
}

// StartProbe refreshes on every tick until the returned func is called.
func (s *GRPCServer) StartProbe(interval time.Duration) func() {
	s.Refresh(context.Background())
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Refresh(context.Background())
			case <-done:
				return
			}
		}
	}()
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}

// Shutdown reports NOT_SERVING to every watcher and ignores later updates.
func (s *GRPCServer) Shutdown() {
	s.health.Shutdown()
}

func (s *GRPCServer) set(ok bool) {
	s.mu.Lock()
	s.serving = ok
	s.mu.Unlock()
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
}
