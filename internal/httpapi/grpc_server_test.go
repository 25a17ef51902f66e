package httpapi

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

func startBufGRPC(t *testing.T, srv *GRPCServer) (*grpc.ClientConn, func()) {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer()
	srv.Register(server)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}
	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}

	cleanup := func() {
		server.GracefulStop()
		_ = conn.Close()
		_ = listener.Close()
	}
	return conn, cleanup
}

type toggleReadiness struct{ fail atomic.Bool }

func (r *toggleReadiness) Check(context.Context) error {
	if r.fail.Load() {
		return errors.New("boom")
	}
	return nil
}

func checkStatus(t *testing.T, conn *grpc.ClientConn, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q) error: %v", service, err)
	}
	return resp.GetStatus()
}

func TestGRPCHealthFollowsReadiness(t *testing.T) {
	probe := &toggleReadiness{}
	srv := NewGRPCServer(probe)
	conn, cleanup := startBufGRPC(t, srv)
	defer cleanup()

	if got := checkStatus(t, conn, serviceName); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING before first probe, got %v", got)
	}

	if !srv.Refresh(context.Background()) {
		t.Fatal("expected ready")
	}
	for _, svc := range []string{"", serviceName} {
		if got := checkStatus(t, conn, svc); got != healthpb.HealthCheckResponse_SERVING {
			t.Fatalf("service %q: expected SERVING, got %v", svc, got)
		}
	}

	probe.fail.Store(true)
	if srv.Refresh(context.Background()) {
		t.Fatal("expected not ready")
	}
	if got := checkStatus(t, conn, serviceName); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING after failure, got %v", got)
	}
}

func TestGRPCHealthShutdown(t *testing.T) {
	srv := NewGRPCServer(&toggleReadiness{})
	conn, cleanup := startBufGRPC(t, srv)
	defer cleanup()

	stop := srv.StartProbe(time.Hour)
	defer stop()
	if got := checkStatus(t, conn, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", got)
	}
	srv.Shutdown()
	if got := checkStatus(t, conn, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING after shutdown, got %v", got)
	}
	stop()
}
