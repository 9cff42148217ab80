package admin

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	reflectionpb "google.golang.org/grpc/reflection/grpc_reflection_v1"

	"github.com/gezibash/luahttp/internal/observability"
)

func setupAdmin(t *testing.T, obs *observability.Observability, reflection bool) (*Server, *grpc.ClientConn) {
	t.Helper()

	s, err := New(context.Background(), "127.0.0.1:0", obs, reflection)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go func() {
		if err := s.Serve(); err != nil {
			t.Logf("admin server exited: %v", err)
		}
	}()

	conn, err := grpc.NewClient(s.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, conn
}

func checkStatus(t *testing.T, conn *grpc.ClientConn, service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q): %v", service, err)
	}
	return resp.GetStatus()
}

func TestHealthLifecycle(t *testing.T) {
	obs := &observability.Observability{ServiceName: "luahttp"}
	s, conn := setupAdmin(t, obs, false)

	if got := checkStatus(t, conn, ""); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("initial status = %v, want NOT_SERVING", got)
	}

	s.SetServing(true)
	for _, svc := range []string{"", "luahttp"} {
		if got := checkStatus(t, conn, svc); got != grpc_health_v1.HealthCheckResponse_SERVING {
			t.Errorf("status(%q) = %v, want SERVING", svc, got)
		}
	}

	s.SetServing(false)
	if got := checkStatus(t, conn, ""); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status after SetServing(false) = %v, want NOT_SERVING", got)
	}
}

func TestReflection(t *testing.T) {
	_, conn := setupAdmin(t, nil, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := reflectionpb.NewServerReflectionClient(conn).ServerReflectionInfo(ctx)
	if err != nil {
		t.Fatalf("ServerReflectionInfo: %v", err)
	}
	err = stream.Send(&reflectionpb.ServerReflectionRequest{
		MessageRequest: &reflectionpb.ServerReflectionRequest_ListServices{ListServices: "*"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	resp, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}

	found := false
	for _, svc := range resp.GetListServicesResponse().GetService() {
		if svc.GetName() == grpc_health_v1.Health_ServiceDesc.ServiceName {
			found = true
		}
	}
	if !found {
		t.Errorf("health service not listed by reflection: %v", resp.GetListServicesResponse().GetService())
	}
}

func TestStopRegisteredWithShutdown(t *testing.T) {
	obs := &observability.Observability{Shutdown: &observability.ShutdownCoordinator{}}
	s, err := New(context.Background(), "127.0.0.1:0", obs, false)
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- s.Serve() }()

	if err := obs.Shutdown.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}
}

func TestNewAddressInUse(t *testing.T) {
	s, _ := setupAdmin(t, nil, false)
	if _, err := New(context.Background(), s.Addr(), nil, false); err == nil {
		t.Fatal("expected listen error")
	}
}
