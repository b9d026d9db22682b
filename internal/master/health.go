package master

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthPublisher mirrors cluster state into the standard gRPC health service.
// The overall service ("") is SERVING while a primary is selected, and each
// chunk server is published as "chunkserver-<id>".
type HealthPublisher struct {
	server *health.Server
}

func NewHealthPublisher() *HealthPublisher {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthPublisher{server: hs}
}

func HealthServiceName(id NodeID) string {
	return fmt.Sprintf("chunkserver-%d", id)
}

func (p *HealthPublisher) NodeAlive(id NodeID) {
	p.server.SetServingStatus(HealthServiceName(id), healthpb.HealthCheckResponse_SERVING)
}

func (p *HealthPublisher) NodeFailed(id NodeID) {
	p.server.SetServingStatus(HealthServiceName(id), healthpb.HealthCheckResponse_NOT_SERVING)
}

func (p *HealthPublisher) PrimaryChanged(_ NodeID, ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	p.server.SetServingStatus("", status)
}

func (p *HealthPublisher) Server() healthpb.HealthServer {
	return p.server
}

// NewAdminServer returns a gRPC server exposing the health service.
func (p *HealthPublisher) NewAdminServer(opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, p.server)
	return s
}

// Shutdown marks every service NOT_SERVING.
func (p *HealthPublisher) Shutdown() {
	p.server.Shutdown()
}
