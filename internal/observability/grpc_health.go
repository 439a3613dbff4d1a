package observability

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealth serves the standard grpc.health.v1 service so orchestrators
// can check the gateway without speaking HTTP.
type GRPCHealth struct {
	server *grpc.Server
	health *health.Server
	logger zerolog.Logger
}

// NewGRPCHealth creates a health server with the overall service marked SERVING
func NewGRPCHealth(logger zerolog.Logger) *GRPCHealth {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

	return &GRPCHealth{server: srv, health: hs, logger: logger}
}

// Serve blocks accepting connections on lis
func (g *GRPCHealth) Serve(lis net.Listener) error {
	g.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health server listening")
	return g.server.Serve(lis)
}

// Watch polls check at interval and mirrors its result into the serving status
func (g *GRPCHealth) Watch(ctx context.Context, interval time.Duration, check HealthCheckFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, interval)
			ok, err := check(checkCtx)
			cancel()

			status := healthpb.HealthCheckResponse_SERVING
			if err != nil || !ok {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			g.health.SetServingStatus(serviceName, status)
		}
	}
}

// Shutdown flips every service to NOT_SERVING and stops the server
func (g *GRPCHealth) Shutdown() {
	g.health.Shutdown()
	g.server.GracefulStop()
}
