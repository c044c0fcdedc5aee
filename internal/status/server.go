// Package status exposes the trainer's liveness over the standard gRPC
// health protocol.
package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/mitchelldurbincs/platformer-dqn/internal/training"
)

// TrainerService is the health service name reporting the training loop.
const TrainerService = "platformerdqn.Trainer"

// Server serves gRPC health checks for the trainer.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	lis        net.Listener
	logger     zerolog.Logger
}

// New listens on address. The trainer service starts NOT_SERVING.
func New(address string, enableReflection bool, logger zerolog.Logger) (*Server, error) {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s := &Server{
		lis:    lis,
		health: health.NewServer(),
		logger: logger.With().Str("component", "status_server").Logger(),
	}
	s.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.loggingInterceptor, s.recoveryInterceptor),
	)
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(TrainerService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	if enableReflection {
		reflection.Register(s.grpcServer)
	}
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	return s.lis.Addr().String()
}

// Serve blocks until Stop.
func (s *Server) Serve() error {
	s.logger.Info().Str("address", s.Addr()).Msg("Status server listening")
	if err := s.grpcServer.Serve(s.lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// SetServing flips the trainer service status.
func (s *Server) SetServing(serving bool) {
	st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		st = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(TrainerService, st)
}

// ObservePhase maps training phases onto health: a solved run no longer
// serves.
func (s *Server) ObservePhase(p training.EpisodePhase) {
	s.SetServing(!p.IsTerminal())
}

// Stop marks everything NOT_SERVING and stops the server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	s.logger.Info().Msg("Status server stopped")
}

func (s *Server) loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	code := codes.OK
	if err != nil {
		if st, ok := grpcstatus.FromError(err); ok {
			code = st.Code()
		}
	}

	s.logger.Debug().
		Str("method", info.FullMethod).
		Str("code", code.String()).
		Dur("duration", time.Since(start)).
		Err(err).
		Msg("gRPC call")
	return resp, err
}

func (s *Server) recoveryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("method", info.FullMethod).
				Interface("panic", r).
				Msg("Recovered from panic in gRPC handler")
			err = grpcstatus.Errorf(codes.Internal, "internal server error")
		}
	}()
	return handler(ctx, req)
}
