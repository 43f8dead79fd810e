package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"DefiLedger/internal/observability"
)

// GRPCServer serves the DefiLedger service over gRPC and health plus
// metrics over plain HTTP.
type GRPCServer struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	drainTimeout  time.Duration
	logger        zerolog.Logger
}

// NewGRPCServer registers svc and the standard health service.
func NewGRPCServer(grpcAddr, httpAddr string, svc DefiLedgerServer, checker *observability.HealthChecker, logger zerolog.Logger, metrics *observability.Metrics) *GRPCServer {
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(recoverInterceptor(logger), statusInterceptor(logger, metrics)),
	)
	grpcServer.RegisterService(&ServiceDesc, svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return &GRPCServer{
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: checker,
		drainTimeout:  5 * time.Second,
		logger:        logger,
	}
}

// WithShutdownTimeout bounds how long in-flight calls may drain on shutdown.
func (s *GRPCServer) WithShutdownTimeout(d time.Duration) *GRPCServer {
	if d > 0 {
		s.drainTimeout = d
	}
	return s
}

// StartGRPC listens on the configured address and serves until ctx is done.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done, then drains in-flight calls.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		drained := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(s.drainTimeout):
			s.logger.Warn().Dur("timeout", s.drainTimeout).Msg("gRPC drain timed out, forcing stop")
			s.grpcServer.Stop()
		}
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// StartHTTP serves /metrics, /healthz and /readyz until ctx is done.
func (s *GRPCServer) StartHTTP(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if s.healthChecker != nil {
		mux.Handle("/", s.healthChecker.Mux())
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop aborts every call immediately.
func (s *GRPCServer) Stop() {
	s.healthServer.Shutdown()
	s.grpcServer.Stop()
}

// statusInterceptor converts engine errors to gRPC statuses and records
// per-method outcome and latency.
func statusInterceptor(logger zerolog.Logger, metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		err = toStatus(err)
		code := status.Code(err)

		if metrics != nil {
			metrics.RPCRequests.WithLabelValues(info.FullMethod, code.String()).Inc()
			metrics.RPCDuration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			logger.Warn().
				Str("method", info.FullMethod).
				Str("code", code.String()).
				Err(err).
				Dur("took", time.Since(start)).
				Msg("rpc failed")
			return nil, err
		}
		logger.Debug().Str("method", info.FullMethod).Dur("took", time.Since(start)).Msg("rpc ok")
		return resp, nil
	}
}

func recoverInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Str("method", info.FullMethod).Interface("panic", r).Msg("rpc panicked")
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}
