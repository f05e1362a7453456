package server

import (
	"PegLedger/internal/ingestion"
	"PegLedger/internal/observability"
	"PegLedger/internal/query"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// IntegrityVerifier checks the durable event log.
type IntegrityVerifier interface {
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// Deps holds everything the API needs. Loop and Liquidations are required.
type Deps struct {
	Loop          *ingestion.CommandLoop
	Liquidations  query.LiquidationSource
	Integrity     IntegrityVerifier
	HealthChecker *observability.HealthChecker

	// Metrics may be nil; MetricsHandler serves /metrics when set.
	Metrics        *observability.Metrics
	MetricsHandler http.Handler

	// RateLimit bounds mutating requests per second across all clients;
	// zero disables limiting.
	RateLimit rate.Limit
	RateBurst int

	Logger zerolog.Logger
}

// Server runs the HTTP/JSON API and a gRPC listener carrying the standard
// health and reflection services.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	handler      http.Handler
	grpcAddr     string
	httpAddr     string
	logger       zerolog.Logger
}

func NewServer(grpcAddr, httpAddr string, deps Deps) (*Server, error) {
	if deps.Loop == nil || deps.Liquidations == nil {
		return nil, fmt.Errorf("server: command loop and liquidation source are required")
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	api, err := newAPI(deps)
	if err != nil {
		return nil, err
	}

	httpMux := http.NewServeMux()
	if deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	if deps.MetricsHandler != nil {
		httpMux.Handle("/metrics", deps.MetricsHandler)
	}
	httpMux.Handle("/", api)

	return &Server{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		handler:      requestLogger(deps.Logger, httpMux),
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		logger:       deps.Logger,
	}, nil
}

// Handler returns the full HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// SetServing flips the gRPC health status once recovery has finished.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP API (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// GRPCHealthProbe returns a readiness probe that calls the standard health
// service at addr.
func GRPCHealthProbe(addr string) observability.Probe {
	return func(ctx context.Context) error {
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return err
		}
		defer conn.Close()

		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
		if err != nil {
			if status.Code(err) == codes.Unavailable {
				return fmt.Errorf("grpc unavailable: %w", err)
			}
			return err
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			return fmt.Errorf("grpc status %s", resp.GetStatus())
		}
		return nil
	}
}

// newGatewayMux builds the route table. HandlePath gives gRPC-Gateway style
// path templates without generated stubs.
func newGatewayMux(wrap func(string, runtime.HandlerFunc) runtime.HandlerFunc, routes []route) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, wrap(r.pattern, r.handler)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}
	return mux, nil
}
