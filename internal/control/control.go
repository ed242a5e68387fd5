// Package control serves the local status surface of a running clipvm
// endpoint. One listener carries two protocols, split by cmux:
//
//	gRPC    grpc.health.v1.Health, service "clipvm"
//	HTTP/1  GET /v1/status   endpoint status as JSON
//	        GET /metrics     Prometheus exposition
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	gwruntime "github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soheilhy/cmux"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"go.klb.dev/clipvm/internal/session"
)

// ServiceName is the name reported through the gRPC health service.
const ServiceName = "clipvm"

// Status is the document served at /v1/status.
type Status struct {
	Role     string         `json:"role"`
	Version  string         `json:"version"`
	Backend  string         `json:"backend"`
	Started  time.Time      `json:"started"`
	Endpoint session.Status `json:"endpoint"`
}

// StatusFunc produces the current status on demand.
type StatusFunc func() Status

// Server is the control surface for one process.
type Server struct {
	ln     net.Listener
	status StatusFunc
	log    *slog.Logger

	health *health.Server
	grpc   *grpc.Server
	http   *http.Server
}

// New builds a Server on ln. gatherer may be nil to omit /metrics.
func New(ln net.Listener, status StatusFunc, gatherer prometheus.Gatherer, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		ln:     ln,
		status: status,
		log:    log.With("control", ln.Addr().String()),
		health: health.NewServer(),
		grpc:   grpc.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	mux := gwruntime.NewServeMux()
	if err := mux.HandlePath(http.MethodGet, "/v1/status", s.handleStatus); err != nil {
		return nil, fmt.Errorf("control: route /v1/status: %w", err)
	}
	if gatherer != nil {
		metrics := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
		err := mux.HandlePath(http.MethodGet, "/metrics", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			metrics.ServeHTTP(w, r)
		})
		if err != nil {
			return nil, fmt.Errorf("control: route /metrics: %w", err)
		}
	}
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s, nil
}

// Addr returns the control listener address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve runs until ctx is done or a protocol server fails. It returns nil
// after a ctx-initiated shutdown.
func (s *Server) Serve(ctx context.Context) error {
	m := cmux.New(s.ln)
	grpcL := m.MatchWithWriters(cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))
	httpL := m.Match(cmux.Any())

	s.log.Info("control surface listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.grpc.Serve(grpcL) })
	g.Go(func() error {
		if err := s.http.Serve(httpL); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return m.Serve() })
	g.Go(func() error {
		<-gctx.Done()
		s.health.Shutdown()
		s.grpc.Stop()
		_ = s.http.Close()
		_ = s.ln.Close()
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil {
		s.log.Info("control surface stopped")
		return nil
	}
	return err
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.status()); err != nil {
		s.log.Warn("status write failed", "err", err)
	}
}
