// Package http serves the operational endpoints: health, readiness,
// and Prometheus metrics.
package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// GatewayStatus reports whether the monitor listeners are up.
type GatewayStatus interface {
	Listening() bool
}

// BusStatus reports whether the egress bus link is established.
type BusStatus interface {
	Connected() bool
}

// DBChecker abstracts the monitor-registry health check; nil means the
// registry is disabled and excluded from readiness.
type DBChecker interface {
	Ping(ctx context.Context) error
}

type Server struct {
	srv     *http.Server
	gateway GatewayStatus
	bus     BusStatus
	db      DBChecker
	logger  *zap.Logger
}

func NewServer(addr string, gateway GatewayStatus, bus BusStatus, db DBChecker, logger *zap.Logger) *Server {
	s := &Server{
		gateway: gateway,
		bus:     bus,
		db:      db,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	// Check the monitor gateway.
	if s.gateway != nil && s.gateway.Listening() {
		checks["gateway"] = "ok"
	} else {
		checks["gateway"] = "not_listening"
		allOK = false
	}

	// Check the egress bus. The pitcher connects lazily, so a pipeline
	// that has not published yet legitimately reports not_connected.
	if s.bus != nil && s.bus.Connected() {
		checks["bus"] = "ok"
	} else {
		checks["bus"] = "not_connected"
		allOK = false
	}

	// Check the monitor registry only when configured.
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.db.Ping(ctx); err != nil {
			checks["registry"] = "error"
			allOK = false
		} else {
			checks["registry"] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}
