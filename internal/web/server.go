package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pperrors "github.com/pulsepoint/pulsetree/pkg/errors"
	"github.com/pulsepoint/pulsetree/pkg/logger"
	"go.uber.org/zap"
)

// Config holds server configuration
type Config struct {
	// Address to bind (default: localhost)
	Address string

	// Port to listen on, zero picks a free port
	Port int

	// SubscribeWait bounds how long a subscribe request is held open
	SubscribeWait time.Duration

	// MetricsEnabled exposes /metrics
	MetricsEnabled bool
}

// DefaultConfig returns the defaults used by pulsetree serve
func DefaultConfig() *Config {
	return &Config{
		Address:        "localhost",
		Port:           34872,
		SubscribeWait:  30 * time.Second,
		MetricsEnabled: true,
	}
}

// Server serves one session over HTTP
type Server struct {
	config  *Config
	session Session
	router  *mux.Router

	listener net.Listener
	server   *http.Server

	// ctx is cancelled by Stop and releases held subscriptions
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// NewServer creates a server for sess; config may be nil
func NewServer(sess Session, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.SubscribeWait <= 0 {
		config.SubscribeWait = DefaultConfig().SubscribeWait
	}
	registerMetrics()

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:  config,
		session: sess,
		router:  mux.NewRouter(),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.WithComponent("web"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.instrument)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/rojo", s.handleInfo).Methods(http.MethodGet)
	api.HandleFunc("/read/{ids}", s.handleRead).Methods(http.MethodGet)
	api.HandleFunc("/subscribe/{cursor}", s.handleSubscribe).Methods(http.MethodGet)
	api.HandleFunc("/socket/{cursor}", s.handleSocket).Methods(http.MethodGet)

	s.router.HandleFunc("/", s.handleHome).Methods(http.MethodGet)
	s.router.HandleFunc("/show-instances", s.handleShowInstances).Methods(http.MethodGet)
	s.router.HandleFunc("/show-imfs", s.handleShowImfs).Methods(http.MethodGet)
	if s.config.MetricsEnabled {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Kind:    KindNotFound,
			Details: fmt.Sprintf("Route not found: %s", r.URL.Path),
		})
	})
}

// Handler returns the root handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens and serves in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Address, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.config.SubscribeWait + 10*time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("Server listening", zap.String("address", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop releases held subscriptions and shuts the server down gracefully
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.wg.Wait()

	s.logger.Info("Server stopped")
	return nil
}

// Addr returns the listening address once started
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return net.JoinHostPort(s.config.Address, strconv.Itoa(s.config.Port))
}

// requestContext is cancelled when either the client goes away or the
// server stops
func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	resp, status := errorResponse(err)
	switch {
	case pperrors.IsBadRequestError(err):
		logger.Debug("Rejected malformed request", zap.String("details", resp.Details))
	case status == http.StatusInternalServerError:
		logger.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, status, resp)
}

// statusRecorder captures the response status for metrics and logs. It
// passes hijacking through so WebSocket upgrades keep working.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		webRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
