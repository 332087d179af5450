// Package api exposes the deployment registry over HTTP and pushes
// deployment progress to websocket observers.
package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cloudvibe/agentd/pkg/registry"
	"github.com/cloudvibe/agentd/pkg/telemetry"
)

// DefaultAPIPrefix is the route prefix used when none is configured.
const DefaultAPIPrefix = "/api/v1/monitoring"

// Options configures a Server.
type Options struct {
	// APIPrefix is prepended to every deployment route.
	APIPrefix string

	// DefaultProjectID fills requests that carry no projectId.
	DefaultProjectID string

	// Backend is reported by the health endpoint.
	Backend string

	// ObserverWriteTimeout bounds a single websocket push.
	ObserverWriteTimeout time.Duration

	// Telemetry provides the metrics endpoint. May be nil.
	Telemetry *telemetry.Telemetry
}

// Server serves the deployment API.
type Server struct {
	registry *registry.Registry
	opts     Options
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	now      func() time.Time
}

// NewServer creates an API server over reg.
func NewServer(reg *registry.Registry, opts Options, logger zerolog.Logger) *Server {
	opts.APIPrefix = "/" + strings.Trim(opts.APIPrefix, "/")
	if opts.APIPrefix == "/" {
		opts.APIPrefix = DefaultAPIPrefix
	}

	return &Server{
		registry: reg,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "api").Logger(),
		now:    time.Now,
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	p := s.opts.APIPrefix
	mux := http.NewServeMux()

	mux.HandleFunc("POST "+p+"/deploy", s.handleDeploy)
	mux.HandleFunc("GET "+p+"/deploy/{id}", s.handleGetDeployment)
	mux.HandleFunc("GET "+p+"/deploy/{id}/ws", s.handleObserve)
	mux.HandleFunc("GET "+p+"/deployments", s.handleListDeployments)
	mux.HandleFunc("POST "+p+"/deployments/{id}/complete", s.handleComplete)
	mux.HandleFunc("POST "+p+"/agents/register", s.handleAgentRegister)
	mux.HandleFunc("POST "+p+"/metrics", s.handleAgentMetrics)
	mux.HandleFunc("GET "+p+"/health", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)

	if tel := s.opts.Telemetry; tel != nil && tel.Config != nil && tel.Config.Metrics.Enabled {
		mux.Handle("GET "+tel.Config.Metrics.Path, tel.Metrics.Handler())
	}

	return s.logRequests(mux)
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack lets the websocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		level := zerolog.DebugLevel
		if rec.status >= http.StatusInternalServerError {
			level = zerolog.ErrorLevel
		}
		s.logger.WithLevel(level).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
