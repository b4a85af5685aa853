// Package management provides a lightweight HTTP API for runtime inspection
// of the running proxy.
//
// Endpoints:
//
//	GET /status   - proxy health, rule count, active subscriber count
//	GET /metrics  - strategy/error counters, latency snapshot
package management

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sinanerdinc/mockpod/internal/config"
	"github.com/sinanerdinc/mockpod/internal/logger"
	"github.com/sinanerdinc/mockpod/internal/metrics"
	"github.com/sinanerdinc/mockpod/internal/ruleengine"
	"github.com/sinanerdinc/mockpod/internal/trafficbus"
)

// Server is the management API server.
type Server struct {
	cfg       *config.Config
	startTime time.Time
	rules     *ruleengine.Engine
	bus       *trafficbus.Bus
	recording *trafficbus.Recording
	token     string // bearer token for auth; empty = no auth
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// New creates a management server.
func New(cfg *config.Config, rules *ruleengine.Engine, bus *trafficbus.Bus, recording *trafficbus.Recording, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		rules:     rules,
		bus:       bus,
		recording: recording,
		token:     cfg.ManagementToken,
		metrics:   m,
		log:       logger.New("MANAGEMENT", cfg.LogLevel),
	}
	if s.token != "" {
		s.log.Info("auth_enabled", "bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warnf("auth", "unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type response struct {
		Status           string `json:"status"`
		Uptime           string `json:"uptime"`
		ProxyPort        int    `json:"proxyPort"`
		RuleCount        int    `json:"ruleCount"`
		RecordingEnabled bool   `json:"recordingEnabled"`
		SubscriberCount  int    `json:"subscriberCount"`
	}

	resp := response{
		Status:           "running",
		Uptime:           time.Since(s.startTime).Round(time.Second).String(),
		ProxyPort:        s.cfg.ProxyPort,
		RuleCount:        s.rules.Len(),
		RecordingEnabled: s.recording.Active(),
		SubscriberCount:  s.bus.SubscriberCount(),
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorf("encode", "%v", err)
	}
}

// ListenAndServe starts the management HTTP server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.ManagementPort)
	s.log.Infof("listen", "listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
