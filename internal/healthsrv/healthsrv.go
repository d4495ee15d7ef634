// Package healthsrv exposes HTTP liveness, readiness, and metrics
// endpoints, ported from the teacher's pkg/api/health.go onto this
// cluster's consensus and store types.
package healthsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/forge-cluster/forge/internal/metrics"
	"github.com/forge-cluster/forge/internal/store"
)

// ConsensusView is the subset of the consensus node a readiness check needs.
type ConsensusView interface {
	IsLeader() bool
	LeaderAddr() string
}

// Server provides HTTP health check endpoints.
type Server struct {
	consensus ConsensusView
	store     store.Store
	mux       *http.ServeMux
	http      *http.Server
}

// New constructs a Server and registers its endpoints.
func New(consensus ConsensusView, st store.Store) *Server {
	mux := http.NewServeMux()
	s := &Server{consensus: consensus, store: st, mux: mux}

	mux.HandleFunc("/healthz", s.healthHandler)
	mux.HandleFunc("/readyz", s.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return s
}

// Start runs the HTTP server until it errors, or Stop is called, in
// which case it returns nil.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() {
	if s.http == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.http.Shutdown(ctx)
}

// Handler returns the HTTP handler for embedding in another server.
func (s *Server) Handler() http.Handler { return s.mux }

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type readyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler is a liveness check: 200 as long as the process can
// handle HTTP at all.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthResponse{Status: "healthy", Timestamp: time.Now()})
}

// readyHandler checks that this node participates in a consensus view
// and that the local store answers reads.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if s.consensus != nil {
		if s.consensus.IsLeader() {
			checks["raft"] = "leader"
		} else if addr := s.consensus.LeaderAddr(); addr != "" {
			checks["raft"] = fmt.Sprintf("follower (leader: %s)", addr)
		} else {
			checks["raft"] = "no leader elected"
			ready = false
			message = "waiting for leader election"
		}
	} else {
		checks["raft"] = "not initialized"
		ready = false
	}

	if s.store != nil {
		if _, err := s.store.ListNodes(); err != nil {
			checks["storage"] = fmt.Sprintf("error: %v", err)
			ready = false
			if message == "" {
				message = "storage not accessible"
			}
		} else {
			checks["storage"] = "ok"
		}
	} else {
		checks["storage"] = "not initialized"
		ready = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(readyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}
