package common

import (
	"net/http"
	"sync/atomic"
	"time"
)

// HealthServer exposes liveness and readiness endpoints for a service.
type HealthServer struct {
	server *http.Server
	ready  *atomic.Bool
}

// NewHealthServer creates a health server on addr. Readiness
// reports 503 until ready is set.
func NewHealthServer(addr string, ready *atomic.Bool) *HealthServer {
	hs := &HealthServer{ready: ready}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/readiness", hs.readiness)

	hs.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return hs
}

func (hs *HealthServer) readiness(w http.ResponseWriter, _ *http.Request) {
	if !hs.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Server returns the underlying http server.
func (hs *HealthServer) Server() *http.Server { return hs.server }
