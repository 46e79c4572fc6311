// Package health exposes HTTP liveness and readiness endpoints for a
// Pool, adapted from the teacher's internal/health/health.go.
package health

import (
	"encoding/json"
	"net/http"

	connpool "github.com/tmoreau-dev/connpool"
)

// Handler serves /health (readiness, includes per-database stats) and
// /health/live (liveness, always 200 once the process is up) for pool.
type Handler struct {
	pool *connpool.Pool
}

// NewHandler wraps pool for HTTP exposure.
func NewHandler(pool *connpool.Pool) *Handler {
	return &Handler{pool: pool}
}

// Register mounts the handler's routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.serveHealth)
	mux.HandleFunc("/health/live", h.serveLive)
}

type statusResponse struct {
	Status    string              `json:"status"`
	Databases []connpool.Snapshot `json:"databases"`
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: "ok", Databases: h.pool.Stats()}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) serveLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
