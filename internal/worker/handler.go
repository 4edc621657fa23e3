package worker

import (
	"encoding/json"
	"log"
	"net/http"
	"runtime"
)

// WorkerHandler serves the worker's health and counters for the launcher
// and operators.
type WorkerHandler struct {
	WorkerID string
	Worker   *Worker
}

type healthResponse struct {
	Status     string        `json:"status"`
	WorkerID   string        `json:"worker_id"`
	GOMAXPROCS int           `json:"gomaxprocs"`
	Stats      StatsSnapshot `json:"stats"`
}

func (h *WorkerHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		WorkerID:   h.WorkerID,
		GOMAXPROCS: runtime.GOMAXPROCS(0),
	}
	if h.Worker != nil {
		resp.Stats = h.Worker.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[%s] health encode failed: %v", h.WorkerID, err)
	}
}

// Routes registers the handler on mux.
func (h *WorkerHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.Health)
}
