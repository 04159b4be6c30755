package admin

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

var startTime = time.Now()

// HealthHandler serves the liveness endpoint for the spop-agent
// process. There is no readiness distinction like the teacher's
// worker-pool-backed server: a SPOP agent accepts a connection and
// negotiates HELLO per-session, so "ready" and "alive" coincide.
type HealthHandler struct {
	sessionsActive func() int
}

// NewHealthHandler creates a health handler. sessionsActive reports
// the current number of open sessions (accepted connections, whether
// or not HELLO has completed) for the response body.
func NewHealthHandler(sessionsActive func() int) *HealthHandler {
	return &HealthHandler{sessionsActive: sessionsActive}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":           "ok",
		"uptime":           time.Since(startTime).String(),
		"uptime_seconds":   time.Since(startTime).Seconds(),
		"sessions_active":  h.sessionsActive(),
		"go_version":       runtime.Version(),
		"goroutines":       runtime.NumGoroutine(),
		"memory_alloc_mb":  mem.Alloc / 1024 / 1024,
	})
}
