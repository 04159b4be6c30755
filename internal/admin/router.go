package admin

import (
	"net/http"

	"github.com/agentspop/spop-go/internal/config"
)

// Router dispatches the admin surface's three endpoints: health,
// metrics, and the live frame tap.
type Router struct {
	cfg     config.AdminConfig
	health  *HealthHandler
	metrics *Metrics
	hub     *Hub
}

// NewRouter builds the admin mux.
func NewRouter(cfg config.AdminConfig, health *HealthHandler, metrics *Metrics, hub *Hub) *Router {
	return &Router{cfg: cfg, health: health, metrics: metrics, hub: hub}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.URL.Path {
	case r.cfg.HealthPath:
		r.health.ServeHTTP(w, req)
	case r.cfg.MetricsPath:
		r.metrics.Handler().ServeHTTP(w, req)
	case r.cfg.TapPath:
		r.hub.ServeHTTP(w, req)
	default:
		http.NotFound(w, req)
	}
}
