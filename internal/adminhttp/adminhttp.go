// Package adminhttp exposes the operational HTTP surface: liveness/readiness
// and Prometheus metrics. It carries no business-logic routes — those live
// on the gRPC ingestion frontend (internal/ingestgrpc) and the WebSocket
// fan-out (internal/ws).
package adminhttp

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger checks that a downstream dependency (the store) is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter builds the admin HTTP surface: /healthz reports liveness plus a
// readiness check against st, and /metrics serves the process's registered
// Prometheus collectors.
func NewRouter(st Pinger) *chi.Mux {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := st.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready: " + err.Error()))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
