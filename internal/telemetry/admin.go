package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dispatchproxy/dispatchproxy/internal/session"
)

// AdminServerOptions configures the optional admin HTTP surface: health
// probe, Prometheus metrics, active-connection listing, recent log lines,
// and a manual reload trigger.
type AdminServerOptions struct {
	Addr string

	Registry *prometheus.Registry
	Sessions *session.Registry
	Logs     interface {
		Snapshot(limit int, minLevel string) []string
	}

	Reload func(ctx context.Context) error
	Health func() bool
}

// AdminServer is a small net/http.Server in the teacher's own style: a
// hand-rolled ServeMux, no router dependency.
type AdminServer struct {
	opts AdminServerOptions
	srv  *http.Server
}

// NewAdminServer builds an AdminServer. Call Start to begin serving.
func NewAdminServer(opts AdminServerOptions) *AdminServer {
	as := &AdminServer{opts: opts}
	as.srv = &http.Server{Addr: opts.Addr, Handler: newAdminMux(as)}
	return as
}

func newAdminMux(as *AdminServer) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if as.opts.Health != nil && !as.opts.Health() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if as.opts.Registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(as.opts.Registry, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/conns", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(as.opts.Sessions.Snapshot())
	})

	mux.HandleFunc("/logs", func(w http.ResponseWriter, r *http.Request) {
		if as.opts.Logs == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		limit := 200
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}
		if limit <= 0 {
			limit = 200
		}
		if limit > 5000 {
			limit = 5000
		}
		level := r.URL.Query().Get("level")
		resp := struct {
			Lines   []string `json:"lines"`
			Dropped uint64   `json:"dropped,omitempty"`
		}{
			Lines: as.opts.Logs.Snapshot(limit, level),
		}
		if d, ok := as.opts.Logs.(interface{ Dropped() uint64 }); ok {
			resp.Dropped = d.Dropped()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/reload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if as.opts.Reload == nil {
			w.WriteHeader(http.StatusNotImplemented)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := as.opts.Reload(ctx); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

// Start runs the admin HTTP server until it is shut down or fails to bind.
func (a *AdminServer) Start() error {
	return a.srv.ListenAndServe()
}

// Shutdown gracefully stops the admin HTTP server.
func (a *AdminServer) Shutdown(ctx context.Context) error {
	return a.srv.Shutdown(ctx)
}
