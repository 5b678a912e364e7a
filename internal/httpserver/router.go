// Package httpserver assembles the chi router: the protected proxy surface,
// the admin/telemetry API, and the operational endpoints (/health,
// /metrics).
package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skywalker-88/stormgate/internal/admin"
	"github.com/skywalker-88/stormgate/internal/handler"
	Lm "github.com/skywalker-88/stormgate/internal/middleware"
)

// RouterDeps wires the composed request pipeline and the admin surface
// into the router. Both are built by the caller (cmd/protector) once every
// collaborator package has been constructed.
type RouterDeps struct {
	Proxy *handler.Handler
	Admin *admin.Handler
}

// NewRouter builds the chi router. /health and /metrics are always served
// locally; /admin/* and /telemetry/events are gated by the admin handler's
// own API-key middleware; everything else — every method, every path — is
// the protected proxy surface spec.md §6 calls out as a catch-all.
func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	r.Use(Lm.AccessLoggerFromEnv())

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		if IsDraining() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"draining"}` + "\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
	})
	r.Handle("/metrics", promhttp.Handler())

	if d.Admin != nil {
		d.Admin.Mount(r)
	}

	if d.Proxy != nil {
		r.NotFound(d.Proxy.ServeHTTP)
		r.MethodNotAllowed(d.Proxy.ServeHTTP)
		r.Handle("/*", d.Proxy)
	} else {
		r.NotFound(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"proxy_not_configured"}`))
		}))
	}

	return r
}
