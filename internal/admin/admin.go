// Package admin exposes the collaborator HTTP surface spec.md §6 describes:
// blocklist mutation, store inspection, and recent telemetry — all gated by
// a constant-time API key comparison.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/skywalker-88/stormgate/internal/detect"
	"github.com/skywalker-88/stormgate/internal/telemetry"
	"github.com/skywalker-88/stormgate/internal/window"
)

// Handler serves the admin and telemetry routes.
type Handler struct {
	APIKey               string
	Blocklist            detect.BlocklistStore
	Store                *window.Store
	Telemetry            *telemetry.Sink
	RequestRateLimit     int
	SlidingWindowSeconds int
}

// Mount registers the admin/telemetry routes onto r.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/admin", func(sub chi.Router) {
		sub.Use(h.requireAPIKey)
		sub.Get("/state", h.handleState)
		sub.Post("/blocklist", h.handleAddBlocklist)
		sub.Delete("/blocklist/{ip}", h.handleRemoveBlocklist)
	})
	r.With(h.requireAPIKey).Get("/telemetry/events", h.handleEvents)
}

func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := r.Header.Get("X-Admin-Api-Key")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(h.APIKey)) != 1 || h.APIKey == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	snap := h.Store.Snapshot(time.Time{})
	writeJSON(w, http.StatusOK, map[string]any{
		"window_seconds":      h.SlidingWindowSeconds,
		"request_rate_limit":  h.RequestRateLimit,
		"unique_ip_count":     snap.UniqueIPCount,
		"global_request_rate": snap.GlobalRequestRate,
		"global_event_count":  snap.GlobalEventCount,
		"blocklist_ips":       h.Blocklist.Snapshot(),
	})
}

type blocklistRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) handleAddBlocklist(w http.ResponseWriter, r *http.Request) {
	var req blocklistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid request body"})
		return
	}
	normalized, err := normalizeIP(req.IP)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid ip"})
		return
	}
	h.Blocklist.Add(normalized)
	writeJSON(w, http.StatusCreated, map[string]string{"ip": normalized})
}

func (h *Handler) handleRemoveBlocklist(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	normalized, err := normalizeIP(ip)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid ip"})
		return
	}
	h.Blocklist.Remove(normalized)
	writeJSON(w, http.StatusOK, map[string]any{"ip": normalized, "removed": true})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	events := h.Telemetry.Recent(0)
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func normalizeIP(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return "", err
	}
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	return addr.String(), nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
