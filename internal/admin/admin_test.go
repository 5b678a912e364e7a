package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/skywalker-88/stormgate/internal/detect"
	"github.com/skywalker-88/stormgate/internal/telemetry"
	"github.com/skywalker-88/stormgate/internal/window"
)

func newTestRouter(t *testing.T, apiKey string) (*chi.Mux, detect.BlocklistStore) {
	t.Helper()
	store, err := window.New(60)
	if err != nil {
		t.Fatalf("window.New: %v", err)
	}
	bl := detect.NewBlocklist(nil)
	h := &Handler{
		APIKey:               apiKey,
		Blocklist:            bl,
		Store:                store,
		Telemetry:            telemetry.New(10),
		RequestRateLimit:     5,
		SlidingWindowSeconds: 60,
	}
	r := chi.NewRouter()
	h.Mount(r)
	return r, bl
}

func TestAdminRejectsMissingAPIKey(t *testing.T) {
	r, _ := newTestRouter(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/admin/state", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestAdminAcceptsValidAPIKey(t *testing.T) {
	r, _ := newTestRouter(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/admin/state", nil)
	req.Header.Set("X-Admin-Api-Key", "secret")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAdminAddBlocklistValidatesIP(t *testing.T) {
	r, bl := newTestRouter(t, "secret")
	body, _ := json.Marshal(blocklistRequest{IP: "1.2.3.4"})
	req := httptest.NewRequest(http.MethodPost, "/admin/blocklist", bytes.NewReader(body))
	req.Header.Set("X-Admin-Api-Key", "secret")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if !bl.Contains("1.2.3.4") {
		t.Error("expected ip added to blocklist")
	}
}

func TestAdminAddBlocklistRejectsInvalidIP(t *testing.T) {
	r, _ := newTestRouter(t, "secret")
	body, _ := json.Marshal(blocklistRequest{IP: "not-an-ip"})
	req := httptest.NewRequest(http.MethodPost, "/admin/blocklist", bytes.NewReader(body))
	req.Header.Set("X-Admin-Api-Key", "secret")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestAdminRemoveBlocklist(t *testing.T) {
	r, bl := newTestRouter(t, "secret")
	bl.Add("5.6.7.8")
	req := httptest.NewRequest(http.MethodDelete, "/admin/blocklist/5.6.7.8", nil)
	req.Header.Set("X-Admin-Api-Key", "secret")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if bl.Contains("5.6.7.8") {
		t.Error("expected ip removed")
	}
}

func TestTelemetryEventsRequiresAPIKey(t *testing.T) {
	r, _ := newTestRouter(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/telemetry/events", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}
