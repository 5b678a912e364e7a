package httpserver_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/skywalker-88/stormgate/internal/admin"
	"github.com/skywalker-88/stormgate/internal/detect"
	"github.com/skywalker-88/stormgate/internal/features"
	"github.com/skywalker-88/stormgate/internal/handler"
	"github.com/skywalker-88/stormgate/internal/httpserver"
	"github.com/skywalker-88/stormgate/internal/identity"
	"github.com/skywalker-88/stormgate/internal/mitigate"
	"github.com/skywalker-88/stormgate/internal/predict"
	"github.com/skywalker-88/stormgate/internal/telemetry"
	"github.com/skywalker-88/stormgate/internal/upstream"
	"github.com/skywalker-88/stormgate/internal/window"
)

func newTestDeps(t *testing.T, backendURL string) httpserver.RouterDeps {
	t.Helper()
	store, err := window.New(60)
	if err != nil {
		t.Fatalf("window.New: %v", err)
	}
	up, err := upstream.New(backendURL, 2*time.Second, 1, time.Millisecond)
	if err != nil {
		t.Fatalf("upstream.New: %v", err)
	}
	bl := detect.NewBlocklist(nil)
	sink := telemetry.New(50)
	proxy := &handler.Handler{
		Resolver:        identity.New(nil, false, "X-Forwarded-For"),
		Extractor:       features.New(store, 60),
		Prediction:      predict.NewService(nil, predict.NewCache(100, time.Minute), 4, 16, 10*time.Millisecond, 20*time.Millisecond),
		Detector:        detect.New(bl, nil, detect.DefaultThresholds()),
		Mitigation:      mitigate.New(mitigate.Config{RequestRateLimit: 100, SlidingWindowSeconds: 60, BlockDurationMinutes: 30, BlockThresholdViolations: 3, MaxBlockDurationHours: 24}),
		Upstream:        up,
		Telemetry:       sink,
		SensitivityTag:  "medium",
		MaxRequestBytes: 1024 * 1024,
	}
	adminHandler := &admin.Handler{
		APIKey:               "test-key",
		Blocklist:            bl,
		Store:                store,
		Telemetry:            sink,
		RequestRateLimit:     100,
		SlidingWindowSeconds: 60,
	}
	return httpserver.RouterDeps{Proxy: proxy, Admin: adminHandler}
}

func TestLocalRoutesServeWithoutProxy(t *testing.T) {
	router := httpserver.NewRouter(httpserver.RouterDeps{})
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	for _, p := range []string{"/health", "/metrics"} {
		resp, err := http.Get(ts.URL + p)
		if err != nil {
			t.Fatalf("GET %s: %v", p, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: want 200, got %d", p, resp.StatusCode)
		}
	}
}

func TestCatchAllForwardsToProxyHandler(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(backend.Close)

	router := httpserver.NewRouter(newTestDeps(t, backend.URL))
	gw := httptest.NewServer(router)
	t.Cleanup(gw.Close)

	resp, err := http.Get(gw.URL + "/anything")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}
}

func TestMissingProxyReturns503(t *testing.T) {
	router := httpserver.NewRouter(httpserver.RouterDeps{})
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/anything")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("want 503, got %d", resp.StatusCode)
	}
}

func TestAdminRouteRequiresAPIKey(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(backend.Close)

	router := httpserver.NewRouter(newTestDeps(t, backend.URL))
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/admin/state")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", resp.StatusCode)
	}
}
