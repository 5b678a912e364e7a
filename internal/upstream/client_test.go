package upstream

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestForwardReturnsUpstreamResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hello" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c, err := New(srv.URL, 2*time.Second, 3, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := c.Forward(context.Background(), Request{
		Method: http.MethodGet,
		Path:   "/hello",
		Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("expected 418, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Test") != "yes" {
		t.Error("expected upstream header preserved")
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("expected body 'ok', got %q", body)
	}
}

func TestForwardPreservesQueryString(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(srv.URL, 2*time.Second, 1, time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Forward(context.Background(), Request{
		Method: http.MethodGet,
		Path:   "/search?q=ddos&page=2",
		Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if gotQuery != "q=ddos&page=2" {
		t.Errorf("expected query preserved, got %q", gotQuery)
	}
}

func TestForwardRetriesOnTransientErrorThenFails(t *testing.T) {
	// A closed listener guarantees ECONNREFUSED, a transient net.Error, on
	// every attempt, exercising the retry loop's rate.Limiter-paced backoff
	// all the way to exhaustion.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	const maxRetries = 3
	backoff := 5 * time.Millisecond
	c, err := New("http://"+addr, 200*time.Millisecond, maxRetries, backoff)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	_, err = c.Forward(context.Background(), Request{Method: http.MethodGet, Path: "/", Header: http.Header{}})
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("expected an error from an unreachable upstream")
	}

	// Limiter starts drained and refills one token per backoff: waiting for
	// tokens 1, 2, and 3 (before retries 1-3) takes at least 1+2+3 = 6 backoffs.
	if elapsed < 6*backoff {
		t.Errorf("expected retries to be paced by the limiter, elapsed %s < %s", elapsed, 6*backoff)
	}
}

func TestForwardMakesOneCallOnFirstAttemptSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(srv.URL, 2*time.Second, 3, time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := c.Forward(context.Background(), Request{Method: http.MethodGet, Path: "/", Header: http.Header{}})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	defer resp.Body.Close()
	if calls.Load() != 1 {
		t.Errorf("expected exactly one call on first-attempt success, got %d", calls.Load())
	}
}

func TestForwardStripsHostHeader(t *testing.T) {
	var gotHostHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHostHeader = r.Header.Get("Host")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(srv.URL, 2*time.Second, 1, time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := http.Header{}
	h.Set("Host", "evil.example.com")
	h.Set("X-Custom", "keep-me")
	_, err = c.Forward(context.Background(), Request{Method: http.MethodGet, Path: "/", Header: h})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if gotHostHeader != "" {
		t.Errorf("expected Host header stripped, got %q", gotHostHeader)
	}
}
