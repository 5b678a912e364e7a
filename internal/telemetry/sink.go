// Package telemetry records detection/mitigation events into a bounded
// in-memory ring and the process's Prometheus metrics in the same call.
package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/skywalker-88/stormgate/internal/detect"
	"github.com/skywalker-88/stormgate/internal/mitigate"
	"github.com/skywalker-88/stormgate/pkg/metrics"
)

// Event is one structured record of a processed request.
type Event struct {
	TraceID           string    `json:"trace_id"`
	Timestamp         time.Time `json:"timestamp"`
	ClientIP          string    `json:"client_ip"`
	Method            string    `json:"method"`
	Action            string    `json:"action"`
	Severity          string    `json:"severity"`
	Reason            string    `json:"reason"`
	Detail            string    `json:"detail"`
	Allowed           bool      `json:"allowed"`
	IPRequestRate     float64   `json:"ip_request_rate"`
	GlobalRequestRate float64   `json:"global_request_rate"`
	BytesPerSecond    float64   `json:"bytes_per_second"`
	ResponseTime      float64   `json:"response_time_seconds"`
}

// Sink is a bounded ring buffer of recent events, plus metric updates.
type Sink struct {
	maxEvents int

	mu     sync.Mutex
	events []Event // newest first
}

// New builds a Sink holding at most maxEvents (default 200).
func New(maxEvents int) *Sink {
	if maxEvents <= 0 {
		maxEvents = 200
	}
	return &Sink{maxEvents: maxEvents}
}

// Record appends one event, updates Prometheus counters and histograms,
// and logs a structured entry — all in the same call, per spec.md §4.8.
func (s *Sink) Record(clientIP, method string, verdict detect.Verdict, outcome mitigate.Outcome, ipRate, globalRate, bytesPerSecond, responseTime float64) Event {
	ev := Event{
		TraceID:           uuid.NewString(),
		Timestamp:         time.Now(),
		ClientIP:          clientIP,
		Method:            method,
		Action:            string(verdict.Action),
		Severity:          string(verdict.Severity),
		Reason:            verdict.Reason,
		Detail:            verdict.Detail,
		Allowed:           outcome.Allowed,
		IPRequestRate:     ipRate,
		GlobalRequestRate: globalRate,
		BytesPerSecond:    bytesPerSecond,
		ResponseTime:      responseTime,
	}

	result := "allowed"
	if !outcome.Allowed {
		result = "blocked"
	}
	metrics.RequestsTotal.WithLabelValues(result, method).Inc()
	metrics.RequestDurationSeconds.WithLabelValues(result).Observe(responseTime)
	if outcome.Allowed {
		metrics.RequestsAllowedTotal.WithLabelValues(string(verdict.Severity)).Inc()
	} else {
		metrics.RequestsBlockedTotal.WithLabelValues(verdict.Reason).Inc()
		if verdict.Action == detect.ActionBlock {
			metrics.BlockedIPsTotal.WithLabelValues(verdict.Reason).Inc()
		}
	}

	log.Info().
		Str("trace_id", ev.TraceID).
		Str("client_ip", clientIP).
		Str("method", method).
		Str("action", ev.Action).
		Str("severity", ev.Severity).
		Bool("allowed", ev.Allowed).
		Float64("response_time", responseTime).
		Msg("ddos_detection_event")

	s.mu.Lock()
	s.events = append([]Event{ev}, s.events...)
	if len(s.events) > s.maxEvents {
		s.events = s.events[:s.maxEvents]
	}
	s.mu.Unlock()

	return ev
}

// Recent returns up to limit most-recent events, newest first. limit <= 0
// means no limit.
func (s *Sink) Recent(limit int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}
	out := make([]Event, limit)
	copy(out, s.events[:limit])
	return out
}
