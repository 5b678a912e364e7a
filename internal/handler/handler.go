// Package handler wires the resolver, feature extractor, prediction
// service, detection engine, mitigation controller, upstream client, and
// telemetry sink into one request-handling pipeline. It is the
// composition's leaf consumer, built once the rest exist — never a
// framework-level service locator.
package handler

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/skywalker-88/stormgate/internal/detect"
	"github.com/skywalker-88/stormgate/internal/features"
	"github.com/skywalker-88/stormgate/internal/identity"
	"github.com/skywalker-88/stormgate/internal/mitigate"
	"github.com/skywalker-88/stormgate/internal/predict"
	"github.com/skywalker-88/stormgate/internal/telemetry"
	"github.com/skywalker-88/stormgate/internal/upstream"
	"github.com/skywalker-88/stormgate/pkg/metrics"
)

// Handler implements spec.md §4.9's orchestration over the protected proxy
// surface.
type Handler struct {
	Resolver   *identity.Resolver
	Extractor  *features.Extractor
	Prediction *predict.Service
	Detector   *detect.Engine
	Mitigation *mitigate.Controller
	Upstream   *upstream.Client
	Telemetry  *telemetry.Sink

	SensitivityTag  string
	MaxRequestBytes int64
}

// ServeHTTP implements the eight-step pipeline. Errors short-circuit with
// the 4xx/429/403 the spec assigns; everything else streams upstream.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := readBoundedBody(r, h.MaxRequestBytes)
	if err != nil {
		http.Error(w, `{"detail":"request body too large"}`, http.StatusRequestEntityTooLarge)
		return
	}

	clientIP, err := h.Resolver.Resolve(r.RemoteAddr, r.Header)
	if err != nil {
		http.Error(w, `{"detail":"client ip unresolvable"}`, http.StatusBadRequest)
		return
	}
	ip := clientIP.String()

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	sample := features.TrafficSample{
		ClientIP:      ip,
		Headers:       headers,
		ContentLength: int64(len(body)),
		Timestamp:     start,
	}

	fv := h.Extractor.Compute(sample)

	inferenceStart := time.Now()
	prediction := h.Prediction.Predict(fv, h.SensitivityTag)
	metrics.ModelInferenceSeconds.Observe(time.Since(inferenceStart).Seconds())
	metrics.RiskScore.Observe(prediction.RiskScore)

	verdict := h.Detector.Evaluate(sample, fv, prediction)
	outcome := h.Mitigation.Apply(ip, verdict)

	if !outcome.Allowed {
		h.denyResponse(w, verdict, outcome)
		h.Telemetry.Record(ip, r.Method, verdict, outcome, fv.IPRequestRate, fv.GlobalRequestRate, fv.FlowBytesPerSecond, time.Since(start).Seconds())
		return
	}

	h.forward(w, r, body)
	h.Telemetry.Record(ip, r.Method, verdict, outcome, fv.IPRequestRate, fv.GlobalRequestRate, fv.FlowBytesPerSecond, time.Since(start).Seconds())
}

// denyDetail maps a verdict's internal reason code to the human-facing
// "detail" string spec.md §8's scenarios expect in the response body. A
// reason with no entry here falls back to a generic message rather than
// leaking the internal code to the client.
var denyDetail = map[string]string{
	"ip_blocklisted":        "Access blocked",
	"suspicious_user_agent": "Request blocked",
	"ip_rate_exceeded":      "Rate limit exceeded",
	"global_rate_spike":     "Rate limit exceeded",
	"ml_detection":          "Access blocked",
}

func (h *Handler) denyResponse(w http.ResponseWriter, verdict detect.Verdict, outcome mitigate.Outcome) {
	status := http.StatusForbidden
	if verdict.Action == detect.ActionRateLimit {
		status = http.StatusTooManyRequests
	}
	if outcome.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(outcome.RetryAfterSeconds))
	}
	detail, ok := denyDetail[outcome.RuleMatched]
	if !ok {
		detail = "Request denied"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"detail":"` + detail + `"}`))
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request, body []byte) {
	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	resp, err := h.Upstream.Forward(r.Context(), upstream.Request{
		Method: r.Method,
		Path:   path,
		Header: r.Header,
		Body:   body,
	})
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"detail":"upstream unavailable"}`))
		return
	}
	defer resp.Body.Close()

	for k, values := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func readBoundedBody(r *http.Request, maxBytes int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if maxBytes > 0 && int64(len(body)) > maxBytes {
		return nil, errRequestTooLarge
	}
	return body, nil
}

var errRequestTooLarge = errBodyTooLarge{}

type errBodyTooLarge struct{}

func (errBodyTooLarge) Error() string { return "handler: request body exceeds configured maximum" }

var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func isHopByHop(header string) bool {
	_, ok := hopByHopHeaders[http.CanonicalHeaderKey(header)]
	return ok
}
