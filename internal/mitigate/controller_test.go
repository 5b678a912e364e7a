package mitigate

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skywalker-88/stormgate/internal/detect"
	"github.com/skywalker-88/stormgate/pkg/metrics"
)

type fakeMirror struct {
	mu     sync.Mutex
	set    chan struct{}
	blocks map[string]time.Time
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{set: make(chan struct{}, 8), blocks: make(map[string]time.Time)}
}

func (f *fakeMirror) SetBlock(ip string, until time.Time, violations int) error {
	f.mu.Lock()
	f.blocks[ip] = until
	f.mu.Unlock()
	f.set <- struct{}{}
	return nil
}

func (f *fakeMirror) ClearBlock(ip string) error {
	f.mu.Lock()
	delete(f.blocks, ip)
	f.mu.Unlock()
	return nil
}

func testConfig() Config {
	return Config{
		RequestRateLimit:         5,
		SlidingWindowSeconds:     10,
		BlockDurationMinutes:     30,
		BlockThresholdViolations: 3,
		ProgressiveBlocking:      true,
		MaxBlockDurationHours:    24,
	}
}

func TestApplyAllowPassesThrough(t *testing.T) {
	c := New(testConfig())
	out := c.Apply("1.2.3.4", detect.Verdict{Action: detect.ActionAllow})
	if !out.Allowed {
		t.Errorf("expected allow, got %+v", out)
	}
}

func TestApplyRateLimitFirstRequestAllowed(t *testing.T) {
	c := New(testConfig())
	base := time.Unix(1000, 0)
	out := c.ApplyAt("1.2.3.4", detect.Verdict{Action: detect.ActionRateLimit, Reason: "ip_rate_exceeded"}, base)
	if !out.Allowed {
		t.Errorf("expected first rate-limit hit to be allowed, got %+v", out)
	}
}

func TestApplyRateLimitDeniesWithinWindow(t *testing.T) {
	c := New(testConfig())
	base := time.Unix(1000, 0)
	v := detect.Verdict{Action: detect.ActionRateLimit, Reason: "ip_rate_exceeded"}
	c.ApplyAt("1.2.3.4", v, base)

	out := c.ApplyAt("1.2.3.4", v, base.Add(3*time.Second))
	if out.Allowed {
		t.Error("expected second request within window to be denied")
	}
	if out.RetryAfterSeconds != 7 {
		t.Errorf("expected retry-after of 7s, got %d", out.RetryAfterSeconds)
	}
}

func TestApplyRateLimitAllowsAfterWindow(t *testing.T) {
	c := New(testConfig())
	base := time.Unix(1000, 0)
	v := detect.Verdict{Action: detect.ActionRateLimit, Reason: "ip_rate_exceeded"}
	c.ApplyAt("1.2.3.4", v, base)

	out := c.ApplyAt("1.2.3.4", v, base.Add(11*time.Second))
	if !out.Allowed {
		t.Error("expected request past window to be allowed")
	}
}

func TestApplyBlockSetsBlockUntil(t *testing.T) {
	c := New(testConfig())
	base := time.Unix(1000, 0)
	out := c.ApplyAt("1.2.3.4", detect.Verdict{Action: detect.ActionBlock, Reason: "ip_blocklisted"}, base)
	if out.Allowed {
		t.Error("expected block to deny")
	}
	if out.RetryAfterSeconds != 30*60 {
		t.Errorf("expected 30m retry-after, got %d", out.RetryAfterSeconds)
	}
}

func TestApplyBlockProgressiveBlockingExtendsDuration(t *testing.T) {
	c := New(testConfig())
	base := time.Unix(1000, 0)
	v := detect.Verdict{Action: detect.ActionBlock, Reason: "ip_blocklisted"}

	// Exhaust the block, then reapply repeatedly to accumulate violations.
	var last Outcome
	clock := base
	for i := 0; i < 5; i++ {
		last = c.ApplyAt("1.2.3.4", v, clock)
		clock = clock.Add(time.Duration(last.RetryAfterSeconds+1) * time.Second)
	}
	if last.RetryAfterSeconds <= 30*60 {
		t.Errorf("expected progressive blocking to extend duration past base, got %d", last.RetryAfterSeconds)
	}
	if last.RetryAfterSeconds > 24*60*60 {
		t.Errorf("expected duration capped by max_block_duration_hours, got %d", last.RetryAfterSeconds)
	}
}

func TestApplyChallengeDeniesWithoutRetryAfter(t *testing.T) {
	c := New(testConfig())
	out := c.Apply("1.2.3.4", detect.Verdict{Action: detect.ActionChallenge, Reason: "suspicious_user_agent"})
	if out.Allowed {
		t.Error("expected challenge to deny")
	}
	if out.RuleMatched != "suspicious_user_agent" {
		t.Errorf("expected rule_matched set, got %q", out.RuleMatched)
	}
	if out.RetryAfterSeconds != 0 {
		t.Errorf("expected no retry-after for a challenge, got %d", out.RetryAfterSeconds)
	}
}

func TestApplyBlockMirrorsToBackend(t *testing.T) {
	mirror := newFakeMirror()
	c := New(testConfig()).WithMirror(mirror)
	base := time.Unix(1000, 0)

	out := c.ApplyAt("9.9.9.9", detect.Verdict{Action: detect.ActionBlock, Reason: "ip_blocklisted"}, base)
	if out.Allowed {
		t.Fatal("expected block to deny")
	}

	select {
	case <-mirror.set:
	case <-time.After(time.Second):
		t.Fatal("expected mirror.SetBlock to be called")
	}

	mirror.mu.Lock()
	_, ok := mirror.blocks["9.9.9.9"]
	mirror.mu.Unlock()
	if !ok {
		t.Error("expected mirrored block for 9.9.9.9")
	}
}

func TestSweepEvictsExpiredState(t *testing.T) {
	c := New(testConfig())
	base := time.Unix(1000, 0)
	c.ApplyAt("1.2.3.4", detect.Verdict{Action: detect.ActionRateLimit}, base)

	c.sweep(base.Add(time.Hour))
	c.mu.Lock()
	_, exists := c.states["1.2.3.4"]
	c.mu.Unlock()
	if exists {
		t.Error("expected expired state to be evicted")
	}
}

func TestActiveBlockedIPsGaugeTracksBlockLifecycle(t *testing.T) {
	c := New(testConfig())
	base := time.Unix(1000, 0)
	before := testutil.ToFloat64(metrics.ActiveBlockedIPs)

	c.ApplyAt("8.8.4.4", detect.Verdict{Action: detect.ActionBlock, Reason: "ip_blocklisted"}, base)
	if got := testutil.ToFloat64(metrics.ActiveBlockedIPs); got != before+1 {
		t.Errorf("expected gauge to increment on new block, got %v (before %v)", got, before)
	}

	// Reapplying within the same block shouldn't double-count.
	c.ApplyAt("8.8.4.4", detect.Verdict{Action: detect.ActionBlock, Reason: "ip_blocklisted"}, base.Add(time.Second))
	if got := testutil.ToFloat64(metrics.ActiveBlockedIPs); got != before+1 {
		t.Errorf("expected gauge unchanged while block is still active, got %v", got)
	}

	c.sweep(base.Add(time.Hour))
	if got := testutil.ToFloat64(metrics.ActiveBlockedIPs); got != before {
		t.Errorf("expected gauge to decrement after the block is swept, got %v (before %v)", got, before)
	}
}
