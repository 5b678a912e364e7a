// Package window implements the sliding-window activity store: per-IP and
// global request history over a trailing W-second window, pruned lazily on
// every access and additionally by a background sweeper.
package window

import (
	"fmt"
	"sync"
	"time"
)

// Event is one recorded request: its arrival time and content length, kept
// so the feature extractor can derive inter-arrival and packet-size
// statistics from the same history the rate counters use.
type Event struct {
	Timestamp     time.Time
	ContentLength int64
}

// Snapshot is the read-only view handed back after add_event/peek/snapshot.
type Snapshot struct {
	IPRequestRate     float64
	GlobalRequestRate float64
	UniqueIPCount     int
	IPEventCount      int
	GlobalEventCount  int

	// IPHistory is the pruned (timestamp, content_length) history for the
	// IP in question, oldest first. Only populated by AddEvent/Peek.
	IPHistory []Event
}

type ipQueue struct {
	events   []Event
	lastSeen time.Time
}

// Store tracks sliding-window request activity. A single mutex guards the
// whole store; §4.2 permits partitioning by IP hash but does not require it.
type Store struct {
	window time.Duration

	mu        sync.Mutex
	perIP     map[string]*ipQueue
	global    []time.Time
	activeIPs map[string]time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Store over a window of windowSeconds. A non-positive
// window is a configuration error and must fail loudly at startup.
func New(windowSeconds int) (*Store, error) {
	if windowSeconds <= 0 {
		return nil, fmt.Errorf("window: window_seconds must be positive, got %d", windowSeconds)
	}
	return &Store{
		window:    time.Duration(windowSeconds) * time.Second,
		perIP:     make(map[string]*ipQueue),
		activeIPs: make(map[string]time.Time),
		stop:      make(chan struct{}),
	}, nil
}

// StartSweeper launches a background goroutine that prunes stale entries on
// an interval, independent of request traffic. Call Close to stop it.
func (s *Store) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case now := <-ticker.C:
				s.mu.Lock()
				s.pruneAll(now)
				s.mu.Unlock()
			}
		}
	}()
}

// Close stops the sweeper goroutine, if running.
func (s *Store) Close() {
	close(s.stop)
	s.wg.Wait()
}

// AddEvent records an event for ip at t (time.Now() if zero) and returns the
// resulting snapshot for that IP.
func (s *Store) AddEvent(ip string, contentLength int64, t time.Time) Snapshot {
	if t.IsZero() {
		t = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record(ip, contentLength, t)
	s.pruneAll(t)
	return s.snapshotFor(ip)
}

// Peek returns the current snapshot for ip without recording a new event.
func (s *Store) Peek(ip string, t time.Time) Snapshot {
	if t.IsZero() {
		t = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneAll(t)
	return s.snapshotFor(ip)
}

// Snapshot returns aggregate metrics without focusing on a specific IP.
func (s *Store) Snapshot(t time.Time) Snapshot {
	if t.IsZero() {
		t = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneAll(t)
	globalCount := len(s.global)
	return Snapshot{
		GlobalRequestRate: float64(globalCount) / s.window.Seconds(),
		UniqueIPCount:     len(s.activeIPs),
		GlobalEventCount:  globalCount,
	}
}

func (s *Store) record(ip string, contentLength int64, ts time.Time) {
	q, ok := s.perIP[ip]
	if !ok {
		q = &ipQueue{}
		s.perIP[ip] = q
	}
	q.events = append(q.events, Event{Timestamp: ts, ContentLength: contentLength})
	q.lastSeen = ts
	s.activeIPs[ip] = ts
	s.global = append(s.global, ts)
}

func (s *Store) pruneAll(now time.Time) {
	windowStart := now.Add(-s.window)

	i := 0
	for i < len(s.global) && s.global[i].Before(windowStart) {
		i++
	}
	if i > 0 {
		s.global = s.global[i:]
	}

	for ip, q := range s.perIP {
		j := 0
		for j < len(q.events) && q.events[j].Timestamp.Before(windowStart) {
			j++
		}
		if j > 0 {
			q.events = q.events[j:]
		}
		if len(q.events) == 0 {
			delete(s.perIP, ip)
			delete(s.activeIPs, ip)
			continue
		}
		q.lastSeen = q.events[len(q.events)-1].Timestamp
		s.activeIPs[ip] = q.lastSeen
	}

	for ip, lastSeen := range s.activeIPs {
		if lastSeen.Before(windowStart) {
			delete(s.activeIPs, ip)
		}
	}
}

func (s *Store) snapshotFor(ip string) Snapshot {
	q := s.perIP[ip]
	ipCount := 0
	var history []Event
	if q != nil {
		ipCount = len(q.events)
		history = append(history, q.events...)
	}
	globalCount := len(s.global)
	return Snapshot{
		IPRequestRate:     float64(ipCount) / s.window.Seconds(),
		GlobalRequestRate: float64(globalCount) / s.window.Seconds(),
		UniqueIPCount:     len(s.activeIPs),
		IPEventCount:      ipCount,
		GlobalEventCount:  globalCount,
		IPHistory:         history,
	}
}
