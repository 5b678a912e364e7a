package predict

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skywalker-88/stormgate/internal/features"
	"github.com/skywalker-88/stormgate/pkg/metrics"
)

type request struct {
	fv      features.FeatureVector
	profile SensitivityProfile
	key     string
	reply   chan Result
}

// Service is the prediction service: cache-then-batch-then-direct-fallback,
// guaranteeing no more than one model evaluation in flight per distinct
// cache key at any instant the batcher drains it.
type Service struct {
	model  Model
	cache  *Cache
	shared SharedCache

	batchSize       int
	batchTimeout    time.Duration
	waitTimeout     time.Duration
	burstMultiplier float64

	queue chan request
	stop  chan struct{}
	wg    sync.WaitGroup

	errorCount atomic.Int64
	warnedOnce atomic.Bool
}

// NewService builds a Service. model may be nil, in which case Predict
// always returns Neutral and logs a structured warning once — the
// soft-degraded, heuristics-only mode spec.md §4.9/§5 requires.
func NewService(model Model, cache *Cache, batchSize, queueSize int, batchTimeout, waitTimeout time.Duration) *Service {
	if batchSize <= 0 {
		batchSize = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	s := &Service{
		model:           model,
		cache:           cache,
		batchSize:       batchSize,
		batchTimeout:    batchTimeout,
		waitTimeout:     waitTimeout,
		burstMultiplier: 1.0,
		queue:           make(chan request, queueSize),
		stop:            make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// WithSharedCache attaches a fleet-wide cache consulted on a local-cache
// miss and populated on every model evaluation. Call before traffic starts;
// it is not safe to swap concurrently with Predict.
func (s *Service) WithSharedCache(shared SharedCache) *Service {
	s.shared = shared
	return s
}

// WithBurstMultiplier sets the configured burst_multiplier carried on every
// sensitivity profile built by Predict (spec.md §6). Call before traffic
// starts; it is not safe to swap concurrently with Predict.
func (s *Service) WithBurstMultiplier(m float64) *Service {
	s.burstMultiplier = m
	return s
}

// Close stops the batch-drain worker.
func (s *Service) Close() {
	close(s.stop)
	s.wg.Wait()
}

// Errors reports the number of model-evaluation failures observed so far.
func (s *Service) Errors() int64 {
	return s.errorCount.Load()
}

// Predict evaluates fv under sensitivityTag, preferring the cache, then a
// batched model call, falling back to a direct call past waitTimeout.
func (s *Service) Predict(fv features.FeatureVector, sensitivityTag string) Result {
	if s.model == nil {
		s.warnOnce("no prediction model configured, degrading to heuristics-only")
		return Neutral
	}

	key := Key(fv, sensitivityTag)
	now := time.Now()
	if cached, ok := s.cache.Get(key, now); ok {
		return cached
	}
	if s.shared != nil {
		if cached, ok := s.shared.Get(key); ok {
			s.cache.Put(key, cached, now)
			return cached
		}
	}

	profile := ProfileForTag(sensitivityTag, s.burstMultiplier)
	req := request{fv: fv, profile: profile, key: key, reply: make(chan Result, 1)}

	select {
	case s.queue <- req:
	default:
		// Queue saturated: evaluate directly rather than block (spec.md §5 Backpressure).
		return s.evaluateDirect(fv, profile, key)
	}

	timer := time.NewTimer(s.waitTimeout)
	defer timer.Stop()
	select {
	case result := <-req.reply:
		return result
	case <-timer.C:
		return s.evaluateDirect(fv, profile, key)
	}
}

func (s *Service) evaluateDirect(fv features.FeatureVector, profile SensitivityProfile, key string) Result {
	result, err := s.model.Predict(fv, profile)
	if err != nil {
		s.errorCount.Add(1)
		metrics.PredictionErrorsTotal.Inc()
		return Neutral
	}
	s.cache.Put(key, result, time.Now())
	if s.shared != nil {
		s.shared.Put(key, result, s.cache.TTL())
	}
	return result
}

func (s *Service) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case first := <-s.queue:
			batch := []request{first}
			timer := time.NewTimer(s.batchTimeout)

		fill:
			for len(batch) < s.batchSize {
				select {
				case next := <-s.queue:
					batch = append(batch, next)
				case <-timer.C:
					break fill
				case <-s.stop:
					timer.Stop()
					s.drainBatch(batch)
					return
				}
			}
			timer.Stop()
			s.drainBatch(batch)
		}
	}
}

func (s *Service) drainBatch(batch []request) {
	for _, req := range batch {
		result, err := s.model.Predict(req.fv, req.profile)
		if err != nil {
			s.errorCount.Add(1)
			metrics.PredictionErrorsTotal.Inc()
			result = Neutral
		} else {
			s.cache.Put(req.key, result, time.Now())
			if s.shared != nil {
				s.shared.Put(req.key, result, s.cache.TTL())
			}
		}
		req.reply <- result
	}
}

func (s *Service) warnOnce(msg string) {
	if s.warnedOnce.CompareAndSwap(false, true) {
		log.Warn().Msg("predict: " + msg)
	}
}
