// SPDX-License-Identifier: AGPL-3.0-only

package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	util_log "github.com/grafana/callthrottle/pkg/util/log"
	syncutil "github.com/grafana/callthrottle/pkg/util/sync"
)

// throttledLogSampling keeps one debug log line out of this many throttled calls.
const throttledLogSampling = 100

// TokenBucket admits calls at a steady rate while absorbing bursts up to its
// burst size. Tokens are tracked as a fractional count under mu, while blocking
// admission goes through a counting semaphore the refill loop releases whole
// permits into.
type TokenBucket struct {
	cfg     ServiceConfig
	burst   int
	logger  log.Logger
	metrics *ServiceMetrics
	sampler *util_log.Sampler

	sem         *syncutil.TokenSemaphore
	waiting     atomic.Int64
	refiller    services.Service
	rateChanged chan struct{}
	closed      atomic.Bool

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	rate       float64
	interval   time.Duration
}

// NewTokenBucket builds a full bucket and, when cfg is enabled, starts its refill loop.
// Recorded attempts go to metrics, which can be nil.
func NewTokenBucket(cfg ServiceConfig, metrics *ServiceMetrics, logger log.Logger) (*TokenBucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = NewServiceMetrics(cfg.ServiceName)
	}

	b := &TokenBucket{
		cfg:         cfg,
		burst:       cfg.Burst(),
		logger:      log.With(logger, "service", cfg.ServiceName),
		metrics:     metrics,
		sampler:     util_log.NewSampler(throttledLogSampling),
		rateChanged: make(chan struct{}, 1),
		rate:        cfg.Rate(),
		interval:    cfg.RefillInterval(),
		lastRefill:  time.Now(),
	}
	b.tokens = float64(b.burst)

	if !cfg.Enabled {
		return b, nil
	}

	b.sem = syncutil.NewTokenSemaphore(int64(b.burst))
	b.refiller = services.NewBasicService(nil, b.running, nil)
	if err := services.StartAndAwaitRunning(context.Background(), b.refiller); err != nil {
		return nil, errors.Wrapf(err, "start refill loop of service %s", cfg.ServiceName)
	}
	return b, nil
}

func (b *TokenBucket) running(ctx context.Context) error {
	ticker := time.NewTicker(b.refillInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.rateChanged:
			ticker.Reset(b.refillInterval())
		case now := <-ticker.C:
			b.refill(now)
		}
	}
}

func (b *TokenBucket) refillInterval() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interval
}

// refill adds the tokens accrued since the last refill and hands the whole
// tokens gained to the semaphore.
func (b *TokenBucket) refill(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}

	before := math.Floor(b.tokens)
	b.tokens = math.Min(b.tokens+elapsed*b.rate, float64(b.burst))
	b.lastRefill = now

	permits := int(math.Floor(b.tokens) - before)
	if permits <= 0 {
		return
	}
	// The semaphore may already be at capacity when it raced with a consumer
	// between its permit and its token. The token count stays authoritative.
	if _, err := b.sem.Release(permits); err != nil && !errors.Is(err, syncutil.ErrSemaphoreFull) {
		level.Debug(b.logger).Log("msg", "failed to release rate limit permits", "permits", permits, "err", err)
	}
}

// consume takes one whole token after a semaphore permit has been acquired.
func (b *TokenBucket) consume() {
	b.mu.Lock()
	b.tokens = math.Max(b.tokens-1, 0)
	b.mu.Unlock()
}

func (b *TokenBucket) acquire(ctx context.Context) error {
	if b.sem.TryAcquire() {
		b.consume()
		b.metrics.Record(true, 0)
		return nil
	}
	if b.closed.Load() {
		b.metrics.Record(false, 0)
		return ErrLimiterClosed
	}

	start := time.Now()
	b.waiting.Inc()
	err := b.sem.Acquire(ctx)
	b.waiting.Dec()
	wait := time.Since(start)

	if err != nil {
		b.metrics.Record(false, wait)
		if errors.Is(err, syncutil.ErrSemaphoreClosed) {
			return ErrLimiterClosed
		}
		return err
	}

	b.consume()
	b.metrics.Record(true, wait)
	if b.sampler.Sample() {
		level.Debug(b.logger).Log("msg", "call throttled by rate limit", "wait", wait, "rate", b.Rate(), "sampled", b.sampler)
	}
	return nil
}

// Wait blocks until a token is available or ctx is done.
func (b *TokenBucket) Wait(ctx context.Context) error {
	if !b.cfg.Enabled {
		return nil
	}
	if err := b.acquire(ctx); err != nil {
		if errors.Is(err, ErrLimiterClosed) {
			return err
		}
		return errors.Wrapf(err, "wait for rate limit of service %s", b.cfg.ServiceName)
	}
	return nil
}

// TryAcquire takes a token if one is available right now.
func (b *TokenBucket) TryAcquire() bool {
	if !b.cfg.Enabled {
		return true
	}
	if b.sem.TryAcquire() {
		b.consume()
		b.metrics.Record(true, 0)
		return true
	}
	b.metrics.Record(false, 0)
	return false
}

// TryAcquireWithTimeout waits at most timeout for a token.
func (b *TokenBucket) TryAcquireWithTimeout(ctx context.Context, timeout time.Duration) bool {
	if !b.cfg.Enabled {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return b.acquire(ctx) == nil
}

func (b *TokenBucket) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Status{
		ServiceName:     b.cfg.ServiceName,
		AvailableTokens: b.tokens,
		MaxTokens:       b.burst,
		NextRefillTime:  b.lastRefill.Add(b.interval),
		CurrentRate:     b.rate,
		WaitingRequests: int(b.waiting.Load()),
	}
}

func (b *TokenBucket) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate
}

func (b *TokenBucket) ServiceName() string {
	return b.cfg.ServiceName
}

// Config returns the configuration the bucket has been built from.
func (b *TokenBucket) Config() ServiceConfig {
	return b.cfg
}

// SetRate changes the refill rate. Tokens accrued so far are settled at the
// previous rate. Non positive rates and disabled buckets are ignored.
func (b *TokenBucket) SetRate(rate float64) {
	if !b.cfg.Enabled || rate <= 0 || math.IsNaN(rate) || b.closed.Load() {
		return
	}

	b.refill(time.Now())

	b.mu.Lock()
	b.rate = rate
	interval := refillInterval(rate)
	changed := interval != b.interval
	b.interval = interval
	b.mu.Unlock()

	if changed {
		select {
		case b.rateChanged <- struct{}{}:
		default:
		}
	}
}

// Close stops the refill loop and fails pending and future acquisitions with
// ErrLimiterClosed. It is safe to call more than once.
func (b *TokenBucket) Close() error {
	if !b.closed.CompareAndSwap(false, true) || !b.cfg.Enabled {
		return nil
	}
	b.sem.Close()
	return errors.Wrapf(services.StopAndAwaitTerminated(context.Background(), b.refiller), "stop refill loop of service %s", b.cfg.ServiceName)
}
