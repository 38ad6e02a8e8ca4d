// SPDX-License-Identifier: AGPL-3.0-only

package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	rateChangeBackoff  = "backoff"
	rateChangeRecovery = "recovery"
)

// AdaptiveLimiter wraps a TokenBucket and moves its rate according to the
// responses of the remote service: it backs off quickly on 429 Too Many
// Requests and recovers slowly after a long enough run of successful calls.
//
// The wrapped bucket is owned by the caller, Close doesn't close it.
type AdaptiveLimiter struct {
	bucket      *TokenBucket
	cfg         AdaptiveConfig
	logger      log.Logger
	rateChanges *prometheus.CounterVec
	now         func() time.Time
	closed      atomic.Bool

	mu                 sync.Mutex
	baseRate           float64
	minRate            float64
	maxRate            float64
	currentRate        float64
	consecutive429     int
	consecutiveSuccess int
	lastBackoff        time.Time
	lastRecovery       time.Time
}

// AdaptiveState is a snapshot of an AdaptiveLimiter's controller state.
type AdaptiveState struct {
	BaseRate           float64   `json:"base_rate"`
	MinRate            float64   `json:"min_rate"`
	MaxRate            float64   `json:"max_rate"`
	CurrentRate        float64   `json:"current_rate"`
	Consecutive429     int       `json:"consecutive_429"`
	ConsecutiveSuccess int       `json:"consecutive_success"`
	LastBackoffTime    time.Time `json:"last_backoff_time"`
	LastRecoveryTime   time.Time `json:"last_recovery_time"`
}

// NewAdaptiveLimiter wraps bucket. rateChanges, labelled by service and
// direction, counts the applied rate changes and can be nil.
func NewAdaptiveLimiter(bucket *TokenBucket, cfg AdaptiveConfig, logger log.Logger, rateChanges *prometheus.CounterVec) *AdaptiveLimiter {
	base := bucket.Rate()
	return &AdaptiveLimiter{
		bucket:      bucket,
		cfg:         cfg,
		logger:      log.With(logger, "service", bucket.ServiceName(), "component", "adaptive-rate-limiter"),
		rateChanges: rateChanges,
		now:         time.Now,
		baseRate:    base,
		minRate:     base * cfg.MinRateFactor,
		maxRate:     base * cfg.MaxRateFactor,
		currentRate: base,
	}
}

func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	if a.closed.Load() {
		return ErrLimiterClosed
	}
	return a.bucket.Wait(ctx)
}

func (a *AdaptiveLimiter) TryAcquire() bool {
	if a.closed.Load() {
		return false
	}
	return a.bucket.TryAcquire()
}

func (a *AdaptiveLimiter) TryAcquireWithTimeout(ctx context.Context, timeout time.Duration) bool {
	if a.closed.Load() {
		return false
	}
	return a.bucket.TryAcquireWithTimeout(ctx, timeout)
}

func (a *AdaptiveLimiter) Status() Status {
	return a.bucket.Status()
}

func (a *AdaptiveLimiter) Rate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// OnHTTPResponse feeds the outcome of a completed call to the controller.
// retryAfter is the raw Retry-After header value, possibly empty.
func (a *AdaptiveLimiter) OnHTTPResponse(statusCode int, retryAfter string) {
	if a.closed.Load() {
		return
	}

	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case statusCode == http.StatusTooManyRequests:
		a.backoff(now, retryAfter)
	case statusCode >= 200 && statusCode < 300:
		a.recover(now)
	}
}

func (a *AdaptiveLimiter) backoff(now time.Time, retryAfter string) {
	a.consecutive429++
	a.consecutiveSuccess = 0
	a.lastBackoff = now

	candidate := a.currentRate * a.cfg.BackoffFactor
	if wait, ok := parseRetryAfter(retryAfter, now); ok {
		candidate = math.Min(candidate, 1/wait.Seconds())
	}
	if a.consecutive429 > 1 {
		candidate *= math.Pow(a.cfg.BackoffFactor, float64(a.consecutive429-1))
	}
	candidate = math.Min(math.Max(candidate, a.minRate), a.maxRate)

	if math.Abs(candidate-a.currentRate) > a.cfg.ChangeTolerance {
		a.apply(candidate, rateChangeBackoff, "consecutive_429", a.consecutive429, "retry_after", retryAfter)
	}
}

func (a *AdaptiveLimiter) recover(now time.Time) {
	a.consecutiveSuccess++
	a.consecutive429 = 0

	if a.currentRate >= a.baseRate ||
		now.Sub(a.lastBackoff) < a.cfg.BackoffCooldown ||
		now.Sub(a.lastRecovery) < a.cfg.RecoveryInterval ||
		a.consecutiveSuccess < a.cfg.RecoverySuccessThreshold {
		return
	}

	candidate := math.Min(a.currentRate*a.cfg.RecoveryFactor, a.maxRate)
	if candidate > a.currentRate {
		a.apply(candidate, rateChangeRecovery, "consecutive_success", a.consecutiveSuccess)
		a.lastRecovery = now
		a.consecutiveSuccess = 0
	}
}

// apply must be called with mu held.
func (a *AdaptiveLimiter) apply(rate float64, direction string, keyvals ...interface{}) {
	old := a.currentRate
	a.currentRate = rate
	a.bucket.SetRate(rate)

	if a.rateChanges != nil {
		a.rateChanges.WithLabelValues(a.bucket.ServiceName(), direction).Inc()
	}
	level.Info(a.logger).Log(append([]interface{}{"msg", "adjusted rate limit", "direction", direction, "old_rate", old, "new_rate", rate, "base_rate", a.baseRate}, keyvals...)...)
}

func (a *AdaptiveLimiter) AdaptiveState() AdaptiveState {
	a.mu.Lock()
	defer a.mu.Unlock()

	return AdaptiveState{
		BaseRate:           a.baseRate,
		MinRate:            a.minRate,
		MaxRate:            a.maxRate,
		CurrentRate:        a.currentRate,
		Consecutive429:     a.consecutive429,
		ConsecutiveSuccess: a.consecutiveSuccess,
		LastBackoffTime:    a.lastBackoff,
		LastRecoveryTime:   a.lastRecovery,
	}
}

// Close stops forwarding: acquisitions fail and responses are ignored from now on.
func (a *AdaptiveLimiter) Close() {
	a.closed.Store(true)
}

// parseRetryAfter parses a Retry-After header holding either delta-seconds or
// an HTTP date. Only strictly positive waits are returned.
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		if seconds <= 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
			return 0, false
		}
		return time.Duration(seconds * float64(time.Second)), true
	}

	if at, err := http.ParseTime(value); err == nil {
		if wait := at.Sub(now); wait > 0 {
			return wait, true
		}
	}
	return 0, false
}
