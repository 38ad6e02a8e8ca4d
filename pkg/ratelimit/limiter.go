// SPDX-License-Identifier: AGPL-3.0-only

package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
)

// Unbounded is reported as rate and token count by limiters which never throttle.
const Unbounded = math.MaxInt32

// ErrLimiterClosed is returned when acquiring from a limiter which has been disposed.
var ErrLimiterClosed = errors.New("rate limiter is closed")

// Limiter gates outbound calls to a single service.
//
// Implementations are concurrency safe.
type Limiter interface {
	// Wait blocks until a token is available or ctx is done. It returns an error
	// wrapping ctx.Err() if ctx is done first, in which case no token is consumed.
	Wait(ctx context.Context) error

	// TryAcquire takes a token if one is immediately available. It never blocks.
	TryAcquire() bool

	// TryAcquireWithTimeout waits up to timeout for a token. It returns false without
	// consuming a token if the timeout expires or ctx is done first.
	TryAcquireWithTimeout(ctx context.Context, timeout time.Duration) bool

	// Status returns a snapshot of the limiter's live state.
	Status() Status

	// Rate returns the current target rate in calls per second.
	Rate() float64
}

// Handle is the limiter handed out by the Registry. OnHTTPResponse feeds the
// outcome of a completed call back into adaptive limiters and is a no-op otherwise.
type Handle interface {
	Limiter

	OnHTTPResponse(statusCode int, retryAfter string)
}

// Status is a read-only snapshot of a limiter's state.
type Status struct {
	ServiceName     string    `json:"service_name"`
	AvailableTokens float64   `json:"available_tokens"`
	MaxTokens       int       `json:"max_tokens"`
	NextRefillTime  time.Time `json:"next_refill_time"`
	CurrentRate     float64   `json:"current_rate"`
	WaitingRequests int       `json:"waiting_requests"`
}

// IsThrottling returns whether callers are currently queued on a bucket without
// a whole token to hand out.
func (s Status) IsThrottling() bool {
	return s.AvailableTokens < 1 && s.WaitingRequests > 0
}

// AvailableCapacityPercentage returns the available tokens as a percentage of the burst size.
func (s Status) AvailableCapacityPercentage() float64 {
	if s.MaxTokens <= 0 {
		return 0
	}
	return s.AvailableTokens / float64(s.MaxTokens) * 100
}

// staticHandle exposes a plain limiter as a Handle ignoring response feedback.
type staticHandle struct {
	*TokenBucket
}

func (staticHandle) OnHTTPResponse(int, string) {}

// noopHandle is returned for services without configuration. It never throttles.
type noopHandle struct {
	serviceName string
}

func (noopHandle) Wait(context.Context) error                                { return nil }
func (noopHandle) TryAcquire() bool                                          { return true }
func (noopHandle) TryAcquireWithTimeout(context.Context, time.Duration) bool { return true }
func (noopHandle) Rate() float64                                             { return Unbounded }
func (noopHandle) OnHTTPResponse(int, string)                                {}

func (h noopHandle) Status() Status {
	return Status{
		ServiceName:     h.serviceName,
		AvailableTokens: Unbounded,
		MaxTokens:       Unbounded,
		CurrentRate:     Unbounded,
	}
}
