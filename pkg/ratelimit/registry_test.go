// SPDX-License-Identifier: AGPL-3.0-only

package ratelimit

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/callthrottle/pkg/util/test"
)

func newTestRegistry(t *testing.T, reg prometheus.Registerer) *Registry {
	t.Helper()

	r, err := NewRegistry(Config{Adaptive: DefaultAdaptiveConfig()}, log.NewNopLogger(), reg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, r.Close(context.Background()))
	})
	return r
}

func TestRegistry_GetUnregisteredService(t *testing.T) {
	r := newTestRegistry(t, nil)

	l := r.Get("unregistered-service")
	for i := 0; i < 1000; i++ {
		require.True(t, l.TryAcquire())
	}
	require.True(t, l.TryAcquireWithTimeout(context.Background(), 0))
	require.NoError(t, l.Wait(context.Background()))
	l.OnHTTPResponse(http.StatusTooManyRequests, "10")

	assert.Equal(t, float64(Unbounded), l.Rate())
	status := l.Status()
	assert.Equal(t, "unregistered-service", status.ServiceName)
	assert.Equal(t, Unbounded, status.MaxTokens)
	assert.Equal(t, float64(Unbounded), status.AvailableTokens)
	assert.False(t, status.IsThrottling())

	assert.Empty(t, r.AllLimiters())
}

func TestRegistry_Register(t *testing.T) {
	r := newTestRegistry(t, nil)

	require.NoError(t, r.Register("static", 60, false))
	require.NoError(t, r.Register("adaptive", 600, true))

	static := r.Get("static")
	assert.IsType(t, staticHandle{}, static)
	assert.Equal(t, 1.0, static.Rate())
	assert.Equal(t, 2, static.Status().MaxTokens)
	assert.True(t, static.TryAcquire())
	assert.True(t, static.TryAcquire())
	assert.False(t, static.TryAcquire())

	adaptive := r.Get("adaptive")
	assert.IsType(t, &AdaptiveLimiter{}, adaptive)
	assert.Equal(t, 10.0, adaptive.Rate())

	state, ok := r.AdaptiveState("adaptive")
	require.True(t, ok)
	assert.Equal(t, 1.0, state.MinRate)
	_, ok = r.AdaptiveState("static")
	assert.False(t, ok)

	assert.Len(t, r.AllLimiters(), 2)
	statuses := r.AllStatuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, 20, statuses["adaptive"].MaxTokens)
}

func TestRegistry_RegisterInvalidConfig(t *testing.T) {
	r := newTestRegistry(t, nil)

	require.ErrorIs(t, r.Register("", 60, false), ErrInvalidConfig)
	require.ErrorIs(t, r.Register("svc", 0, false), ErrInvalidConfig)
	require.ErrorIs(t, r.Register("svc", -60, true), ErrInvalidConfig)
	assert.Empty(t, r.AllLimiters())
}

func TestRegistry_AdaptiveFeedbackReachesTheBucket(t *testing.T) {
	r := newTestRegistry(t, nil)
	require.NoError(t, r.Register("svc", 600, true))

	l := r.Get("svc")
	l.OnHTTPResponse(http.StatusTooManyRequests, "")
	assert.Equal(t, 5.0, l.Rate())
	assert.Equal(t, 5.0, r.AllStatuses()["svc"].CurrentRate)
}

func TestNewRegistry_InvalidConfig(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()

	_, err := NewRegistry(Config{}, log.NewNopLogger(), reg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max rate factor must be >= 1")

	// Nothing is registered by a registry which failed to build.
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}

func TestRegistry_UpdateRate(t *testing.T) {
	test.VerifyNoLeak(t)

	r, err := NewRegistry(Config{Adaptive: DefaultAdaptiveConfig()}, log.NewNopLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, r.RegisterConfig(ServiceConfig{ServiceName: "svc", CallsPerSecond: 1, BurstSize: 5, Enabled: true, Adaptive: true}))

	var replaced []*TokenBucket
	for _, rate := range []float64{2, 4} {
		r.mtx.RLock()
		replaced = append(replaced, r.limiters["svc"].bucket)
		r.mtx.RUnlock()

		require.NoError(t, r.UpdateRate("svc", rate))
	}

	// Only the latest limiter is still refilling.
	for _, b := range replaced {
		assert.Equal(t, services.Terminated, b.refiller.State())
		assert.False(t, b.TryAcquire())
	}

	r.mtx.RLock()
	entry := r.limiters["svc"]
	r.mtx.RUnlock()
	assert.Equal(t, services.Running, entry.bucket.refiller.State())
	assert.Equal(t, 4.0, entry.bucket.Rate())
	assert.Equal(t, 5, entry.bucket.Status().MaxTokens)
	assert.NotNil(t, entry.adaptive)
	assert.Len(t, r.AllLimiters(), 1)

	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, services.Terminated, entry.bucket.refiller.State())
}

func TestRegistry_UpdateRateRecomputesDefaultBurst(t *testing.T) {
	r := newTestRegistry(t, nil)
	require.NoError(t, r.Register("svc", 60, false))

	require.NoError(t, r.UpdateRate("svc", 10))
	assert.Equal(t, 20, r.Get("svc").Status().MaxTokens)
}

func TestRegistry_UpdateRateOfUnregisteredService(t *testing.T) {
	r := newTestRegistry(t, nil)

	require.NoError(t, r.UpdateRate("svc", 3))
	l := r.Get("svc")
	assert.IsType(t, staticHandle{}, l)
	assert.Equal(t, 3.0, l.Rate())
}

func TestRegistry_UpdateRateToZeroUnregisters(t *testing.T) {
	r := newTestRegistry(t, nil)
	require.NoError(t, r.Register("svc", 60, false))
	old := r.Get("svc")

	require.NoError(t, r.UpdateRate("svc", 0))
	assert.Empty(t, r.AllLimiters())
	assert.Equal(t, Unbounded, r.Get("svc").Status().MaxTokens)
	assert.ErrorIs(t, old.Wait(context.Background()), ErrLimiterClosed)

	// Unregistering twice is a no-op.
	require.NoError(t, r.UpdateRate("svc", -1))
	assert.False(t, r.Unregister("svc"))
}

func TestRegistry_UpdateRateInvalid(t *testing.T) {
	r := newTestRegistry(t, nil)
	require.NoError(t, r.Register("svc", 60, false))

	require.ErrorIs(t, r.UpdateRate("svc", 50_000), ErrInvalidConfig)
	assert.Equal(t, 1.0, r.Get("svc").Rate())
}

func TestRegistry_MetricsSurviveReplacement(t *testing.T) {
	r := newTestRegistry(t, nil)
	require.NoError(t, r.Register("svc", 60, false))

	assert.True(t, r.Get("svc").TryAcquire())
	require.NoError(t, r.UpdateRate("svc", 0.01))
	assert.True(t, r.Get("svc").TryAcquire())
	assert.False(t, r.Get("svc").TryAcquire())

	snapshot := r.Metrics("svc")
	assert.Equal(t, int64(3), snapshot.TotalRequests)
	assert.Equal(t, int64(2), snapshot.AcceptedRequests)
	assert.Equal(t, int64(1), snapshot.RejectedRequests)

	require.True(t, r.Unregister("svc"))
	assert.Equal(t, int64(3), r.Metrics("svc").TotalRequests)

	require.True(t, r.ResetMetrics("svc"))
	assert.Equal(t, int64(0), r.Metrics("svc").TotalRequests)
	assert.False(t, r.ResetMetrics("unknown"))
}

func TestRegistry_MetricsAreCreatedLazily(t *testing.T) {
	r := newTestRegistry(t, nil)

	assert.Empty(t, r.AllMetrics())
	snapshot := r.Metrics("svc")
	assert.Equal(t, "svc", snapshot.ServiceName)
	assert.Equal(t, int64(0), snapshot.TotalRequests)
	assert.Contains(t, r.AllMetrics(), "svc")
}

func TestRegistry_ApplyServices(t *testing.T) {
	t.Run("valid services", func(t *testing.T) {
		r := newTestRegistry(t, nil)

		require.NoError(t, r.ApplyServices([]ServiceConfig{
			{ServiceName: "a", CallsPerSecond: 5, Enabled: true},
			{ServiceName: "b", RequestsPerMinute: 120, BurstSize: 1, Enabled: true, Adaptive: true},
			{ServiceName: "c", Enabled: false},
		}))

		limiters := r.AllLimiters()
		require.Len(t, limiters, 3)
		assert.Equal(t, 5.0, limiters["a"].Rate())
		assert.Equal(t, 2.0, limiters["b"].Rate())
		assert.IsType(t, &AdaptiveLimiter{}, limiters["b"])

		// Disabled services are pass-through.
		for i := 0; i < 100; i++ {
			require.True(t, limiters["c"].TryAcquire())
		}
	})

	t.Run("any invalid service rejects the whole list", func(t *testing.T) {
		r := newTestRegistry(t, nil)

		err := r.ApplyServices([]ServiceConfig{
			{ServiceName: "a", CallsPerSecond: 5, Enabled: true},
			{ServiceName: "b", CallsPerSecond: 0, Enabled: true},
			{ServiceName: "a", CallsPerSecond: 1, Enabled: true},
		})
		require.ErrorIs(t, err, ErrInvalidConfig)
		assert.Contains(t, err.Error(), `service "b"`)
		assert.Contains(t, err.Error(), `service "a" is configured more than once`)
		assert.Empty(t, r.AllLimiters())
	})
}

func TestRegistry_Close(t *testing.T) {
	test.VerifyNoLeak(t)

	r, err := NewRegistry(Config{Adaptive: DefaultAdaptiveConfig()}, log.NewNopLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, r.Register("a", 60, false))
	require.NoError(t, r.Register("b", 60, true))
	a, b := r.Get("a"), r.Get("b")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))

	assert.Empty(t, r.AllLimiters())
	assert.False(t, a.TryAcquire())
	assert.False(t, b.TryAcquire())
}

func TestRegistry_PrometheusMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	r := newTestRegistry(t, reg)

	require.NoError(t, r.RegisterConfig(ServiceConfig{ServiceName: "svc", CallsPerSecond: 0.01, BurstSize: 2, Enabled: true, Adaptive: true}))
	l := r.Get("svc")
	require.True(t, l.TryAcquire())
	require.True(t, l.TryAcquire())
	require.False(t, l.TryAcquire())

	require.NoError(t, r.UpdateRate("svc", 100))
	r.Get("svc").OnHTTPResponse(http.StatusTooManyRequests, "")

	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
		# HELP callthrottle_adaptive_rate_changes_total Total number of rate changes applied by adaptive rate limiters.
		# TYPE callthrottle_adaptive_rate_changes_total counter
		callthrottle_adaptive_rate_changes_total{direction="backoff",service="svc"} 1

		# HELP callthrottle_calls_per_second Current rate of the rate limiter of each service.
		# TYPE callthrottle_calls_per_second gauge
		callthrottle_calls_per_second{service="svc"} 50

		# HELP callthrottle_max_tokens Burst size of the rate limiter of each service.
		# TYPE callthrottle_max_tokens gauge
		callthrottle_max_tokens{service="svc"} 2

		# HELP callthrottle_registry_registrations_total Total number of rate limiters built by the registry.
		# TYPE callthrottle_registry_registrations_total counter
		callthrottle_registry_registrations_total 2

		# HELP callthrottle_registry_replacements_total Total number of rate limiters disposed to be replaced by a new configuration.
		# TYPE callthrottle_registry_replacements_total counter
		callthrottle_registry_replacements_total 1

		# HELP callthrottle_requests_total Total number of token acquisition attempts by outcome.
		# TYPE callthrottle_requests_total counter
		callthrottle_requests_total{outcome="accepted",service="svc"} 2
		callthrottle_requests_total{outcome="rejected",service="svc"} 1

		# HELP callthrottle_throttled_requests_total Total number of accepted acquisitions which had to wait for a token.
		# TYPE callthrottle_throttled_requests_total counter
		callthrottle_throttled_requests_total{service="svc"} 0

		# HELP callthrottle_waiting_requests Number of callers currently blocked waiting for a token.
		# TYPE callthrottle_waiting_requests gauge
		callthrottle_waiting_requests{service="svc"} 0
	`),
		"callthrottle_adaptive_rate_changes_total",
		"callthrottle_calls_per_second",
		"callthrottle_max_tokens",
		"callthrottle_registry_registrations_total",
		"callthrottle_registry_replacements_total",
		"callthrottle_requests_total",
		"callthrottle_throttled_requests_total",
		"callthrottle_waiting_requests",
	))
}
