// SPDX-License-Identifier: AGPL-3.0-only

package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestRoundTripper(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Inc() == 2 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	r := newTestRegistry(t, nil)
	require.NoError(t, r.RegisterConfig(ServiceConfig{ServiceName: u.Host, CallsPerSecond: 100, Enabled: true, Adaptive: true}))

	client := &http.Client{Transport: NewRoundTripper(nil, r, nil)}
	for i := 0; i < 3; i++ {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
	}

	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, int64(3), r.Metrics(u.Host).AcceptedRequests)

	// The 429 with a 1s Retry-After moved the rate down to the minimum.
	assert.Equal(t, 10.0, r.Get(u.Host).Rate())
	state, ok := r.AdaptiveState(u.Host)
	require.True(t, ok)
	assert.Equal(t, 1, state.ConsecutiveSuccess)
}

func TestRoundTripper_UnregisteredServiceIsNotThrottled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	r := newTestRegistry(t, nil)
	client := &http.Client{Transport: NewRoundTripper(http.DefaultTransport, r, func(*http.Request) string { return "other" })}
	for i := 0; i < 10; i++ {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	}
	assert.Empty(t, r.AllLimiters())
}

func TestRoundTripper_CanceledWhileThrottled(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Inc()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	r := newTestRegistry(t, nil)
	require.NoError(t, r.RegisterConfig(ServiceConfig{ServiceName: "svc", CallsPerSecond: 0.01, BurstSize: 1, Enabled: true}))
	client := &http.Client{Transport: NewRoundTripper(nil, r, func(*http.Request) string { return "svc" })}

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = client.Do(req)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(1), r.Metrics("svc").RejectedRequests)
}
