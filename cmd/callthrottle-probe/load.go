// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/grafana/callthrottle/pkg/ratelimit"
	util_log "github.com/grafana/callthrottle/pkg/util/log"
)

// loadGenerator sends requests to a target at a fixed offered rate, from a pool
// of workers. Requests go through the client's transport, which is expected to
// be rate limited.
type loadGenerator struct {
	client  *http.Client
	target  string
	workers int
	pacer   *rate.Limiter
	logger  log.Logger
	sampler *util_log.Sampler

	requests  *prometheus.CounterVec
	latencies prometheus.Histogram
}

type loadResult struct {
	Elapsed   time.Duration
	Sent      int64
	Failed    int64
	Responses map[int]int64
}

func newLoadGenerator(client *http.Client, target string, offeredRate float64, workers int, logger log.Logger, reg prometheus.Registerer) *loadGenerator {
	return &loadGenerator{
		client:  client,
		target:  target,
		workers: workers,
		pacer:   rate.NewLimiter(rate.Limit(offeredRate), 1),
		logger:  logger,
		sampler: util_log.NewSampler(50),

		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "callthrottle_probe_requests_total",
			Help: "Total number of requests sent by the probe, by status code. Failed requests have an empty code.",
		}, []string{"code"}),
		latencies: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "callthrottle_probe_request_duration_seconds",
			Help:    "Time taken by the probe requests, including the time spent waiting for the rate limiter.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
	}
}

// run generates load until ctx is done.
func (g *loadGenerator) run(ctx context.Context) (loadResult, error) {
	var (
		sent, failed atomic.Int64
		mtx          sync.Mutex
		responses    = map[int]int64{}
	)

	start := time.Now()
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < g.workers; i++ {
		eg.Go(func() error {
			for {
				if err := g.pacer.Wait(ctx); err != nil {
					// The pacer fails once ctx is done, or when it would be done before the next slot.
					return nil
				}

				sent.Inc()
				code, err := g.send(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					failed.Inc()
					g.requests.WithLabelValues("").Inc()
					if g.sampler.Sample() {
						level.Warn(g.logger).Log("msg", "probe request failed", "err", err, "sampled", g.sampler)
					}
					continue
				}

				g.requests.WithLabelValues(strconv.Itoa(code)).Inc()
				mtx.Lock()
				responses[code]++
				mtx.Unlock()
			}
		})
	}

	if err := eg.Wait(); err != nil {
		return loadResult{}, err
	}
	return loadResult{
		Elapsed:   time.Since(start),
		Sent:      sent.Load(),
		Failed:    failed.Load(),
		Responses: responses,
	}, nil
}

func (g *loadGenerator) send(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.target, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	g.latencies.Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return 0, errors.Wrap(err, "read response body")
	}
	return resp.StatusCode, nil
}

func printSummary(w io.Writer, service string, result loadResult, registry *ratelimit.Registry) {
	metrics := registry.Metrics(service)
	status := registry.Get(service).Status()

	fmt.Fprintf(w, "service:             %s\n", service)
	fmt.Fprintf(w, "elapsed:             %s\n", result.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "requests sent:       %d\n", result.Sent)
	fmt.Fprintf(w, "requests failed:     %d\n", result.Failed)

	codes := make([]int, 0, len(result.Responses))
	for code := range result.Responses {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Fprintf(w, "  HTTP %d:            %d\n", code, result.Responses[code])
	}

	fmt.Fprintf(w, "accepted:            %d\n", metrics.AcceptedRequests)
	fmt.Fprintf(w, "rejected:            %d\n", metrics.RejectedRequests)
	fmt.Fprintf(w, "throttled:           %d\n", metrics.ThrottledRequests)
	fmt.Fprintf(w, "average wait:        %.1fms\n", metrics.AverageWaitMs)
	fmt.Fprintf(w, "max wait:            %.1fms\n", metrics.MaxWaitTimeMs)
	fmt.Fprintf(w, "current rate:        %g calls/s\n", status.CurrentRate)
	if state, ok := registry.AdaptiveState(service); ok {
		fmt.Fprintf(w, "adaptive base rate:  %g calls/s (min %g, max %g)\n", state.BaseRate, state.MinRate, state.MaxRate)
	}
}
