// SPDX-License-Identifier: AGPL-3.0-only

package ratelimit

import "github.com/prometheus/client_golang/prometheus"

var (
	availableTokensDesc = prometheus.NewDesc(
		"callthrottle_available_tokens",
		"Number of tokens currently available in the rate limiter of each service.",
		[]string{"service"}, nil,
	)
	maxTokensDesc = prometheus.NewDesc(
		"callthrottle_max_tokens",
		"Burst size of the rate limiter of each service.",
		[]string{"service"}, nil,
	)
	callsPerSecondDesc = prometheus.NewDesc(
		"callthrottle_calls_per_second",
		"Current rate of the rate limiter of each service.",
		[]string{"service"}, nil,
	)
	waitingRequestsDesc = prometheus.NewDesc(
		"callthrottle_waiting_requests",
		"Number of callers currently blocked waiting for a token.",
		[]string{"service"}, nil,
	)
	requestsDesc = prometheus.NewDesc(
		"callthrottle_requests_total",
		"Total number of token acquisition attempts by outcome.",
		[]string{"service", "outcome"}, nil,
	)
	throttledRequestsDesc = prometheus.NewDesc(
		"callthrottle_throttled_requests_total",
		"Total number of accepted acquisitions which had to wait for a token.",
		[]string{"service"}, nil,
	)
	waitSecondsDesc = prometheus.NewDesc(
		"callthrottle_wait_seconds_total",
		"Total time spent by accepted acquisitions waiting for a token.",
		[]string{"service"}, nil,
	)
)

// registryCollector exports the live status and the counters of a Registry.
type registryCollector struct {
	registry *Registry
}

var _ prometheus.Collector = registryCollector{}

func newRegistryCollector(r *Registry) registryCollector {
	return registryCollector{registry: r}
}

func (c registryCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- availableTokensDesc
	descs <- maxTokensDesc
	descs <- callsPerSecondDesc
	descs <- waitingRequestsDesc
	descs <- requestsDesc
	descs <- throttledRequestsDesc
	descs <- waitSecondsDesc
}

func (c registryCollector) Collect(metrics chan<- prometheus.Metric) {
	for name, status := range c.registry.AllStatuses() {
		metrics <- prometheus.MustNewConstMetric(availableTokensDesc, prometheus.GaugeValue, status.AvailableTokens, name)
		metrics <- prometheus.MustNewConstMetric(maxTokensDesc, prometheus.GaugeValue, float64(status.MaxTokens), name)
		metrics <- prometheus.MustNewConstMetric(callsPerSecondDesc, prometheus.GaugeValue, status.CurrentRate, name)
		metrics <- prometheus.MustNewConstMetric(waitingRequestsDesc, prometheus.GaugeValue, float64(status.WaitingRequests), name)
	}

	for name, s := range c.registry.AllMetrics() {
		metrics <- prometheus.MustNewConstMetric(requestsDesc, prometheus.CounterValue, float64(s.AcceptedRequests), name, "accepted")
		metrics <- prometheus.MustNewConstMetric(requestsDesc, prometheus.CounterValue, float64(s.RejectedRequests), name, "rejected")
		metrics <- prometheus.MustNewConstMetric(throttledRequestsDesc, prometheus.CounterValue, float64(s.ThrottledRequests), name)
		metrics <- prometheus.MustNewConstMetric(waitSecondsDesc, prometheus.CounterValue, s.TotalWaitTimeMs/1000, name)
	}
}
