// SPDX-License-Identifier: AGPL-3.0-only

package ratelimit

import (
	"sync"
	"time"
)

// ServiceMetrics counts the acquire attempts made against a service's limiter.
// Counters only go back to zero through Reset.
type ServiceMetrics struct {
	serviceName string
	now         func() time.Time

	mu                sync.Mutex
	totalRequests     int64
	acceptedRequests  int64
	rejectedRequests  int64
	throttledRequests int64
	totalWaitTime     time.Duration
	maxWaitTime       time.Duration
	startTime         time.Time
	lastRequestTime   time.Time
}

func NewServiceMetrics(serviceName string) *ServiceMetrics {
	return newServiceMetrics(serviceName, time.Now)
}

func newServiceMetrics(serviceName string, now func() time.Time) *ServiceMetrics {
	return &ServiceMetrics{
		serviceName: serviceName,
		now:         now,
		startTime:   now(),
	}
}

// Record accounts for one acquire attempt. A positive wait on an accepted
// request means the caller has been throttled. The wait of a rejected attempt
// isn't accounted: wait times only cover the accepted throttled requests.
func (m *ServiceMetrics) Record(accepted bool, wait time.Duration) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests++
	m.lastRequestTime = now
	if !accepted {
		m.rejectedRequests++
		return
	}

	m.acceptedRequests++
	if wait > 0 {
		m.throttledRequests++
		m.totalWaitTime += wait
		m.maxWaitTime = max(m.maxWaitTime, wait)
	}
}

// Reset zeroes every counter and restarts the uptime clock.
func (m *ServiceMetrics) Reset() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests = 0
	m.acceptedRequests = 0
	m.rejectedRequests = 0
	m.throttledRequests = 0
	m.totalWaitTime = 0
	m.maxWaitTime = 0
	m.startTime = now
	m.lastRequestTime = time.Time{}
}

// MetricsSnapshot is a point in time copy of ServiceMetrics along with derived values.
type MetricsSnapshot struct {
	ServiceName       string    `json:"service_name"`
	TotalRequests     int64     `json:"total_requests"`
	AcceptedRequests  int64     `json:"accepted_requests"`
	RejectedRequests  int64     `json:"rejected_requests"`
	ThrottledRequests int64     `json:"throttled_requests"`
	TotalWaitTimeMs   float64   `json:"total_wait_time_ms"`
	MaxWaitTimeMs     float64   `json:"max_wait_time_ms"`
	StartTime         time.Time `json:"start_time"`
	LastRequestTime   time.Time `json:"last_request_time"`

	// Requests per second since StartTime.
	RequestRate float64 `json:"request_rate"`
	// Percentage of accepted requests.
	AcceptanceRate float64 `json:"acceptance_rate"`
	// Average wait of the accepted throttled requests.
	AverageWaitMs float64 `json:"average_wait_ms"`
}

func (m *ServiceMetrics) Snapshot() MetricsSnapshot {
	now := m.now()

	m.mu.Lock()
	s := MetricsSnapshot{
		ServiceName:       m.serviceName,
		TotalRequests:     m.totalRequests,
		AcceptedRequests:  m.acceptedRequests,
		RejectedRequests:  m.rejectedRequests,
		ThrottledRequests: m.throttledRequests,
		TotalWaitTimeMs:   durationToMillis(m.totalWaitTime),
		MaxWaitTimeMs:     durationToMillis(m.maxWaitTime),
		StartTime:         m.startTime,
		LastRequestTime:   m.lastRequestTime,
	}
	m.mu.Unlock()

	if uptime := now.Sub(s.StartTime).Seconds(); uptime > 0 {
		s.RequestRate = float64(s.TotalRequests) / uptime
	}
	if s.TotalRequests > 0 {
		s.AcceptanceRate = float64(s.AcceptedRequests) / float64(s.TotalRequests) * 100
	}
	if s.ThrottledRequests > 0 {
		s.AverageWaitMs = s.TotalWaitTimeMs / float64(s.ThrottledRequests)
	}
	return s
}

func durationToMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
