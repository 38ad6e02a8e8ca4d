// SPDX-License-Identifier: AGPL-3.0-only

package ratelimit

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/multierr"

	syncutil "github.com/grafana/callthrottle/pkg/util/sync"
)

// Registry owns the limiters of the outbound services, keyed by service name.
// Looking up a service which isn't registered returns a limiter that never
// throttles, so callers don't need to special case unconfigured services.
type Registry struct {
	cfg    Config
	logger log.Logger

	mtx      sync.RWMutex
	limiters map[string]*registryEntry
	// Metrics outlive the limiters: they're kept across replacements and unregistrations.
	metrics map[string]*ServiceMetrics

	registrations   prometheus.Counter
	replacements    prometheus.Counter
	unregistrations prometheus.Counter
	rateChanges     *prometheus.CounterVec
}

type registryEntry struct {
	cfg      ServiceConfig
	bucket   *TokenBucket
	adaptive *AdaptiveLimiter
}

func (e *registryEntry) handle() Handle {
	if e.adaptive != nil {
		return e.adaptive
	}
	return staticHandle{e.bucket}
}

func (e *registryEntry) close() error {
	if e.adaptive != nil {
		e.adaptive.Close()
	}
	return e.bucket.Close()
}

// NewRegistry makes an empty registry. Its metrics are registered to reg, if not nil.
func NewRegistry(cfg Config, logger log.Logger, reg prometheus.Registerer) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		cfg:      cfg,
		logger:   logger,
		limiters: map[string]*registryEntry{},
		metrics:  map[string]*ServiceMetrics{},

		registrations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "callthrottle_registry_registrations_total",
			Help: "Total number of rate limiters built by the registry.",
		}),
		replacements: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "callthrottle_registry_replacements_total",
			Help: "Total number of rate limiters disposed to be replaced by a new configuration.",
		}),
		unregistrations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "callthrottle_registry_unregistrations_total",
			Help: "Total number of rate limiters removed from the registry.",
		}),
		rateChanges: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "callthrottle_adaptive_rate_changes_total",
			Help: "Total number of rate changes applied by adaptive rate limiters.",
		}, []string{"service", "direction"}),
	}

	if reg != nil {
		reg.MustRegister(newRegistryCollector(r))
	}
	return r, nil
}

// Register configures serviceName to requestsPerMinute, replacing any previous limiter.
func (r *Registry) Register(serviceName string, requestsPerMinute int, adaptive bool) error {
	return r.RegisterConfig(ServiceConfig{
		ServiceName:    serviceName,
		CallsPerSecond: float64(requestsPerMinute) / 60,
		Enabled:        true,
		Adaptive:       adaptive,
	})
}

// RegisterConfig builds a limiter from cfg, replacing any previous limiter of the
// same service. The previous limiter is disposed before the new one starts.
func (r *Registry) RegisterConfig(cfg ServiceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.replaceLocked(cfg)
}

// UpdateRate changes the rate of serviceName, keeping the rest of its configuration.
// A non positive rate unregisters the service.
func (r *Registry) UpdateRate(serviceName string, callsPerSecond float64) error {
	if callsPerSecond <= 0 {
		r.Unregister(serviceName)
		return nil
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	cfg := ServiceConfig{ServiceName: serviceName, Enabled: true}
	if old, ok := r.limiters[serviceName]; ok {
		cfg = old.cfg
	}
	cfg.CallsPerSecond = callsPerSecond
	cfg.RequestsPerMinute = 0

	if err := cfg.Validate(); err != nil {
		return err
	}
	return r.replaceLocked(cfg)
}

// replaceLocked must be called with mtx held for writing.
func (r *Registry) replaceLocked(cfg ServiceConfig) error {
	logger := log.With(r.logger, "service", cfg.ServiceName)

	if old, ok := r.limiters[cfg.ServiceName]; ok {
		delete(r.limiters, cfg.ServiceName)
		if err := old.close(); err != nil {
			level.Warn(logger).Log("msg", "failed to dispose replaced rate limiter", "err", err)
		}
		r.replacements.Inc()
	}

	bucket, err := NewTokenBucket(cfg, r.metricsLocked(cfg.ServiceName), r.logger)
	if err != nil {
		return err
	}

	entry := &registryEntry{cfg: cfg, bucket: bucket}
	if cfg.Adaptive && cfg.Enabled {
		entry.adaptive = NewAdaptiveLimiter(bucket, r.cfg.Adaptive, r.logger, r.rateChanges)
	}
	r.limiters[cfg.ServiceName] = entry
	r.registrations.Inc()

	level.Info(logger).Log("msg", "registered rate limiter", "enabled", cfg.Enabled, "calls_per_second", cfg.Rate(), "burst", cfg.Burst(), "adaptive", cfg.Adaptive)
	return nil
}

// Unregister disposes the limiter of serviceName. It returns false if the
// service wasn't registered.
func (r *Registry) Unregister(serviceName string) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	entry, ok := r.limiters[serviceName]
	if !ok {
		return false
	}
	delete(r.limiters, serviceName)
	if err := entry.close(); err != nil {
		level.Warn(r.logger).Log("msg", "failed to dispose unregistered rate limiter", "service", serviceName, "err", err)
	}
	r.unregistrations.Inc()

	level.Info(r.logger).Log("msg", "unregistered rate limiter", "service", serviceName)
	return true
}

// Get returns the limiter of serviceName, or a limiter which never throttles if
// the service isn't registered.
func (r *Registry) Get(serviceName string) Handle {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	if entry, ok := r.limiters[serviceName]; ok {
		return entry.handle()
	}
	return noopHandle{serviceName: serviceName}
}

// AdaptiveState returns the controller state of serviceName, if it's registered
// with an adaptive limiter.
func (r *Registry) AdaptiveState(serviceName string) (AdaptiveState, bool) {
	r.mtx.RLock()
	entry, ok := r.limiters[serviceName]
	r.mtx.RUnlock()

	if !ok || entry.adaptive == nil {
		return AdaptiveState{}, false
	}
	return entry.adaptive.AdaptiveState(), true
}

func (r *Registry) AllLimiters() map[string]Handle {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	out := make(map[string]Handle, len(r.limiters))
	for name, entry := range r.limiters {
		out[name] = entry.handle()
	}
	return out
}

func (r *Registry) AllStatuses() map[string]Status {
	limiters := r.AllLimiters()

	out := make(map[string]Status, len(limiters))
	for name, l := range limiters {
		out[name] = l.Status()
	}
	return out
}

// Metrics returns the counters of serviceName, creating them if needed.
func (r *Registry) Metrics(serviceName string) MetricsSnapshot {
	return r.serviceMetrics(serviceName).Snapshot()
}

// AllMetrics returns the counters of every service referenced so far.
func (r *Registry) AllMetrics() map[string]MetricsSnapshot {
	r.mtx.RLock()
	metrics := make(map[string]*ServiceMetrics, len(r.metrics))
	for name, m := range r.metrics {
		metrics[name] = m
	}
	r.mtx.RUnlock()

	out := make(map[string]MetricsSnapshot, len(metrics))
	for name, m := range metrics {
		out[name] = m.Snapshot()
	}
	return out
}

// ResetMetrics zeroes the counters of serviceName. It returns false if the
// service has no counters.
func (r *Registry) ResetMetrics(serviceName string) bool {
	r.mtx.RLock()
	m, ok := r.metrics[serviceName]
	r.mtx.RUnlock()

	if !ok {
		return false
	}
	m.Reset()
	level.Info(r.logger).Log("msg", "reset rate limit metrics", "service", serviceName)
	return true
}

func (r *Registry) serviceMetrics(serviceName string) *ServiceMetrics {
	r.mtx.RLock()
	m, ok := r.metrics[serviceName]
	r.mtx.RUnlock()
	if ok {
		return m
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.metricsLocked(serviceName)
}

// metricsLocked must be called with mtx held for writing.
func (r *Registry) metricsLocked(serviceName string) *ServiceMetrics {
	m, ok := r.metrics[serviceName]
	if !ok {
		m = NewServiceMetrics(serviceName)
		r.metrics[serviceName] = m
	}
	return m
}

// ApplyServices registers every service of the list. Nothing is registered
// unless all the entries are valid.
func (r *Registry) ApplyServices(services []ServiceConfig) error {
	if err := ValidateServices(services); err != nil {
		return err
	}

	var errs error
	for _, cfg := range services {
		errs = multierr.Append(errs, errors.Wrapf(r.RegisterConfig(cfg), "register service %s", cfg.ServiceName))
	}
	return errs
}

// Close disposes every limiter. Metrics are kept.
func (r *Registry) Close(ctx context.Context) error {
	r.mtx.Lock()
	entries := r.limiters
	r.limiters = map[string]*registryEntry{}
	r.mtx.Unlock()

	var (
		wg      syncutil.ContextWaitGroup
		errsMtx sync.Mutex
		errs    error
	)
	for name, entry := range entries {
		wg.Go(func() {
			if err := entry.close(); err != nil {
				errsMtx.Lock()
				errs = multierr.Append(errs, errors.Wrapf(err, "close rate limiter of service %s", name))
				errsMtx.Unlock()
			}
		})
	}

	if err := wg.WaitWithContext(ctx); err != nil {
		return errors.Wrap(err, "waiting for rate limiters to close")
	}
	return errs
}
