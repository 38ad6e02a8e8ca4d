// SPDX-License-Identifier: AGPL-3.0-only

package statsexport

import (
	"context"
	"flag"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/grafana/callthrottle/pkg/ratelimit"
)

// Config configures the periodic export of the rate limiters state to Redis.
type Config struct {
	Enabled       bool           `yaml:"enabled"`
	RedisAddress  string         `yaml:"redis_address"`
	RedisPassword flagext.Secret `yaml:"redis_password"`
	RedisDB       int            `yaml:"redis_db"`
	KeyPrefix     string         `yaml:"key_prefix"`
	Interval      time.Duration  `yaml:"interval"`
	TTL           time.Duration  `yaml:"ttl"`
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.BoolVar(&cfg.Enabled, prefix+"enabled", false, "Periodically write the rate limiters status and metrics to Redis.")
	f.StringVar(&cfg.RedisAddress, prefix+"redis.address", "localhost:6379", "Redis address.")
	f.Var(&cfg.RedisPassword, prefix+"redis.password", "Redis password.")
	f.IntVar(&cfg.RedisDB, prefix+"redis.db", 0, "Redis database.")
	f.StringVar(&cfg.KeyPrefix, prefix+"key-prefix", "callthrottle:ratelimit", "Prefix of the Redis keys. Each service is written to the hash <prefix>:<service>.")
	f.DurationVar(&cfg.Interval, prefix+"interval", 15*time.Second, "How often the state is exported.")
	f.DurationVar(&cfg.TTL, prefix+"ttl", 5*time.Minute, "Expiration of the exported keys. 0 disables expiration.")
}

func (cfg *Config) Validate() error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.RedisAddress == "" {
		return errors.New("redis address must be set")
	}
	if cfg.Interval <= 0 {
		return errors.New("export interval must be positive")
	}
	if cfg.TTL < 0 {
		return errors.New("export ttl must not be negative")
	}
	if cfg.TTL > 0 && cfg.TTL < cfg.Interval {
		return errors.New("export ttl must not be shorter than the export interval")
	}
	return nil
}

// NewRedisClient returns a client for the configured Redis server.
func NewRedisClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword.String(),
		DB:       cfg.RedisDB,
	})
}

// Source provides the state being exported.
type Source interface {
	AllStatuses() map[string]ratelimit.Status
	AllMetrics() map[string]ratelimit.MetricsSnapshot
}

// Pipeliner is the subset of the Redis client used by the Exporter.
type Pipeliner interface {
	Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// Exporter writes, at every interval, the status and the metrics of each
// service to a Redis hash. Nothing is ever read back.
type Exporter struct {
	services.Service

	cfg    Config
	source Source
	client Pipeliner
	logger log.Logger
	now    func() time.Time

	exports          prometheus.Counter
	failures         prometheus.Counter
	lastSuccessfulTs prometheus.Gauge
}

func NewExporter(cfg Config, source Source, client Pipeliner, logger log.Logger, reg prometheus.Registerer) *Exporter {
	e := &Exporter{
		cfg:    cfg,
		source: source,
		client: client,
		logger: log.With(logger, "component", "ratelimit-stats-export"),
		now:    time.Now,

		exports: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "callthrottle_stats_exports_total",
			Help: "Total number of rate limits state exports to Redis.",
		}),
		failures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "callthrottle_stats_export_failures_total",
			Help: "Total number of failed rate limits state exports to Redis.",
		}),
		lastSuccessfulTs: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "callthrottle_stats_export_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful rate limits state export.",
		}),
	}

	e.Service = services.NewTimerService(cfg.Interval, nil, e.iteration, e.stopping)
	return e
}

func (e *Exporter) iteration(ctx context.Context) error {
	// Export failures are transient, they must not stop the service.
	if err := e.export(ctx); err != nil {
		level.Warn(e.logger).Log("msg", "failed to export rate limits state", "err", err)
	}
	return nil
}

// stopping exports a last time, so the final counters are not lost.
func (e *Exporter) stopping(_ error) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Interval)
	defer cancel()

	if err := e.export(ctx); err != nil {
		level.Warn(e.logger).Log("msg", "failed to export rate limits state on shutdown", "err", err)
	}
	return nil
}

func (e *Exporter) export(ctx context.Context) error {
	statuses := e.source.AllStatuses()
	metrics := e.source.AllMetrics()
	if len(statuses) == 0 && len(metrics) == 0 {
		return nil
	}

	now := e.now()
	names := make([]interface{}, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	for name := range statuses {
		if _, ok := metrics[name]; !ok {
			names = append(names, name)
		}
	}

	e.exports.Inc()
	_, err := e.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, name := range names {
			service := name.(string)
			key := e.key(service)

			values := []interface{}{"updated_at", now.UTC().Format(time.RFC3339Nano)}
			if status, ok := statuses[service]; ok {
				values = append(values, statusFields(status)...)
			}
			if snapshot, ok := metrics[service]; ok {
				values = append(values, metricsFields(snapshot)...)
			}

			pipe.HSet(ctx, key, values...)
			if e.cfg.TTL > 0 {
				pipe.Expire(ctx, key, e.cfg.TTL)
			}
		}

		indexKey := e.key("services")
		pipe.SAdd(ctx, indexKey, names...)
		if e.cfg.TTL > 0 {
			pipe.Expire(ctx, indexKey, e.cfg.TTL)
		}
		return nil
	})
	if err != nil {
		e.failures.Inc()
		return errors.Wrap(err, "write rate limits state to redis")
	}

	e.lastSuccessfulTs.Set(float64(now.Unix()))
	return nil
}

func (e *Exporter) key(suffix string) string {
	return strings.TrimSuffix(e.cfg.KeyPrefix, ":") + ":" + suffix
}

func statusFields(s ratelimit.Status) []interface{} {
	return []interface{}{
		"available_tokens", formatFloat(s.AvailableTokens),
		"max_tokens", s.MaxTokens,
		"current_rate", formatFloat(s.CurrentRate),
		"waiting_requests", s.WaitingRequests,
		"throttling", s.IsThrottling(),
		"next_refill_time", s.NextRefillTime.UTC().Format(time.RFC3339Nano),
	}
}

func metricsFields(s ratelimit.MetricsSnapshot) []interface{} {
	return []interface{}{
		"total_requests", s.TotalRequests,
		"accepted_requests", s.AcceptedRequests,
		"rejected_requests", s.RejectedRequests,
		"throttled_requests", s.ThrottledRequests,
		"total_wait_time_ms", formatFloat(s.TotalWaitTimeMs),
		"max_wait_time_ms", formatFloat(s.MaxWaitTimeMs),
		"request_rate", formatFloat(s.RequestRate),
		"acceptance_rate", formatFloat(s.AcceptanceRate),
		"average_wait_ms", formatFloat(s.AverageWaitMs),
		"start_time", s.StartTime.UTC().Format(time.RFC3339Nano),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
