// SPDX-License-Identifier: AGPL-3.0-only

package ratelimit

import (
	"flag"
	"io"
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	minCallsPerSecond = 0.01
	maxCallsPerSecond = 10_000

	minRefillInterval = 50 * time.Millisecond
	maxRefillInterval = time.Second
)

var (
	// ErrInvalidConfig is wrapped by every configuration error.
	ErrInvalidConfig = errors.New("invalid rate limit configuration")

	errEmptyServiceName = errors.Wrap(ErrInvalidConfig, "service name must not be empty")
)

// ServiceConfig is the rate limit configuration of a single outbound service.
// A limiter built from it never observes later changes: changing the rate means
// building a new limiter.
type ServiceConfig struct {
	ServiceName       string  `yaml:"service"`
	CallsPerSecond    float64 `yaml:"calls_per_second"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	BurstSize         int     `yaml:"burst_size"`
	Enabled           bool    `yaml:"enabled"`
	Adaptive          bool    `yaml:"adaptive"`
}

// Rate returns the configured calls per second, derived from RequestsPerMinute
// when CallsPerSecond isn't set.
func (cfg ServiceConfig) Rate() float64 {
	if cfg.CallsPerSecond == 0 && cfg.RequestsPerMinute != 0 {
		return float64(cfg.RequestsPerMinute) / 60
	}
	return cfg.CallsPerSecond
}

// Burst returns the configured burst size, or ceil(2 * rate) with a minimum of 1.
func (cfg ServiceConfig) Burst() int {
	if cfg.BurstSize > 0 {
		return cfg.BurstSize
	}
	return max(1, int(math.Ceil(cfg.Rate()*2)))
}

// RefillInterval returns how often the bucket is refilled: one token worth of
// time, clamped to [50ms, 1s].
func (cfg ServiceConfig) RefillInterval() time.Duration {
	return refillInterval(cfg.Rate())
}

func refillInterval(rate float64) time.Duration {
	if rate <= 0 {
		return maxRefillInterval
	}
	interval := time.Duration(float64(time.Second) / rate)
	return min(max(interval, minRefillInterval), maxRefillInterval)
}

// Validate returns an error wrapping ErrInvalidConfig if the configuration
// can't be used to build a limiter. Disabled configurations only need a name.
func (cfg ServiceConfig) Validate() error {
	if cfg.ServiceName == "" {
		return errEmptyServiceName
	}
	if !cfg.Enabled {
		return nil
	}
	if rate := cfg.Rate(); rate < minCallsPerSecond || rate > maxCallsPerSecond || math.IsNaN(rate) {
		return errors.Wrapf(ErrInvalidConfig, "service %q: calls per second must be in [%v, %v], got %v", cfg.ServiceName, minCallsPerSecond, maxCallsPerSecond, rate)
	}
	if cfg.BurstSize < 0 {
		return errors.Wrapf(ErrInvalidConfig, "service %q: burst size must be positive, got %d", cfg.ServiceName, cfg.BurstSize)
	}
	return nil
}

// AdaptiveConfig tunes how adaptive limiters react to HTTP responses.
type AdaptiveConfig struct {
	BackoffFactor            float64       `yaml:"backoff_factor" category:"advanced"`
	RecoveryFactor           float64       `yaml:"recovery_factor" category:"advanced"`
	MinRateFactor            float64       `yaml:"min_rate_factor" category:"advanced"`
	MaxRateFactor            float64       `yaml:"max_rate_factor" category:"advanced"`
	BackoffCooldown          time.Duration `yaml:"backoff_cooldown" category:"advanced"`
	RecoveryInterval         time.Duration `yaml:"recovery_interval" category:"advanced"`
	RecoverySuccessThreshold int           `yaml:"recovery_success_threshold" category:"advanced"`
	ChangeTolerance          float64       `yaml:"change_tolerance" category:"advanced"`
}

func (cfg *AdaptiveConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.Float64Var(&cfg.BackoffFactor, prefix+"backoff-factor", 0.5, "Factor applied to the current rate when the remote service answers 429 Too Many Requests.")
	f.Float64Var(&cfg.RecoveryFactor, prefix+"recovery-factor", 1.1, "Factor applied to the current rate on each recovery step.")
	f.Float64Var(&cfg.MinRateFactor, prefix+"min-rate-factor", 0.1, "Lowest rate an adaptive limiter can back off to, as a fraction of the configured rate.")
	f.Float64Var(&cfg.MaxRateFactor, prefix+"max-rate-factor", 1.2, "Highest rate an adaptive limiter can recover to, as a multiple of the configured rate.")
	f.DurationVar(&cfg.BackoffCooldown, prefix+"backoff-cooldown", 5*time.Minute, "Minimum time since the last 429 before the rate starts recovering.")
	f.DurationVar(&cfg.RecoveryInterval, prefix+"recovery-interval", time.Minute, "Minimum time between two recovery steps.")
	f.IntVar(&cfg.RecoverySuccessThreshold, prefix+"recovery-success-threshold", 100, "Number of consecutive successful responses required before a recovery step.")
	f.Float64Var(&cfg.ChangeTolerance, prefix+"change-tolerance", 0.01, "Rate changes smaller than this value are ignored.")
}

// DefaultAdaptiveConfig returns the configuration registered as flag defaults.
func DefaultAdaptiveConfig() AdaptiveConfig {
	cfg := AdaptiveConfig{}
	cfg.RegisterFlagsWithPrefix("", flag.NewFlagSet("", flag.PanicOnError))
	return cfg
}

func (cfg *AdaptiveConfig) Validate() error {
	var errs error
	if cfg.BackoffFactor <= 0 || cfg.BackoffFactor >= 1 {
		errs = multierr.Append(errs, errors.New("backoff factor must be in (0, 1)"))
	}
	if cfg.RecoveryFactor <= 1 {
		errs = multierr.Append(errs, errors.New("recovery factor must be greater than 1"))
	}
	if cfg.MinRateFactor <= 0 || cfg.MinRateFactor > 1 {
		errs = multierr.Append(errs, errors.New("min rate factor must be in (0, 1]"))
	}
	if cfg.MaxRateFactor < 1 {
		errs = multierr.Append(errs, errors.New("max rate factor must be >= 1"))
	}
	if cfg.RecoverySuccessThreshold < 1 {
		errs = multierr.Append(errs, errors.New("recovery success threshold must be >= 1"))
	}
	if cfg.BackoffCooldown < 0 {
		errs = multierr.Append(errs, errors.New("backoff cooldown must not be negative"))
	}
	if cfg.RecoveryInterval < 0 {
		errs = multierr.Append(errs, errors.New("recovery interval must not be negative"))
	}
	if cfg.ChangeTolerance < 0 {
		errs = multierr.Append(errs, errors.New("change tolerance must not be negative"))
	}
	return errs
}

// Config is the registry configuration.
type Config struct {
	ServicesFile string         `yaml:"services_file"`
	Adaptive     AdaptiveConfig `yaml:"adaptive"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.ServicesFile, "ratelimit.services-file", "", "Path to a YAML file listing the per-service rate limits.")
	cfg.Adaptive.RegisterFlagsWithPrefix("ratelimit.adaptive.", f)
}

func (cfg *Config) Validate() error {
	return errors.Wrap(cfg.Adaptive.Validate(), "invalid adaptive rate limit configuration")
}

// ServicesFile is the layout of the per-service rate limits file.
type ServicesFile struct {
	Services []ServiceEntry `yaml:"services"`
}

// ServiceEntry is a service of the rate limits file. Entries are enabled
// unless stated otherwise.
type ServiceEntry struct {
	ServiceName       string  `yaml:"service"`
	CallsPerSecond    float64 `yaml:"calls_per_second"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	BurstSize         int     `yaml:"burst_size"`
	Enabled           *bool   `yaml:"enabled"`
	Adaptive          bool    `yaml:"adaptive"`
}

func (e ServiceEntry) Config() ServiceConfig {
	return ServiceConfig{
		ServiceName:       e.ServiceName,
		CallsPerSecond:    e.CallsPerSecond,
		RequestsPerMinute: e.RequestsPerMinute,
		BurstSize:         e.BurstSize,
		Enabled:           e.Enabled == nil || *e.Enabled,
		Adaptive:          e.Adaptive,
	}
}

// LoadServicesFile reads and validates the per-service rate limits file.
func LoadServicesFile(path string) ([]ServiceConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open rate limits file")
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var file ServicesFile
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrapf(err, "decode rate limits file %s", path)
	}
	services := make([]ServiceConfig, 0, len(file.Services))
	for _, e := range file.Services {
		services = append(services, e.Config())
	}
	if err := ValidateServices(services); err != nil {
		return nil, err
	}
	return services, nil
}

// ValidateServices validates every entry and rejects duplicated service names.
func ValidateServices(services []ServiceConfig) error {
	var errs error
	seen := make(map[string]struct{}, len(services))
	for _, s := range services {
		if err := s.Validate(); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if _, ok := seen[s.ServiceName]; ok {
			errs = multierr.Append(errs, errors.Wrapf(ErrInvalidConfig, "service %q is configured more than once", s.ServiceName))
		}
		seen[s.ServiceName] = struct{}{}
	}
	return errs
}
