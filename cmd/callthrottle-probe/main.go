// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"github.com/grafana/callthrottle/pkg/ratelimit"
	"github.com/grafana/callthrottle/pkg/ratelimit/statsexport"
	"github.com/grafana/callthrottle/pkg/util/instrumentation"
	util_log "github.com/grafana/callthrottle/pkg/util/log"
)

type config struct {
	targetURL      string
	serviceName    string
	duration       time.Duration
	offeredRate    float64
	workers        int
	requestTimeout time.Duration
	listenAddress  string

	log         util_log.Config
	rateLimits  ratelimit.Config
	statsExport statsexport.Config
}

func (c *config) registerFlags(f *flag.FlagSet) {
	f.StringVar(&c.targetURL, "target", "", "URL the synthetic load is sent to.")
	f.StringVar(&c.serviceName, "service", "", "Rate limited service the target belongs to. Defaults to the target host.")
	f.DurationVar(&c.duration, "duration", 30*time.Second, "How long the load is generated for.")
	f.Float64Var(&c.offeredRate, "offered-rate", 10, "Requests per second offered to the rate limiter, before throttling.")
	f.IntVar(&c.workers, "workers", 4, "Number of concurrent workers sending requests.")
	f.DurationVar(&c.requestTimeout, "request-timeout", 10*time.Second, "Timeout of each request, including the time spent waiting for the rate limiter.")
	f.StringVar(&c.listenAddress, "server.listen-address", ":9900", "Address the /metrics and /ratelimits endpoints are served on. Empty disables the server.")

	c.log.RegisterFlags(f)
	c.rateLimits.RegisterFlags(f)
	c.statsExport.RegisterFlagsWithPrefix("ratelimit.stats-export.", f)
}

func (c *config) validate() error {
	var errs error
	if c.targetURL == "" {
		errs = multierr.Append(errs, errors.New("target is required"))
	}
	if c.duration <= 0 {
		errs = multierr.Append(errs, errors.New("duration must be positive"))
	}
	if c.offeredRate <= 0 {
		errs = multierr.Append(errs, errors.New("offered-rate must be positive"))
	}
	if c.workers < 1 {
		errs = multierr.Append(errs, errors.New("workers must be positive"))
	}
	errs = multierr.Append(errs, c.rateLimits.Validate())
	errs = multierr.Append(errs, errors.Wrap(c.statsExport.Validate(), "invalid stats export configuration"))
	return errs
}

func main() {
	// Clean up all flags registered via init() methods of 3rd-party libraries.
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	cfg := config{}
	cfg.registerFlags(flag.CommandLine)
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), os.Args[0], "drives a synthetic load against a target through the outbound rate limiters and reports how it was throttled.")
		fmt.Fprintln(flag.CommandLine.Output(), "Flags:")
		flag.PrintDefaults()
	}

	// Parse CLI arguments.
	if err := flagext.ParseFlagsWithoutArguments(flag.CommandLine); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	logger := util_log.NewLogger(cfg.log, os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		level.Error(logger).Log("msg", "probe failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, logger log.Logger) (returnErr error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry, err := ratelimit.NewRegistry(cfg.rateLimits, logger, reg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		returnErr = multierr.Append(returnErr, registry.Close(closeCtx))
	}()

	if cfg.rateLimits.ServicesFile != "" {
		serviceConfigs, err := ratelimit.LoadServicesFile(cfg.rateLimits.ServicesFile)
		if err != nil {
			return err
		}
		if err := registry.ApplyServices(serviceConfigs); err != nil {
			return err
		}
	}

	if cfg.listenAddress != "" {
		srv := instrumentation.NewServer(cfg.listenAddress, reg, logger)
		ratelimit.RegisterRoutes(srv.Router(), registry, logger)
		if err := srv.Start(); err != nil {
			return errors.Wrap(err, "start instrumentation server")
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			returnErr = multierr.Append(returnErr, srv.Stop(stopCtx))
		}()
	}

	if cfg.statsExport.Enabled {
		client := statsexport.NewRedisClient(cfg.statsExport)
		defer client.Close()

		if err := client.Ping(ctx).Err(); err != nil {
			level.Warn(logger).Log("msg", "redis isn't reachable, rate limits state exports will fail until it is", "addr", cfg.statsExport.RedisAddress, "err", err)
		}

		exporter := statsexport.NewExporter(cfg.statsExport, registry, client, logger, reg)
		if err := services.StartAndAwaitRunning(ctx, exporter); err != nil {
			return errors.Wrap(err, "start rate limits stats exporter")
		}
		defer func() {
			returnErr = multierr.Append(returnErr, services.StopAndAwaitTerminated(context.Background(), exporter))
		}()
	}

	serviceName := ratelimit.HostServiceName
	if cfg.serviceName != "" {
		serviceName = func(*http.Request) string { return cfg.serviceName }
	}
	client := &http.Client{
		Transport: ratelimit.NewRoundTripper(instrumentation.TracerTransport{}, registry, serviceName),
		Timeout:   cfg.requestTimeout,
	}

	req, err := http.NewRequest(http.MethodGet, cfg.targetURL, nil)
	if err != nil {
		return errors.Wrap(err, "invalid target")
	}
	service := serviceName(req)

	level.Info(logger).Log("msg", "starting load", "target", cfg.targetURL, "service", service, "offered_rate", cfg.offeredRate, "workers", cfg.workers, "duration", cfg.duration)

	loadCtx, loadCancel := context.WithTimeout(ctx, cfg.duration)
	defer loadCancel()

	result, err := newLoadGenerator(client, cfg.targetURL, cfg.offeredRate, cfg.workers, logger, reg).run(loadCtx)
	if err != nil {
		return err
	}

	printSummary(os.Stdout, service, result, registry)
	return nil
}
