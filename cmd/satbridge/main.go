// Package main implements the entry point for satbridge, which polls the
// satellite telemetry stream and publishes each batch to the configured
// sinks.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/satbridge/config"
	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/health"
	"github.com/c360/satbridge/metric"
	"github.com/c360/satbridge/output"
	"github.com/c360/satbridge/output/clickhouse"
	"github.com/c360/satbridge/output/influxdb"
	"github.com/c360/satbridge/output/natsstream"
	"github.com/c360/satbridge/output/promsurface"
	"github.com/c360/satbridge/pipeline"
	"github.com/c360/satbridge/pkg/retry"
	"github.com/c360/satbridge/pkg/tlsutil"
	"github.com/c360/satbridge/processor/normalizer"
	"github.com/c360/satbridge/schema"
	"github.com/c360/satbridge/spool"
	"github.com/c360/satbridge/upstream"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "satbridge"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowHelp {
		return nil
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		logger.Info("Configuration is valid", "sinks", cfg.Sinks.Count())
		return nil
	}

	logger.Info("Starting satbridge",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"account", cfg.Upstream.Account)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := newBridge(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return b.run(ctx, cliCfg.ShutdownTimeout)
}

// loadConfig loads and validates configuration from the specified file path
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	loader.AddLayer(path)
	loader.EnableValidation(true)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// bridge owns every long-lived component of a running process.
type bridge struct {
	pipeline *pipeline.Pipeline
	sinks    *output.Set
	spool    spool.Spool
	server   *metric.Server
	logger   *slog.Logger
}

func newBridge(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*bridge, error) {
	registry := metric.NewMetricsRegistry()
	metrics := registry.CoreMetrics()
	monitor := health.NewMonitor()

	tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}

	tokens := upstream.NewTokenProvider(
		cfg.Upstream.ClientID,
		cfg.Upstream.ClientSecret,
		cfg.Upstream.TokenURL,
		tlsutil.HTTPClient(tlsConfig, cfg.Upstream.RequestTimeout),
		logger,
	)
	consumer := upstream.NewStreamConsumer(upstream.StreamConfig{
		URL:                  cfg.Upstream.StreamURL,
		Account:              cfg.Upstream.Account,
		RequestTimeout:       cfg.Upstream.RequestTimeout,
		IgnoreDeviceTypes:    cfg.Upstream.IgnoreDeviceTypes,
		AllocationDeviceType: cfg.Upstream.AllocationDeviceType,
	}, tokens, tlsutil.HTTPClient(tlsConfig, 0), logger)

	resolver := schema.NewResolver(logger)
	norm := normalizer.New(resolver, metrics, logger)

	if err := registry.RegisterCounterFunc("upstream", "token_exchanges_total",
		"Successful credential exchanges", func() float64 { return float64(tokens.Exchanges()) }); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterFunc("schema", "resolutions_total",
		"Device schemas built from stream metadata", func() float64 { return float64(resolver.Resolutions()) }); err != nil {
		return nil, err
	}

	sinks, surface, err := buildSinks(cfg.Sinks, tlsConfig, logger)
	if err != nil {
		return nil, err
	}
	set := output.NewSet(sinks, monitor, metrics, logger)
	if err := set.Start(ctx); err != nil {
		_ = set.Close()
		return nil, err
	}

	sp, err := spool.Open(ctx, cfg.Spool, logger)
	if err != nil {
		_ = set.Close()
		return nil, err
	}

	p := pipeline.New(pipeline.Config{
		BatchSize:        cfg.Upstream.BatchSize,
		MaxLinger:        cfg.Upstream.MaxLinger,
		PollRetry:        cfg.Pipeline.PollRetry.Apply(retry.Poll()),
		PublishRetry:     cfg.Pipeline.PublishRetry.Apply(retry.Publish()),
		HaltAction:       cfg.Pipeline.HaltAction,
		MinCycleInterval: cfg.Pipeline.MinCycleInterval,
	}, consumer, norm, set,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics),
		pipeline.WithMonitor(monitor),
		pipeline.WithSpool(sp),
	)

	b := &bridge{pipeline: p, sinks: set, spool: sp, logger: logger}

	if cfg.Server.Port > 0 {
		var extra []prometheus.Gatherer
		if surface != nil {
			extra = append(extra, surface.Gatherer())
		}
		b.server = metric.NewServer(cfg.Server.Port, cfg.Server.Path, registry, extra...)
		b.server.SetHealth(func() health.Status { return monitor.AggregateHealth(appName) })
		p.RegisterHTTPHandlers(b.server.Handle)
	} else if surface != nil {
		logger.Warn("Prometheus sink enabled without server.port; device metrics will not be served")
	}

	return b, nil
}

// buildSinks creates the enabled sinks in a fixed order. The Prometheus
// surface is also returned so its registry can be served.
func buildSinks(cfg config.SinksConfig, tlsConfig *tls.Config, logger *slog.Logger) ([]output.Publisher, *promsurface.Surface, error) {
	var (
		sinks   []output.Publisher
		surface *promsurface.Surface
		client  *http.Client
		natsOpt []nats.Option
	)
	if tlsConfig != nil {
		// Sinks set their own per-request deadlines.
		client = tlsutil.HTTPClient(tlsConfig, 0)
		natsOpt = append(natsOpt, nats.Secure(tlsConfig))
	}
	closeAll := func() {
		_ = output.NewSet(sinks, nil, nil, logger).Close()
	}

	if cfg.ClickHouse != nil {
		sink, err := clickhouse.New(*cfg.ClickHouse, client, logger)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.InfluxDB != nil {
		sink, err := influxdb.New(*cfg.InfluxDB, client, logger)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.NATS != nil {
		sink, err := natsstream.Connect(*cfg.NATS, logger, natsOpt...)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.Prometheus.Enabled {
		s, err := promsurface.New(cfg.Prometheus, logger)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		surface = s
		sinks = append(sinks, s)
	}

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	logger.Info("Sinks configured", "sinks", names)
	return sinks, surface, nil
}

// run drives the pipeline until ctx is cancelled or it fails, then shuts
// everything down within shutdownTimeout.
func (b *bridge) run(ctx context.Context, shutdownTimeout time.Duration) error {
	serverErr := make(chan error, 1)
	if b.server != nil {
		go func() { serverErr <- b.server.Start() }()
		b.logger.Info("Serving metrics and operator endpoints", "address", b.server.Address())
	}

	done := make(chan error, 1)
	go func() { done <- b.pipeline.Run(ctx) }()

	var runErr error
wait:
	for {
		select {
		case runErr = <-done:
			break wait
		case err := <-serverErr:
			// The pipeline keeps running without its HTTP surface.
			if err != nil {
				b.logger.Error("Metrics server failed", "error", err)
			}
			serverErr = nil
		case <-ctx.Done():
			b.logger.Info("Received shutdown signal", "timeout", shutdownTimeout)
			select {
			case runErr = <-done:
			case <-time.After(shutdownTimeout):
				runErr = errors.WrapFatal(context.DeadlineExceeded, "bridge", "run", "wait for pipeline shutdown")
			}
			break wait
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if b.server != nil {
		if err := b.server.Stop(shutdownCtx); err != nil {
			b.logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}
	if err := b.sinks.Close(); err != nil {
		b.logger.Warn("Closing sinks failed", "error", err)
	}
	if err := b.spool.Close(); err != nil {
		b.logger.Warn("Closing spool failed", "error", err)
	}

	if runErr != nil {
		return runErr
	}
	b.logger.Info("satbridge shutdown complete", "batches_published", b.pipeline.Snapshot().Published)
	return nil
}
