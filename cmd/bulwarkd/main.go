// Command bulwarkd runs the integrity-monitoring daemon: it protects the
// configured regions, scans them in the background, and records tamper
// events in a local journal.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bulwark-sdk/bulwark/internal/shared"
	"github.com/bulwark-sdk/bulwark/pkg/config"
	"github.com/bulwark-sdk/bulwark/pkg/journal"
	"github.com/bulwark-sdk/bulwark/pkg/monitor"
	"github.com/bulwark-sdk/bulwark/pkg/probe"
	"github.com/bulwark-sdk/bulwark/pkg/version"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to the YAML configuration file")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("bulwarkd %s\n", version.String())
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	level.Info(logger).Log("msg", "starting bulwarkd", "version", version.Version,
		"host", shared.GetHostname(), "user", shared.GetUsername(), "uid", shared.GetUID())

	// Environment probes: a debugger or a rooted system weakens every
	// guarantee the scanner makes, so report them up front.
	if probe.DebuggerAttached() {
		level.Warn(logger).Log("msg", "debugger attached to this process")
	}
	if artifacts := probe.RootArtifacts(); len(artifacts) > 0 {
		level.Warn(logger).Log("msg", "root artifacts present", "count", len(artifacts))
	}

	jnl, err := journal.Open(cfg.JournalPath, logger)
	if err != nil {
		level.Error(logger).Log("msg", "cannot open tamper journal", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	mon := monitor.New(monitor.Options{RegionSize: cfg.RegionSize}, logger, reg)
	mon.SetTamperCallback(jnl.OnTamperingDetected)
	mon.StartMonitoring()

	for _, id := range cfg.CriticalRegions {
		mon.AddCriticalRegion(id)
	}

	// Wire up signal-driven graceful shutdown.
	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	triggerShutdown := func() {
		shutdownOnce.Do(func() { close(shutdownCh) })
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		signal.Stop(sigCh)
		triggerShutdown()
	}()

	go protectLoop(mon, cfg, logger, shutdownCh)

	mon.StartPeriodic(cfg.ScanInterval)
	if cfg.WatchFiles {
		if err := mon.StartWatch(); err != nil {
			level.Warn(logger).Log("msg", "file watch unavailable", "err", err)
		}
	}
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, reg, logger)
	}

	go statusLoop(mon, jnl, cfg, logger, shutdownCh)

	<-shutdownCh
	level.Info(logger).Log("msg", "shutting down")
	mon.Close()
	if err := jnl.Close(); err != nil {
		level.Warn(logger).Log("msg", "closing tamper journal", "err", err)
	}
	level.Info(logger).Log("msg", "stopped")
}

// newLogger builds the process logger filtered to the configured level.
func newLogger(lvl string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	var opt level.Option
	switch lvl {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}
	logger = level.NewFilter(logger, opt)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

// protectLoop drives the critical set toward full protection, backing
// off between attempts. Regions whose backing files appear late (for
// example on slow-mounting filesystems) get picked up by a retry.
func protectLoop(mon *monitor.Monitor, cfg config.Config, logger log.Logger, shutdownCh <-chan struct{}) {
	want := len(cfg.CriticalRegions)
	if want == 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-shutdownCh
		cancel()
	}()

	attempt := func() error {
		if got := mon.ProtectCriticalRegions(); got < want {
			return fmt.Errorf("%d of %d critical regions protected", got, want)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	err := backoff.Retry(attempt, backoff.WithMaxRetries(
		backoff.WithContext(bo, ctx), uint64(cfg.ProtectRetries)))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		level.Warn(logger).Log("msg", "critical regions remain unprotected", "err", err)
		return
	}
	level.Info(logger).Log("msg", "all critical regions protected", "count", want)
}

// statusLoop periodically logs a monitoring summary. It runs at a
// multiple of the scan interval with light jitter so summaries do not
// align with scan passes.
func statusLoop(mon *monitor.Monitor, jnl *journal.Journal, cfg config.Config, logger log.Logger, shutdownCh <-chan struct{}) {
	interval := 10 * cfg.ScanInterval
	for {
		shared.SleepWithShutdown(interval, 0.1, shutdownCh)
		select {
		case <-shutdownCh:
			return
		default:
		}

		protected := mon.ListProtectedRegions()
		events, err := jnl.Recent(context.Background(), 1)
		if err != nil {
			level.Warn(logger).Log("msg", "cannot read tamper journal", "err", err)
			continue
		}
		kv := []interface{}{"msg", "monitoring status", "protected", len(protected)}
		if len(events) > 0 {
			kv = append(kv, "last_event_region", events[0].Region, "last_event_at", events[0].DetectedAt.Format(time.RFC3339))
		}
		level.Info(logger).Log(kv...)
	}
}

// serveMetrics exposes the Prometheus registry over HTTP.
func serveMetrics(addr string, reg *prometheus.Registry, logger log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	level.Info(logger).Log("msg", "serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		level.Error(logger).Log("msg", "metrics server failed", "err", err)
	}
}
