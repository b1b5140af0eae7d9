package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaystack/subrelay/internal/config"
	"github.com/relaystack/subrelay/internal/dispatcher"
	"github.com/relaystack/subrelay/internal/server"
	"github.com/relaystack/subrelay/internal/storage/sqlite"
	"github.com/relaystack/subrelay/internal/telemetry"
	"github.com/relaystack/subrelay/internal/tracker"
	"github.com/relaystack/subrelay/internal/upstream"
	"github.com/relaystack/subrelay/internal/worker"
)

// secretStore is the dispatcher.Secrets implementation backing the live
// config; reloadable reassigns the whole map under a lock rather than
// mutating it in place.
type secretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func newSecretStore(secrets map[string]string) *secretStore {
	return &secretStore{secrets: secrets}
}

func (s *secretStore) Secret(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[name]
	return v, ok
}

func (s *secretStore) replace(secrets map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets = secrets
}

// reloader re-reads the config file and atomically swaps both the
// tracker's subscription set and the dispatcher's secret map.
type reloader struct {
	path    string
	tracker *tracker.Tracker
	secrets *secretStore
}

func (r *reloader) Reload() {
	cfg, err := config.Load(r.path)
	if err != nil {
		slog.Error("config reload failed", "error", err)
		return
	}
	r.tracker.Reload(cfg.TrackerSubscriptions())
	r.secrets.replace(cfg.Secrets())
	slog.Info("config reloaded", "subscriptions", len(cfg.Subscriptions))
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting subrelay", "version", version, "host", cfg.Server.Host, "port", cfg.Server.Port)

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	httpClient := upstream.NewClient(dnsResolver, 300*time.Second)
	upstreamClient := upstream.New(httpClient)

	tr, err := tracker.New(tracker.Options{
		Subscriptions: cfg.TrackerSubscriptions(),
		CooldownBase:  time.Duration(cfg.RateLimit.CooldownSeconds) * time.Second,
		Scoring:       tracker.Weighted,
		MaxAffinity:   10000,
	})
	if err != nil {
		return err
	}
	slog.Info("tracker configured", "subscriptions", len(cfg.Subscriptions))

	secrets := newSecretStore(cfg.Secrets())

	usageRecorder := worker.NewUsageRecorder(store)

	disp := &dispatcher.Dispatcher{
		Tracker:    tr,
		Upstream:   upstreamClient,
		Secrets:    secrets,
		Usage:      usageRecorder,
		MaxRetries: 2,
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promRegistry.MustRegister(collectors.NewGoCollector())
	metrics := telemetry.NewMetrics(promRegistry)
	metricsHandler := promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})

	metricsWorker := &reportingWorker{tracker: tr, metrics: metrics, interval: 15 * time.Second}

	utilisationPoller := &worker.UtilisationPoller{
		URL:      cfg.Utilisation.PollURL,
		Interval: cfg.Utilisation.PollInterval,
		Tracker:  tr,
	}

	var reload *reloader
	if cfg.External.Enabled {
		reload = &reloader{path: configPath, tracker: tr, secrets: secrets}
	}

	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(context.Background(), cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracer = telemetry.Tracer("subrelay")
			tracingShutdown = shutdown
		}
	}

	handler := server.New(server.Deps{
		Dispatcher:     disp,
		Tracker:        tr,
		Reloader:       reloaderOrNil(reload),
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		ReadyCheck:     store.Ping,
		External: server.ExternalAccess{
			Enabled:        cfg.External.Enabled,
			Token:          cfg.External.Token,
			AllowedClients: cfg.External.AllowedClients,
		},
		AdminToken: cfg.External.Token,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	workers := []worker.Worker{usageRecorder, metricsWorker, utilisationPoller}
	runner := worker.NewRunner(workers...)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() { workerDone <- runner.Run(workerCtx) }()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("subrelay ready", "addr", srv.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		shutdownTracing(tracingShutdown)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		shutdownTracing(tracingShutdown)
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	shutdownTracing(tracingShutdown)

	slog.Info("subrelay stopped")
	return nil
}

// shutdownTracing flushes and closes the tracer provider if tracing was
// enabled; a nil shutdown func means tracing was never set up.
func shutdownTracing(shutdown func(context.Context) error) {
	if shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.Error("tracing shutdown error", "error", err)
	}
}

// reloaderOrNil returns a nil server.Reloader interface value when r is nil,
// avoiding the typed-nil-interface trap of returning (*reloader)(nil) directly.
func reloaderOrNil(r *reloader) server.Reloader {
	if r == nil {
		return nil
	}
	return r
}

