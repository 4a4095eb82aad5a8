// Package app wires the data-access core into a runnable host process.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"datacore/internal/config"
	"datacore/internal/events"
	"datacore/internal/mainthread"
	"datacore/internal/platform/logger"
	"datacore/internal/platform/metrics"
	"datacore/internal/platform/scheduler"
	"datacore/internal/registry"

	// Dialects register themselves on import.
	_ "datacore/internal/platform/mssql"
	_ "datacore/internal/platform/mysql"
	_ "datacore/internal/platform/pg"
	_ "datacore/internal/platform/sqlite"
)

// shutdownTimeout bounds draining every data source on exit.
const shutdownTimeout = 30 * time.Second

// App wires application components.
type App struct {
	cfg   config.Config
	log   *slog.Logger
	queue *mainthread.Queue

	// unhealthy is owned by the main loop goroutine.
	unhealthy map[string]bool
}

// New creates a new App instance and loads configuration.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Options{
		Env:          cfg.Env,
		ConsoleLevel: cfg.Log.ConsoleLevel,
		FileLevel:    cfg.Log.FileLevel,
		File:         cfg.Log.File,
		App:          "datacore",
	})
	return &App{cfg: cfg, log: log, queue: mainthread.New(), unhealthy: make(map[string]bool)}, nil
}

// Run starts the data sources, the HTTP listener and the main loop, and
// blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	defer func() { _ = logger.Close(a.log) }()
	a.log.Info("starting", slog.Int("datasources", len(a.cfg.DataSources)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	ev, err := metrics.NewEvents(promReg)
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Config{Logger: a.log, Hooks: ev.Hooks()})
	sched.Start()

	reg := registry.New(
		registry.WithSink(events.Fanout(events.NewSlogSink(a.log), ev.Sink())),
		registry.WithScheduler(sched),
	)
	promReg.MustRegister(metrics.NewCollector(reg))

	a.startDataSources(ctx, reg)

	if _, err := sched.Add(scheduler.Job{
		Name:    "health-probe",
		Spec:    "@every 1m",
		Timeout: 30 * time.Second,
		Overlap: scheduler.SkipIfRunning,
		Run: func(ctx context.Context) error {
			report := reg.Healthy(ctx)
			a.queue.Post(func() { a.recordHealth(report) })
			return nil
		},
	}); err != nil {
		return err
	}

	var srv *http.Server
	if a.cfg.HTTP.Addr != "" {
		srv = &http.Server{Addr: a.cfg.HTTP.Addr, Handler: newRouter(reg, promReg), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("server", slog.Any("err", err))
			}
		}()
	}

	a.mainLoop(ctx)
	a.log.Info("stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	err = reg.Close(shutdownCtx)
	if err != nil {
		a.log.Warn("data sources closed with errors", slog.Any("err", err))
	}
	_ = sched.Stop(shutdownCtx)
	a.queue.Close()
	a.queue.Drain(0)
	return err
}

// mainLoop is the host main thread: it drains callbacks posted by workers
// once per tick.
func (a *App) mainLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second / time.Duration(a.cfg.TickRate))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.queue.Drain(0)
		}
	}
}

// recordHealth logs health transitions. Runs on the main loop.
func (a *App) recordHealth(report map[string]error) {
	for name, err := range report {
		switch {
		case err != nil && !a.unhealthy[name]:
			a.unhealthy[name] = true
			a.log.Warn("data source unhealthy", slog.String("datasource", name), slog.Any("err", err))
		case err == nil && a.unhealthy[name]:
			delete(a.unhealthy, name)
			a.log.Info("data source recovered", slog.String("datasource", name))
		}
	}
}
