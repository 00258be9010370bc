// Command flowkeeperd is the kernel's single-process entrypoint: it loads
// configuration, opens the durable store, wires every long-running loop
// (dispatcher, watchdog, scheduler, review handler, event bus) together,
// and serves until an interrupt or terminate signal arrives. Grounded on
// the teacher's own services/orchestrator/main.go: same
// logging.Init/otelinit.InitTracer/InitMetrics bootstrap sequence, the
// same signal.NotifyContext-driven run/shutdown shape, generalized from
// one HTTP-serving workflow engine into several independently ticking
// loops sharing one store handle.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/flowkeeper/kernel/internal/adapterimpl"
	"github.com/flowkeeper/kernel/internal/config"
	"github.com/flowkeeper/kernel/internal/dag"
	"github.com/flowkeeper/kernel/internal/dagrun"
	"github.com/flowkeeper/kernel/internal/dispatcher"
	"github.com/flowkeeper/kernel/internal/eventbus"
	"github.com/flowkeeper/kernel/internal/review"
	"github.com/flowkeeper/kernel/internal/scheduler"
	"github.com/flowkeeper/kernel/internal/store"
	"github.com/flowkeeper/kernel/internal/telemetry/logging"
	"github.com/flowkeeper/kernel/internal/telemetry/otelinit"
	"github.com/flowkeeper/kernel/internal/watchdog"
)

func main() {
	configPath := flag.String("config", "flowkeeper.yaml", "path to the kernel config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowkeeperd: %v\n", err)
		os.Exit(1)
	}

	seedLoggingEnv(cfg.Logging)
	logger := logging.Init(cfg.Telemetry.ServiceName)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, cfg.Telemetry.ServiceName)
	shutdownMetrics, _ := otelinit.InitMetrics(ctx, cfg.Telemetry.ServiceName)
	meter := otel.GetMeterProvider().Meter(cfg.Telemetry.ServiceName)

	db, err := store.Open(cfg.StorePath, meter)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	audit := store.NewAuditLog(db)
	tasks, err := store.NewTaskStore(db, audit, meter)
	if err != nil {
		logger.Error("failed to open task store", "error", err)
		os.Exit(1)
	}
	schedules, err := store.NewScheduleStore(db)
	if err != nil {
		logger.Error("failed to open schedule store", "error", err)
		os.Exit(1)
	}
	approvals, err := store.NewApprovalStore(db)
	if err != nil {
		logger.Error("failed to open approval store", "error", err)
		os.Exit(1)
	}
	dagDefs := store.NewDAGStore(db)

	bus := eventbus.New(connectEventBus(cfg.EventBus, logger), "", logger)
	tasks.SetEventPublisher(bus)

	reviewHandler := review.New(tasks, approvals, logger)
	reviewHandler.Attach(bus)

	adapters := buildAdapters(cfg)
	dagEngine := dag.NewEngine(1024, time.Hour)
	dagRunner := dagrun.New(dagDefs, dagEngine, adapters, logger)
	_ = dagRunner // held for future HTTP/CLI-triggered DAG runs; exercised directly by internal/dagrun's own tests

	disp := dispatcher.New(tasks, adapters, nil, dispatcherConfig(cfg.Dispatcher), meter, logger)

	wd := watchdog.New(tasks, watchdogConfig(cfg.Watchdog), meter, logger)

	sched := scheduler.New(scheduler.Config{
		Schedules:   schedules,
		Instantiate: scheduler.NewTaskInstantiator(tasks),
		Logger:      logger,
	}, meter)
	seedSchedules(schedules, cfg.Scheduler, logger)

	go disp.Run(ctx)
	go wd.Run(ctx)
	if err := sched.Start(ctx); err != nil {
		logger.Error("scheduler failed to start", "error", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	logger.Info("flowkeeperd started", "store_path", cfg.StorePath)
	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	sched.Stop()
	_ = srv.Shutdown(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	logger.Info("shutdown complete")
}

// seedLoggingEnv maps the config file's logging section onto the env vars
// telemetry/logging.Init reads, without overriding anything the operator
// already set directly in the environment.
func seedLoggingEnv(cfg config.LoggingConfig) {
	if _, set := os.LookupEnv("FLOWKEEPER_JSON_LOG"); !set && strings.EqualFold(cfg.Format, "json") {
		_ = os.Setenv("FLOWKEEPER_JSON_LOG", "true")
	}
	if _, set := os.LookupEnv("FLOWKEEPER_LOG_LEVEL"); !set && cfg.Level != "" {
		_ = os.Setenv("FLOWKEEPER_LOG_LEVEL", cfg.Level)
	}
}

func connectEventBus(cfg config.EventBusConfig, logger *slog.Logger) *nats.Conn {
	if cfg.NATSURL == "" {
		return nil
	}
	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logger.Warn("failed to connect to nats, running event bus in-process only", "url", cfg.NATSURL, "error", err)
		return nil
	}
	return nc
}

// buildAdapters always registers the shell adapter. The HTTP adapter is
// registered too when an endpoint is configured; without one there is
// nowhere for it to post to, so it is left out rather than wired against
// an empty URL.
func buildAdapters(cfg config.Config) []dispatcher.Adapter {
	adapters := []dispatcher.Adapter{
		adapterimpl.NewShellAdapter("shell", []string{"shell"}, []string{"echo", "cat", "grep", "awk", "sed", "jq", "curl", "wget", "python", "python3"}),
	}
	if cfg.Dispatcher.HTTPEndpoint != "" {
		adapters = append(adapters, adapterimpl.NewHTTPAdapter("http", []string{"http"}, cfg.Dispatcher.HTTPEndpoint, nil))
	}
	return adapters
}

func dispatcherConfig(cfg config.DispatcherConfig) dispatcher.Config {
	leaseTTL, _ := config.ParseDuration(cfg.LeaseTTL)
	poll, _ := config.ParseDuration(cfg.PollInterval)
	heartbeat, _ := config.ParseDuration(cfg.HeartbeatPeriod)
	return dispatcher.Config{
		WipLimits:       dispatcher.WipLimits(cfg.WipLimits),
		LeaseTTL:        leaseTTL,
		PollInterval:    poll,
		HeartbeatPeriod: heartbeat,
	}
}

func watchdogConfig(cfg config.WatchdogConfig) watchdog.Config {
	sweep, _ := config.ParseDuration(cfg.SweepInterval)
	grace, _ := config.ParseDuration(cfg.GracePeriod)
	return watchdog.Config{SweepInterval: sweep, GracePeriod: grace}
}

// seedSchedules upserts every configured schedule entry into the schedule
// store on boot. An entry already present keeps its persisted
// last_run_at/next_run_at and created_at (copied from the stored row
// before Put, which writes the whole record), so a restart never re-fires
// a schedule that was not yet due when the process went down.
func seedSchedules(schedules *store.ScheduleStore, entries []config.ScheduleEntry, logger *slog.Logger) {
	for _, e := range entries {
		cfg := store.ScheduleConfig{
			Name:     e.Name,
			Trigger:  e.Trigger,
			TaskType: e.TaskType,
			Backend:  e.Backend,
			Priority: e.Priority,
			Prompt:   e.Prompt,
			Enabled:  e.Enabled,
		}
		if existing, ok := schedules.Get(e.Name); ok {
			cfg.LastRunAt = existing.LastRunAt
			cfg.NextRunAt = existing.NextRunAt
			cfg.CreatedAt = existing.CreatedAt
		}
		if err := schedules.Put(cfg); err != nil {
			logger.Error("failed to seed schedule", "name", e.Name, "error", err)
		}
	}
}
