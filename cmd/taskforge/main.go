package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	tfhttp "github.com/Strob0t/taskforge/internal/adapter/http"
	"github.com/Strob0t/taskforge/internal/adapter/memory"
	tfnats "github.com/Strob0t/taskforge/internal/adapter/nats"
	"github.com/Strob0t/taskforge/internal/adapter/natskv"
	tfotel "github.com/Strob0t/taskforge/internal/adapter/otel"
	"github.com/Strob0t/taskforge/internal/adapter/postgres"
	"github.com/Strob0t/taskforge/internal/adapter/ristretto"
	"github.com/Strob0t/taskforge/internal/adapter/tiered"
	"github.com/Strob0t/taskforge/internal/config"
	"github.com/Strob0t/taskforge/internal/logger"
	"github.com/Strob0t/taskforge/internal/middleware"
	"github.com/Strob0t/taskforge/internal/port/broadcast"
	"github.com/Strob0t/taskforge/internal/port/cache"
	"github.com/Strob0t/taskforge/internal/port/database"
	"github.com/Strob0t/taskforge/internal/port/messagequeue"
	"github.com/Strob0t/taskforge/internal/resilience"
	"github.com/Strob0t/taskforge/internal/service"
	"github.com/Strob0t/taskforge/internal/strategy"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "migrate":
		err = runMigrate(args)
	case "classify":
		err = runClassify(args)
	case "help", "-h", "--help":
		printHelp()
	default:
		printHelp()
		err = fmt.Errorf("unknown command: %s", cmd)
	}
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Fprintf(os.Stderr, `Usage: taskforge <command> [options]

Commands:
  serve      Run the API server and task dispatcher (default)
  migrate    Apply, roll back or inspect database migrations
  classify   Classify task descriptions and print the verdicts
  help       Show this help message

Examples:
  taskforge serve --config /etc/taskforge.yaml
  taskforge migrate up
  taskforge migrate down --steps 1
  taskforge classify "Fix the login bug where users can't authenticate"
`)
}

// loadConfig loads path, or the default location when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFrom(path)
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML config path (default taskforge.yaml or $TASKFORGE_CONFIG)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"postgres", cfg.Postgres.DSN != "",
		"nats", cfg.NATS.URL != "",
		"providers", len(cfg.Providers),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---

	shutdownOTEL, err := tfotel.Setup(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTEL(flushCtx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()

	metrics, err := tfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---

	var checks []tfhttp.HealthCheck

	var store database.Store
	if cfg.Postgres.DSN != "" {
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		slog.Info("postgres connected")

		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		slog.Info("migrations applied")

		store = postgres.NewStore(pool)
		checks = append(checks, tfhttp.HealthCheck{Name: "postgres", Check: pool.Ping})
	} else {
		store = memory.NewStore()
		slog.Warn("no postgres dsn configured, tasks are kept in memory")
	}

	// queue and l2 stay nil interfaces without NATS.
	var (
		queue  messagequeue.Queue
		events broadcast.Publisher = broadcast.Nop{}
		l2     cache.Cache
	)
	if cfg.NATS.URL != "" {
		q, err := tfnats.Connect(ctx, cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = q.Close() }()
		slog.Info("nats connected", "stream", cfg.NATS.Stream)

		queue = q
		events = tfnats.NewEventPublisher(q)
		checks = append(checks, tfhttp.HealthCheck{Name: "nats", Check: func(context.Context) error {
			if !q.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}})

		kv, err := natskv.Open(ctx, q.JetStream(), cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
		if err != nil {
			slog.Warn("nats kv unavailable, classification cache is L1 only", "error", err)
		} else {
			l2 = kv
		}
	} else {
		slog.Warn("no nats url configured, tasks are dispatched in-process")
	}

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}
	defer l1.Close()

	// --- Classification and providers ---

	cls, clsChecks := buildClassifier(cfg)
	checks = append(checks, clsChecks...)
	cachedCls := service.NewCachingClassifier(cls,
		tiered.New(l1, l2, cfg.Cache.ClassificationTTL), cfg.Cache.ClassificationTTL)

	providers, providerChecks, err := buildProviders(cfg)
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}
	checks = append(checks, providerChecks...)
	slog.Info("providers registered", "names", providers.Names())

	caller := strategy.NewCaller(providers,
		resilience.NewLimiter(cfg.Strategies.MaxConcurrentCalls),
		strategy.RetryPolicy(cfg.Strategies),
		metrics)
	strategies, err := strategy.Build(cfg.Strategies, caller)
	if err != nil {
		return fmt.Errorf("strategies: %w", err)
	}

	// --- Services ---

	notifiers, err := buildNotifiers(cfg.Notify)
	if err != nil {
		return fmt.Errorf("notifiers: %w", err)
	}
	if len(notifiers) > 0 {
		notifying := service.NewNotifyingPublisher(events, notifiers, cfg.Notify.Timeout)
		defer notifying.Wait()
		events = notifying
		slog.Info("task notifications enabled", "channels", len(notifiers))
	}

	orch := service.NewOrchestratorService(store, events, cachedCls, strategies, cfg.Orchestrator, metrics)
	dispatcher := service.NewDispatcherService(orch, queue, cfg.Orchestrator.MaxConcurrentTasks)

	// Running tasks outlive the signal context so shutdown can let them finish.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	if err := dispatcher.Start(workCtx); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}

	taskSvc := service.NewTaskService(store, events, dispatcher)

	// --- HTTP ---

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
	defer stopCleanup()

	r := chi.NewRouter()
	r.Use(tfotel.HTTPMiddleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID)
	r.Use(tfhttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(tfhttp.SecurityHeaders)
	r.Use(tfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(limiter.Handler)

	tfhttp.MountRoutes(r, &tfhttp.Handlers{Tasks: taskSvc, Checks: checks})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			slog.Error("server failed", "error", err)
		}
	}
	slog.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	drainDispatcher(shutdownCtx, dispatcher, cancelWork)
	return nil
}

// drainDispatcher waits for in-flight tasks until ctx expires, then cancels
// them and waits for the cancellation to be recorded.
func drainDispatcher(ctx context.Context, d *service.DispatcherService, cancelWork context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("dispatcher drained")
	case <-ctx.Done():
		slog.Warn("shutdown timeout reached, cancelling running tasks")
		cancelWork()
		<-done
	}
}
