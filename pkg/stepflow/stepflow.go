package stepflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/RealZimboGuy/stepflow/internal/config"
	"github.com/RealZimboGuy/stepflow/internal/controllers"
	"github.com/RealZimboGuy/stepflow/internal/engine"
	"github.com/RealZimboGuy/stepflow/internal/notify"
	"github.com/RealZimboGuy/stepflow/internal/queue"
	"github.com/RealZimboGuy/stepflow/internal/repository"
	"github.com/RealZimboGuy/stepflow/pkg/stepflow/core"
	"github.com/RealZimboGuy/stepflow/pkg/stepflow/models"
)

const shutdownTimeout = 10 * time.Second

// App holds a fully wired step processing engine.
type App struct {
	DB        *sql.DB
	Queue     engine.WorkQueue
	Hub       *notify.Hub
	Sequencer *engine.Sequencer
	Repair    *engine.RepairService
	Mux       *http.ServeMux

	clock       core.Clock
	workers     int
	redisClient *redis.Client
}

// New opens the database, runs migrations and wires the stores, queue, notifier and
// sequencer. Routes are registered on mux, a fresh one is created when mux is nil.
func New(ctx context.Context, registry *core.HandlerRegistry, clock core.Clock, mux *http.ServeMux) (*App, error) {
	if registry == nil {
		return nil, errors.New("stepflow: a handler registry is required")
	}
	if clock == nil {
		clock = core.NewRealClock()
	}
	if mux == nil {
		mux = http.NewServeMux()
	}

	db, err := OpenDatabase()
	if err != nil {
		return nil, err
	}
	app := &App{
		DB:      db,
		Hub:     notify.NewHub(),
		Mux:     mux,
		clock:   clock,
		workers: config.GetSystemSettingInteger(config.ENGINE_EXECUTOR_SIZE),
	}
	if err := app.setupQueue(ctx); err != nil {
		app.Close()
		return nil, err
	}

	stepTimeout := config.GetSystemSettingDuration(config.ENGINE_STEP_TIMEOUT, engine.DefaultStepTimeout)
	app.Sequencer = engine.NewSequencer(
		repository.NewStepRepository(db),
		repository.NewJobRepository(db),
		app.Queue,
		app.Hub,
		registry,
		clock,
		stepTimeout,
	)

	abandonedAfter := config.GetSystemSettingDuration(config.ENGINE_REPAIR_ABANDONED_AFTER, 30*time.Minute)
	if abandonedAfter <= stepTimeout {
		// a running handler must never be failed underneath itself
		slog.Warn("Repair abandoned-after is not longer than the step timeout, raising it",
			"abandoned_after", abandonedAfter.String(), "step_timeout", stepTimeout.String())
		abandonedAfter = 2 * stepTimeout
	}
	app.Repair = engine.NewRepairService(
		app.Sequencer,
		config.GetSystemSettingDuration(config.ENGINE_REPAIR_INTERVAL, time.Minute),
		config.GetSystemSettingDuration(config.ENGINE_REPAIR_STALE_AFTER, 5*time.Minute),
		abandonedAfter,
	)

	sequenceController := controllers.NewSequenceController(app.Sequencer, registry, config.GetSystemSettingString(config.API_KEY_HASH))
	sequenceController.RegisterRoutes(mux)
	sequenceController.RegisterNotificationRoutes(mux, app.Hub)

	slog.InfoContext(ctx, "Step engine ready", "step_types", registry.Types(), "workers", app.workers)
	return app, nil
}

func (a *App) setupQueue(ctx context.Context) error {
	switch queueType := strings.ToUpper(config.GetSystemSettingString(config.QUEUE_TYPE)); queueType {
	case "", config.QUEUE_TYPE_MEMORY:
		size := config.GetSystemSettingInteger(config.ENGINE_QUEUE_SIZE)
		slog.InfoContext(ctx, "Using in-memory step queue", "size", size)
		a.Queue = queue.NewMemoryQueue(size)
	case config.QUEUE_TYPE_REDIS:
		addr := config.GetSystemSettingString(config.REDIS_ADDR)
		slog.InfoContext(ctx, "Using Redis step queue", "addr", addr)
		client, err := queue.DialRedis(ctx, addr,
			config.GetSystemSettingString(config.REDIS_PASSWORD),
			config.GetSystemSettingInteger(config.REDIS_DB))
		if err != nil {
			return err
		}
		a.redisClient = client
		a.Queue = queue.NewRedisQueue(client, models.StepQueueName)
	default:
		return fmt.Errorf("%s_%s must be MEMORY or REDIS, got %q", config.ENV_PREFIX, config.QUEUE_TYPE, queueType)
	}
	return nil
}

// RunEngine runs the workers and the repair service until ctx is cancelled.
func (a *App) RunEngine(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.RunWorkers(ctx, a.workers, a.Queue, a.Sequencer, a.clock)
	})
	g.Go(func() error {
		a.Repair.Run(ctx)
		return nil
	})
	return g.Wait()
}

// Run starts the engine and serves HTTP on addr, blocking until ctx is cancelled or the
// server fails.
func (a *App) Run(ctx context.Context, addr string) error {
	server := &http.Server{Addr: addr, Handler: a.Mux, ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.RunEngine(ctx) })
	g.Go(func() error {
		slog.InfoContext(ctx, "Starting HTTP server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "HTTP server failed", "error", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("Shutting down HTTP server")
		a.Hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases the database and queue connections.
func (a *App) Close() {
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			slog.Error("Failed to close redis client", "error", err)
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			slog.Error("Failed to close database", "error", err)
		}
	}
}

// Start boots the step engine with the handlers in registry and serves HTTP.
// This call blocks until ctx is cancelled or the HTTP server stops.
func Start(ctx context.Context, registry *core.HandlerRegistry, mux *http.ServeMux) error {
	app, err := New(ctx, registry, core.NewRealClock(), mux)
	if err != nil {
		return err
	}
	defer app.Close()

	addr := ":" + config.GetSystemSettingString(config.ENGINE_SERVER_WEB_PORT)
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		addr = v
	}
	return app.Run(ctx, addr)
}

// Migrate applies the schema migrations without starting the engine.
func Migrate() error {
	db, err := OpenDatabase()
	if err != nil {
		return err
	}
	return db.Close()
}

func SetupLogger() {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(config.GetSystemSettingString(config.LOG_LEVEL))); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339Nano,
		}),
	))
}
