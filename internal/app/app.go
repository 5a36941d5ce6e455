package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/imagegen/server/internal/infra/config"
)

const defaultShutdownTimeout = 30 * time.Second

// App owns the HTTP server and the background workers.
type App struct {
	deps    *Dependencies
	cleanup func()
	router  *gin.Engine
	server  *http.Server
	logger  *zap.Logger
}

// New creates a new application instance.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	deps, cleanup, err := InitializeDependencies(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init dependencies: %w", err)
	}

	router := NewRouter(deps)
	return &App{
		deps:    deps,
		cleanup: cleanup,
		router:  router,
		server: &http.Server{
			Addr:         cfg.Server.Address,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
		logger: deps.Logger,
	}, nil
}

// Router returns the HTTP router.
func (a *App) Router() *gin.Engine {
	return a.router
}

// Dependencies returns the wired dependencies.
func (a *App) Dependencies() *Dependencies {
	return a.deps
}

// Run resumes unfinished tasks, starts the cron jobs and serves HTTP until
// ctx is canceled, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	if err := a.deps.Orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	a.deps.Scheduler.Start()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("http server listening", zap.String("address", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

func (a *App) shutdown() error {
	timeout := a.deps.Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.logger.Info("shutting down")

	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
	}
	if err := a.deps.Scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler stop: %w", err))
	}
	a.deps.Orchestrator.Stop()
	return errors.Join(errs...)
}

// Close releases the database pool and other resources.
func (a *App) Close() {
	if a.deps.Redis != nil {
		if err := a.deps.Redis.Close(); err != nil {
			a.logger.Warn("close redis", zap.Error(err))
		}
	}
	a.cleanup()
	_ = a.logger.Sync()
}
