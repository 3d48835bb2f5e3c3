package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/steward/internal/assignee"
	"github.com/rendis/steward/internal/engine"
	"github.com/rendis/steward/internal/executors"
	"github.com/rendis/steward/internal/lock"
	"github.com/rendis/steward/internal/logging"
	"github.com/rendis/steward/internal/scanner"
	"github.com/rendis/steward/internal/store"
	"github.com/rendis/steward/internal/streaming"
	"github.com/rendis/steward/internal/telemetry"
	"github.com/rendis/steward/internal/validation"
)

const hubBuffer = 256

// app is the wired dependency graph shared by the commands.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     *store.LibSQLStore
	registry  *executors.Registry
	hub       *streaming.MemoryHub
	resolver  *assignee.Resolver
	validator *validation.ProcessValidator
	engine    engine.Engine
	scanner   *scanner.Scanner

	closers []func(context.Context) error
}

// newApp opens the store, applies migrations and wires every component.
// The caller must call close.
func newApp(ctx context.Context, cfg Config, logOut io.Writer) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logging.Setup(logOut, cfg.LogLevel, cfg.LogFormat)}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if cfg.OTLP {
		shutdown, terr := telemetry.Setup(ctx, "steward")
		if terr != nil {
			return nil, fmt.Errorf("telemetry: %w", terr)
		}
		a.closers = append(a.closers, shutdown)
	}

	s, err := store.NewLibSQLStore(cfg.dsn())
	if err != nil {
		return nil, err
	}
	a.store = s
	a.closers = append(a.closers, func(context.Context) error { return s.Close() })
	if err := s.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a.registry = executors.NewRegistry(executors.WithLogger(logging.WithModule(a.logger, "executors")))
	if err := executors.RegisterBuiltins(a.registry, executors.HTTPConfig{DefaultTimeout: cfg.HTTPTimeout.Std()}, a.logger); err != nil {
		return nil, err
	}
	a.logger.Debug("executors registered", slog.Any("kinds", a.registry.Kinds()))

	if a.resolver, err = assignee.NewResolver(); err != nil {
		return nil, err
	}
	if a.validator, err = validation.NewProcessValidator(a.resolver, a.registry); err != nil {
		return nil, err
	}

	locker, err := a.newLocker(ctx)
	if err != nil {
		return nil, err
	}

	a.hub = streaming.NewMemoryHub(hubBuffer)
	a.engine = engine.New(a.store, a.registry, engine.Config{
		Locker:    locker,
		Hub:       a.hub,
		Validator: a.validator,
		Logger:    logging.WithModule(a.logger, "engine"),
	})
	a.scanner = scanner.New(a.store, a.resolver, scanner.Config{
		Concurrency: cfg.ScanConcurrency,
		Hub:         a.hub,
		Logger:      logging.WithModule(a.logger, "scanner"),
	})
	return a, nil
}

// newLocker returns a RedisLocker when an address is configured, otherwise
// an in-process MemoryLocker.
func (a *app) newLocker(ctx context.Context) (lock.Locker, error) {
	if a.cfg.RedisAddr == "" {
		return lock.NewMemoryLocker(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", a.cfg.RedisAddr, err)
	}
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	return lock.NewRedisLocker(client, lock.RedisConfig{
		TTL:    a.cfg.LockTTL.Std(),
		Logger: logging.WithModule(a.logger, "lock"),
	}), nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown", slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}
