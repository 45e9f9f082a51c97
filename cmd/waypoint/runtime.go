package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	charmLog "github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hylla/waypoint/internal/adapters/lease/redislease"
	"github.com/hylla/waypoint/internal/adapters/notify/amqpfeed"
	"github.com/hylla/waypoint/internal/adapters/notify/redisfeed"
	"github.com/hylla/waypoint/internal/adapters/server/common"
	"github.com/hylla/waypoint/internal/adapters/storage/memory"
	"github.com/hylla/waypoint/internal/adapters/storage/postgres"
	"github.com/hylla/waypoint/internal/adapters/storage/sqlite"
	"github.com/hylla/waypoint/internal/app"
	"github.com/hylla/waypoint/internal/config"
	"github.com/hylla/waypoint/internal/telemetry"
)

// storeBackend is what every database backend offers beyond the gateway and lease ports.
type storeBackend interface {
	app.Gateway
	app.LeaseStore
}

// runtimeEnv is one command's fully wired process state.
type runtimeEnv struct {
	cfg      config.Config
	logger   *runtimeLogger
	service  *app.Service
	projects *common.AppServiceAdapter
	registry *prometheus.Registry
	probes   []func(context.Context) error
	closers  []func() error
}

// open resolves config, logging, and backends for one command.
func (c *cli) open(ctx context.Context, command string) (*runtimeEnv, error) {
	paths, err := c.paths()
	if err != nil {
		return nil, err
	}
	configPath := c.resolveConfigPath(paths)
	dbPath := c.resolveDBPath(paths)

	cfg, err := config.Load(configPath, config.Default(dbPath))
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", configPath, err)
	}
	if strings.TrimSpace(c.flags.dbPath) != "" {
		cfg.Database.Path = dbPath
	}

	logger, err := newRuntimeLogger(c.stderr, paths.AppName, c.flags.devMode, cfg.Logging, time.Now)
	if err != nil {
		return nil, fmt.Errorf("configure runtime logger: %w", err)
	}
	charmLog.SetDefault(logger.Console())

	env := &runtimeEnv{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	env.closers = append(env.closers, logger.Close)

	logger.Info("startup configuration resolved", "app", paths.AppName, "dev_mode", c.flags.devMode, "command", command)
	logger.Debug("runtime paths resolved", "config_path", configPath, "data_dir", paths.DataDir, "db_path", cfg.Database.Path)
	if devPath := logger.DevLogPath(); devPath != "" {
		logger.Info("dev file logging enabled", "path", devPath)
	}

	if err := env.wire(ctx); err != nil {
		_ = env.Close()
		return nil, err
	}
	return env, nil
}

// wire opens the configured backends and builds the service.
func (e *runtimeEnv) wire(ctx context.Context) error {
	store, err := e.openStore(ctx)
	if err != nil {
		return err
	}
	ttl, err := e.cfg.LeaseTTL()
	if err != nil {
		return err
	}
	interval, err := e.cfg.AutosaveInterval()
	if err != nil {
		return err
	}

	var leases app.LeaseStore = store
	var leaseRedis, feedRedis *redis.Client
	if e.cfg.Lease.Backend == config.BackendRedis {
		leaseRedis = e.redisClient(e.cfg.Lease.RedisAddr)
		leases = redislease.New(leaseRedis, ttl)
		e.logger.Info("redis lease store ready", "addr", e.cfg.Lease.RedisAddr)
	}

	var feed app.ChangeFeed
	switch e.cfg.Notify.Backend {
	case config.BackendRedis:
		if leaseRedis != nil && e.cfg.Notify.RedisAddr == e.cfg.Lease.RedisAddr {
			feedRedis = leaseRedis
		} else {
			feedRedis = e.redisClient(e.cfg.Notify.RedisAddr)
		}
		feed = redisfeed.New(feedRedis)
		e.logger.Info("redis change feed ready", "addr", e.cfg.Notify.RedisAddr)
	case config.BackendAMQP:
		amqp, err := amqpfeed.Dial(e.cfg.Notify.AMQPURL, e.cfg.Notify.AMQPExchange)
		if err != nil {
			e.logger.Error("amqp connect failed", "err", err)
			return fmt.Errorf("open amqp change feed: %w", err)
		}
		e.closers = append(e.closers, amqp.Close)
		feed = amqp
		e.logger.Info("amqp change feed ready", "exchange", e.cfg.Notify.AMQPExchange)
	default:
		feed = app.NewNotifier(e.cfg.Notify.Buffer)
	}

	e.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	e.service = app.NewService(store, leases, feed, uuid.NewString, time.Now, app.ServiceConfig{
		LeaseTTL:         ttl,
		AutosaveInterval: interval,
		Metrics:          telemetry.New(e.registry),
	})
	e.projects = common.NewAppServiceAdapter(e.service)
	e.logger.Debug("application service initialized", "lease_ttl", ttl, "autosave_interval", interval)
	return nil
}

// openStore opens the database backend named in config.
func (e *runtimeEnv) openStore(ctx context.Context) (storeBackend, error) {
	switch e.cfg.Database.Backend {
	case config.BackendMemory:
		e.logger.Warn("memory backend selected; projects are lost on exit")
		return memory.New(), nil
	case config.BackendPostgres:
		e.logger.Info("opening postgres repository")
		repo, err := postgres.Open(ctx, e.cfg.Database.PostgresDSN)
		if err != nil {
			e.logger.Error("postgres open failed", "err", err)
			return nil, fmt.Errorf("open postgres repository: %w", err)
		}
		e.closers = append(e.closers, repo.Close)
		e.probes = append(e.probes, repo.Ping)
		e.logger.Info("postgres repository ready", "migrations", "ensured")
		return repo, nil
	default:
		e.logger.Info("opening sqlite repository", "db_path", e.cfg.Database.Path)
		repo, err := sqlite.Open(e.cfg.Database.Path)
		if err != nil {
			e.logger.Error("sqlite open failed", "db_path", e.cfg.Database.Path, "err", err)
			return nil, fmt.Errorf("open sqlite repository: %w", err)
		}
		e.closers = append(e.closers, repo.Close)
		e.probes = append(e.probes, repo.Ping)
		e.logger.Info("sqlite repository ready", "db_path", e.cfg.Database.Path, "migrations", "ensured")
		return repo, nil
	}
}

// redisClient builds a client for addr and registers its ping and close hooks.
func (e *runtimeEnv) redisClient(addr string) *redis.Client {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	e.closers = append(e.closers, rdb.Close)
	e.probes = append(e.probes, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	return rdb
}

// Ready runs every backend probe and joins the failures.
func (e *runtimeEnv) Ready(ctx context.Context) error {
	var errs []error
	for _, probe := range e.probes {
		if err := probe(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes unsaved sessions and releases backends in reverse open order.
func (e *runtimeEnv) Close() error {
	var errs []error
	if e.service != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := e.service.Flush(ctx); err != nil {
			e.logger.Error("final flush failed", "err", err)
			errs = append(errs, err)
		}
		cancel()
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
