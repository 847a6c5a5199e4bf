// Command flowforge runs the FlowForge workflow engine processes.
//
// Subcommands:
//
//	worker     - consume the job queue and advance workflow instances
//	scheduler  - emit scheduled workflow starts
//	migrate    - create the PostgreSQL tables and indexes
//
// Configuration comes from an optional YAML file (--config) overridden by
// FLOWFORGE_* environment variables; see the config package for the keys.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/flowforge/flowforge/activity"
	"github.com/flowforge/flowforge/activity/builtin"
	"github.com/flowforge/flowforge/config"
	"github.com/flowforge/flowforge/engine"
	"github.com/flowforge/flowforge/expr/script"
	lockredis "github.com/flowforge/flowforge/lock/redis"
	queueredis "github.com/flowforge/flowforge/queue/redis"
	"github.com/flowforge/flowforge/scheduler"
	"github.com/flowforge/flowforge/store"
	storeinmem "github.com/flowforge/flowforge/store/inmem"
	storepostgres "github.com/flowforge/flowforge/store/postgres"
	"github.com/flowforge/flowforge/telemetry"
	"github.com/flowforge/flowforge/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var debugLogs bool

	root := &cobra.Command{
		Use:           "flowforge",
		Short:         "FlowForge distributed workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML configuration file")
	root.PersistentFlags().BoolVar(&debugLogs, "debug", false, "enable debug logs")

	root.AddCommand(
		newWorkerCmd(&configPath, &debugLogs),
		newSchedulerCmd(&configPath, &debugLogs),
		newMigrateCmd(&configPath, &debugLogs),
	)
	return root
}

func newWorkerCmd(configPath *string, debugLogs *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume the job queue and advance workflow instances",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(*configPath, *debugLogs)
			if err != nil {
				return err
			}
			return runWorker(ctx, cfg)
		},
	}
}

func newSchedulerCmd(configPath *string, debugLogs *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Emit scheduled workflow starts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(*configPath, *debugLogs)
			if err != nil {
				return err
			}
			return runScheduler(ctx, cfg)
		},
	}
}

func newMigrateCmd(configPath *string, debugLogs *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL tables and indexes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(*configPath, *debugLogs)
			if err != nil {
				return err
			}
			if cfg.PostgresConnection == "" {
				return errors.New("postgres_connection is required for migrate")
			}
			db, err := storepostgres.Open(ctx, cfg.PostgresConnection)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			if err := storepostgres.Migrate(ctx, db); err != nil {
				return err
			}
			log.Infof(ctx, "migration complete")
			return nil
		},
	}
}

// setup loads configuration and builds the logging context, honoring
// SIGINT/SIGTERM for shutdown.
func setup(configPath string, debugLogs bool) (context.Context, config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, cfg, err
	}
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if debugLogs {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	_ = stop // released on process exit
	return ctx, cfg, nil
}

type deps struct {
	store  *store.Store
	rdb    *redis.Client
	engine *engine.Engine
	queue  *queueredis.Queue
	locker *lockredis.Locker
}

// buildDeps wires the shared infrastructure: Redis for queue, locks and
// heartbeats; PostgreSQL for persistence, with the in-memory store as a
// single-process fallback when no DSN is configured.
func buildDeps(ctx context.Context, cfg config.Config) (*deps, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisConnection})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	var st *store.Store
	if cfg.PostgresConnection != "" {
		db, err := storepostgres.Open(ctx, cfg.PostgresConnection)
		if err != nil {
			return nil, err
		}
		if err := storepostgres.Migrate(ctx, db); err != nil {
			return nil, err
		}
		st = storepostgres.NewStore(db)
	} else {
		log.Warnf(ctx, "postgres_connection not set, using in-memory store")
		mem := storeinmem.New()
		st = &mem
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	locker, err := lockredis.New(lockredis.Options{Redis: rdb, Logger: logger})
	if err != nil {
		return nil, err
	}
	q, err := queueredis.New(queueredis.Options{Redis: rdb, Logger: logger, Metrics: metrics})
	if err != nil {
		return nil, err
	}

	registry := activity.NewRegistry()
	if err := builtin.Register(registry); err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Options{
		Store:    st,
		Locker:   locker,
		Registry: registry,
		Services: &activity.Services{
			Logger: logger,
			Script: script.New(),
		},
		DefaultTimeout:     cfg.Engine.DefaultTimeout.Std(),
		DefaultRetryPolicy: cfg.WorkflowRetryPolicy(),
		Logger:             logger,
		Metrics:            metrics,
	})
	if err != nil {
		return nil, err
	}
	return &deps{store: st, rdb: rdb, engine: eng, queue: q, locker: locker}, nil
}

func runWorker(ctx context.Context, cfg config.Config) error {
	d, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = d.rdb.Close() }()

	pool, err := worker.New(worker.Options{
		Engine:            d.engine,
		Queue:             d.queue,
		Heartbeat:         worker.NewRedisHeartbeat(d.rdb, ""),
		MaxConcurrency:    cfg.Worker.MaxConcurrency,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval.Std(),
		Logger:            telemetry.NewClueLogger(),
		Metrics:           telemetry.NewClueMetrics(),
	})
	if err != nil {
		return err
	}
	log.Print(ctx, log.KV{K: "msg", V: "worker running"}, log.KV{K: "worker_id", V: pool.ID()})
	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runScheduler(ctx context.Context, cfg config.Config) error {
	if !cfg.Scheduler.Enabled {
		log.Infof(ctx, "scheduler disabled, exiting")
		return nil
	}
	d, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = d.rdb.Close() }()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	sched, err := scheduler.New(scheduler.Options{
		Engine:            d.engine,
		Store:             d.store,
		Queue:             d.queue,
		Locker:            d.locker,
		CheckInterval:     cfg.Scheduler.CheckInterval.Std(),
		MaxStartsPerCheck: cfg.Scheduler.MaxStartsPerCheck,
		Location:          loc,
		Logger:            telemetry.NewClueLogger(),
		Metrics:           telemetry.NewClueMetrics(),
	})
	if err != nil {
		return err
	}
	log.Infof(ctx, "scheduler running")
	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
