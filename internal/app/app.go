// Package app wires the cache, memory manager, query cache and scan
// scheduler into one instance built from config.Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sdko-org/scanperf/internal/cache"
	"github.com/sdko-org/scanperf/internal/config"
	"github.com/sdko-org/scanperf/internal/database"
	"github.com/sdko-org/scanperf/internal/feed"
	"github.com/sdko-org/scanperf/internal/memory"
	"github.com/sdko-org/scanperf/internal/metrics"
	"github.com/sdko-org/scanperf/internal/querycache"
	"github.com/sdko-org/scanperf/internal/scheduler"
	"github.com/sdko-org/scanperf/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gorm.io/gorm"
)

type Options struct {
	// Fs is the filesystem scanned work units live on. Defaults to the OS.
	Fs afero.Fs
	// Scanner overrides the advisory scanner built from the feed settings.
	Scanner scheduler.Scanner
	// Ephemeral keeps every store in memory: badger, SQLite and the file tier.
	Ephemeral bool
}

type App struct {
	Config    *config.Config
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Cache     *cache.Cache
	Memory    *memory.Manager
	Queries   *querycache.QueryCache
	Summaries *database.SummaryStore
	Scheduler *scheduler.Scheduler
	Feed      *feed.Client
	DB        *gorm.DB

	durable *cache.DurableTier
	purger  *cache.Purger
	fs      afero.Fs
	log     *logrus.Entry
}

func New(ctx context.Context, logger *logrus.Logger, cfg *config.Config, opts Options) (*App, error) {
	cfg.Normalize()
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}

	a := &App{
		Config:   cfg,
		Registry: prometheus.NewRegistry(),
		fs:       opts.Fs,
		log:      logger.WithField("component", "app"),
	}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry)

	durable, err := cache.OpenDurable(logger, cfg.DurableDir, opts.Ephemeral)
	if err != nil {
		return nil, err
	}
	a.durable = durable

	files, err := a.fileTier(ctx, logger, opts.Ephemeral)
	if err != nil {
		a.Close()
		return nil, err
	}

	cacheOpts := cache.OptionsFromConfig(cfg.Performance)
	cacheOpts.Metrics = a.Metrics
	a.Cache = cache.New(logger, durable, files, cacheOpts)
	a.purger = cache.NewPurger(logger, a.Cache, cfg.PurgeEvery)

	memOpts := memory.OptionsFromConfig(cfg.Performance)
	memOpts.Metrics = a.Metrics
	a.Memory = memory.NewManager(logger, a.Cache, memOpts)

	if a.DB, err = a.openDatabase(logger, opts.Ephemeral); err != nil {
		a.Close()
		return nil, err
	}
	a.Summaries = database.NewSummaryStore(logger, a.DB)

	qcOpts := querycache.OptionsFromConfig(cfg.Performance)
	qcOpts.Metrics = a.Metrics
	a.Queries = querycache.New(logger, a.Cache, database.NewGormExecutor(a.DB), qcOpts)

	a.Feed = feed.NewClient(logger, feed.Config{
		BaseURL:    cfg.FeedURL,
		Token:      cfg.FeedToken,
		RateLimit:  cfg.RateLimit,
		RateWindow: cfg.RateLimitWindow,
		CacheTTL:   cfg.FeedCacheTTL,
	}, a.Cache)

	scanner := opts.Scanner
	if scanner == nil {
		scanner = feed.NewComponentScanner(opts.Fs, a.Feed)
	}
	a.Scheduler, err = scheduler.New(logger, scheduler.Deps{
		Fs:        opts.Fs,
		Cache:     a.Cache,
		Memory:    a.Memory,
		Scanner:   scanner,
		Summaries: a.Summaries,
		Metrics:   a.Metrics,
	}, cfg.Performance)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.log.WithFields(logrus.Fields{
		"s3":       cfg.S3Enabled(),
		"postgres": cfg.UsePostgres(),
	}).Info("Application initialised")
	return a, nil
}

func (a *App) fileTier(ctx context.Context, logger *logrus.Logger, ephemeral bool) (storage.Storage, error) {
	if ephemeral {
		return storage.NewDiskStorage(logger, afero.NewMemMapFs(), "/files")
	}
	if a.Config.S3Enabled() {
		s3Storage := storage.NewS3Storage(logger, a.Config)
		if err := s3Storage.Sync(ctx); err != nil {
			a.log.WithError(err).Warn("S3 index sync failed, file tier usage starts at zero")
		}
		return s3Storage, nil
	}
	if err := os.MkdirAll(a.Config.FileCacheDir, 0700); err != nil {
		return nil, fmt.Errorf("create file cache directory: %w", err)
	}
	return storage.NewDiskStorage(logger, afero.NewOsFs(), a.Config.FileCacheDir)
}

func (a *App) openDatabase(logger *logrus.Logger, ephemeral bool) (*gorm.DB, error) {
	cfg := a.Config
	switch {
	case ephemeral:
		return database.NewSQLiteDB(logger, database.MemoryPath)
	case cfg.UsePostgres():
		return database.NewPostgresDB(logger, database.PostgresConfig{
			User:     cfg.PostgresUser,
			Password: cfg.PostgresPassword,
			Host:     cfg.PostgresHost,
			Port:     cfg.PostgresPort,
			DBName:   cfg.PostgresDatabase,
			SSLMode:  cfg.PostgresSSLMode,
		})
	default:
		return database.NewSQLiteDB(logger, cfg.SQLitePath)
	}
}

// Start runs the background expiry purger until ctx is done.
func (a *App) Start(ctx context.Context) {
	go a.purger.Start(ctx)
}

func (a *App) RunScan(ctx context.Context, descs []scheduler.Descriptor, opts scheduler.Options) (scheduler.ScanResult, error) {
	return a.Scheduler.RunScan(ctx, descs, opts)
}

func (a *App) GetCachedData(ctx context.Context, key, group string) ([]byte, bool) {
	return a.Cache.Get(ctx, key, group)
}

func (a *App) SetCachedData(ctx context.Context, key string, value []byte, ttl time.Duration, group string) bool {
	return a.Cache.Set(ctx, key, value, ttl, group)
}

func (a *App) FlushGroup(ctx context.Context, group string) error {
	return a.Cache.FlushGroup(ctx, group)
}

func (a *App) MemoryStatistics() memory.Statistics {
	return a.Memory.Statistics()
}

func (a *App) CachedQuery(ctx context.Context, queryKey, statement string, params []any, ttl time.Duration) ([]querycache.Row, error) {
	return a.Queries.CachedQuery(ctx, queryKey, statement, params, ttl)
}

func (a *App) Paginate(ctx context.Context, base string, pageSize, pageNumber int, params []any) (querycache.PaginationResult, error) {
	return a.Queries.Paginate(ctx, base, pageSize, pageNumber, params)
}

// Snapshot is the combined statistics view served by the stats command.
type Snapshot struct {
	Cache   cache.Stats         `json:"cache"`
	Memory  memory.Statistics   `json:"memory"`
	Queries querycache.Stats    `json:"queries"`
	Slow    querycache.Analysis `json:"slow_query_analysis"`
}

func (a *App) Snapshot() Snapshot {
	return Snapshot{
		Cache:   a.Cache.Stats(),
		Memory:  a.Memory.Statistics(),
		Queries: a.Queries.Stats(),
		Slow:    a.Queries.AnalyzeSlowQueries(),
	}
}

// Describe walks root on the scan filesystem and returns one descriptor
// per regular file.
func (a *App) Describe(root string) ([]scheduler.Descriptor, error) {
	var descs []scheduler.Descriptor
	err := afero.Walk(a.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			descs = append(descs, scheduler.Descriptor{Path: path, Size: info.Size()})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return descs, nil
}

func (a *App) Close() error {
	var errs []error
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	} else if a.durable != nil {
		errs = append(errs, a.durable.Close())
	}
	return errors.Join(errs...)
}
