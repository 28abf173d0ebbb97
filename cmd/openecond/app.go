package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"OpenEcon-Agent/internal/config"
	"OpenEcon-Agent/internal/datasource"
	"OpenEcon-Agent/internal/knowledge"
	"OpenEcon-Agent/internal/metrics"
	"OpenEcon-Agent/internal/metricslog"
	obsmetrics "OpenEcon-Agent/internal/observability/metrics"
	"OpenEcon-Agent/internal/pipeline"
	"OpenEcon-Agent/internal/storage/redisstore"
	"OpenEcon-Agent/internal/storage/sqlstore"
	"OpenEcon-Agent/internal/task"
	"OpenEcon-Agent/internal/tools"
	"OpenEcon-Agent/pkg/logger"
)

// app 汇集一次命令执行所需的全部组件。
type app struct {
	cfg      *config.Config
	admin    config.Admin
	persists bool
	pipeline *pipeline.Pipeline
	tasks    *task.Service
	store    task.Store
	queue    task.Queue

	closers []io.Closer
}

// bootstrap 加载配置并按驱动创建存储、数据源与咨询流水线。
// withTasks 为 false 时不连接任务存储与队列。
func bootstrap(ctx context.Context, configPath string, withTasks bool) (a *app, err error) {
	cfg, err := config.Load(config.Path(configPath))
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	var db *sqlstore.Store
	if cfg.Storage.SQL.Driver != "" {
		db, err = sqlstore.Open(ctx, sqlstore.Config{Driver: cfg.Storage.SQL.Driver, DSN: cfg.Storage.SQL.DSN})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db)

		settings, err := sqlstore.NewSettings(ctx, db, cfg.LLM)
		if err != nil {
			return nil, err
		}
		a.admin = settings
		a.persists = true
	} else {
		a.admin = config.NewStaticSettings(cfg.LLM)
	}

	log, err := openMetricsLog(ctx, cfg.Storage.MetricsLog, db)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, log)

	data, err := datasource.LoadStatic(cfg.Data.DatasetsPath)
	if err != nil {
		return nil, err
	}
	docs, err := knowledge.LoadDir(cfg.Data.DocumentsDir)
	if err != nil {
		return nil, err
	}

	a.pipeline = pipeline.New(a.admin, tools.NewCatalog(data, data, docs), log,
		pipeline.WithPrices(prices(cfg.Pricing)),
		pipeline.WithObserver(obsmetrics.Default),
		pipeline.WithMaxSteps(cfg.Agent.MaxSteps),
	)

	if withTasks {
		if err := a.openTasks(ctx, db); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *app) openTasks(ctx context.Context, db *sqlstore.Store) error {
	cfg := a.cfg

	switch cfg.Storage.Tasks.Driver {
	case "sql":
		store, err := task.NewSQLStore(db.DB())
		if err != nil {
			return err
		}
		a.store = store
	default:
		a.store = task.NewMemoryStore()
	}

	switch cfg.Queue.Driver {
	case "redis":
		queue, err := task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Key,
			BlockWait: 5 * time.Second,
		})
		if err != nil {
			return err
		}
		a.queue = queue
	case "rabbitmq":
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.Workers,
			Durable:  true,
		})
		if err != nil {
			return err
		}
		a.queue = queue
	default:
		a.queue = task.NewMemoryQueue(cfg.Queue.Buffer)
	}

	a.tasks = task.NewService(a.store, a.queue, cfg.Queue.MaxRetries)
	a.closers = append(a.closers, a.tasks)
	return nil
}

// Close 按创建的逆序释放资源。
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// openMetricsLog 创建咨询日志，配置了备份文件时包装为主备镜像。
func openMetricsLog(ctx context.Context, cfg config.MetricsLogConfig, db *sqlstore.Store) (metricslog.Log, error) {
	var (
		primary metricslog.Log
		err     error
	)
	switch cfg.Driver {
	case "sql":
		primary = sqlstore.NewConsultas(db)
	case "redis":
		primary, err = redisstore.Open(ctx, redisstore.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		})
	case "memory":
		primary = metricslog.NewMemory()
	default:
		primary, err = metricslog.OpenFile(cfg.Path)
	}
	if err != nil {
		return nil, err
	}

	if cfg.BackupPath == "" {
		return primary, nil
	}
	backup, err := metricslog.OpenFile(cfg.BackupPath)
	if err != nil {
		_ = primary.Close()
		return nil, err
	}
	return metricslog.NewMirror(primary, backup), nil
}

func prices(overrides map[string]config.PriceConfig) metrics.PriceTable {
	table := make(map[string]metrics.Price, len(overrides))
	for provider, p := range overrides {
		table[provider] = metrics.Price{Input: p.Input, Output: p.Output}
	}
	return metrics.DefaultPrices().With(table)
}
