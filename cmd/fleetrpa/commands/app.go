package commands

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/datafusion/fleetrpa/internal/browser"
	"github.com/datafusion/fleetrpa/internal/catalog"
	"github.com/datafusion/fleetrpa/internal/config"
	"github.com/datafusion/fleetrpa/internal/executor"
	"github.com/datafusion/fleetrpa/internal/health"
	"github.com/datafusion/fleetrpa/internal/ledger"
	"github.com/datafusion/fleetrpa/internal/logger"
	"github.com/datafusion/fleetrpa/internal/metrics"
	"github.com/datafusion/fleetrpa/internal/normalizer"
	"github.com/datafusion/fleetrpa/internal/scheduler"
	"github.com/datafusion/fleetrpa/internal/session"
	"github.com/datafusion/fleetrpa/internal/storage"
	"github.com/datafusion/fleetrpa/internal/storage/memory"
	"github.com/datafusion/fleetrpa/internal/storage/mongodb"
	"github.com/datafusion/fleetrpa/internal/storage/sqlstore"
	"github.com/datafusion/fleetrpa/internal/vault"
	"github.com/datafusion/fleetrpa/internal/worker"
)

// app 按配置装配的全部组件
type app struct {
	cfg       *config.Config
	log       *logger.Logger
	metrics   *metrics.Metrics
	store     storage.Store
	summaries storage.ContributionRepo
	vault     *vault.Vault
	ledger    *ledger.Ledger
	sessions  *session.Manager
	merger    *normalizer.Merger
	worker    *worker.Worker
	scheduler *scheduler.Scheduler
	health    *health.HealthChecker
	catalog   *catalog.Loader

	closers []func() error
}

// loadConfig 加载并校验配置
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := config.NewConfigValidator().ValidateConfig(cfg).Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log, err := logger.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	a := &app{cfg: cfg, log: log}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.NewMetrics()
	}
	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return fmt.Errorf("加载时区失败: %w", err)
	}

	switch cfg.Storage.Type {
	case "mongodb":
		store, err := mongodb.New(ctx, &cfg.Storage.MongoDB, a.log, a.metrics)
		if err != nil {
			return fmt.Errorf("连接 MongoDB 失败: %w", err)
		}
		a.store = store
	default:
		a.store = memory.New()
	}
	a.closers = append(a.closers, a.store.Close)
	a.health = health.NewHealthChecker(5*time.Second).Register("documents", a.store)

	if cfg.Catalog.Dir != "" {
		a.catalog = catalog.NewLoader(cfg.Catalog.Dir, a.store, a.log)
		// 个别文件无效时继续启动，错误已记录
		a.catalog.Sync(ctx)
	}

	if s, ok, err := openSummaries(ctx, cfg, a.log, a.metrics); err != nil {
		return err
	} else if ok {
		a.summaries = s
		a.closers = append(a.closers, s.Close)
		a.health.Register("summaries", s)
	} else if m, isMem := a.store.(*memory.Store); isMem {
		a.summaries = m
	} else {
		a.summaries = memory.New()
	}

	ring, err := vault.ParseKeyRing(cfg.Vault.ActiveKey, cfg.Vault.Keys)
	if err != nil {
		return err
	}
	if a.vault, err = vault.NewVault(ring, a.store, a.log); err != nil {
		return err
	}

	a.ledger = ledger.New(a.store, a.log, a.metrics)
	a.sessions = session.NewManager(browser.NewChromeDriver(cfg.Browser.Options, a.log), a.store, a.log, a.metrics)
	a.merger = normalizer.NewMerger(a.summaries)

	opts := executor.DefaultOptions()
	opts.DefaultTimeout = cfg.Browser.StepTimeout
	if cfg.Browser.LoopCeiling > 0 {
		opts.LoopCeiling = cfg.Browser.LoopCeiling
	}
	if cfg.Browser.CodeTimeout > 0 {
		opts.CodeTimeout = cfg.Browser.CodeTimeout
	}

	a.worker = worker.New(worker.Deps{
		Store:      a.store,
		Ledger:     a.ledger,
		Vault:      a.vault,
		Sessions:   a.sessions,
		Executor:   executor.New(opts, storage.NewFileStorage(cfg.Browser.ScreenshotDir), a.log, a.metrics),
		Normalizer: normalizer.New(loc),
		Merger:     a.merger,
		Location:   loc,
		Logger:     a.log,
		Metrics:    a.metrics,
	})

	a.scheduler, err = scheduler.New(a.store, a.ledger, a.vault, a.worker, scheduler.Options{
		TickSpec: cfg.Scheduler.TickSpec,
		Location: loc,
	}, a.log, a.metrics)
	return err
}

// openSummaries 按配置打开 SQL 周汇总库，驱动为 memory 时返回 false
func openSummaries(ctx context.Context, cfg *config.Config, log *logger.Logger, m *metrics.Metrics) (*sqlstore.Store, bool, error) {
	switch cfg.Summary.Driver {
	case "postgres", "mysql", "sqlite":
		s, err := sqlstore.Open(ctx, sqlstore.Dialect(cfg.Summary.Driver), cfg.Summary.DataSourceName(), log, m)
		if err != nil {
			return nil, false, fmt.Errorf("打开周汇总数据库失败: %w", err)
		}
		return s, true, nil
	}
	return nil, false, nil
}

// shutdown 停止调度、等待执行结束并关闭全部会话
func (a *app) shutdown(ctx context.Context) {
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			a.log.Warn("调度器停止超时", zap.Error(err))
		}
	}
	if a.worker != nil {
		if err := a.worker.Shutdown(ctx); err != nil {
			a.log.Warn("等待执行结束超时，剩余执行已取消", zap.Error(err))
		}
	}
	if a.sessions != nil {
		a.sessions.CloseAll()
	}
	a.close()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("关闭资源失败", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.log.Sync()
}
