package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/datafusion/fleetrpa/internal/api"
	"github.com/datafusion/fleetrpa/internal/auth"
	"github.com/datafusion/fleetrpa/internal/metrics"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 HTTP API、调度器与指标服务",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		log := a.log
		log.Info("启动 fleetrpa", zap.String("storage", cfg.Storage.Type), zap.String("summary", cfg.Summary.Driver))

		if _, err := a.ledger.RecoverInterrupted(ctx); err != nil {
			a.shutdown(ctx)
			return err
		}

		if cfg.Metrics.Enabled {
			go func() {
				if err := metrics.StartMetricsServer(ctx, cfg.Metrics.Port, a.metrics); err != nil {
					log.Error("指标服务器启动失败", zap.Error(err))
				}
			}()
		}

		if cfg.Server.Mode != "" {
			gin.SetMode(cfg.Server.Mode)
		}
		keys, err := auth.NewKeySet(cfg.Server.APIKeyHashes)
		if err != nil {
			a.shutdown(ctx)
			return err
		}
		if keys.Empty() {
			log.Warn("未配置 API 密钥，/api/v1 不做认证")
		}
		router := api.NewRouter(api.Deps{
			Store:     a.store,
			Ledger:    a.ledger,
			Worker:    a.worker,
			Scheduler: a.scheduler,
			Sessions:  a.sessions,
			Vault:     a.vault,
			Merger:    a.merger,
			Health:    a.health,
			APIKeys:   keys,
			Logger:    log,
		})
		srv := &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		}

		serveErr := make(chan error, 1)
		go func() {
			log.Info("API 服务启动", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()

		if cfg.Scheduler.Enabled {
			a.scheduler.Start()
		}
		if a.catalog != nil && cfg.Catalog.Watch {
			go func() {
				if err := a.catalog.Watch(ctx, nil); err != nil {
					log.Error("定义文件监视失败", zap.Error(err))
				}
			}()
		}

		select {
		case <-ctx.Done():
			log.Info("收到退出信号，正在关闭...")
		case err = <-serveErr:
			log.Error("API 服务异常退出", zap.Error(err))
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("API 服务关闭失败", zap.Error(err))
		}
		a.shutdown(shutdownCtx)
		log.Info("fleetrpa 已关闭")
		return err
	},
}
