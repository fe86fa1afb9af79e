package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/datafusion/fleetrpa/internal/catalog"
	"github.com/datafusion/fleetrpa/internal/ledger"
	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/storage"
	"github.com/datafusion/fleetrpa/internal/vault"
)

var runFlags struct {
	partner      string
	provider     string
	model        string
	version      int
	bindings     map[string]string
	secrets      map[string]string
	providerFile string
	modelFile    string
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.partner, "partner", "", "合作方 ID")
	f.StringVar(&runFlags.provider, "provider", "", "平台 ID，指定 --provider-file 时可省略")
	f.StringVar(&runFlags.model, "model", "", "步骤模型 ID，指定 --model-file 时可省略")
	f.IntVar(&runFlags.version, "version", 0, "步骤模型版本，0 表示最新")
	f.StringToStringVar(&runFlags.bindings, "var", nil, "模型变量，如 --var semana=2024-W10")
	f.StringToStringVar(&runFlags.secrets, "secret", nil, "运行前写入凭据库的字段，如 --secret email=a@b.pt")
	f.StringVar(&runFlags.providerFile, "provider-file", "", "运行前保存的平台配置 (JSON/JSON5)")
	f.StringVar(&runFlags.modelFile, "model-file", "", "运行前保存的步骤模型 (JSON/JSON5)")
	_ = runCmd.MarkFlagRequired("partner")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "同步运行一次步骤模型并输出执行记录",
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
		defer func() {
			shutdownCtx, cancel := withTimeout(cfg.Server.ShutdownTimeout)
			defer cancel()
			a.shutdown(shutdownCtx)
		}()

		if runFlags.providerFile != "" {
			p, err := catalog.ReadProvider(runFlags.providerFile)
			if err != nil {
				return err
			}
			p.CreatedAt = time.Now()
			if err := a.store.SaveProvider(ctx, p); err != nil {
				return err
			}
			runFlags.provider = p.ID
		}
		if runFlags.modelFile != "" {
			m, err := catalog.ReadModel(runFlags.modelFile)
			if err != nil {
				return err
			}
			m.CreatedAt = time.Now()
			// 同一版本已保存时沿用存储中的定义
			if err := a.store.SaveModel(ctx, m); err != nil && !errors.Is(err, storage.ErrConflict) {
				return err
			}
			runFlags.model, runFlags.version = m.ID, m.Version
		}
		if runFlags.provider == "" || runFlags.model == "" {
			return fmt.Errorf("需要 --provider 与 --model")
		}
		if len(runFlags.secrets) > 0 {
			if _, err := a.vault.Store(ctx, runFlags.partner, runFlags.provider, vault.SecretFields(runFlags.secrets), nil); err != nil {
				return err
			}
		}

		exec, err := a.ledger.Create(ctx, ledger.NewExecution{
			PartnerID:    runFlags.partner,
			ProviderID:   runFlags.provider,
			ModelID:      runFlags.model,
			ModelVersion: runFlags.version,
			Trigger:      models.TriggerManual,
			Bindings:     runFlags.bindings,
		})
		if err != nil {
			return err
		}
		a.log.Info("开始执行", zap.String("execution_id", exec.ID))

		done, runErr := a.worker.Run(ctx, exec.ID)
		if done != nil {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(done); err != nil {
				return err
			}
			switch done.Status {
			case models.StatusSuccess, models.StatusPartial:
				return nil
			}
			return fmt.Errorf("执行 %s 结束状态为 %s: %s", done.ID, done.Status, done.ErrorMessage)
		}
		return runErr
	},
}
