package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/datafusion/fleetrpa/internal/catalog"
	"github.com/datafusion/fleetrpa/internal/config"
	"github.com/datafusion/fleetrpa/internal/logger"
	"github.com/datafusion/fleetrpa/internal/step"
	"github.com/datafusion/fleetrpa/internal/storage/memory"
)

func init() {
	validateCmd.AddCommand(validateModelCmd, validateProviderCmd, validateCatalogCmd, validateConfigCmd)
	rootCmd.AddCommand(validateCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "校验配置或步骤模型",
}

var validateModelCmd = &cobra.Command{
	Use:   "model FILE...",
	Short: "校验步骤模型文件 (JSON/JSON5)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failed := 0
		for _, path := range args {
			m, err := catalog.ReadModel(path)
			if err != nil {
				failed++
				fmt.Fprintf(cmd.ErrOrStderr(), "✗ %s: %v\n", path, err)
				continue
			}
			steps := 0
			_ = step.Walk(m.Steps, func(string, step.Step) error {
				steps++
				return nil
			})
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s: %s v%d，%d 个步骤，提取数据: %t\n",
				path, m.ID, m.Version, steps, m.HasExtraction())
		}
		if failed > 0 {
			return fmt.Errorf("%d 个步骤模型无效", failed)
		}
		return nil
	},
}

var validateProviderCmd = &cobra.Command{
	Use:   "provider FILE...",
	Short: "校验平台配置文件 (JSON/JSON5)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failed := 0
		for _, path := range args {
			p, err := catalog.ReadProvider(path)
			if err != nil {
				failed++
				fmt.Fprintf(cmd.ErrOrStderr(), "✗ %s: %v\n", path, err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s: %s (%s)，凭据字段 %v\n", path, p.ID, p.Category, p.CredentialFields)
		}
		if failed > 0 {
			return fmt.Errorf("%d 个平台配置无效", failed)
		}
		return nil
	},
}

var validateCatalogCmd = &cobra.Command{
	Use:   "catalog DIR",
	Short: "校验定义目录中的全部平台配置与步骤模型",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r := catalog.NewLoader(args[0], memory.New(), logger.NewNop()).Sync(cmd.Context())
		for _, err := range r.Errors {
			fmt.Fprintf(cmd.ErrOrStderr(), "✗ %v\n", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "平台 %d 个，步骤模型 %d 个\n", r.Providers, r.Models)
		return r.Err()
	},
}

var validateConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "校验配置文件并给出建议",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := config.ValidateConfigFile(configPath)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, e := range result.Errors {
			fmt.Fprintf(out, "✗ %s: %s\n", e.Field, e.Message)
		}
		if !result.Valid {
			return fmt.Errorf("配置无效")
		}
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		for _, r := range config.GetConfigRecommendations(cfg) {
			fmt.Fprintf(out, "• %s\n", r)
		}
		fmt.Fprintln(out, "✓ 配置有效")
		return nil
	},
}

func withTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), d)
}
