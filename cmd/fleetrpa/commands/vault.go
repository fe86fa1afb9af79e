package commands

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/datafusion/fleetrpa/internal/auth"
	"github.com/datafusion/fleetrpa/internal/vault"
)

var rotateKeyID string

func init() {
	rotateKeyCmd.Flags().StringVar(&rotateKeyID, "key-id", "", "新的活动密钥 ID，必须已在 vault.keys 中配置")
	_ = rotateKeyCmd.MarkFlagRequired("key-id")
	vaultCmd.AddCommand(rotateKeyCmd, genKeyCmd)
	rootCmd.AddCommand(vaultCmd, apiKeyCmd)
}

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "凭据库密钥管理",
}

var rotateKeyCmd = &cobra.Command{
	Use:   "rotate-key",
	Short: "用新密钥重新加密全部凭据",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		cfg.Scheduler.Enabled = false
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.close()

		n, err := a.vault.RotateKey(cmd.Context(), rotateKeyID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "已用密钥 %s 重新加密 %d 条凭据，请将 vault.active_key 设为 %s\n", rotateKeyID, n, rotateKeyID)
		return nil
	},
}

var genKeyCmd = &cobra.Command{
	Use:   "gen-key",
	Short: "生成新的 base64 主密钥",
	RunE: func(cmd *cobra.Command, args []string) error {
		key := make([]byte, vault.KeySize)
		if _, err := rand.Read(key); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(key))
		return nil
	},
}

var apiKeyCmd = &cobra.Command{
	Use:   "gen-api-key",
	Short: "生成操作员 API 密钥，哈希写入 server.api_key_hashes",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, hash, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "key:  %s\nhash: %s\n", key, hash)
		return nil
	},
}
