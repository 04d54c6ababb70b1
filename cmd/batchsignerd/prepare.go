package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"BatchSigner/internal/batch"
	"BatchSigner/internal/txn"
	"BatchSigner/pkg/logger"
)

// newPrepareCommand 读取交易意图 JSON，输出定价后的签名上下文，不做任何广播。
func newPrepareCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "离线预览一个批次的 nonce、gas 与检查结果",
		Long:  "读取交易意图数组（文件或标准输入），完成组装、风险检查与 gas 定价后以 JSON 输出签名上下文。",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			input, _ := cmd.Flags().GetString("input")
			security, _ := cmd.Flags().GetBool("security")
			legacy, _ := cmd.Flags().GetBool("legacy-keyring")

			intents, err := readIntents(cmd.InOrStdin(), input)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			defer logger.Sync()
			cfg.Progress.Driver = "none"

			rt, err := buildRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			sc, err := rt.machine.Prefetch(cmd.Context(), batch.PrepareRequest{
				Intents:       intents,
				Security:      security,
				LegacyKeyring: legacy,
			})
			if err != nil {
				return err
			}
			if security {
				if sc, err = rt.machine.Open(cmd.Context(), batch.PrepareRequest{
					Intents:       intents,
					Security:      security,
					LegacyKeyring: legacy,
				}, sc); err != nil {
					return err
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sc)
		},
	}
	cmd.Flags().StringP("input", "i", "-", "交易意图 JSON 文件，- 表示标准输入")
	cmd.Flags().Bool("security", false, "同时计算最后一笔交易的安全检查结果")
	cmd.Flags().Bool("legacy-keyring", false, "签名设备不支持 EIP-1559")
	return cmd
}

func readIntents(stdin io.Reader, input string) ([]txn.Intent, error) {
	var (
		data []byte
		err  error
	)
	if input == "" || input == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(input)
	}
	if err != nil {
		return nil, fmt.Errorf("读取交易意图失败: %w", err)
	}
	var intents []txn.Intent
	if err := json.Unmarshal(data, &intents); err != nil {
		return nil, fmt.Errorf("解析交易意图失败: %w", err)
	}
	if len(intents) == 0 {
		return nil, fmt.Errorf("交易意图为空")
	}
	return intents, nil
}
