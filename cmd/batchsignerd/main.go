package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// main 是 batchsignerd 的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "batchsignerd",
		Short:         "批量交易签名准备与广播服务",
		Long:          "batchsignerd 负责批量 EVM 交易的组装、gas 定价、风险检查与顺序广播。",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", os.Getenv("BATCHSIGNER_CONFIG"), "配置文件路径（yaml/json/toml）")

	root.AddCommand(newServeCommand(), newPrepareCommand())
	return root
}
