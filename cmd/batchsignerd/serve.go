package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"BatchSigner/internal/api"
	"BatchSigner/internal/config"
	"BatchSigner/internal/observability/metrics"
	"BatchSigner/internal/progress"
	"BatchSigner/pkg/logger"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 REST API 服务",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Server.Address = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("addr", "", "覆盖 server.address")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	authSvc, err := buildAuth(cfg.Auth)
	if err != nil {
		return err
	}
	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	log := logger.Named("serve")
	g, ctx := errgroup.WithContext(ctx)

	if mem, ok := rt.progress.(*progress.MemorySink); ok {
		g.Go(func() error {
			drainProgress(ctx, mem, log)
			return nil
		})
	}
	if cfg.Server.MetricsAddress != "" {
		g.Go(func() error {
			log.Info("指标服务启动", zap.String("addr", cfg.Server.MetricsAddress))
			return metrics.StartServer(ctx, cfg.Server.MetricsAddress)
		})
	}
	g.Go(func() error {
		return api.NewServer(cfg.Server.Address, rt.machine, api.WithAuth(authSvc)).Start(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("服务已退出")
	return nil
}

// drainProgress 在未配置外部推送时消费内存事件，避免发送流程阻塞。
func drainProgress(ctx context.Context, sink *progress.MemorySink, log *zap.Logger) {
	events := sink.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			log.Debug("发送进度",
				zap.String("fingerprint", ev.Fingerprint),
				zap.Int("index", ev.Index),
				zap.Int("total", ev.Total),
				zap.String("status", string(ev.Status)),
				zap.String("hash", ev.Hash),
			)
		}
	}
}
