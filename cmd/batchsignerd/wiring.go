package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"BatchSigner/internal/auth"
	"BatchSigner/internal/batch"
	"BatchSigner/internal/checks"
	"BatchSigner/internal/compose"
	"BatchSigner/internal/config"
	"BatchSigner/internal/gas"
	"BatchSigner/internal/observability/alerting"
	"BatchSigner/internal/progress"
	"BatchSigner/internal/recommend"
	"BatchSigner/internal/sender"
	"BatchSigner/internal/storage/mysql"
	"BatchSigner/internal/storage/redis"
	"BatchSigner/internal/walletapi"
	"BatchSigner/internal/web3"
	"BatchSigner/internal/web3/provider"
	"BatchSigner/pkg/logger"
)

// runtime 汇总了一个进程内的全部组件及其释放函数。
type runtime struct {
	cfg      *config.Config
	machine  *batch.Machine
	progress progress.Sink
	closers  []func() error
}

func (r *runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *runtime) onClose(fn func() error) {
	r.closers = append(r.closers, fn)
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	err = logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}

// buildRuntime 按配置装配链注册表、钱包服务、nonce 提示存储与状态机。
func buildRuntime(ctx context.Context, cfg *config.Config) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()
	log := logger.Named("bootstrap")

	var regOpts []provider.Option
	if cfg.Web3.SignerKey != "" {
		signer, err := web3.NewPrivateKeySigner(cfg.Web3.SignerKey)
		if err != nil {
			return nil, err
		}
		regOpts = append(regOpts, provider.WithSigner(signer))
		log.Info("已加载本地签名账户", zap.String("address", signer.Address().Hex()))
	}
	registry, err := provider.NewRegistry(ctx, cfg.Web3, regOpts...)
	if err != nil {
		return nil, err
	}
	rt.onClose(func() error { registry.Close(); return nil })

	if cfg.WalletAPI.Endpoint == "" {
		return nil, errors.New("未配置 wallet_api.endpoint，无法进行交易模拟")
	}
	wallet, err := walletapi.Dial(ctx, walletapi.Config{
		Endpoint: cfg.WalletAPI.Endpoint,
		Timeout:  cfg.WalletAPI.Timeout,
	})
	if err != nil {
		return nil, err
	}
	rt.onClose(func() error { wallet.Close(); return nil })

	hints, err := buildHintStore(ctx, cfg.Storage.NonceHints, rt)
	if err != nil {
		return nil, err
	}
	recommender := recommend.NewService(hints, registry, recommend.WithTTL(cfg.Storage.NonceHints.TTL))

	sink, err := buildProgressSink(ctx, cfg.Progress)
	if err != nil {
		return nil, err
	}
	rt.progress = sink
	rt.onClose(sink.Close)

	dispatcher := alerting.NewFanout(&alerting.LogNotifier{Logger: logger.Named("alert")})

	orchestrator := sender.NewOrchestrator(registry,
		sender.WithRecommender(recommender),
		sender.WithAlertDispatcher(dispatcher),
		sender.WithBumpPercent(cfg.Batch.BumpPercent),
	)

	aggregator := checks.NewAggregator(wallet)
	selector := gas.NewSelector(wallet, aggregator,
		gas.WithSponsor(wallet),
		gas.WithFallbackMarket(registry),
	)
	composer := compose.New(wallet, wallet, compose.WithPendingSource(registry))

	cache, err := batch.NewContextCache(cfg.Batch.CacheSize)
	if err != nil {
		return nil, err
	}

	machine, err := batch.NewMachine(batch.Deps{
		Composer:     composer,
		Aggregator:   aggregator,
		Selector:     selector,
		Orchestrator: orchestrator,
		Chains:       registry,
		Balances:     registry,
		Nonces:       registry,
		Progress:     sink,
		Cache:        cache,
	})
	if err != nil {
		return nil, err
	}
	rt.machine = machine

	log.Info("组件装配完成",
		zap.Uint64s("chains", registry.Chains()),
		zap.String("nonce_hints", cfg.Storage.NonceHints.Driver),
		zap.String("progress", cfg.Progress.Driver),
	)
	return rt, nil
}

func buildHintStore(ctx context.Context, cfg config.NonceHintConfig, rt *runtime) (recommend.HintStore, error) {
	switch cfg.Driver {
	case "", "memory":
		return recommend.NewMemoryStore(), nil
	case "redis":
		store, err := redis.NewHintStore(ctx, redis.Config{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		rt.onClose(store.Close)
		return store, nil
	case "mysql":
		store, err := mysql.NewHintStore(ctx, mysql.Config{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
		})
		if err != nil {
			return nil, err
		}
		rt.onClose(store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("未知的 nonce 提示存储驱动: %s", cfg.Driver)
	}
}

func buildProgressSink(ctx context.Context, cfg config.ProgressConfig) (progress.Sink, error) {
	switch cfg.Driver {
	case "", "memory":
		return progress.NewMemorySink(int(cfg.History)), nil
	case "none":
		return progress.Discard{}, nil
	case "redis":
		return progress.NewRedisSink(ctx, progress.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Channel,
			History:  cfg.History,
		})
	case "rabbitmq":
		return progress.NewRabbitMQSink(progress.RabbitMQConfig{
			URL:     cfg.RabbitMQ.URL,
			Queue:   cfg.RabbitMQ.Queue,
			Durable: cfg.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的进度推送驱动: %s", cfg.Driver)
	}
}

func buildAuth(cfg config.AuthConfig) (*auth.Service, error) {
	seeds := make([]auth.TokenSeed, 0, len(cfg.Tokens))
	for _, tok := range cfg.Tokens {
		seeds = append(seeds, auth.TokenSeed{
			Name:        tok.Name,
			Token:       tok.Token,
			TokenHash:   tok.TokenHash,
			Permissions: tok.Permissions,
			Disabled:    tok.Disabled,
		})
	}
	return auth.NewService(auth.Config{Mode: auth.Mode(cfg.Mode), Tokens: seeds})
}
