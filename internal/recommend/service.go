package recommend

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	xerrors "BatchSigner/internal/errors"
	"BatchSigner/internal/observability/metrics"
	"BatchSigner/internal/txn"
	"BatchSigner/pkg/logger"
)

// NonceSource 读取账户在链上可用的下一个 nonce。
type NonceSource interface {
	PendingNonce(ctx context.Context, chainID uint64, account common.Address) (uint64, error)
}

// Service 实现 txn.NonceRecommender。
type Service struct {
	store  HintStore
	chain  NonceSource
	ttl    time.Duration
	logger *zap.Logger
}

var _ txn.NonceRecommender = (*Service)(nil)

// Option 配置 Service。
type Option func(*Service)

// WithTTL 设置已保存提示的有效期。
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService 创建 Service，store 为 nil 时在内存中保存提示。
func NewService(store HintStore, chain NonceSource, opts ...Option) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	s := &Service{store: store, chain: chain, ttl: DefaultHintTTL, logger: logger.Named("recommend")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// GetRecommendedNonce 优先消费重试提示，否则读取链上 pending nonce。
func (s *Service) GetRecommendedNonce(ctx context.Context, from common.Address, chainID uint64) (uint64, error) {
	key := HintKey{From: from, ChainID: chainID}
	nonce, ok, err := s.store.Take(ctx, key)
	if err != nil {
		metrics.IncBestEffortFailure("nonce_hint_take")
		s.logger.Warn("读取重试 nonce 提示失败，回退到链上 nonce", zap.Error(err), zap.String("key", key.String()))
	}
	if ok {
		return nonce, nil
	}
	if s.chain == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "未配置链上 nonce 来源")
	}
	nonce, err = s.chain.PendingNonce(ctx, chainID, from)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "读取链上 nonce 失败", xerrors.WithMetadata("key", key.String()))
	}
	return nonce, nil
}

// SetRetryRecommendedNonce 保存供下一次重试使用的 nonce。
func (s *Service) SetRetryRecommendedNonce(ctx context.Context, from common.Address, chainID uint64, nonce uint64) error {
	if err := s.store.Put(ctx, HintKey{From: from, ChainID: chainID}, nonce, s.ttl); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存重试 nonce 提示失败")
	}
	return nil
}

// ResetRetryRecommendedNonce 清除尚未使用的重试提示。
func (s *Service) ResetRetryRecommendedNonce(ctx context.Context, from common.Address, chainID uint64) error {
	if err := s.store.Delete(ctx, HintKey{From: from, ChainID: chainID}); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清除重试 nonce 提示失败")
	}
	return nil
}
