package gas

import (
	"context"
	"math/big"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"BatchSigner/internal/checks"
	"BatchSigner/internal/compose"
	xerrors "BatchSigner/internal/errors"
	"BatchSigner/internal/observability/metrics"
	"BatchSigner/internal/txn"
	"BatchSigner/pkg/logger"
)

// Selector 负责批次重新定价并刷新代付资格。
type Selector struct {
	market     txn.MarketData
	fallback   txn.MarketData
	aggregator *checks.Aggregator
	sponsor    txn.Sponsor
	logger     *zap.Logger
}

// Option 配置 Selector。
type Option func(*Selector)

// WithSponsor 设置代付服务，未设置时两项代付检查均为 false。
func WithSponsor(s txn.Sponsor) Option {
	return func(sel *Selector) {
		sel.sponsor = s
	}
}

// WithFallbackMarket 设置主行情服务失败或无数据时使用的备用行情，通常是链上 fee history。
func WithFallbackMarket(m txn.MarketData) Option {
	return func(sel *Selector) {
		sel.fallback = m
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *zap.Logger) Option {
	return func(sel *Selector) {
		if l != nil {
			sel.logger = l
		}
	}
}

// NewSelector 创建 Selector。
func NewSelector(market txn.MarketData, aggregator *checks.Aggregator, opts ...Option) *Selector {
	if aggregator == nil {
		aggregator = checks.NewAggregator(nil)
	}
	s := &Selector{market: market, aggregator: aggregator, logger: logger.Named("gas")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// FetchMarket 并发读取 gas 档位和价格统计。统计数据可缺失，
// 两者都拿不到价格时才返回错误。
func (s *Selector) FetchMarket(ctx context.Context, chainID uint64, tx txn.TxPayload) ([]txn.GasLevel, txn.GasStats, error) {
	if s.market == nil {
		return nil, txn.GasStats{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置 gas 行情服务")
	}
	var (
		levels   []txn.GasLevel
		stats    txn.GasStats
		tiersErr error
	)
	var g errgroup.Group
	g.Go(func() error {
		levels, tiersErr = s.tiers(ctx, chainID, tx)
		return nil
	})
	g.Go(func() error {
		var err error
		stats, err = s.stats(ctx, chainID)
		if err != nil {
			metrics.IncBestEffortFailure("gas_price_stats")
			s.logger.Warn("gas price stats unavailable", zap.Error(err), zap.Uint64("chain_id", chainID))
			stats = txn.GasStats{}
		}
		return nil
	})
	_ = g.Wait()

	if len(levels) == 0 && stats.Median == nil {
		return nil, txn.GasStats{}, xerrors.Wrap(CodeMarketDataUnavailable, tiersErr, "无法获取 gas 档位")
	}
	if tiersErr != nil {
		s.logger.Warn("gas tiers unavailable, using median", zap.Error(tiersErr), zap.Uint64("chain_id", chainID))
	}
	return levels, stats, nil
}

func (s *Selector) tiers(ctx context.Context, chainID uint64, tx txn.TxPayload) ([]txn.GasLevel, error) {
	levels, err := s.market.GasTiers(ctx, chainID, tx)
	if s.fallback == nil || (err == nil && len(levels) > 0) {
		return levels, err
	}
	metrics.IncBestEffortFailure("gas_tiers")
	s.logger.Warn("gas 档位服务不可用，改用链上数据", zap.Error(err), zap.Uint64("chain_id", chainID))
	return s.fallback.GasTiers(ctx, chainID, tx)
}

func (s *Selector) stats(ctx context.Context, chainID uint64) (txn.GasStats, error) {
	stats, err := s.market.GasPriceStats(ctx, chainID)
	if s.fallback == nil || (err == nil && stats.Median != nil) {
		return stats, err
	}
	s.logger.Warn("gas 价格统计不可用，改用链上数据", zap.Error(err), zap.Uint64("chain_id", chainID))
	return s.fallback.GasPriceStats(ctx, chainID)
}

// RecomputeInput 描述一次档位切换。
type RecomputeInput struct {
	Txs           []*txn.PreparedTx
	Selection     Selection
	Level         txn.GasLevel
	Support1559   bool
	Balance       *big.Int
	GasAccountSig string
}

// RecomputeOutput 为重新定价后的批次及其检查结果。
type RecomputeOutput struct {
	Txs        []*txn.PreparedTx
	Selection  Selection
	Report     checks.Report
	Gasless    txn.GaslessStatus
	GasAccount txn.GasAccountStatus
}

// Recompute 将批次切换到新档位：逐笔重算手续费与 gas 成本，不重新模拟，
// 然后并发执行余额检查和两项代付检查。输入的交易不会被修改。
func (s *Selector) Recompute(ctx context.Context, in RecomputeInput) (*RecomputeOutput, error) {
	level, err := Resolve(in.Selection.Levels, in.Level)
	if err != nil {
		return nil, err
	}
	sel := in.Selection.Clone()
	if level.IsCustom() {
		sel.Levels = SpliceCustom(sel.Levels, level)
	}
	sel.Selected = level.Clone()
	if in.Balance != nil {
		sel.BalanceSnapshot = new(big.Int).Set(in.Balance)
	}

	txs := make([]*txn.PreparedTx, len(in.Txs))
	for i, tx := range in.Txs {
		txs[i] = compose.Refee(tx, level, sel.Stats, in.Support1559)
	}

	out := &RecomputeOutput{Txs: txs, Selection: sel}
	out.Report, out.Gasless, out.GasAccount = s.Eligibility(ctx, txs, sel.BalanceSnapshot, in.GasAccountSig)
	return out, nil
}

// Eligibility 对已定价的批次并发执行余额检查和两项代付检查。
func (s *Selector) Eligibility(ctx context.Context, txs []*txn.PreparedTx, balance *big.Int, sig string) (checks.Report, txn.GaslessStatus, txn.GasAccountStatus) {
	var (
		report     checks.Report
		gasless    txn.GaslessStatus
		gasAccount txn.GasAccountStatus
	)
	payloads := txn.Payloads(txs)
	var g errgroup.Group
	g.Go(func() error {
		report = s.aggregator.Aggregate(ctx, txs, balance, checks.Options{})
		return nil
	})
	g.Go(func() error {
		gasless = s.gaslessCheck(ctx, payloads)
		return nil
	})
	g.Go(func() error {
		gasAccount = s.gasAccountCheck(ctx, sig, payloads)
		return nil
	})
	_ = g.Wait()
	return report, gasless, gasAccount
}

func (s *Selector) gaslessCheck(ctx context.Context, payloads []txn.TxPayload) txn.GaslessStatus {
	if s.sponsor == nil {
		return txn.GaslessStatus{}
	}
	status, err := s.sponsor.GaslessCheck(ctx, payloads)
	if err != nil {
		metrics.IncBestEffortFailure("gasless_check")
		s.logger.Warn("gasless check failed", zap.Error(err))
		return txn.GaslessStatus{}
	}
	return status
}

func (s *Selector) gasAccountCheck(ctx context.Context, sig string, payloads []txn.TxPayload) txn.GasAccountStatus {
	if s.sponsor == nil {
		return txn.GasAccountStatus{}
	}
	status, err := s.sponsor.GasAccountCheck(ctx, sig, payloads)
	if err != nil {
		metrics.IncBestEffortFailure("gas_account_check")
		s.logger.Warn("gas account check failed", zap.Error(err))
		return txn.GasAccountStatus{}
	}
	return status
}
