package compose

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	xerrors "BatchSigner/internal/errors"
	"BatchSigner/internal/observability/metrics"
	"BatchSigner/internal/txn"
	"BatchSigner/pkg/logger"
)

// PendingSource 提供账户已在链上排队但尚未打包的真实交易，作为模拟上下文。
type PendingSource interface {
	PendingTxs(ctx context.Context, chainID uint64, from common.Address) ([]txn.TxPayload, error)
}

// SimulationHook 在批次最后一笔交易模拟完成后调用，失败只记录日志。
type SimulationHook func(ctx context.Context, sim *txn.SimulationResult) error

// Request 描述一次批次组装。
type Request struct {
	Intents          []txn.Intent
	BaseNonce        uint64
	Gas              txn.GasLevel
	Stats            txn.GasStats
	Support1559      bool
	NativeBalance    *big.Int
	OnLastSimulation SimulationHook
}

// Composer 将交易意图逐笔展开为完整交易。
type Composer struct {
	simulator txn.Simulator
	estimator txn.GasEstimator
	pending   PendingSource
	logger    *zap.Logger
}

// Option 定义可选配置。
type Option func(*Composer)

// WithPendingSource 配置链上待打包交易来源。
func WithPendingSource(src PendingSource) Option {
	return func(c *Composer) {
		c.pending = src
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *zap.Logger) Option {
	return func(c *Composer) {
		if l != nil {
			c.logger = l
		}
	}
}

// New 构造 Composer。estimator 为空时使用本地启发式估算。
func New(simulator txn.Simulator, estimator txn.GasEstimator, opts ...Option) *Composer {
	if estimator == nil {
		estimator = HeuristicEstimator{}
	}
	c := &Composer{
		simulator: simulator,
		estimator: estimator,
		logger:    logger.Named("compose"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// foldState 是贯穿整个批次的累加状态：后续模拟可见的待打包交易、
// 计算 gas limit 时仍可用的余额，以及已组装的交易。
type foldState struct {
	pending     []txn.TxPayload
	balanceLeft *big.Int
	txs         []*txn.PreparedTx
}

// Compose 严格按顺序组装整批交易。任意一笔模拟或估算失败都会中止整批，不返回部分结果。
func (c *Composer) Compose(ctx context.Context, req Request) ([]*txn.PreparedTx, error) {
	if len(req.Intents) == 0 {
		return nil, ErrEmptyBatch
	}
	if c.simulator == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置交易模拟服务")
	}

	start := time.Now()
	chainID := req.Intents[0].ChainID
	txs, err := c.compose(ctx, req)
	metrics.ObserveCompose(chainID, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return txs, nil
}

func (c *Composer) compose(ctx context.Context, req Request) ([]*txn.PreparedTx, error) {
	state := foldState{
		pending:     c.loadPending(ctx, req.Intents[0]),
		balanceLeft: copyOrZero(req.NativeBalance),
		txs:         make([]*txn.PreparedTx, 0, len(req.Intents)),
	}
	fee := ResolveFee(req.Gas, req.Stats, req.Support1559)

	for i, intent := range req.Intents {
		next, err := c.step(ctx, req, fee, state, i, intent)
		if err != nil {
			return nil, err
		}
		state = next
	}
	return state.txs, nil
}

// step 在 state 之上组装第 i 个意图，并返回扩展后的状态。
func (c *Composer) step(ctx context.Context, req Request, fee txn.Fee, state foldState, i int, intent txn.Intent) (foldState, error) {
	tx := &txn.PreparedTx{
		ChainID:        intent.ChainID,
		From:           intent.From,
		To:             intent.To,
		Data:           txn.NormalizeData(intent.Data),
		Value:          copyOrZero(intent.Value),
		Nonce:          req.BaseNonce + uint64(i),
		Fee:            fee.Clone(),
		RecommendNonce: req.BaseNonce + uint64(i),
	}
	if intent.Nonce != nil {
		tx.Nonce = *intent.Nonce
	}
	if intent.Gas != nil {
		tx.GasLimit = *intent.Gas
	}

	payload := tx.Payload()
	sim, err := c.simulator.Simulate(ctx, payload, state.pending)
	if err != nil {
		metrics.IncSimulation("error")
		return state, xerrors.Wrap(CodeSimulationFailed, err, "交易模拟失败", atIndex(i))
	}
	if sim == nil {
		metrics.IncSimulation("error")
		return state, xerrors.New(CodeSimulationFailed, simulationMessage(sim), atIndex(i))
	}
	if sim.Success {
		metrics.IncSimulation("ok")
	} else {
		// 模拟未通过不终止组装，由检查阶段作为 CheckError 返回。
		metrics.IncSimulation("reverted")
		c.logger.Info(simulationMessage(sim), zap.Int("index", i), zap.Uint64("nonce", tx.Nonce))
	}
	tx.Simulation = sim

	rec, err := c.estimator.RecommendGas(ctx, txn.GasRecommendRequest{
		ChainID:     tx.ChainID,
		Tx:          payload,
		SimGasUsed:  sim.GasUsed,
		SimGasLimit: sim.GasLimit,
	})
	if err != nil {
		return state, xerrors.Wrap(CodeGasEstimationFailed, err, "推荐 gas 失败", atIndex(i))
	}
	limit, err := c.estimator.RecommendGasLimit(ctx, txn.GasLimitRequest{
		ChainID:       tx.ChainID,
		Tx:            payload,
		Gas:           rec.Gas,
		GasUsed:       rec.GasUsed,
		NeedRatio:     rec.NeedRatio,
		FeeCap:        tx.Fee.Cap(),
		NativeBalance: positiveOrZero(state.balanceLeft),
	})
	if err != nil {
		return state, xerrors.Wrap(CodeGasEstimationFailed, err, "推荐 gas limit 失败", atIndex(i))
	}
	if limit.GasLimit == 0 {
		return state, xerrors.New(CodeGasEstimationFailed, "推荐 gas limit 为 0", atIndex(i))
	}

	tx.RecommendGasLimit = limit.GasLimit
	tx.RecommendGasLimitRatio = limit.RecommendGasLimitRatio
	if intent.Gas == nil {
		tx.GasLimit = limit.GasLimit
	}
	tx.GasUsed = rec.GasUsed
	if tx.GasUsed == 0 {
		tx.GasUsed = sim.GasUsed
	}
	tx.GasCost = txn.ComputeGasCost(tx.Fee, tx.GasUsed, tx.GasLimit, sim.NativeTokenPrice)

	if i == len(req.Intents)-1 && req.OnLastSimulation != nil {
		c.runHook(ctx, req.OnLastSimulation, sim)
	}

	spent := new(big.Int).Add(tx.Value, tx.GasCost.WorstCase())
	return foldState{
		pending:     append(append([]txn.TxPayload(nil), state.pending...), tx.Payload()),
		balanceLeft: new(big.Int).Sub(state.balanceLeft, spent),
		txs:         append(state.txs, tx),
	}, nil
}

func (c *Composer) loadPending(ctx context.Context, first txn.Intent) []txn.TxPayload {
	if c.pending == nil {
		return nil
	}
	pending, err := c.pending.PendingTxs(ctx, first.ChainID, first.From)
	if err != nil {
		metrics.IncBestEffortFailure("pending_source")
		c.logger.Warn("获取待打包交易失败，按无上下文模拟", zap.Error(err), zap.Uint64("chain_id", first.ChainID))
		return nil
	}
	return pending
}

func (c *Composer) runHook(ctx context.Context, hook SimulationHook, sim *txn.SimulationResult) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncBestEffortFailure("simulation_hook")
			c.logger.Warn("模拟结果回调异常", zap.Any("panic", r))
		}
	}()
	if err := hook(ctx, sim); err != nil {
		metrics.IncBestEffortFailure("simulation_hook")
		c.logger.Warn("模拟结果回调失败", zap.Error(err))
	}
}

func simulationMessage(sim *txn.SimulationResult) string {
	if sim == nil {
		return "模拟服务未返回结果"
	}
	if len(sim.Errors) == 0 {
		return "交易模拟未通过"
	}
	return fmt.Sprintf("交易模拟未通过: %s", strings.Join(sim.Errors, "; "))
}

func copyOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func positiveOrZero(v *big.Int) *big.Int {
	if v.Sign() < 0 {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
