// Package checks 对组装好的批次做余额与参数检查，并请风控引擎评估最后一笔交易。
package checks

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"go.uber.org/zap"

	"BatchSigner/internal/txn"
	"BatchSigner/pkg/logger"
)

// Report 是一次汇总检查的结果。
type Report struct {
	Errors         []txn.CheckError `json:"errors"`
	IsGasNotEnough bool             `json:"isGasNotEnough"`
	// Balances[i] 为支付完第 i 笔交易后的剩余余额。
	Balances []*big.Int `json:"balances"`
	// 未请求风控或评估失败时为 nil。
	Security *txn.SecurityResult `json:"security,omitempty"`
}

// Options 调整 Aggregate 的行为。
type Options struct {
	Origin string
	// Memo 非空时才评估风控，结论缓存在 Memo 中。
	Memo *SecurityMemo
}

// Aggregator 负责余额检查和可选的风控评估。
type Aggregator struct {
	engine txn.RiskEngine
	logger *zap.Logger
}

// AggregatorOption 配置 Aggregator。
type AggregatorOption func(*Aggregator)

// WithLogger 设置日志记录器。
func WithLogger(l *zap.Logger) AggregatorOption {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAggregator 创建 Aggregator，engine 为 nil 时不做风控评估。
func NewAggregator(engine txn.RiskEngine, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{engine: engine, logger: logger.Named("checks")}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Aggregate 按顺序以滚动余额检查批次：每笔交易使用前面交易剩下的余额，
// 检查后扣除转账金额与最坏情况下的 gas 费用。
func (a *Aggregator) Aggregate(ctx context.Context, txs []*txn.PreparedTx, balance *big.Int, opts Options) Report {
	report := Check(txs, balance)
	if opts.Memo == nil || len(txs) == 0 {
		return report
	}
	last := txs[len(txs)-1]
	report.Security = opts.Memo.Resolve(ctx, func(ctx context.Context) (*txn.SecurityResult, error) {
		return a.EvaluateSecurity(ctx, last, opts.Origin)
	})
	return report
}

// Check 是 Aggregate 中不依赖外部服务的余额检查部分。
func Check(txs []*txn.PreparedTx, balance *big.Int) Report {
	left := new(big.Int)
	if balance != nil {
		left.Set(balance)
	}
	report := Report{Errors: []txn.CheckError{}, Balances: make([]*big.Int, 0, len(txs))}
	for _, tx := range txs {
		report.Errors = append(report.Errors, CheckItem(tx, left)...)
		left = new(big.Int).Sub(left, spend(tx))
		report.Balances = append(report.Balances, left)
	}
	report.IsGasNotEnough = txn.HasCode(report.Errors, txn.CodeGasNotEnough)
	return report
}

// CheckItem 对照模拟结果、推荐值与可用余额校验单笔交易。
func CheckItem(tx *txn.PreparedTx, balanceLeft *big.Int) []txn.CheckError {
	var errs []txn.CheckError
	if sim := tx.Simulation; sim != nil && !sim.Success {
		msg := "transaction simulation reverted"
		if len(sim.Errors) > 0 {
			msg += ": " + strings.Join(sim.Errors, "; ")
		}
		errs = append(errs, txn.NewCheckError(txn.CodeSimulationReverted, msg))
	}
	if tx.GasLimit < txn.MinGasLimit {
		errs = append(errs, txn.NewCheckError(txn.CodeGasLimitTooLow,
			fmt.Sprintf("gas limit %d is below the minimum %d", tx.GasLimit, txn.MinGasLimit)))
	} else if tx.RecommendGasLimit > 0 && tx.GasLimit < tx.RecommendGasLimit {
		errs = append(errs, txn.NewCheckError(txn.CodeGasLimitBelowRec,
			fmt.Sprintf("gas limit %d is below the recommended %d", tx.GasLimit, tx.RecommendGasLimit)))
	}
	if tx.Nonce < tx.RecommendNonce {
		errs = append(errs, txn.NewCheckError(txn.CodeNonceBelowRec,
			fmt.Sprintf("nonce %d is below the recommended %d", tx.Nonce, tx.RecommendNonce)))
	}
	if spend(tx).Cmp(balanceLeft) > 0 {
		errs = append(errs, txn.NewCheckError(txn.CodeGasNotEnough, "insufficient native balance for gas"))
	}
	return errs
}

func spend(tx *txn.PreparedTx) *big.Int {
	out := tx.GasCost.WorstCase()
	if tx.Value != nil {
		out.Add(out, tx.Value)
	}
	return out
}
