package compose

import (
	"context"
	"math/big"

	"BatchSigner/internal/txn"
)

// limitRatios 按顺序尝试，取第一个最坏情况费用仍在余额范围内的倍率。
var limitRatios = []int64{150, 130, 120, 100}

// HeuristicEstimator 是未配置远程估算服务时使用的本地估算器。普通转账固定
// 21000 gas，合约调用以模拟的 gas limit 为基础，按余额能承担的最大倍率放大。
type HeuristicEstimator struct{}

var _ txn.GasEstimator = HeuristicEstimator{}

// RecommendGas 实现 txn.GasEstimator。
func (HeuristicEstimator) RecommendGas(_ context.Context, req txn.GasRecommendRequest) (txn.GasRecommendation, error) {
	used := req.SimGasUsed
	if txn.IsPlainTransfer(req.Tx.Data) {
		if used < txn.MinGasLimit {
			used = txn.MinGasLimit
		}
		return txn.GasRecommendation{Gas: used, NeedRatio: false, GasUsed: used}, nil
	}
	gas := req.SimGasLimit
	if gas == 0 {
		gas = used
	}
	if gas < txn.MinGasLimit {
		gas = txn.MinGasLimit
	}
	return txn.GasRecommendation{Gas: gas, NeedRatio: true, GasUsed: used}, nil
}

// RecommendGasLimit 实现 txn.GasEstimator。
func (HeuristicEstimator) RecommendGasLimit(_ context.Context, req txn.GasLimitRequest) (txn.GasLimitRecommendation, error) {
	if !req.NeedRatio {
		return txn.GasLimitRecommendation{GasLimit: req.Gas, RecommendGasLimitRatio: 1}, nil
	}
	if req.FeeCap == nil || req.NativeBalance == nil {
		return txn.GasLimitRecommendation{GasLimit: scaleGas(req.Gas, limitRatios[0]), RecommendGasLimitRatio: ratioOf(limitRatios[0])}, nil
	}

	value := new(big.Int)
	if req.Tx.Value != nil {
		value = req.Tx.Value.ToInt()
	}
	for _, ratio := range limitRatios {
		limit := scaleGas(req.Gas, ratio)
		cost := new(big.Int).Mul(new(big.Int).SetUint64(limit), req.FeeCap)
		cost.Add(cost, value)
		if cost.Cmp(req.NativeBalance) <= 0 {
			return txn.GasLimitRecommendation{GasLimit: limit, RecommendGasLimitRatio: ratioOf(ratio)}, nil
		}
	}
	return txn.GasLimitRecommendation{GasLimit: req.Gas, RecommendGasLimitRatio: 1}, nil
}

func scaleGas(gas uint64, percent int64) uint64 {
	return txn.MulPercent(new(big.Int).SetUint64(gas), percent).Uint64()
}

func ratioOf(percent int64) float64 {
	return float64(percent) / 100
}
