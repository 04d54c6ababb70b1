package compose

import (
	"math/big"

	"BatchSigner/internal/txn"
)

// ResolveFee 把 gas 档位转换为批次内每笔交易的手续费。legacy 链以 level.Price
// 作为 gasPrice；支持 1559 的链以 level.Price 作为 maxFeePerGas，priority fee
// 取档位给出的值，否则取价格减 base fee。priority fee 非正时退回 max fee，
// 且不超过 max fee。
func ResolveFee(level txn.GasLevel, stats txn.GasStats, support1559 bool) txn.Fee {
	price := level.Price
	if price == nil {
		price = stats.Median
	}
	if price == nil {
		price = new(big.Int)
	}
	if !support1559 {
		return txn.LegacyFee(price)
	}

	var priority *big.Int
	switch {
	case level.PriorityPrice != nil:
		priority = new(big.Int).Set(level.PriorityPrice)
	case level.BaseFee != nil:
		priority = new(big.Int).Sub(price, level.BaseFee)
	default:
		priority = new(big.Int).Set(price)
	}
	if priority.Sign() <= 0 {
		priority = new(big.Int).Set(price)
	}
	if priority.Cmp(price) > 0 {
		priority = new(big.Int).Set(price)
	}
	return txn.DynamicFee(price, priority)
}

// Refee 为已组装的交易重新定价而不重新模拟，nonce、目标地址、calldata、
// 金额与 gas limit 保持不变。
func Refee(tx *txn.PreparedTx, level txn.GasLevel, stats txn.GasStats, support1559 bool) *txn.PreparedTx {
	out := tx.Clone()
	out.Fee = ResolveFee(level, stats, support1559)
	price := 0.0
	if tx.Simulation != nil {
		price = tx.Simulation.NativeTokenPrice
	}
	out.GasCost = txn.ComputeGasCost(out.Fee, out.GasUsed, out.GasLimit, price)
	return out
}
