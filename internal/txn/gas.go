package txn

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// gas 档位名称。
const (
	LevelSlow   = "slow"
	LevelNormal = "normal"
	LevelFast   = "fast"
	LevelCustom = "custom"
)

// GasLevel 是一个行情手续费档位。
type GasLevel struct {
	Level            string   `json:"level"`
	Price            *big.Int `json:"price"`
	PriorityPrice    *big.Int `json:"priorityPrice,omitempty"`
	BaseFee          *big.Int `json:"baseFee,omitempty"`
	EstimatedSeconds int      `json:"estimatedSeconds,omitempty"`
}

// Clone 深拷贝档位。
func (g GasLevel) Clone() GasLevel {
	g.Price = copyBig(g.Price)
	g.PriorityPrice = copyBig(g.PriorityPrice)
	g.BaseFee = copyBig(g.BaseFee)
	return g
}

// IsCustom 判断档位是否由用户自定义。
func (g GasLevel) IsCustom() bool {
	return g.Level == LevelCustom
}

// GasStats 汇总链上近期的 gas 价格。
type GasStats struct {
	Median *big.Int `json:"median"`
}

// GasCost 以原生代币拆分交易的费用。
type GasCost struct {
	GasCostWei       *big.Int        `json:"gasCostWei"`
	MaxGasCostWei    *big.Int        `json:"maxGasCostWei"`
	GasCostAmount    decimal.Decimal `json:"gasCostAmount"`
	MaxGasCostAmount decimal.Decimal `json:"maxGasCostAmount"`
	GasCostUSD       decimal.Decimal `json:"gasCostUsd"`
}

// Clone 深拷贝费用。
func (c GasCost) Clone() GasCost {
	c.GasCostWei = copyBig(c.GasCostWei)
	c.MaxGasCostWei = copyBig(c.MaxGasCostWei)
	return c
}

// WorstCase 返回交易在 gas 上最多消耗的原生代币数量。
func (c GasCost) WorstCase() *big.Int {
	if c.MaxGasCostWei == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(c.MaxGasCostWei)
}

const nativeDecimals = 18

// ComputeGasCost 按费用上限为 gasUsed（预期）和 gasLimit（最坏情况）定价，
// 并用模拟返回的原生代币价格把预期费用换算成美元。
func ComputeGasCost(fee Fee, gasUsed, gasLimit uint64, nativeTokenPrice float64) GasCost {
	price := fee.Cap()
	if price == nil {
		price = new(big.Int)
	}
	used := new(big.Int).Mul(price, new(big.Int).SetUint64(gasUsed))
	max := new(big.Int).Mul(price, new(big.Int).SetUint64(gasLimit))

	amount := decimal.NewFromBigInt(used, -nativeDecimals)
	return GasCost{
		GasCostWei:       used,
		MaxGasCostWei:    max,
		GasCostAmount:    amount,
		MaxGasCostAmount: decimal.NewFromBigInt(max, -nativeDecimals),
		GasCostUSD:       amount.Mul(decimal.NewFromFloat(nativeTokenPrice)).Round(6),
	}
}
