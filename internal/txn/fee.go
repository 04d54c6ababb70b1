package txn

import (
	"math/big"
)

// FeeKind 区分 EVM 交易的两种手续费形态。
type FeeKind string

const (
	FeeLegacy  FeeKind = "legacy"
	FeeDynamic FeeKind = "eip1559"
)

// Fee 是带标签的变体：Legacy 只有 GasPrice，Dynamic 只有 MaxFeePerGas 与
// MaxPriorityFeePerGas。
type Fee struct {
	Kind                 FeeKind  `json:"kind"`
	GasPrice             *big.Int `json:"gasPrice,omitempty"`
	MaxFeePerGas         *big.Int `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *big.Int `json:"maxPriorityFeePerGas,omitempty"`
}

// LegacyFee 构造 legacy 手续费。
func LegacyFee(gasPrice *big.Int) Fee {
	return Fee{Kind: FeeLegacy, GasPrice: copyBig(gasPrice)}
}

// DynamicFee 构造 EIP-1559 手续费。
func DynamicFee(maxFee, maxPriorityFee *big.Int) Fee {
	return Fee{Kind: FeeDynamic, MaxFeePerGas: copyBig(maxFee), MaxPriorityFeePerGas: copyBig(maxPriorityFee)}
}

// IsDynamic 判断是否使用 EIP-1559 字段。
func (f Fee) IsDynamic() bool {
	return f.Kind == FeeDynamic
}

// Cap 返回交易单位 gas 最多支付的价格。
func (f Fee) Cap() *big.Int {
	if f.IsDynamic() {
		return copyBig(f.MaxFeePerGas)
	}
	return copyBig(f.GasPrice)
}

// Clone 深拷贝手续费。
func (f Fee) Clone() Fee {
	return Fee{
		Kind:                 f.Kind,
		GasPrice:             copyBig(f.GasPrice),
		MaxFeePerGas:         copyBig(f.MaxFeePerGas),
		MaxPriorityFeePerGas: copyBig(f.MaxPriorityFeePerGas),
	}
}

// Bump 将 legacy gasPrice 或 1559 maxFee 乘以 percent/100，四舍五入。
// priority fee 保持不变。
func (f Fee) Bump(percent int64) Fee {
	out := f.Clone()
	if out.GasPrice != nil {
		out.GasPrice = MulPercent(out.GasPrice, percent)
	}
	if out.MaxFeePerGas != nil {
		out.MaxFeePerGas = MulPercent(out.MaxFeePerGas, percent)
	}
	return out
}

// MulPercent 返回 round(v * percent / 100)。
func MulPercent(v *big.Int, percent int64) *big.Int {
	if v == nil {
		return nil
	}
	out := new(big.Int).Mul(v, big.NewInt(percent))
	out.Add(out, big.NewInt(50))
	return out.Div(out, big.NewInt(100))
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
