// Package gas 选择批次的手续费档位，并在用户切换档位时重新定价。
package gas

import (
	"math/big"

	xerrors "BatchSigner/internal/errors"
	"BatchSigner/internal/txn"
)

const (
	CodeUnknownGasLevel       xerrors.Code = "UNKNOWN_GAS_LEVEL"
	CodeMarketDataUnavailable xerrors.Code = "MARKET_DATA_UNAVAILABLE"
)

func init() {
	xerrors.Register(CodeUnknownGasLevel, xerrors.Attributes{
		Message:  "unknown gas level",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeMarketDataUnavailable, xerrors.Attributes{
		Message:   "gas market data unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// Prior 是跨批次记住的用户上一次选择。
type Prior struct {
	LastLevel       string   `json:"lastLevel,omitempty"`
	LastCustomPrice *big.Int `json:"lastCustomPrice,omitempty"`
}

// Selection 是批次的 gas 状态。
type Selection struct {
	Selected txn.GasLevel   `json:"selected"`
	Levels   []txn.GasLevel `json:"levels"`
	Stats    txn.GasStats   `json:"stats"`
	// BalanceSnapshot 是余额检查所用的原生代币余额。
	BalanceSnapshot *big.Int `json:"balanceSnapshot,omitempty"`
}

// Clone 深拷贝选择结果。
func (s Selection) Clone() Selection {
	out := Selection{
		Selected: s.Selected.Clone(),
		Levels:   make([]txn.GasLevel, len(s.Levels)),
		Stats:    txn.GasStats{Median: copyBig(s.Stats.Median)},
	}
	for i, l := range s.Levels {
		out.Levels[i] = l.Clone()
	}
	out.BalanceSnapshot = copyBig(s.BalanceSnapshot)
	return out
}

// SelectInitial 选择初始档位：依次优先记住的自定义价格、记住的档位名、normal、
// 第一个可用档位。完全没有档位时用价格中位数合成 normal 档。
func SelectInitial(levels []txn.GasLevel, stats txn.GasStats, prior Prior) Selection {
	list := make([]txn.GasLevel, 0, len(levels)+1)
	for _, l := range levels {
		list = append(list, l.Clone())
	}
	if len(list) == 0 && stats.Median != nil {
		list = append(list, txn.GasLevel{Level: txn.LevelNormal, Price: new(big.Int).Set(stats.Median)})
	}
	sel := Selection{Levels: list, Stats: txn.GasStats{Median: copyBig(stats.Median)}}

	if prior.LastLevel == txn.LevelCustom && prior.LastCustomPrice != nil && prior.LastCustomPrice.Sign() > 0 {
		custom := txn.GasLevel{Level: txn.LevelCustom, Price: new(big.Int).Set(prior.LastCustomPrice)}
		if base := find(list, txn.LevelNormal); base != nil {
			custom.BaseFee = copyBig(base.BaseFee)
		}
		sel.Levels = SpliceCustom(list, custom)
		sel.Selected = custom.Clone()
		return sel
	}
	for _, name := range []string{prior.LastLevel, txn.LevelNormal} {
		if name == "" || name == txn.LevelCustom {
			continue
		}
		if l := find(list, name); l != nil {
			sel.Selected = l.Clone()
			return sel
		}
	}
	if len(list) > 0 {
		sel.Selected = list[0].Clone()
	}
	return sel
}

// SpliceCustom 用 custom 替换 levels 中所有自定义档位，保证列表中至多一个。
func SpliceCustom(levels []txn.GasLevel, custom txn.GasLevel) []txn.GasLevel {
	out := make([]txn.GasLevel, 0, len(levels)+1)
	replaced := false
	for _, l := range levels {
		if l.IsCustom() {
			if !replaced {
				out = append(out, custom.Clone())
				replaced = true
			}
			continue
		}
		out = append(out, l.Clone())
	}
	if !replaced {
		out = append(out, custom.Clone())
	}
	return out
}

// Resolve 把请求的档位映射到行情列表。自定义档位原样使用，命名档位必须存在于 levels。
func Resolve(levels []txn.GasLevel, requested txn.GasLevel) (txn.GasLevel, error) {
	if requested.IsCustom() {
		if requested.Price == nil || requested.Price.Sign() <= 0 {
			return txn.GasLevel{}, xerrors.New(xerrors.CodeInvalidArgument, "自定义 gas 价格必须大于 0")
		}
		return requested.Clone(), nil
	}
	if l := find(levels, requested.Level); l != nil {
		return l.Clone(), nil
	}
	return txn.GasLevel{}, xerrors.New(CodeUnknownGasLevel, "未知的 gas 档位", xerrors.WithMetadata("level", requested.Level))
}

func find(levels []txn.GasLevel, name string) *txn.GasLevel {
	for i := range levels {
		if levels[i].Level == name {
			return &levels[i]
		}
	}
	return nil
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
