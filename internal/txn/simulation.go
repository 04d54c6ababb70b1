package txn

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SimulationResult 是单笔交易的预执行结果。
type SimulationResult struct {
	Success          bool            `json:"success"`
	GasUsed          uint64          `json:"gasUsed"`
	GasLimit         uint64          `json:"gasLimit"`
	NativeTokenPrice float64         `json:"nativeTokenPrice"`
	BalanceChange    BalanceChange   `json:"balanceChange"`
	Errors           []string        `json:"errors,omitempty"`
	Raw              json.RawMessage `json:"raw,omitempty"`
}

// BalanceChange 列出模拟得到的发送方余额变化。
type BalanceChange struct {
	Success      bool          `json:"success"`
	NativeDelta  *big.Int      `json:"nativeDelta,omitempty"`
	TokenChanges []TokenChange `json:"tokenChanges,omitempty"`
}

// TokenChange 是单个代币的带符号余额变化。
type TokenChange struct {
	Token  common.Address `json:"token"`
	Symbol string         `json:"symbol,omitempty"`
	Delta  *big.Int       `json:"delta"`
}
