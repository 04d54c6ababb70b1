package txn

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// MarketData 提供手续费档位和价格统计。
type MarketData interface {
	GasTiers(ctx context.Context, chainID uint64, tx TxPayload) ([]GasLevel, error)
	GasPriceStats(ctx context.Context, chainID uint64) (GasStats, error)
}

// Simulator 在待打包交易之上预执行一笔交易。
type Simulator interface {
	Simulate(ctx context.Context, tx TxPayload, pending []TxPayload) (*SimulationResult, error)
}

// GasRecommendRequest 询问模拟后的交易需要多少 gas。
type GasRecommendRequest struct {
	ChainID     uint64    `json:"chainId"`
	Tx          TxPayload `json:"tx"`
	SimGasUsed  uint64    `json:"simGasUsed"`
	SimGasLimit uint64    `json:"simGasLimit"`
}

// GasRecommendation 是 GasRecommendRequest 的应答。
type GasRecommendation struct {
	Gas       uint64 `json:"gas"`
	NeedRatio bool   `json:"needRatio"`
	GasUsed   uint64 `json:"gasUsed"`
}

// GasLimitRequest 请求交易最终的 gas limit。
type GasLimitRequest struct {
	ChainID       uint64    `json:"chainId"`
	Tx            TxPayload `json:"tx"`
	Gas           uint64    `json:"gas"`
	GasUsed       uint64    `json:"gasUsed"`
	NeedRatio     bool      `json:"needRatio"`
	FeeCap        *big.Int  `json:"feeCap"`
	NativeBalance *big.Int  `json:"nativeBalance"`
}

// GasLimitRecommendation 是 GasLimitRequest 的应答。
type GasLimitRecommendation struct {
	GasLimit               uint64  `json:"gasLimit"`
	RecommendGasLimitRatio float64 `json:"recommendGasLimitRatio"`
}

// GasEstimator 根据模拟结果推导 gas limit。
type GasEstimator interface {
	RecommendGas(ctx context.Context, req GasRecommendRequest) (GasRecommendation, error)
	RecommendGasLimit(ctx context.Context, req GasLimitRequest) (GasLimitRecommendation, error)
}

// RiskEngine 为交易评估安全规则。
type RiskEngine interface {
	ParseAction(ctx context.Context, tx TxPayload, sim *SimulationResult) (*ParsedAction, error)
	FetchRequiredData(ctx context.Context, tx TxPayload, action ParsedAction) (RequiredData, error)
	Evaluate(ctx context.Context, rc RiskContext) ([]RiskResult, error)
}

// GaslessStatus 表示是否由第三方承担全部 gas。
type GaslessStatus struct {
	IsGasless bool `json:"is_gasless"`
}

// GasAccountStatus 表示预充值的代付余额能否支付 gas。
type GasAccountStatus struct {
	BalanceIsEnough bool `json:"balance_is_enough"`
	IsGasAccount    bool `json:"is_gas_account"`
	ChainNotSupport bool `json:"chain_not_support"`
}

// Eligible 判断 gas 账户是否真正可用。
func (s GasAccountStatus) Eligible() bool {
	return s.IsGasAccount && s.BalanceIsEnough && !s.ChainNotSupport
}

// Sponsor 回答代付资格相关的查询。
type Sponsor interface {
	GaslessCheck(ctx context.Context, txs []TxPayload) (GaslessStatus, error)
	GasAccountCheck(ctx context.Context, sig string, txs []TxPayload) (GasAccountStatus, error)
}

// PushType 选择广播通道。
type PushType string

const (
	PushDefault PushType = "default"
	PushMEV     PushType = "mev"
)

// SendOptions 随每次广播一起传递。
type SendOptions struct {
	PushType      PushType `json:"pushType"`
	IsGasless     bool     `json:"isGasless"`
	UseGasAccount bool     `json:"useGasAccount"`
	GasAccountSig string   `json:"gasAccountSig,omitempty"`
	SessionID     string   `json:"sessionId"`
	Origin        string   `json:"origin,omitempty"`
	Index         int      `json:"index"`
	Total         int      `json:"total"`
}

// Broadcaster 签名并提交一笔交易。
type Broadcaster interface {
	Send(ctx context.Context, tx TxPayload, opts SendOptions) (common.Hash, error)
}

// NonceRecommender 分配 nonce 并保存重试提示。已保存的提示会被同一账户的
// 下一次 GetRecommendedNonce 调用消费。
type NonceRecommender interface {
	GetRecommendedNonce(ctx context.Context, from common.Address, chainID uint64) (uint64, error)
	SetRetryRecommendedNonce(ctx context.Context, from common.Address, chainID uint64, nonce uint64) error
	ResetRetryRecommendedNonce(ctx context.Context, from common.Address, chainID uint64) error
}

// BalanceReader 读取账户的原生代币余额。
type BalanceReader interface {
	NativeBalance(ctx context.Context, chainID uint64, account common.Address) (*big.Int, error)
}

// ChainInfo 列出流程需要区分的链能力。
type ChainInfo struct {
	ChainID      uint64 `json:"chainId"`
	Name         string `json:"name"`
	EIP1559      bool   `json:"eip1559"`
	CustomRPC    bool   `json:"customRpc"`
	NativeSymbol string `json:"nativeSymbol"`
}

// ChainResolver 按链 ID 查询链能力。
type ChainResolver interface {
	ChainInfo(chainID uint64) (ChainInfo, error)
}
