package txn

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// PreparedTx 是由意图展开得到的完整交易。它在批次中的位置即身份，不会被重排。
type PreparedTx struct {
	ChainID  uint64          `json:"chainId"`
	From     common.Address  `json:"from"`
	To       *common.Address `json:"to,omitempty"`
	Data     hexutil.Bytes   `json:"data"`
	Value    *big.Int        `json:"value"`
	Nonce    uint64          `json:"nonce"`
	GasLimit uint64          `json:"gasLimit"`
	Fee      Fee             `json:"fee"`
	GasUsed  uint64          `json:"gasUsed"`
	GasCost  GasCost         `json:"gasCost"`

	Simulation             *SimulationResult `json:"simulation,omitempty"`
	RecommendNonce         uint64            `json:"recommendNonce"`
	RecommendGasLimit      uint64            `json:"recommendGasLimit"`
	RecommendGasLimitRatio float64           `json:"recommendGasLimitRatio"`

	Hash *common.Hash `json:"hash,omitempty"`
}

// Sent 判断交易是否已有广播哈希。
func (p *PreparedTx) Sent() bool {
	return p != nil && p.Hash != nil
}

// Payload 生成交易的传输形态。
func (p *PreparedTx) Payload() TxPayload {
	value := p.Value
	if value == nil {
		value = new(big.Int)
	}
	payload := TxPayload{
		ChainID: p.ChainID,
		From:    p.From,
		To:      p.To,
		Data:    append(hexutil.Bytes(nil), p.Data...),
		Value:   (*hexutil.Big)(new(big.Int).Set(value)),
		Nonce:   hexutil.Uint64(p.Nonce),
		Gas:     hexutil.Uint64(p.GasLimit),
	}
	if p.Fee.IsDynamic() {
		payload.MaxFeePerGas = toHexBig(p.Fee.MaxFeePerGas)
		payload.MaxPriorityFeePerGas = toHexBig(p.Fee.MaxPriorityFeePerGas)
	} else {
		payload.GasPrice = toHexBig(p.Fee.GasPrice)
	}
	return payload
}

// Clone 深拷贝交易。模拟结果组装后不再修改，因此共享。
func (p *PreparedTx) Clone() *PreparedTx {
	if p == nil {
		return nil
	}
	out := *p
	if p.To != nil {
		to := *p.To
		out.To = &to
	}
	out.Data = append(hexutil.Bytes(nil), p.Data...)
	out.Value = copyBig(p.Value)
	out.Fee = p.Fee.Clone()
	out.GasCost = p.GasCost.Clone()
	if p.Hash != nil {
		h := *p.Hash
		out.Hash = &h
	}
	return &out
}

// CloneAll 深拷贝整个批次。
func CloneAll(txs []*PreparedTx) []*PreparedTx {
	out := make([]*PreparedTx, len(txs))
	for i, tx := range txs {
		out[i] = tx.Clone()
	}
	return out
}

// Payloads 生成批次中每笔交易的传输形态。
func Payloads(txs []*PreparedTx) []TxPayload {
	out := make([]TxPayload, len(txs))
	for i, tx := range txs {
		out[i] = tx.Payload()
	}
	return out
}

func toHexBig(v *big.Int) *hexutil.Big {
	if v == nil {
		return nil
	}
	return (*hexutil.Big)(new(big.Int).Set(v))
}
