package txn

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Intent 是调用方给出的最简交易请求，留空的可选字段由流程补全。
// 手续费从不取自意图，始终跟随所选 gas 档位。
type Intent struct {
	ChainID uint64          `json:"chainId"`
	From    common.Address  `json:"from"`
	To      *common.Address `json:"to,omitempty"`
	Data    hexutil.Bytes   `json:"data,omitempty"`
	Value   *big.Int        `json:"value,omitempty"`
	Gas     *uint64         `json:"gas,omitempty"`
	Nonce   *uint64         `json:"nonce,omitempty"`
}

// TxPayload 是交给模拟服务、代付服务和广播服务的交易形态。
type TxPayload struct {
	ChainID              uint64          `json:"chainId"`
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to,omitempty"`
	Data                 hexutil.Bytes   `json:"data"`
	Value                *hexutil.Big    `json:"value"`
	Nonce                hexutil.Uint64  `json:"nonce"`
	Gas                  hexutil.Uint64  `json:"gas,omitempty"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
}

// NormalizeData 把空 calldata 替换为单个零字节，预执行服务不接受空数据。
func NormalizeData(data []byte) []byte {
	if len(data) == 0 {
		return []byte{0x0}
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

// IsPlainTransfer 判断 calldata 是否不含合约调用。
func IsPlainTransfer(data []byte) bool {
	return len(data) == 0 || (len(data) == 1 && data[0] == 0)
}
