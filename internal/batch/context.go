// Package batch 组装批次的签名上下文，并驱动其完成预处理、打开、gas 调整和发送。
package batch

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"BatchSigner/internal/checks"
	"BatchSigner/internal/gas"
	"BatchSigner/internal/txn"
)

// GasMethod 选择 gas 的支付方。
type GasMethod string

const (
	GasMethodNative     GasMethod = "native"
	GasMethodGasAccount GasMethod = "gasAccount"
)

// SignStatus 是批次的签名进度。
type SignStatus string

const (
	StatusUnsigned SignStatus = "unsigned"
	StatusSigning  SignStatus = "signing"
	StatusSigned   SignStatus = "signed"
)

// SignInfo 记录当前正在签名的交易。
type SignInfo struct {
	CurrentIndex int        `json:"currentTxIndex"`
	Total        int        `json:"total"`
	Status       SignStatus `json:"status"`
}

// advance 记录 index 广播成功。
func (s SignInfo) advance(index int) SignInfo {
	if index >= s.Total-1 {
		return SignInfo{CurrentIndex: index, Total: s.Total, Status: StatusSigned}
	}
	return SignInfo{CurrentIndex: index + 1, Total: s.Total, Status: StatusSigning}
}

// SignerContext 包含调用方审核和发送批次所需的全部信息。
type SignerContext struct {
	Fingerprint string            `json:"fingerprint"`
	ChainID     uint64            `json:"chainId"`
	From        common.Address    `json:"from"`
	Chain       txn.ChainInfo     `json:"chain"`
	Support1559 bool              `json:"support1559"`
	Intents     []txn.Intent      `json:"intents"`
	Txs         []*txn.PreparedTx `json:"txsCalc"`

	Gas            gas.Selection    `json:"gas"`
	Checks         []txn.CheckError `json:"checkErrors"`
	IsGasNotEnough bool             `json:"isGasNotEnough"`

	SecurityRequested bool                `json:"securityRequested"`
	Security          *txn.SecurityResult `json:"security,omitempty"`

	GasMethod       GasMethod            `json:"gasMethod"`
	GasMethodManual bool                 `json:"gasMethodManual"`
	Gasless         txn.GaslessStatus    `json:"gasless"`
	GasAccount      txn.GasAccountStatus `json:"gasAccount"`
	GasAccountSig   string               `json:"-"`
	Origin          string               `json:"origin,omitempty"`

	SignInfo  SignInfo  `json:"signInfo"`
	Open      bool      `json:"open"`
	LastError string    `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	memo *checks.SecurityMemo
}

// Clone 复制上下文。交易和 gas 状态深拷贝，意图与风控结论不会变化，因此共享。
func (c *SignerContext) Clone() *SignerContext {
	if c == nil {
		return nil
	}
	out := *c
	out.Txs = txn.CloneAll(c.Txs)
	out.Gas = c.Gas.Clone()
	out.Checks = append([]txn.CheckError(nil), c.Checks...)
	return &out
}

// Hashes 按批次顺序返回已分配的哈希。
func (c *SignerContext) Hashes() []common.Hash {
	out := make([]common.Hash, 0, len(c.Txs))
	for _, tx := range c.Txs {
		if tx.Hash != nil {
			out = append(out, *tx.Hash)
		}
	}
	return out
}
