package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"BatchSigner/internal/txn"
	"BatchSigner/internal/web3"
)

// FallbackGasTipCap is used when the node cannot suggest a priority fee.
var FallbackGasTipCap = big.NewInt(1_000_000_000)

// feeHistoryBlocks is how many recent blocks priority fee percentiles average over.
const feeHistoryBlocks = 10

// tierPercentiles are the reward percentiles backing slow, normal and fast.
var tierPercentiles = []float64{10, 50, 90}

// legacyTierPercents scale the suggested gas price into slow, normal and fast.
var legacyTierPercents = []int64{90, 100, 125}

var tierNames = []string{txn.LevelSlow, txn.LevelNormal, txn.LevelFast}

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
}

// Backend is the subset of ethclient.Client the pipeline needs. The simulated
// backend client satisfies it too.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*gethcore.FeeHistory, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
}

// Client reads account state and fee data from one EVM chain and broadcasts
// signed transactions to it.
type Client struct {
	name      string
	rpcClient *gethrpc.Client
	backend   Backend

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	return &Client{
		name:      cfg.Name,
		rpcClient: rpcClient,
		backend:   ethclient.NewClient(rpcClient),
	}, nil
}

// NewWithBackend wraps an existing backend, typically a simulated chain in
// tests. Pending transaction lookups are unavailable on such clients.
func NewWithBackend(name string, backend Backend) *Client {
	return &Client{name: name, backend: backend}
}

// Name returns the configured chain name.
func (c *Client) Name() string {
	return c.name
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// ChainID returns the chain id reported by the node, cached after the first call.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// PendingNonce returns the next nonce of account including pool transactions.
func (c *Client) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("查询交易计数失败: %w", err)
	}
	return nonce, nil
}

// NativeBalance returns the latest native balance of account.
func (c *Client) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// GasTiers derives slow, normal and fast tiers from the chain itself. On
// 1559 chains each tier pays 1.5x the next base fee plus the averaged reward
// percentile as tip; otherwise the suggested gas price is scaled.
func (c *Client) GasTiers(ctx context.Context, dynamic bool) ([]txn.GasLevel, error) {
	if dynamic {
		header, err := c.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("获取最新区块头失败: %w", err)
		}
		if header.BaseFee != nil {
			return c.dynamicTiers(ctx, header.BaseFee), nil
		}
	}

	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取建议 gas 价格失败: %w", err)
	}
	levels := make([]txn.GasLevel, len(tierNames))
	for i, name := range tierNames {
		levels[i] = txn.GasLevel{Level: name, Price: txn.MulPercent(price, legacyTierPercents[i])}
	}
	return levels, nil
}

func (c *Client) dynamicTiers(ctx context.Context, headBaseFee *big.Int) []txn.GasLevel {
	baseFee := new(big.Int).Set(headBaseFee)
	tips := make([]*big.Int, len(tierPercentiles))

	history, err := c.backend.FeeHistory(ctx, feeHistoryBlocks, nil, tierPercentiles)
	if err == nil && history != nil {
		if n := len(history.BaseFee); n > 0 && history.BaseFee[n-1] != nil {
			baseFee = new(big.Int).Set(history.BaseFee[n-1])
		}
		for k := range tierPercentiles {
			tips[k] = averageReward(history.Reward, k)
		}
	}

	fallback := FallbackGasTipCap
	if suggested, err := c.backend.SuggestGasTipCap(ctx); err == nil && suggested.Sign() > 0 {
		fallback = suggested
	}
	overestimated := new(big.Int).Div(new(big.Int).Mul(baseFee, big.NewInt(3)), big.NewInt(2))

	levels := make([]txn.GasLevel, len(tierNames))
	for i, name := range tierNames {
		tip := tips[i]
		if tip == nil || tip.Sign() <= 0 {
			tip = new(big.Int).Set(fallback)
		}
		levels[i] = txn.GasLevel{
			Level:         name,
			Price:         new(big.Int).Add(overestimated, tip),
			PriorityPrice: tip,
			BaseFee:       new(big.Int).Set(baseFee),
		}
	}
	// Percentile averages can invert on sparse history; keep tiers ordered.
	for i := 1; i < len(levels); i++ {
		if levels[i].Price.Cmp(levels[i-1].Price) < 0 {
			levels[i].Price = new(big.Int).Set(levels[i-1].Price)
			levels[i].PriorityPrice = new(big.Int).Set(levels[i-1].PriorityPrice)
		}
	}
	return levels
}

func averageReward(rewards [][]*big.Int, k int) *big.Int {
	sum := new(big.Int)
	n := int64(0)
	for _, block := range rewards {
		if k < len(block) && block[k] != nil {
			sum.Add(sum, block[k])
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return sum.Div(sum, big.NewInt(n))
}

// GasPriceStats reports the node's suggested gas price as the median.
func (c *Client) GasPriceStats(ctx context.Context) (txn.GasStats, error) {
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return txn.GasStats{}, fmt.Errorf("获取建议 gas 价格失败: %w", err)
	}
	return txn.GasStats{Median: price}, nil
}

// Broadcast signs payload with signer and submits it.
func (c *Client) Broadcast(ctx context.Context, signer web3.Signer, payload txn.TxPayload) (common.Hash, error) {
	if signer == nil {
		return common.Hash{}, errors.New("未配置交易签名器")
	}
	if signer.Address() != payload.From {
		return common.Hash{}, fmt.Errorf("签名账户 %s 与交易发送方 %s 不一致", signer.Address().Hex(), payload.From.Hex())
	}
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	if payload.ChainID != 0 && chainID.Uint64() != payload.ChainID {
		return common.Hash{}, fmt.Errorf("交易链 ID %d 与节点链 ID %s 不一致", payload.ChainID, chainID)
	}

	signed, err := signer.SignTx(BuildTransaction(chainID, payload), chainID)
	if err != nil {
		return common.Hash{}, err
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("发送交易失败: %w", err)
	}
	return signed.Hash(), nil
}

// BuildTransaction converts the wire payload into an unsigned transaction.
// The single zero byte used as placeholder calldata for plain transfers is
// dropped.
func BuildTransaction(chainID *big.Int, p txn.TxPayload) *coretypes.Transaction {
	var data []byte
	if !txn.IsPlainTransfer(p.Data) {
		data = append([]byte(nil), p.Data...)
	}
	value := new(big.Int)
	if p.Value != nil {
		value = new(big.Int).Set(p.Value.ToInt())
	}

	if p.MaxFeePerGas != nil {
		tip := new(big.Int)
		if p.MaxPriorityFeePerGas != nil {
			tip = new(big.Int).Set(p.MaxPriorityFeePerGas.ToInt())
		}
		return coretypes.NewTx(&coretypes.DynamicFeeTx{
			ChainID:   new(big.Int).Set(chainID),
			Nonce:     uint64(p.Nonce),
			GasTipCap: tip,
			GasFeeCap: new(big.Int).Set(p.MaxFeePerGas.ToInt()),
			Gas:       uint64(p.Gas),
			To:        p.To,
			Value:     value,
			Data:      data,
		})
	}
	price := new(big.Int)
	if p.GasPrice != nil {
		price = new(big.Int).Set(p.GasPrice.ToInt())
	}
	return coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    uint64(p.Nonce),
		GasPrice: price,
		Gas:      uint64(p.Gas),
		To:       p.To,
		Value:    value,
		Data:     data,
	})
}

// poolTx is the subset of a txpool entry used as simulation context.
type poolTx struct {
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to"`
	Input                hexutil.Bytes   `json:"input"`
	Value                *hexutil.Big    `json:"value"`
	Nonce                hexutil.Uint64  `json:"nonce"`
	Gas                  hexutil.Uint64  `json:"gas"`
	GasPrice             *hexutil.Big    `json:"gasPrice"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas"`
}

// PendingTxs lists the pool transactions of from that are ready to be mined,
// ordered by nonce. Nodes without the txpool namespace return an error.
func (c *Client) PendingTxs(ctx context.Context, chainID uint64, from common.Address) ([]txn.TxPayload, error) {
	c.mu.Lock()
	rpcClient := c.rpcClient
	c.mu.Unlock()
	if rpcClient == nil {
		return nil, errors.New("当前客户端不支持交易池查询")
	}

	var content map[string]map[string]*poolTx
	if err := rpcClient.CallContext(ctx, &content, "txpool_contentFrom", from); err != nil {
		return nil, fmt.Errorf("查询交易池失败: %w", err)
	}
	return poolPayloads(chainID, content["pending"]), nil
}

func poolPayloads(chainID uint64, pending map[string]*poolTx) []txn.TxPayload {
	out := make([]txn.TxPayload, 0, len(pending))
	for _, tx := range pending {
		if tx == nil {
			continue
		}
		var to *common.Address
		if tx.To != nil {
			addr := *tx.To
			to = &addr
		}
		value := tx.Value
		if value == nil {
			value = (*hexutil.Big)(new(big.Int))
		}
		out = append(out, txn.TxPayload{
			ChainID:              chainID,
			From:                 tx.From,
			To:                   to,
			Data:                 txn.NormalizeData(tx.Input),
			Value:                value,
			Nonce:                tx.Nonce,
			Gas:                  tx.Gas,
			GasPrice:             tx.GasPrice,
			MaxFeePerGas:         tx.MaxFeePerGas,
			MaxPriorityFeePerGas: tx.MaxPriorityFeePerGas,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nonce < out[j].Nonce })
	return out
}
