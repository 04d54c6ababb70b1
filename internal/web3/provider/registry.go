package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"BatchSigner/internal/config"
	xerrors "BatchSigner/internal/errors"
	"BatchSigner/internal/txn"
	"BatchSigner/internal/web3"
	"BatchSigner/internal/web3/ethereum"
	"BatchSigner/pkg/logger"
)

// Entry binds chain capabilities to the client serving the chain.
type Entry struct {
	Info   txn.ChainInfo
	Client *ethereum.Client
}

// Registry manages chain clients keyed by chain id. It is the on-chain side of
// the pipeline: chain capabilities, nonces, balances, fallback fee tiers,
// pending pool transactions and broadcasting.
type Registry struct {
	entries map[uint64]Entry
	signers map[common.Address]web3.Signer
	logger  *zap.Logger
}

var (
	_ txn.ChainResolver = (*Registry)(nil)
	_ txn.BalanceReader = (*Registry)(nil)
	_ txn.MarketData    = (*Registry)(nil)
	_ txn.Broadcaster   = (*Registry)(nil)
)

// Option customizes a Registry.
type Option func(*Registry)

// WithSigner registers a signer for its account.
func WithSigner(s web3.Signer) Option {
	return func(r *Registry) {
		if s != nil {
			r.signers[s.Address()] = s
		}
	}
}

// NewRegistry loads chain definitions and instantiates concrete clients. When
// no chain file is configured a single chain is built from RPCURL.
func NewRegistry(ctx context.Context, cfg config.Web3Config, opts ...Option) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			closeEntries(entries)
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: name, RPCURL: chain.RPCURL})
		if err != nil {
			closeEntries(entries)
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		entries = append(entries, Entry{Info: chain.Info(name), Client: client})
	}

	if len(entries) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: "default", RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		chainID := cfg.ChainID
		if chainID == 0 {
			id, err := client.ChainID(ctx)
			if err != nil {
				client.Close()
				return nil, err
			}
			chainID = id.Uint64()
		}
		def := web3.ChainDefinition{ChainID: chainID, EIP1559: true}
		entries = append(entries, Entry{Info: def.Info("default"), Client: client})
	}

	if len(entries) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	return NewStatic(entries, opts...), nil
}

// NewStatic builds a registry from already constructed clients.
func NewStatic(entries []Entry, opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[uint64]Entry, len(entries)),
		signers: make(map[common.Address]web3.Signer),
		logger:  logger.Named("web3"),
	}
	for _, e := range entries {
		r.entries[e.Info.ChainID] = e
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// ChainInfo implements txn.ChainResolver.
func (r *Registry) ChainInfo(chainID uint64) (txn.ChainInfo, error) {
	e, err := r.entry(chainID)
	if err != nil {
		return txn.ChainInfo{}, err
	}
	return e.Info, nil
}

// PendingNonce returns the next usable nonce of account on chainID.
func (r *Registry) PendingNonce(ctx context.Context, chainID uint64, account common.Address) (uint64, error) {
	e, err := r.entry(chainID)
	if err != nil {
		return 0, err
	}
	return e.Client.PendingNonce(ctx, account)
}

// NativeBalance implements txn.BalanceReader.
func (r *Registry) NativeBalance(ctx context.Context, chainID uint64, account common.Address) (*big.Int, error) {
	e, err := r.entry(chainID)
	if err != nil {
		return nil, err
	}
	return e.Client.NativeBalance(ctx, account)
}

// GasTiers implements txn.MarketData from on-chain fee data.
func (r *Registry) GasTiers(ctx context.Context, chainID uint64, _ txn.TxPayload) ([]txn.GasLevel, error) {
	e, err := r.entry(chainID)
	if err != nil {
		return nil, err
	}
	return e.Client.GasTiers(ctx, e.Info.EIP1559)
}

// GasPriceStats implements txn.MarketData.
func (r *Registry) GasPriceStats(ctx context.Context, chainID uint64) (txn.GasStats, error) {
	e, err := r.entry(chainID)
	if err != nil {
		return txn.GasStats{}, err
	}
	return e.Client.GasPriceStats(ctx)
}

// PendingTxs lists pool transactions of from on chainID.
func (r *Registry) PendingTxs(ctx context.Context, chainID uint64, from common.Address) ([]txn.TxPayload, error) {
	e, err := r.entry(chainID)
	if err != nil {
		return nil, err
	}
	return e.Client.PendingTxs(ctx, chainID, from)
}

// Send implements txn.Broadcaster with the signer registered for tx.From.
// Sponsored sends need a relayer and are refused here.
func (r *Registry) Send(ctx context.Context, tx txn.TxPayload, opts txn.SendOptions) (common.Hash, error) {
	if opts.UseGasAccount || opts.IsGasless {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "链上直发不支持代付交易")
	}
	e, err := r.entry(tx.ChainID)
	if err != nil {
		return common.Hash{}, err
	}
	signer, ok := r.signers[tx.From]
	if !ok {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "未找到发送账户的签名器",
			xerrors.WithMetadata("from", tx.From.Hex()))
	}
	if opts.PushType == txn.PushMEV {
		r.logger.Debug("MEV 通道未配置，使用默认广播", zap.String("session_id", opts.SessionID))
	}
	hash, err := e.Client.Broadcast(ctx, signer, tx)
	if err != nil {
		return common.Hash{}, err
	}
	r.logger.Info("交易已广播",
		zap.Uint64("chain_id", tx.ChainID),
		zap.String("hash", hash.Hex()),
		zap.Int("index", opts.Index),
		zap.Int("total", opts.Total),
	)
	return hash, nil
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for id, e := range r.entries {
		if e.Client != nil {
			e.Client.Close()
		}
		delete(r.entries, id)
	}
}

// Chains returns the registered chain ids in ascending order.
func (r *Registry) Chains() []uint64 {
	if r == nil {
		return nil
	}
	ids := make([]uint64, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) entry(chainID uint64) (Entry, error) {
	if r == nil {
		return Entry{}, errors.New("未初始化的链客户端注册表")
	}
	e, ok := r.entries[chainID]
	if !ok || e.Client == nil {
		return Entry{}, xerrors.New(xerrors.CodeNotFound, "链未在注册表中", xerrors.WithMetadata("chain_id", strconv.FormatUint(chainID, 10)))
	}
	return e, nil
}

func closeEntries(entries []Entry) {
	for _, e := range entries {
		e.Client.Close()
	}
}
