package batch

import (
	"context"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"BatchSigner/internal/checks"
	"BatchSigner/internal/compose"
	xerrors "BatchSigner/internal/errors"
	"BatchSigner/internal/gas"
	"BatchSigner/internal/progress"
	"BatchSigner/internal/recommend"
	"BatchSigner/internal/sender"
	"BatchSigner/internal/txn"
	"BatchSigner/pkg/logger"
)

// CodeContextStale 表示指纹对应的上下文已不存在。
const CodeContextStale xerrors.Code = "CONTEXT_STALE"

func init() {
	xerrors.Register(CodeContextStale, xerrors.Attributes{
		Message:  "signer context expired or unknown",
		Severity: xerrors.SeverityInfo,
	})
}

// Deps 是 Machine 的协作组件。
type Deps struct {
	Composer     *compose.Composer
	Aggregator   *checks.Aggregator
	Selector     *gas.Selector
	Orchestrator *sender.Orchestrator
	Chains       txn.ChainResolver
	Balances     txn.BalanceReader
	Nonces       recommend.NonceSource
	Progress     progress.Sink
	Cache        *ContextCache
}

// PrepareRequest 描述待预处理的批次。
type PrepareRequest struct {
	Intents []txn.Intent
	// Security 请求对最后一笔交易做风控评估。
	Security bool
	Origin   string
	// LegacyKeyring 标记无法签署 EIP-1559 交易的签名器。
	LegacyKeyring bool
	GasAccountSig string
	// Prior 覆盖账户记住的 gas 偏好。
	Prior        *gas.Prior
	OnSimulation compose.SimulationHook
}

// SendRequest 描述一次已预处理批次的发送。
type SendRequest struct {
	Fingerprint string
	Retry       bool
	RetryType   sender.RetryType
	PushType    txn.PushType
	// OnProgress 在每次广播后收到上下文快照。
	OnProgress func(*SignerContext)
}

// Machine 驱动签名上下文完成预处理、打开、gas 调整和发送。
type Machine struct {
	deps   Deps
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*fingerprintLock
	prefs map[string]gas.Prior
}

// fingerprintLock 串行化同一指纹上的操作，无人持有时从 locks 中移除。
type fingerprintLock struct {
	mu   sync.Mutex
	refs int
}

// NewMachine 创建 Machine，Composer、Selector 与 Orchestrator 为必填项。
func NewMachine(deps Deps) (*Machine, error) {
	if deps.Composer == nil || deps.Selector == nil || deps.Orchestrator == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "状态机依赖未配置完整")
	}
	if deps.Aggregator == nil {
		deps.Aggregator = checks.NewAggregator(nil)
	}
	if deps.Progress == nil {
		deps.Progress = progress.Discard{}
	}
	if deps.Cache == nil {
		cache, err := NewContextCache(DefaultCacheSize)
		if err != nil {
			return nil, err
		}
		deps.Cache = cache
	}
	m := &Machine{
		deps:   deps,
		logger: logger.Named("batch"),
		locks:  make(map[string]*fingerprintLock),
		prefs:  make(map[string]gas.Prior),
	}
	deps.Cache.OnEvict(m.evicted)
	return m, nil
}

// Prefetch 组装、检查并定价一个批次，结果以关闭状态按指纹缓存。
// 同一指纹的批次一旦开始发送，直接返回已有上下文，不再重新组装。
func (m *Machine) Prefetch(ctx context.Context, req PrepareRequest) (*SignerContext, error) {
	if _, _, err := validateIntents(req.Intents); err != nil {
		return nil, err
	}
	fp, err := Fingerprint(req.Intents)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "计算批次指纹失败")
	}

	unlock := m.lock(fp)
	defer unlock()

	if cur, ok := m.started(fp); ok {
		m.logger.Info("批次已开始发送，沿用现有签名上下文",
			zap.String("fingerprint", fp),
			zap.String("status", string(cur.SignInfo.Status)),
			zap.Int("sent", len(cur.Hashes())),
		)
		return cur.Clone(), nil
	}
	sc, err := m.prefetch(ctx, req, fp)
	if err != nil {
		return nil, err
	}
	return sc.Clone(), nil
}

// prefetch 要求调用方已持有 fp 的锁。
func (m *Machine) prefetch(ctx context.Context, req PrepareRequest, fp string) (*SignerContext, error) {
	chainID, from, err := validateIntents(req.Intents)
	if err != nil {
		return nil, err
	}

	chain := txn.ChainInfo{ChainID: chainID}
	if m.deps.Chains != nil {
		if chain, err = m.deps.Chains.ChainInfo(chainID); err != nil {
			return nil, err
		}
	}
	support1559 := chain.EIP1559 && !req.LegacyKeyring

	var (
		levels    []txn.GasLevel
		stats     txn.GasStats
		balance   *big.Int
		baseNonce uint64
	)
	first := req.Intents[0]
	marketTx := txn.TxPayload{ChainID: chainID, From: from, To: first.To, Data: txn.NormalizeData(first.Data)}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		levels, stats, err = m.deps.Selector.FetchMarket(gctx, chainID, marketTx)
		return err
	})
	g.Go(func() error {
		var err error
		balance, err = m.balance(gctx, chainID, from)
		return err
	})
	g.Go(func() error {
		var err error
		baseNonce, err = m.baseNonce(gctx, chainID, from)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	prior := m.prior(chainID, from)
	if req.Prior != nil {
		prior = *req.Prior
	}
	sel := gas.SelectInitial(levels, stats, prior)
	sel.BalanceSnapshot = new(big.Int).Set(balance)

	txs, err := m.deps.Composer.Compose(ctx, compose.Request{
		Intents:          req.Intents,
		BaseNonce:        baseNonce,
		Gas:              sel.Selected,
		Stats:            sel.Stats,
		Support1559:      support1559,
		NativeBalance:    balance,
		OnLastSimulation: req.OnSimulation,
	})
	if err != nil {
		return nil, err
	}

	report, gasless, gasAccount := m.deps.Selector.Eligibility(ctx, txs, balance, req.GasAccountSig)

	now := time.Now().UTC()
	sc := &SignerContext{
		Fingerprint:       fp,
		ChainID:           chainID,
		From:              from,
		Chain:             chain,
		Support1559:       support1559,
		Intents:           req.Intents,
		Txs:               txs,
		Gas:               sel,
		Checks:            report.Errors,
		IsGasNotEnough:    report.IsGasNotEnough,
		SecurityRequested: req.Security,
		GasMethod:         GasMethodNative,
		Gasless:           gasless,
		GasAccount:        gasAccount,
		GasAccountSig:     req.GasAccountSig,
		Origin:            req.Origin,
		SignInfo:          SignInfo{Total: len(txs), Status: StatusUnsigned},
		CreatedAt:         now,
		UpdatedAt:         now,
		memo:              &checks.SecurityMemo{},
	}
	sc.GasMethod = autoGasMethod(sc)
	if _, ok := m.deps.Cache.Get(fp); ok {
		// 重新组装后旧的重试工作副本失效。
		m.deps.Orchestrator.Reset(fp)
	}
	m.deps.Cache.Put(sc)

	m.logger.Info("批次预处理完成",
		zap.String("fingerprint", fp),
		zap.Uint64("chain_id", chainID),
		zap.Int("txs", len(txs)),
		zap.Bool("gas_not_enough", sc.IsGasNotEnough),
		zap.String("gas_method", string(sc.GasMethod)),
	)
	return sc, nil
}

// Open 返回意图对应的上下文。指纹一致时复用 existing 或缓存中的上下文，
// 否则重新预处理。请求的风控结论在首次打开时计算。
func (m *Machine) Open(ctx context.Context, req PrepareRequest, existing *SignerContext) (*SignerContext, error) {
	fp, err := Fingerprint(req.Intents)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "计算批次指纹失败")
	}

	unlock := m.lock(fp)
	defer unlock()

	var cur *SignerContext
	switch {
	case existing != nil && existing.Fingerprint == fp:
		if cached, ok := m.deps.Cache.Get(fp); ok {
			cur = cached
		} else {
			cur = existing.Clone()
			if cur.memo == nil {
				cur.memo = &checks.SecurityMemo{}
			}
		}
	default:
		if cached, ok := m.deps.Cache.Get(fp); ok {
			cur = cached
		}
	}
	if cur == nil {
		if cur, err = m.prefetch(ctx, req, fp); err != nil {
			return nil, err
		}
	}

	next := cur.Clone()
	next.SecurityRequested = next.SecurityRequested || req.Security
	if next.SecurityRequested {
		origin := next.Origin
		if req.Origin != "" {
			origin = req.Origin
		}
		report := m.deps.Aggregator.Aggregate(ctx, next.Txs, next.Gas.BalanceSnapshot, checks.Options{Origin: origin, Memo: next.memo})
		next.Checks = report.Errors
		next.IsGasNotEnough = report.IsGasNotEnough
		next.Security = report.Security
	}
	next.Open = true
	next.UpdatedAt = time.Now().UTC()
	m.deps.Cache.Put(next)
	return next.Clone(), nil
}

// Get 返回缓存上下文的快照。
func (m *Machine) Get(fingerprint string) (*SignerContext, error) {
	cur, ok := m.deps.Cache.Get(fingerprint)
	if !ok {
		return nil, staleError(fingerprint)
	}
	return cur.Clone(), nil
}

// UpdateGas 将批次切换到 level，并把重新定价的交易、检查结果和代付资格合并回上下文。
func (m *Machine) UpdateGas(ctx context.Context, fingerprint string, level txn.GasLevel) (*SignerContext, error) {
	unlock := m.lock(fingerprint)
	defer unlock()

	cur, ok := m.deps.Cache.Get(fingerprint)
	if !ok {
		return nil, staleError(fingerprint)
	}
	if cur.SignInfo.Status != StatusUnsigned {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "批次已开始签名，不能修改 gas")
	}

	out, err := m.deps.Selector.Recompute(ctx, gas.RecomputeInput{
		Txs:           cur.Txs,
		Selection:     cur.Gas,
		Level:         level,
		Support1559:   cur.Support1559,
		Balance:       cur.Gas.BalanceSnapshot,
		GasAccountSig: cur.GasAccountSig,
	})
	if err != nil {
		return nil, err
	}

	next := cur.Clone()
	next.Txs = out.Txs
	next.Gas = out.Selection
	next.Checks = out.Report.Errors
	next.IsGasNotEnough = out.Report.IsGasNotEnough
	next.Gasless = out.Gasless
	next.GasAccount = out.GasAccount
	if !next.GasMethodManual || (next.GasMethod == GasMethodGasAccount && !next.GasAccount.Eligible()) {
		next.GasMethod = autoGasMethod(next)
	}
	next.UpdatedAt = time.Now().UTC()
	m.deps.Cache.Put(next)
	m.remember(next.ChainID, next.From, out.Selection.Selected)
	return next.Clone(), nil
}

// SetGasMethod 在原生支付和 gas 账户支付之间切换。
func (m *Machine) SetGasMethod(_ context.Context, fingerprint string, method GasMethod) (*SignerContext, error) {
	unlock := m.lock(fingerprint)
	defer unlock()

	cur, ok := m.deps.Cache.Get(fingerprint)
	if !ok {
		return nil, staleError(fingerprint)
	}
	switch method {
	case GasMethodNative:
	case GasMethodGasAccount:
		if !cur.GasAccount.Eligible() {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "gas 账户不可用")
		}
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的 gas 支付方式", xerrors.WithMetadata("method", string(method)))
	}
	next := cur.Clone()
	next.GasMethod = method
	next.GasMethodManual = true
	next.UpdatedAt = time.Now().UTC()
	m.deps.Cache.Put(next)
	return next.Clone(), nil
}

// Close 隐藏上下文但不丢弃。
func (m *Machine) Close(fingerprint string) (*SignerContext, error) {
	unlock := m.lock(fingerprint)
	defer unlock()

	cur, ok := m.deps.Cache.Get(fingerprint)
	if !ok {
		return nil, staleError(fingerprint)
	}
	next := cur.Clone()
	next.Open = false
	next.UpdatedAt = time.Now().UTC()
	m.deps.Cache.Put(next)
	return next.Clone(), nil
}

// Send 广播批次。每次广播成功后写回交易哈希、推进 SignInfo，
// 并在发送下一笔之前把快照推送给进度回调。
func (m *Machine) Send(ctx context.Context, req SendRequest) (*SignerContext, *sender.Result, error) {
	unlock := m.lock(req.Fingerprint)
	defer unlock()

	cur, ok := m.deps.Cache.Get(req.Fingerprint)
	if !ok {
		return nil, nil, staleError(req.Fingerprint)
	}

	working := cur.Clone()
	working.LastError = ""
	if working.SignInfo.Status == StatusUnsigned {
		working.SignInfo.Status = StatusSigning
	}
	total := len(working.Txs)

	res, err := m.deps.Orchestrator.Send(ctx, sender.Request{
		Fingerprint: req.Fingerprint,
		Txs:         working.Txs,
		Retry:       req.Retry,
		RetryType:   req.RetryType,
		Options: txn.SendOptions{
			PushType:      req.PushType,
			IsGasless:     working.Gasless.IsGasless,
			UseGasAccount: working.GasMethod == GasMethodGasAccount,
			GasAccountSig: working.GasAccountSig,
			Origin:        working.Origin,
		},
		OnProgress: func(p sender.Progress) {
			working.Txs[p.Index] = p.Tx
			working.SignInfo = working.SignInfo.advance(p.Index)
			working.UpdatedAt = time.Now().UTC()
			snapshot := working.Clone()
			m.deps.Cache.Put(snapshot)
			m.publish(ctx, progress.Event{
				Fingerprint: req.Fingerprint,
				Index:       p.Index,
				Total:       total,
				Hash:        p.Hash.Hex(),
				Status:      progress.Status(working.SignInfo.Status),
				OccurredAt:  working.UpdatedAt,
			})
			if req.OnProgress != nil {
				req.OnProgress(snapshot.Clone())
			}
		},
	})
	if err != nil {
		return nil, nil, err
	}

	if res.Failed {
		working.LastError = res.ErrorText
		if len(working.Hashes()) == 0 {
			working.SignInfo.Status = StatusUnsigned
		}
		m.publish(ctx, progress.Event{
			Fingerprint: req.Fingerprint,
			Index:       res.FailedIndex,
			Total:       total,
			Status:      progress.StatusFailed,
			ErrorText:   res.ErrorText,
			OccurredAt:  time.Now().UTC(),
		})
	}
	working.UpdatedAt = time.Now().UTC()
	m.deps.Cache.Put(working)
	return working.Clone(), res, nil
}

func (m *Machine) publish(ctx context.Context, event progress.Event) {
	if err := m.deps.Progress.Publish(ctx, event); err != nil {
		m.logger.Warn("推送发送进度失败", zap.Error(err), zap.String("fingerprint", event.Fingerprint))
	}
}

func (m *Machine) balance(ctx context.Context, chainID uint64, from common.Address) (*big.Int, error) {
	if m.deps.Balances == nil {
		return new(big.Int), nil
	}
	bal, err := m.deps.Balances.NativeBalance(ctx, chainID, from)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "读取账户余额失败")
	}
	if bal == nil {
		return new(big.Int), nil
	}
	return bal, nil
}

func (m *Machine) baseNonce(ctx context.Context, chainID uint64, from common.Address) (uint64, error) {
	if m.deps.Nonces == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "未配置 nonce 来源")
	}
	nonce, err := m.deps.Nonces.PendingNonce(ctx, chainID, from)
	if err != nil {
		return 0, xerrors.Wrap(sender.CodeNonceUnavailable, err, "读取账户 nonce 失败")
	}
	return nonce, nil
}

// started 返回已有交易广播或正在签名的缓存上下文。
func (m *Machine) started(fingerprint string) (*SignerContext, bool) {
	cur, ok := m.deps.Cache.Get(fingerprint)
	if !ok {
		return nil, false
	}
	if cur.SignInfo.Status == StatusUnsigned && len(cur.Hashes()) == 0 {
		return nil, false
	}
	return cur, true
}

// evicted 在上下文被缓存淘汰后丢弃发送器保存的重试工作副本。
func (m *Machine) evicted(fingerprint string) {
	m.deps.Orchestrator.Reset(fingerprint)
	m.logger.Debug("签名上下文已淘汰", zap.String("fingerprint", fingerprint))
}

func (m *Machine) lock(fingerprint string) func() {
	m.mu.Lock()
	l, ok := m.locks[fingerprint]
	if !ok {
		l = &fingerprintLock{}
		m.locks[fingerprint] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, fingerprint)
		}
		m.mu.Unlock()
	}
}

func (m *Machine) prior(chainID uint64, from common.Address) gas.Prior {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prefs[prefKey(chainID, from)]
}

func (m *Machine) remember(chainID uint64, from common.Address, level txn.GasLevel) {
	p := gas.Prior{LastLevel: level.Level}
	if level.IsCustom() && level.Price != nil {
		p.LastCustomPrice = new(big.Int).Set(level.Price)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[prefKey(chainID, from)] = p
}

func prefKey(chainID uint64, from common.Address) string {
	return from.Hex() + ":" + strconv.FormatUint(chainID, 10)
}

// autoGasMethod 仅在原生余额不足、未配置自定义 RPC 且 gas 账户可用时切换到 gas 账户。
func autoGasMethod(c *SignerContext) GasMethod {
	if c.IsGasNotEnough && !c.Chain.CustomRPC && c.GasAccount.Eligible() {
		return GasMethodGasAccount
	}
	return GasMethodNative
}

func validateIntents(intents []txn.Intent) (uint64, common.Address, error) {
	if len(intents) == 0 {
		return 0, common.Address{}, compose.ErrEmptyBatch
	}
	chainID, from := intents[0].ChainID, intents[0].From
	for i, in := range intents[1:] {
		if in.ChainID != chainID || in.From != from {
			return 0, common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "批次内交易必须属于同一账户和链",
				xerrors.WithMetadata("index", strconv.Itoa(i+1)))
		}
	}
	return chainID, from, nil
}

func staleError(fingerprint string) error {
	return xerrors.New(CodeContextStale, "签名上下文不存在或已过期", xerrors.WithMetadata("fingerprint", fingerprint))
}
