// Package sender 按顺序广播已准备的批次，并支持断点续发的重试。
package sender

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	xerrors "BatchSigner/internal/errors"
	"BatchSigner/internal/observability/alerting"
	"BatchSigner/internal/observability/metrics"
	"BatchSigner/internal/txn"
	"BatchSigner/pkg/logger"
)

const (
	CodeBroadcastFailed  xerrors.Code = "BROADCAST_FAILED"
	CodeNonceUnavailable xerrors.Code = "NONCE_UNAVAILABLE"
	CodeSendInProgress   xerrors.Code = "SEND_IN_PROGRESS"
)

func init() {
	xerrors.Register(CodeBroadcastFailed, xerrors.Attributes{
		Message:   "broadcast failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeNonceUnavailable, xerrors.Attributes{
		Message:   "recommended nonce unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeSendInProgress, xerrors.Attributes{
		Message:  "batch is already being sent",
		Severity: xerrors.SeverityInfo,
	})
}

// RetryType 选择重试前要调整的内容。
type RetryType string

const (
	RetryNonce    RetryType = "nonce"
	RetryGasPrice RetryType = "gasPrice"
)

// DefaultBumpPercent 是 gasPrice 重试策略的手续费倍率。
const DefaultBumpPercent = 130

// Progress 在每次广播成功后上报。
type Progress struct {
	Index int
	Hash  common.Hash
	// Tx 是已发送交易的副本，包含重试时的修改。
	Tx *txn.PreparedTx
}

// Request 描述一次发送调用。
type Request struct {
	Fingerprint string
	Txs         []*txn.PreparedTx
	Retry       bool
	RetryType   RetryType
	Options     txn.SendOptions
	OnProgress  func(Progress)
}

// Result 是发送结果。失败时，用户可自行处理后重试的设备状态其 ErrorText 为空。
type Result struct {
	Hashes      []common.Hash     `json:"hashes"`
	Txs         []*txn.PreparedTx `json:"txs"`
	Failed      bool              `json:"failed"`
	FailedIndex int               `json:"failedIndex"`
	ErrorText   string            `json:"errorText"`
	Err         error             `json:"-"`
}

// Orchestrator 负责发送批次。重试工作副本按指纹保存，不同批次的重试互不影响。
type Orchestrator struct {
	broadcaster txn.Broadcaster
	recommender txn.NonceRecommender
	alerter     alerting.Dispatcher
	bumpPercent int64
	logger      *zap.Logger

	mu      sync.Mutex
	retries map[string][]*txn.PreparedTx
	busy    map[string]struct{}
}

// Option 配置 Orchestrator。
type Option func(*Orchestrator)

// WithRecommender 设置 nonce 推荐存储。
func WithRecommender(r txn.NonceRecommender) Option {
	return func(o *Orchestrator) {
		o.recommender = r
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.alerter = d
	}
}

// WithBumpPercent 覆盖 gasPrice 重试倍率。
func WithBumpPercent(percent int64) Option {
	return func(o *Orchestrator) {
		if percent > 100 {
			o.bumpPercent = percent
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewOrchestrator 创建 Orchestrator。
func NewOrchestrator(broadcaster txn.Broadcaster, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		broadcaster: broadcaster,
		bumpPercent: DefaultBumpPercent,
		logger:      logger.Named("sender"),
		retries:     make(map[string][]*txn.PreparedTx),
		busy:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Send 按顺序广播所有尚未发送的交易，遇到第一个失败即停止。返回的 error
// 仅用于无法开始的请求，广播失败通过 Result 返回。
func (o *Orchestrator) Send(ctx context.Context, req Request) (*Result, error) {
	if len(req.Txs) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "待发送批次为空")
	}
	if o.broadcaster == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置交易广播服务")
	}
	if err := o.acquire(req.Fingerprint); err != nil {
		return nil, err
	}
	defer o.release(req.Fingerprint)

	working := o.workingCopy(ctx, req)
	opts := req.Options
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.PushType == "" {
		opts.PushType = txn.PushDefault
	}
	opts.Total = len(working)

	log := o.logger.With(zap.String("fingerprint", req.Fingerprint), zap.String("session_id", opts.SessionID), zap.Bool("retry", req.Retry))
	for i, tx := range working {
		if tx.Sent() {
			continue
		}
		if req.Retry {
			if err := o.applyRetryPolicy(ctx, req.RetryType, tx); err != nil {
				return o.fail(ctx, req, working, i, err, log), nil
			}
		}

		opts.Index = i
		hash, err := o.broadcaster.Send(ctx, tx.Payload(), opts)
		if err != nil {
			return o.fail(ctx, req, working, i, err, log), nil
		}
		tx.Hash = &hash
		metrics.IncBroadcast(tx.ChainID, "ok")
		logger.Audit().Info("broadcast",
			zap.String("fingerprint", req.Fingerprint),
			zap.Int("index", i),
			zap.String("hash", hash.Hex()),
			zap.String("from", tx.From.Hex()),
			zap.Uint64("nonce", tx.Nonce),
		)
		if req.OnProgress != nil {
			req.OnProgress(Progress{Index: i, Hash: hash, Tx: tx.Clone()})
		}
	}

	o.clearRetry(req.Fingerprint)
	return &Result{Hashes: hashes(working), Txs: working, FailedIndex: -1}, nil
}

// Pending 返回 fingerprint 当前保存的重试工作副本的拷贝。
func (o *Orchestrator) Pending(fingerprint string) []*txn.PreparedTx {
	o.mu.Lock()
	defer o.mu.Unlock()
	txs, ok := o.retries[fingerprint]
	if !ok {
		return nil
	}
	return txn.CloneAll(txs)
}

// Reset 丢弃 fingerprint 的重试工作副本。
func (o *Orchestrator) Reset(fingerprint string) {
	o.clearRetry(fingerprint)
}

func (o *Orchestrator) acquire(fingerprint string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.busy[fingerprint]; ok {
		return xerrors.New(CodeSendInProgress, "批次正在发送中", xerrors.WithMetadata("fingerprint", fingerprint))
	}
	o.busy[fingerprint] = struct{}{}
	return nil
}

func (o *Orchestrator) release(fingerprint string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.busy, fingerprint)
}

// workingCopy 返回本次调用要修改的交易。全新发送从调用方的批次开始并重置重试提示，
// 重试复用上一次的工作副本以保留之前的修改。
func (o *Orchestrator) workingCopy(ctx context.Context, req Request) []*txn.PreparedTx {
	o.mu.Lock()
	working, ok := o.retries[req.Fingerprint]
	if !req.Retry {
		delete(o.retries, req.Fingerprint)
		ok = false
	}
	if !ok {
		working = txn.CloneAll(req.Txs)
		if req.Retry {
			o.retries[req.Fingerprint] = working
		}
	}
	o.mu.Unlock()

	if !req.Retry {
		o.resetHints(ctx, working)
	}
	return working
}

func (o *Orchestrator) resetHints(ctx context.Context, txs []*txn.PreparedTx) {
	if o.recommender == nil {
		return
	}
	seen := make(map[string]struct{})
	for _, tx := range txs {
		key := tx.From.Hex() + ":" + strconv.FormatUint(tx.ChainID, 10)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if err := o.recommender.ResetRetryRecommendedNonce(ctx, tx.From, tx.ChainID); err != nil {
			metrics.IncBestEffortFailure("nonce_hint_reset")
			o.logger.Warn("重置重试 nonce 提示失败", zap.Error(err), zap.String("from", tx.From.Hex()))
		}
	}
}

func (o *Orchestrator) applyRetryPolicy(ctx context.Context, policy RetryType, tx *txn.PreparedTx) error {
	switch policy {
	case RetryNonce:
		if o.recommender == nil {
			return xerrors.New(CodeNonceUnavailable, "未配置 nonce 推荐服务")
		}
		nonce, err := o.recommender.GetRecommendedNonce(ctx, tx.From, tx.ChainID)
		if err != nil {
			return xerrors.Wrap(CodeNonceUnavailable, err, "获取推荐 nonce 失败")
		}
		tx.Nonce = nonce
		tx.RecommendNonce = nonce
	case RetryGasPrice:
		tx.Fee = tx.Fee.Bump(o.bumpPercent)
		price := 0.0
		if tx.Simulation != nil {
			price = tx.Simulation.NativeTokenPrice
		}
		tx.GasCost = txn.ComputeGasCost(tx.Fee, tx.GasUsed, tx.GasLimit, price)
	default:
		return nil
	}
	metrics.IncRetry(string(policy))
	return nil
}

// fail 记录第 i 笔的失败。除非错误不可重试，否则保留工作副本供之后重试。
func (o *Orchestrator) fail(ctx context.Context, req Request, working []*txn.PreparedTx, i int, err error, log *zap.Logger) *Result {
	tx := working[i]
	res := &Result{
		Hashes:      hashes(working),
		Txs:         working,
		Failed:      true,
		FailedIndex: i,
		Err:         err,
	}

	if retryable(err) {
		o.mu.Lock()
		o.retries[req.Fingerprint] = working
		o.mu.Unlock()
	} else {
		o.clearRetry(req.Fingerprint)
	}

	if IsDeviceCondition(err) {
		metrics.IncBroadcast(tx.ChainID, "device")
		log.Info("设备状态异常，等待用户重试", zap.Int("index", i), zap.Error(err))
		return res
	}

	metrics.IncBroadcast(tx.ChainID, "failed")
	res.ErrorText = err.Error()
	log.Warn("交易广播失败", zap.Int("index", i), zap.Uint64("nonce", tx.Nonce), zap.Error(err))
	logger.Audit().Warn("broadcast_failed",
		zap.String("fingerprint", req.Fingerprint),
		zap.Int("index", i),
		zap.String("from", tx.From.Hex()),
		zap.Uint64("nonce", tx.Nonce),
		zap.String("error", res.ErrorText),
	)

	if o.recommender != nil {
		if herr := o.recommender.SetRetryRecommendedNonce(ctx, tx.From, tx.ChainID, tx.Nonce); herr != nil {
			metrics.IncBestEffortFailure("nonce_hint_store")
			log.Warn("保存重试 nonce 提示失败", zap.Error(herr))
		}
	}
	o.emitAlert(ctx, req, working, i, err)
	return res
}

func (o *Orchestrator) emitAlert(ctx context.Context, req Request, working []*txn.PreparedTx, i int, err error) {
	if o.alerter == nil {
		return
	}
	wrapped := err
	if _, ok := xerrors.From(err); !ok {
		wrapped = xerrors.Wrap(CodeBroadcastFailed, err, "交易广播失败", xerrors.WithMetadata("index", strconv.Itoa(i)))
	}
	if !xerrors.ShouldAlert(wrapped) {
		return
	}
	event := alerting.FromError(wrapped, req.Fingerprint, working[i].ChainID, i, len(working))
	if aerr := o.alerter.Notify(ctx, event); aerr != nil {
		o.logger.Warn("告警发送失败", zap.Error(aerr))
	}
}

func (o *Orchestrator) clearRetry(fingerprint string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.retries, fingerprint)
}

// retryable 判断之后的重试是否可能成功。上下文被取消或错误码注册为不可重试时结束重试。
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return xerrors.RetryableError(err, true)
}

func hashes(txs []*txn.PreparedTx) []common.Hash {
	out := make([]common.Hash, 0, len(txs))
	for _, tx := range txs {
		if tx.Hash != nil {
			out = append(out, *tx.Hash)
		}
	}
	return out
}
