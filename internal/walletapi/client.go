// Package walletapi talks JSON-RPC to the remote wallet service that runs
// pre-execution, gas recommendation, risk rules and gas sponsorship.
package walletapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	xerrors "BatchSigner/internal/errors"
	"BatchSigner/internal/txn"
	"BatchSigner/pkg/logger"
)

// DefaultTimeout bounds every call when no timeout is configured.
const DefaultTimeout = 15 * time.Second

// Config describes the wallet service endpoint.
type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// Client implements the remote collaborators of the pipeline over one
// JSON-RPC connection.
type Client struct {
	rpc     *gethrpc.Client
	timeout time.Duration
	logger  *zap.Logger
}

var (
	_ txn.MarketData   = (*Client)(nil)
	_ txn.Simulator    = (*Client)(nil)
	_ txn.GasEstimator = (*Client)(nil)
	_ txn.RiskEngine   = (*Client)(nil)
	_ txn.Sponsor      = (*Client)(nil)
)

// Dial connects to the wallet service.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("未配置钱包服务地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("连接钱包服务失败: %w", err)
	}
	return NewWithClient(rpcClient, cfg.Timeout), nil
}

// NewWithClient wraps an existing RPC client.
func NewWithClient(rpcClient *gethrpc.Client, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{rpc: rpcClient, timeout: timeout, logger: logger.Named("walletapi")}
}

// Close releases the connection.
func (c *Client) Close() {
	if c != nil && c.rpc != nil {
		c.rpc.Close()
	}
}

// GasMarketParams is the argument of wallet_gasMarket.
type GasMarketParams struct {
	ChainID uint64        `json:"chainId"`
	Tx      txn.TxPayload `json:"tx"`
}

// PreExecParams is the argument of wallet_preExec.
type PreExecParams struct {
	Tx      txn.TxPayload   `json:"tx"`
	Pending []txn.TxPayload `json:"pendingTxs"`
}

// ParseActionParams is the argument of wallet_parseAction.
type ParseActionParams struct {
	Tx         txn.TxPayload         `json:"tx"`
	Simulation *txn.SimulationResult `json:"preExecResult,omitempty"`
}

// ActionDataParams is the argument of wallet_fetchActionData.
type ActionDataParams struct {
	Tx     txn.TxPayload    `json:"tx"`
	Action txn.ParsedAction `json:"action"`
}

// SponsorParams is the argument of wallet_gaslessCheck and wallet_gasAccountCheck.
type SponsorParams struct {
	Sig string          `json:"sig,omitempty"`
	Txs []txn.TxPayload `json:"txs"`
}

// GasTiers implements txn.MarketData.
func (c *Client) GasTiers(ctx context.Context, chainID uint64, tx txn.TxPayload) ([]txn.GasLevel, error) {
	var out []txn.GasLevel
	err := c.call(ctx, &out, "wallet_gasMarket", GasMarketParams{ChainID: chainID, Tx: tx})
	return out, err
}

// GasPriceStats implements txn.MarketData.
func (c *Client) GasPriceStats(ctx context.Context, chainID uint64) (txn.GasStats, error) {
	var out txn.GasStats
	err := c.call(ctx, &out, "wallet_gasPriceStats", chainID)
	return out, err
}

// Simulate implements txn.Simulator.
func (c *Client) Simulate(ctx context.Context, tx txn.TxPayload, pending []txn.TxPayload) (*txn.SimulationResult, error) {
	var out txn.SimulationResult
	if err := c.call(ctx, &out, "wallet_preExec", PreExecParams{Tx: tx, Pending: pending}); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecommendGas implements txn.GasEstimator.
func (c *Client) RecommendGas(ctx context.Context, req txn.GasRecommendRequest) (txn.GasRecommendation, error) {
	var out txn.GasRecommendation
	err := c.call(ctx, &out, "wallet_recommendGas", req)
	return out, err
}

// RecommendGasLimit implements txn.GasEstimator.
func (c *Client) RecommendGasLimit(ctx context.Context, req txn.GasLimitRequest) (txn.GasLimitRecommendation, error) {
	var out txn.GasLimitRecommendation
	err := c.call(ctx, &out, "wallet_recommendGasLimit", req)
	return out, err
}

// ParseAction implements txn.RiskEngine. A null answer means the service does
// not recognize the transaction.
func (c *Client) ParseAction(ctx context.Context, tx txn.TxPayload, sim *txn.SimulationResult) (*txn.ParsedAction, error) {
	var out *txn.ParsedAction
	if err := c.call(ctx, &out, "wallet_parseAction", ParseActionParams{Tx: tx, Simulation: sim}); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchRequiredData implements txn.RiskEngine.
func (c *Client) FetchRequiredData(ctx context.Context, tx txn.TxPayload, action txn.ParsedAction) (txn.RequiredData, error) {
	var out txn.RequiredData
	err := c.call(ctx, &out, "wallet_fetchActionData", ActionDataParams{Tx: tx, Action: action})
	return out, err
}

// Evaluate implements txn.RiskEngine.
func (c *Client) Evaluate(ctx context.Context, rc txn.RiskContext) ([]txn.RiskResult, error) {
	var out []txn.RiskResult
	err := c.call(ctx, &out, "wallet_evaluateRisk", rc)
	return out, err
}

// GaslessCheck implements txn.Sponsor.
func (c *Client) GaslessCheck(ctx context.Context, txs []txn.TxPayload) (txn.GaslessStatus, error) {
	var out txn.GaslessStatus
	err := c.call(ctx, &out, "wallet_gaslessCheck", SponsorParams{Txs: txs})
	return out, err
}

// GasAccountCheck implements txn.Sponsor.
func (c *Client) GasAccountCheck(ctx context.Context, sig string, txs []txn.TxPayload) (txn.GasAccountStatus, error) {
	var out txn.GasAccountStatus
	err := c.call(ctx, &out, "wallet_gasAccountCheck", SponsorParams{Sig: sig, Txs: txs})
	return out, err
}

func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	if c == nil || c.rpc == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "钱包服务客户端未初始化")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := c.rpc.CallContext(ctx, result, method, args...)
	if err == nil {
		c.logger.Debug("wallet rpc", zap.String("method", method), zap.Duration("elapsed", time.Since(start)))
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "钱包服务调用超时", xerrors.WithMetadata("method", method))
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	opts := []xerrors.Option{xerrors.WithMetadata("method", method)}
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		opts = append(opts, xerrors.WithMetadata("rpc_code", fmt.Sprint(rpcErr.ErrorCode())))
	}
	return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "钱包服务调用失败", opts...)
}
