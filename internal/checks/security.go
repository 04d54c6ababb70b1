package checks

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"BatchSigner/internal/observability/metrics"
	"BatchSigner/internal/txn"
)

// EvaluateSecurity 请风控引擎评估 tx。多动作交易按子动作并发评估，
// 以第一个子动作的结果为主结果。失败只记录日志。
func (a *Aggregator) EvaluateSecurity(ctx context.Context, tx *txn.PreparedTx, origin string) (*txn.SecurityResult, error) {
	if a.engine == nil || tx == nil {
		return nil, nil
	}
	res, err := a.evaluate(ctx, tx, origin)
	if err != nil {
		metrics.IncBestEffortFailure("risk_engine")
		a.logger.Warn("risk evaluation failed", zap.Error(err), zap.Uint64("nonce", tx.Nonce))
		return nil, err
	}
	return res, nil
}

func (a *Aggregator) evaluate(ctx context.Context, tx *txn.PreparedTx, origin string) (*txn.SecurityResult, error) {
	payload := tx.Payload()
	action, err := a.engine.ParseAction(ctx, payload, tx.Simulation)
	if err != nil {
		return nil, err
	}
	if action == nil {
		return nil, nil
	}

	if !action.IsMulti() {
		data, err := a.engine.FetchRequiredData(ctx, payload, *action)
		if err != nil {
			return nil, err
		}
		results, err := a.engine.Evaluate(ctx, txn.RiskContext{
			ChainID: tx.ChainID, Origin: origin, Tx: payload, Action: *action, Data: data,
		})
		if err != nil {
			return nil, err
		}
		return &txn.SecurityResult{Action: *action, RequiredData: data, Results: results}, nil
	}

	n := len(action.Actions)
	subData := make([]txn.RequiredData, n)
	subResults := make([][]txn.RiskResult, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range action.Actions {
		sub := action.Actions[i]
		g.Go(func() error {
			data, err := a.engine.FetchRequiredData(gctx, payload, sub)
			if err != nil {
				return err
			}
			results, err := a.engine.Evaluate(gctx, txn.RiskContext{
				ChainID: tx.ChainID, Origin: origin, Tx: payload, Action: sub, Data: data,
			})
			if err != nil {
				return err
			}
			subData[i] = data
			subResults[i] = results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &txn.SecurityResult{
		Action:          *action,
		RequiredData:    subData[0],
		Results:         subResults[0],
		SubActions:      append([]txn.ParsedAction(nil), action.Actions...),
		SubRequiredData: subData,
		SubResults:      subResults,
	}, nil
}

// SecurityMemo 保存至多计算一次的风控结论。失败或空结果不缓存，之后可以重试。
type SecurityMemo struct {
	mu     sync.Mutex
	done   bool
	result *txn.SecurityResult
}

// Resolve 返回已缓存的结论，没有时计算并保存。
func (m *SecurityMemo) Resolve(ctx context.Context, compute func(context.Context) (*txn.SecurityResult, error)) *txn.SecurityResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return m.result
	}
	res, err := compute(ctx)
	if err != nil || res == nil {
		return nil
	}
	m.result, m.done = res, true
	return res
}
