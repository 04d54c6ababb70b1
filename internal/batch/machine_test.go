package batch

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"BatchSigner/internal/checks"
	"BatchSigner/internal/compose"
	xerrors "BatchSigner/internal/errors"
	"BatchSigner/internal/gas"
	"BatchSigner/internal/progress"
	"BatchSigner/internal/sender"
	"BatchSigner/internal/txn"
)

var (
	from = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	to   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
)

type countingSimulator struct {
	mu    sync.Mutex
	calls int
}

func (s *countingSimulator) Simulate(context.Context, txn.TxPayload, []txn.TxPayload) (*txn.SimulationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return &txn.SimulationResult{Success: true, GasUsed: 21000, GasLimit: 21000, NativeTokenPrice: 1}, nil
}

func (s *countingSimulator) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type staticMarket struct{}

func (staticMarket) GasTiers(context.Context, uint64, txn.TxPayload) ([]txn.GasLevel, error) {
	return []txn.GasLevel{
		{Level: txn.LevelSlow, Price: big.NewInt(1_000_000_000), BaseFee: big.NewInt(500_000_000)},
		{Level: txn.LevelNormal, Price: big.NewInt(2_000_000_000), BaseFee: big.NewInt(500_000_000)},
		{Level: txn.LevelFast, Price: big.NewInt(3_000_000_000), BaseFee: big.NewInt(500_000_000)},
	}, nil
}

func (staticMarket) GasPriceStats(context.Context, uint64) (txn.GasStats, error) {
	return txn.GasStats{Median: big.NewInt(2_000_000_000)}, nil
}

type fixedBalance struct{ wei *big.Int }

func (f fixedBalance) NativeBalance(context.Context, uint64, common.Address) (*big.Int, error) {
	return new(big.Int).Set(f.wei), nil
}

type fixedNonce struct{ nonce uint64 }

func (f fixedNonce) PendingNonce(context.Context, uint64, common.Address) (uint64, error) {
	return f.nonce, nil
}

type chains map[uint64]txn.ChainInfo

func (c chains) ChainInfo(id uint64) (txn.ChainInfo, error) {
	info, ok := c[id]
	if !ok {
		return txn.ChainInfo{}, xerrors.New(xerrors.CodeNotFound, "unknown chain")
	}
	return info, nil
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	fail  map[int]error
	calls int
}

func (b *fakeBroadcaster) Send(_ context.Context, tx txn.TxPayload, opts txn.SendOptions) (common.Hash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	call := b.calls
	b.calls++
	if err := b.fail[call]; err != nil {
		return common.Hash{}, err
	}
	return common.BigToHash(new(big.Int).SetUint64(uint64(tx.Nonce) + 1)), nil
}

type fakeEngine struct {
	mu    sync.Mutex
	calls int
}

func (e *fakeEngine) ParseAction(context.Context, txn.TxPayload, *txn.SimulationResult) (*txn.ParsedAction, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return &txn.ParsedAction{Type: "send"}, nil
}

func (e *fakeEngine) FetchRequiredData(context.Context, txn.TxPayload, txn.ParsedAction) (txn.RequiredData, error) {
	return nil, nil
}

func (e *fakeEngine) Evaluate(context.Context, txn.RiskContext) ([]txn.RiskResult, error) {
	return []txn.RiskResult{{RuleID: "1001", Level: "safe"}}, nil
}

type fakeSponsor struct{ account txn.GasAccountStatus }

func (fakeSponsor) GaslessCheck(context.Context, []txn.TxPayload) (txn.GaslessStatus, error) {
	return txn.GaslessStatus{}, nil
}

func (s fakeSponsor) GasAccountCheck(context.Context, string, []txn.TxPayload) (txn.GasAccountStatus, error) {
	return s.account, nil
}

type harness struct {
	machine      *Machine
	sim          *countingSimulator
	broadcaster  *fakeBroadcaster
	engine       *fakeEngine
	sink         *progress.MemorySink
	orchestrator *sender.Orchestrator
}

type harnessOpts struct {
	balance   *big.Int
	chain     txn.ChainInfo
	sponsor   fakeSponsor
	cacheSize int
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	if o.balance == nil {
		o.balance = new(big.Int).Mul(big.NewInt(1_000_000_000), big.NewInt(1_000_000_000))
	}
	if o.chain.ChainID == 0 {
		o.chain = txn.ChainInfo{ChainID: 1, Name: "ethereum"}
	}
	h := &harness{
		sim:         &countingSimulator{},
		broadcaster: &fakeBroadcaster{fail: map[int]error{}},
		engine:      &fakeEngine{},
		sink:        progress.NewMemorySink(32),
	}
	h.orchestrator = sender.NewOrchestrator(h.broadcaster)
	var cache *ContextCache
	if o.cacheSize > 0 {
		var err error
		cache, err = NewContextCache(o.cacheSize)
		require.NoError(t, err)
	}
	agg := checks.NewAggregator(h.engine)
	m, err := NewMachine(Deps{
		Composer:     compose.New(h.sim, nil),
		Aggregator:   agg,
		Selector:     gas.NewSelector(staticMarket{}, agg, gas.WithSponsor(o.sponsor)),
		Orchestrator: h.orchestrator,
		Chains:       chains{o.chain.ChainID: o.chain},
		Balances:     fixedBalance{wei: o.balance},
		Nonces:       fixedNonce{nonce: 5},
		Progress:     h.sink,
		Cache:        cache,
	})
	require.NoError(t, err)
	h.machine = m
	return h
}

func intents(n int, chainID uint64) []txn.Intent {
	out := make([]txn.Intent, n)
	for i := range out {
		out[i] = txn.Intent{ChainID: chainID, From: from, To: &to, Value: big.NewInt(int64(i + 1))}
	}
	return out
}

func TestPrefetchScenarioA(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	sc, err := h.machine.Prefetch(context.Background(), PrepareRequest{Intents: intents(2, 1)})
	require.NoError(t, err)

	require.Len(t, sc.Txs, 2)
	assert.Equal(t, uint64(5), sc.Txs[0].Nonce)
	assert.Equal(t, uint64(6), sc.Txs[1].Nonce)
	for _, tx := range sc.Txs {
		assert.Equal(t, txn.FeeLegacy, tx.Fee.Kind)
		assert.Equal(t, "2000000000", tx.Fee.GasPrice.String())
	}
	assert.Empty(t, sc.Checks)
	assert.False(t, sc.IsGasNotEnough)
	assert.False(t, sc.Open)
	assert.Equal(t, SignInfo{CurrentIndex: 0, Total: 2, Status: StatusUnsigned}, sc.SignInfo)
	assert.Equal(t, GasMethodNative, sc.GasMethod)
	assert.Nil(t, sc.Security)
}

func TestPrefetchScenarioB(t *testing.T) {
	// 21000 gas at the normal tier costs 42e12 wei; value is 1 wei.
	balance := big.NewInt(42_000_000_000_000)
	h := newHarness(t, harnessOpts{balance: balance})
	sc, err := h.machine.Prefetch(context.Background(), PrepareRequest{Intents: intents(1, 1)})
	require.NoError(t, err)

	require.Len(t, sc.Checks, 1)
	assert.Equal(t, txn.CodeGasNotEnough, sc.Checks[0].Code)
	assert.True(t, sc.IsGasNotEnough)
}

func TestPrefetchSwitchesToGasAccount(t *testing.T) {
	eligible := fakeSponsor{account: txn.GasAccountStatus{IsGasAccount: true, BalanceIsEnough: true}}

	h := newHarness(t, harnessOpts{balance: big.NewInt(1), sponsor: eligible})
	sc, err := h.machine.Prefetch(context.Background(), PrepareRequest{Intents: intents(1, 1)})
	require.NoError(t, err)
	assert.Equal(t, GasMethodGasAccount, sc.GasMethod)

	h = newHarness(t, harnessOpts{balance: big.NewInt(1), sponsor: eligible, chain: txn.ChainInfo{ChainID: 1, CustomRPC: true}})
	sc, err = h.machine.Prefetch(context.Background(), PrepareRequest{Intents: intents(1, 1)})
	require.NoError(t, err)
	assert.Equal(t, GasMethodNative, sc.GasMethod)

	restricted := fakeSponsor{account: txn.GasAccountStatus{IsGasAccount: true, BalanceIsEnough: true, ChainNotSupport: true}}
	h = newHarness(t, harnessOpts{balance: big.NewInt(1), sponsor: restricted})
	sc, err = h.machine.Prefetch(context.Background(), PrepareRequest{Intents: intents(1, 1)})
	require.NoError(t, err)
	assert.Equal(t, GasMethodNative, sc.GasMethod)
}

func TestPrefetchRejectsMixedAccounts(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	in := intents(2, 1)
	in[1].ChainID = 56
	_, err := h.machine.Prefetch(context.Background(), PrepareRequest{Intents: in})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestOpenIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	first, err := h.machine.Open(ctx, PrepareRequest{Intents: intents(3, 1), Security: true}, nil)
	require.NoError(t, err)
	assert.True(t, first.Open)
	require.NotNil(t, first.Security)
	assert.Equal(t, 3, h.sim.count())
	assert.Equal(t, 1, h.engine.calls)

	second, err := h.machine.Open(ctx, PrepareRequest{Intents: intents(3, 1), Security: true}, first)
	require.NoError(t, err)
	assert.Equal(t, 3, h.sim.count())
	assert.Equal(t, 1, h.engine.calls)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, first.Txs, second.Txs)

	third, err := h.machine.Open(ctx, PrepareRequest{Intents: intents(2, 1)}, second)
	require.NoError(t, err)
	assert.NotEqual(t, first.Fingerprint, third.Fingerprint)
	assert.Equal(t, 5, h.sim.count())
}

func TestOpenComputesDeferredSecurity(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	sc, err := h.machine.Prefetch(ctx, PrepareRequest{Intents: intents(1, 1), Security: true})
	require.NoError(t, err)
	assert.Nil(t, sc.Security)
	assert.Equal(t, 0, h.engine.calls)

	opened, err := h.machine.Open(ctx, PrepareRequest{Intents: intents(1, 1)}, sc)
	require.NoError(t, err)
	require.NotNil(t, opened.Security)
	assert.Equal(t, "1001", opened.Security.Results[0].RuleID)
	assert.Equal(t, 1, h.sim.count())
}

func TestUpdateGasSwitchesToDynamicFee(t *testing.T) {
	h := newHarness(t, harnessOpts{chain: txn.ChainInfo{ChainID: 1, EIP1559: true}})
	ctx := context.Background()
	sc, err := h.machine.Prefetch(ctx, PrepareRequest{Intents: intents(2, 1), LegacyKeyring: true})
	require.NoError(t, err)
	assert.Equal(t, txn.FeeLegacy, sc.Txs[0].Fee.Kind)

	// Same capability: only the fee moves.
	updated, err := h.machine.UpdateGas(ctx, sc.Fingerprint, txn.GasLevel{Level: txn.LevelFast})
	require.NoError(t, err)
	for i, tx := range updated.Txs {
		assert.Equal(t, "3000000000", tx.Fee.GasPrice.String())
		assert.Equal(t, sc.Txs[i].Nonce, tx.Nonce)
		assert.Equal(t, sc.Txs[i].Value.String(), tx.Value.String())
	}
	assert.Equal(t, 2, h.sim.count())

	custom, err := h.machine.UpdateGas(ctx, sc.Fingerprint, txn.GasLevel{Level: txn.LevelCustom, Price: big.NewInt(4_000_000_000)})
	require.NoError(t, err)
	custom, err = h.machine.UpdateGas(ctx, custom.Fingerprint, txn.GasLevel{Level: txn.LevelCustom, Price: big.NewInt(5_000_000_000)})
	require.NoError(t, err)
	n := 0
	for _, l := range custom.Gas.Levels {
		if l.IsCustom() {
			n++
		}
	}
	assert.Equal(t, 1, n)

	h2 := newHarness(t, harnessOpts{chain: txn.ChainInfo{ChainID: 1, EIP1559: true}})
	sc2, err := h2.machine.Prefetch(ctx, PrepareRequest{Intents: intents(2, 1)})
	require.NoError(t, err)
	for _, tx := range sc2.Txs {
		assert.True(t, tx.Fee.IsDynamic())
		assert.Nil(t, tx.Fee.GasPrice)
		assert.Equal(t, "1500000000", tx.Fee.MaxPriorityFeePerGas.String())
	}
}

func TestUpdateGasRemembersPreference(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	sc, err := h.machine.Prefetch(ctx, PrepareRequest{Intents: intents(1, 1)})
	require.NoError(t, err)
	_, err = h.machine.UpdateGas(ctx, sc.Fingerprint, txn.GasLevel{Level: txn.LevelSlow})
	require.NoError(t, err)

	next, err := h.machine.Prefetch(ctx, PrepareRequest{Intents: intents(2, 1)})
	require.NoError(t, err)
	assert.Equal(t, txn.LevelSlow, next.Gas.Selected.Level)
}

func TestUpdateGasUnknownFingerprint(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, err := h.machine.UpdateGas(context.Background(), "0xdead", txn.GasLevel{Level: txn.LevelFast})
	assert.Equal(t, CodeContextStale, xerrors.CodeOf(err))
}

func TestSendAdvancesSignInfo(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	sc, err := h.machine.Open(ctx, PrepareRequest{Intents: intents(3, 1)}, nil)
	require.NoError(t, err)

	var seen []SignInfo
	final, res, err := h.machine.Send(ctx, SendRequest{
		Fingerprint: sc.Fingerprint,
		OnProgress:  func(s *SignerContext) { seen = append(seen, s.SignInfo) },
	})
	require.NoError(t, err)
	assert.False(t, res.Failed)
	assert.Equal(t, []SignInfo{
		{CurrentIndex: 1, Total: 3, Status: StatusSigning},
		{CurrentIndex: 2, Total: 3, Status: StatusSigning},
		{CurrentIndex: 2, Total: 3, Status: StatusSigned},
	}, seen)
	assert.Equal(t, StatusSigned, final.SignInfo.Status)
	assert.Len(t, final.Hashes(), 3)

	for i := 0; i < 3; i++ {
		ev := <-h.sink.Events()
		assert.Equal(t, i, ev.Index)
	}

	_, err = h.machine.UpdateGas(ctx, sc.Fingerprint, txn.GasLevel{Level: txn.LevelFast})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestSendScenarioCThenRetry(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	sc, err := h.machine.Open(ctx, PrepareRequest{Intents: intents(2, 1)}, nil)
	require.NoError(t, err)

	h.broadcaster.fail[1] = errors.New("DISCONNECTED")
	after, res, err := h.machine.Send(ctx, SendRequest{Fingerprint: sc.Fingerprint})
	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.Equal(t, "", res.ErrorText)
	require.NotNil(t, after.Txs[0].Hash)
	assert.Nil(t, after.Txs[1].Hash)
	assert.Equal(t, SignInfo{CurrentIndex: 1, Total: 2, Status: StatusSigning}, after.SignInfo)

	final, res, err := h.machine.Send(ctx, SendRequest{Fingerprint: sc.Fingerprint, Retry: true, RetryType: sender.RetryGasPrice})
	require.NoError(t, err)
	assert.False(t, res.Failed)
	assert.Equal(t, 3, h.broadcaster.calls)
	assert.Equal(t, *after.Txs[0].Hash, *final.Txs[0].Hash)
	assert.Equal(t, "2600000000", final.Txs[1].Fee.GasPrice.String())
	assert.Equal(t, "2000000000", final.Txs[0].Fee.GasPrice.String())
	assert.Equal(t, StatusSigned, final.SignInfo.Status)
}

func TestPrefetchKeepsPartlySentBatch(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	sc, err := h.machine.Open(ctx, PrepareRequest{Intents: intents(2, 1)}, nil)
	require.NoError(t, err)

	h.broadcaster.fail[1] = errors.New("DISCONNECTED")
	after, res, err := h.machine.Send(ctx, SendRequest{Fingerprint: sc.Fingerprint})
	require.NoError(t, err)
	require.True(t, res.Failed)
	require.NotNil(t, after.Txs[0].Hash)

	again, err := h.machine.Prefetch(ctx, PrepareRequest{Intents: intents(2, 1)})
	require.NoError(t, err)
	assert.Equal(t, 2, h.sim.count())
	require.NotNil(t, again.Txs[0].Hash)
	assert.Equal(t, *after.Txs[0].Hash, *again.Txs[0].Hash)
	assert.Equal(t, StatusSigning, again.SignInfo.Status)

	final, res, err := h.machine.Send(ctx, SendRequest{Fingerprint: sc.Fingerprint})
	require.NoError(t, err)
	assert.False(t, res.Failed)
	assert.Equal(t, 3, h.broadcaster.calls)
	assert.Equal(t, *after.Txs[0].Hash, *final.Txs[0].Hash)
	assert.Equal(t, StatusSigned, final.SignInfo.Status)
}

func TestPrefetchRebuildsUnsentBatch(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	sc, err := h.machine.Open(ctx, PrepareRequest{Intents: intents(2, 1)}, nil)
	require.NoError(t, err)

	h.broadcaster.fail[0] = errors.New("DISCONNECTED")
	after, res, err := h.machine.Send(ctx, SendRequest{Fingerprint: sc.Fingerprint})
	require.NoError(t, err)
	require.True(t, res.Failed)
	assert.Equal(t, StatusUnsigned, after.SignInfo.Status)
	assert.Len(t, h.orchestrator.Pending(sc.Fingerprint), 2)

	again, err := h.machine.Prefetch(ctx, PrepareRequest{Intents: intents(2, 1)})
	require.NoError(t, err)
	assert.Equal(t, 4, h.sim.count())
	assert.Empty(t, again.Hashes())
	assert.Nil(t, h.orchestrator.Pending(sc.Fingerprint))
}

func TestEvictionDropsRetryState(t *testing.T) {
	h := newHarness(t, harnessOpts{cacheSize: 1})
	ctx := context.Background()
	sc, err := h.machine.Open(ctx, PrepareRequest{Intents: intents(2, 1)}, nil)
	require.NoError(t, err)

	h.broadcaster.fail[1] = errors.New("DISCONNECTED")
	_, res, err := h.machine.Send(ctx, SendRequest{Fingerprint: sc.Fingerprint})
	require.NoError(t, err)
	require.True(t, res.Failed)
	require.Len(t, h.orchestrator.Pending(sc.Fingerprint), 2)

	other, err := h.machine.Prefetch(ctx, PrepareRequest{Intents: intents(1, 1)})
	require.NoError(t, err)
	assert.NotEqual(t, sc.Fingerprint, other.Fingerprint)

	assert.Nil(t, h.orchestrator.Pending(sc.Fingerprint))
	_, err = h.machine.Get(sc.Fingerprint)
	assert.Equal(t, CodeContextStale, xerrors.CodeOf(err))
}

func TestFingerprintLocksAreReleased(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.machine.Open(ctx, PrepareRequest{Intents: intents(2, 1)}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, h.sim.count())

	sc, err := h.machine.Prefetch(ctx, PrepareRequest{Intents: intents(1, 1)})
	require.NoError(t, err)
	_, _, err = h.machine.Send(ctx, SendRequest{Fingerprint: sc.Fingerprint})
	require.NoError(t, err)

	h.machine.mu.Lock()
	defer h.machine.mu.Unlock()
	assert.Empty(t, h.machine.locks)
}

func TestSetGasMethodAndClose(t *testing.T) {
	h := newHarness(t, harnessOpts{sponsor: fakeSponsor{account: txn.GasAccountStatus{IsGasAccount: true, BalanceIsEnough: true}}})
	ctx := context.Background()
	sc, err := h.machine.Open(ctx, PrepareRequest{Intents: intents(1, 1)}, nil)
	require.NoError(t, err)

	sc, err = h.machine.SetGasMethod(ctx, sc.Fingerprint, GasMethodGasAccount)
	require.NoError(t, err)
	assert.Equal(t, GasMethodGasAccount, sc.GasMethod)

	_, err = h.machine.SetGasMethod(ctx, sc.Fingerprint, "card")
	assert.Error(t, err)

	closed, err := h.machine.Close(sc.Fingerprint)
	require.NoError(t, err)
	assert.False(t, closed.Open)
}

func TestFingerprintIsContentBased(t *testing.T) {
	a, err := Fingerprint(intents(2, 1))
	require.NoError(t, err)
	b, err := Fingerprint(intents(2, 1))
	require.NoError(t, err)
	c, err := Fingerprint(intents(2, 56))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 66)
}

func TestContextCacheEvicts(t *testing.T) {
	cache, err := NewContextCache(2)
	require.NoError(t, err)
	var evicted []string
	cache.OnEvict(func(fp string) { evicted = append(evicted, fp) })
	for _, fp := range []string{"a", "b", "a", "c"} {
		cache.Put(&SignerContext{Fingerprint: fp})
	}
	assert.Equal(t, 2, cache.Len())
	_, ok := cache.Get("b")
	assert.False(t, ok)
	assert.Equal(t, []string{"b"}, evicted)
}
