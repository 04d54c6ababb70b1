package compose

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "BatchSigner/internal/errors"
	"BatchSigner/internal/txn"
)

type fakeSimulator struct {
	calls       int
	pendingLens []int
	failAt      int
	revertAt    int
	gasUsed     uint64
}

func (f *fakeSimulator) Simulate(_ context.Context, _ txn.TxPayload, pending []txn.TxPayload) (*txn.SimulationResult, error) {
	idx := f.calls
	f.calls++
	f.pendingLens = append(f.pendingLens, len(pending))
	if f.failAt >= 0 && idx == f.failAt {
		return nil, errors.New("rpc unavailable")
	}
	if f.revertAt >= 0 && idx == f.revertAt {
		return &txn.SimulationResult{Success: false, Errors: []string{"execution reverted"}}, nil
	}
	gas := f.gasUsed
	if gas == 0 {
		gas = 21000
	}
	return &txn.SimulationResult{Success: true, GasUsed: gas, GasLimit: gas, NativeTokenPrice: 2000}, nil
}

func newSim() *fakeSimulator { return &fakeSimulator{failAt: -1, revertAt: -1} }

func gwei(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000)) }

func intents(n int) []txn.Intent {
	to := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	out := make([]txn.Intent, n)
	for i := range out {
		out[i] = txn.Intent{
			ChainID: 1,
			From:    common.HexToAddress("0x00000000000000000000000000000000000000a0"),
			To:      &to,
			Value:   big.NewInt(1),
		}
	}
	return out
}

func richRequest(n int) Request {
	return Request{
		Intents:       intents(n),
		BaseNonce:     7,
		Gas:           txn.GasLevel{Level: txn.LevelNormal, Price: gwei(1)},
		NativeBalance: new(big.Int).Mul(gwei(1), big.NewInt(1_000_000_000)),
	}
}

func TestComposeAssignsSequentialNonces(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		sim := newSim()
		txs, err := New(sim, nil).Compose(context.Background(), richRequest(n))
		require.NoError(t, err)
		require.Len(t, txs, n)
		for i, tx := range txs {
			assert.Equal(t, uint64(7+i), tx.Nonce)
			assert.Equal(t, uint64(7+i), tx.RecommendNonce)
		}
	}
}

func TestComposeKeepsExplicitNonceAndGas(t *testing.T) {
	req := richRequest(2)
	nonce, gas := uint64(100), uint64(50_000)
	req.Intents[1].Nonce = &nonce
	req.Intents[1].Gas = &gas

	txs, err := New(newSim(), nil).Compose(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), txs[0].Nonce)
	assert.Equal(t, uint64(100), txs[1].Nonce)
	assert.Equal(t, uint64(50_000), txs[1].GasLimit)
	assert.Equal(t, uint64(txn.MinGasLimit), txs[1].RecommendGasLimit)
}

func TestComposeGrowsPendingContext(t *testing.T) {
	sim := newSim()
	_, err := New(sim, nil).Compose(context.Background(), richRequest(3))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, sim.pendingLens)
}

type fixedPending struct{ n int }

func (f fixedPending) PendingTxs(context.Context, uint64, common.Address) ([]txn.TxPayload, error) {
	return make([]txn.TxPayload, f.n), nil
}

func TestComposeIncludesChainPendingTxs(t *testing.T) {
	sim := newSim()
	_, err := New(sim, nil, WithPendingSource(fixedPending{n: 2})).Compose(context.Background(), richRequest(2))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, sim.pendingLens)
}

func TestComposeLegacyScenario(t *testing.T) {
	txs, err := New(newSim(), nil).Compose(context.Background(), richRequest(2))
	require.NoError(t, err)
	for _, tx := range txs {
		assert.Equal(t, txn.FeeLegacy, tx.Fee.Kind)
		assert.Equal(t, gwei(1).String(), tx.Fee.GasPrice.String())
		assert.Nil(t, tx.Fee.MaxFeePerGas)
		assert.Equal(t, []byte{0}, []byte(tx.Data))
		assert.Equal(t, uint64(txn.MinGasLimit), tx.GasLimit)
		assert.Equal(t, "21000000000000", tx.GasCost.MaxGasCostWei.String())
	}
}

func TestComposeAbortsWholeBatch(t *testing.T) {
	sim := newSim()
	sim.failAt = 1
	txs, err := New(sim, nil).Compose(context.Background(), richRequest(3))
	require.Error(t, err)
	assert.Nil(t, txs)
	assert.True(t, errors.Is(err, xerrors.New(CodeSimulationFailed, "")))

	coded, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Equal(t, "1", coded.Metadata()["index"])
	assert.Equal(t, 2, sim.calls)
}

func TestComposeKeepsRevertedSimulation(t *testing.T) {
	sim := newSim()
	sim.revertAt = 0
	txs, err := New(sim, nil).Compose(context.Background(), richRequest(2))
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.NotNil(t, txs[0].Simulation)
	assert.False(t, txs[0].Simulation.Success)
	assert.Equal(t, []string{"execution reverted"}, txs[0].Simulation.Errors)
	assert.Equal(t, uint64(txn.MinGasLimit), txs[0].GasLimit)
	assert.True(t, txs[1].Simulation.Success)
	assert.Equal(t, 2, sim.calls)
}

func TestComposeEmptyBatch(t *testing.T) {
	_, err := New(newSim(), nil).Compose(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestComposeHookFailureIsSwallowed(t *testing.T) {
	req := richRequest(2)
	calls := 0
	req.OnLastSimulation = func(context.Context, *txn.SimulationResult) error {
		calls++
		return errors.New("ui gone")
	}
	txs, err := New(newSim(), nil).Compose(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
	assert.Equal(t, 1, calls)

	req.OnLastSimulation = func(context.Context, *txn.SimulationResult) error { panic("boom") }
	_, err = New(newSim(), nil).Compose(context.Background(), req)
	require.NoError(t, err)
}

type failingEstimator struct{ HeuristicEstimator }

func (failingEstimator) RecommendGasLimit(context.Context, txn.GasLimitRequest) (txn.GasLimitRecommendation, error) {
	return txn.GasLimitRecommendation{}, errors.New("estimator down")
}

func TestComposeEstimatorFailure(t *testing.T) {
	_, err := New(newSim(), failingEstimator{}).Compose(context.Background(), richRequest(1))
	require.Error(t, err)
	assert.Equal(t, CodeGasEstimationFailed, xerrors.CodeOf(err))
}
