package walletapi

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"BatchSigner/internal/compose"
	xerrors "BatchSigner/internal/errors"
	"BatchSigner/internal/txn"
)

// walletService is served under the "wallet" namespace, so GasMarket answers
// wallet_gasMarket and so on.
type walletService struct {
	lastPending int
	lastSig     string
}

func (s *walletService) GasMarket(p GasMarketParams) ([]txn.GasLevel, error) {
	if p.ChainID != 1 {
		return nil, errors.New("unsupported chain")
	}
	return []txn.GasLevel{
		{Level: txn.LevelSlow, Price: big.NewInt(1)},
		{Level: txn.LevelNormal, Price: big.NewInt(2), BaseFee: big.NewInt(1)},
	}, nil
}

func (s *walletService) GasPriceStats(chainID uint64) (txn.GasStats, error) {
	return txn.GasStats{Median: big.NewInt(int64(chainID) * 10)}, nil
}

func (s *walletService) PreExec(p PreExecParams) (txn.SimulationResult, error) {
	s.lastPending = len(p.Pending)
	return txn.SimulationResult{Success: true, GasUsed: 30000, GasLimit: 40000, NativeTokenPrice: 2000}, nil
}

func (s *walletService) RecommendGas(req txn.GasRecommendRequest) (txn.GasRecommendation, error) {
	return txn.GasRecommendation{Gas: req.SimGasLimit, NeedRatio: true, GasUsed: req.SimGasUsed}, nil
}

func (s *walletService) RecommendGasLimit(req txn.GasLimitRequest) (txn.GasLimitRecommendation, error) {
	return txn.GasLimitRecommendation{GasLimit: req.Gas * 3 / 2, RecommendGasLimitRatio: 1.5}, nil
}

func (s *walletService) ParseAction(p ParseActionParams) (*txn.ParsedAction, error) {
	if len(p.Tx.Data) <= 1 {
		return nil, nil
	}
	return &txn.ParsedAction{Type: "swap"}, nil
}

func (s *walletService) FetchActionData(p ActionDataParams) (json.RawMessage, error) {
	return json.RawMessage(`{"action":"` + p.Action.Type + `"}`), nil
}

func (s *walletService) EvaluateRisk(rc txn.RiskContext) ([]txn.RiskResult, error) {
	return []txn.RiskResult{{RuleID: "1002", Level: "warning", Description: rc.Origin}}, nil
}

func (s *walletService) GaslessCheck(p SponsorParams) (txn.GaslessStatus, error) {
	return txn.GaslessStatus{IsGasless: len(p.Txs) == 1}, nil
}

func (s *walletService) GasAccountCheck(p SponsorParams) (txn.GasAccountStatus, error) {
	s.lastSig = p.Sig
	return txn.GasAccountStatus{IsGasAccount: true, BalanceIsEnough: p.Sig != ""}, nil
}

func newTestClient(t *testing.T) (*Client, *walletService) {
	t.Helper()
	svc := &walletService{}
	server := gethrpc.NewServer()
	require.NoError(t, server.RegisterName("wallet", svc))
	t.Cleanup(server.Stop)

	client := NewWithClient(gethrpc.DialInProc(server), time.Second)
	t.Cleanup(client.Close)
	return client, svc
}

func payload() txn.TxPayload {
	to := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	return txn.TxPayload{
		ChainID: 1,
		From:    common.HexToAddress("0x00000000000000000000000000000000000000a0"),
		To:      &to,
		Data:    hexutil.Bytes{0xa9, 0x05, 0x9c, 0xbb},
		Value:   (*hexutil.Big)(big.NewInt(0)),
	}
}

func TestMarketData(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	tiers, err := client.GasTiers(ctx, 1, payload())
	require.NoError(t, err)
	require.Len(t, tiers, 2)
	assert.Equal(t, txn.LevelNormal, tiers[1].Level)
	assert.Equal(t, int64(1), tiers[1].BaseFee.Int64())

	stats, err := client.GasPriceStats(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(50), stats.Median.Int64())

	_, err = client.GasTiers(ctx, 56, payload())
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeUpstreamFailure, xerrors.CodeOf(err))
}

func TestSimulateAndEstimate(t *testing.T) {
	client, svc := newTestClient(t)
	ctx := context.Background()

	sim, err := client.Simulate(ctx, payload(), []txn.TxPayload{payload(), payload()})
	require.NoError(t, err)
	assert.True(t, sim.Success)
	assert.Equal(t, uint64(30000), sim.GasUsed)
	assert.Equal(t, 2, svc.lastPending)

	rec, err := client.RecommendGas(ctx, txn.GasRecommendRequest{ChainID: 1, Tx: payload(), SimGasUsed: 30000, SimGasLimit: 40000})
	require.NoError(t, err)
	assert.Equal(t, uint64(40000), rec.Gas)
	assert.True(t, rec.NeedRatio)

	limit, err := client.RecommendGasLimit(ctx, txn.GasLimitRequest{Gas: rec.Gas, FeeCap: big.NewInt(1), NativeBalance: big.NewInt(1)})
	require.NoError(t, err)
	assert.Equal(t, uint64(60000), limit.GasLimit)
	assert.Equal(t, 1.5, limit.RecommendGasLimitRatio)
}

func TestRiskEngine(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	action, err := client.ParseAction(ctx, payload(), nil)
	require.NoError(t, err)
	require.NotNil(t, action)
	assert.Equal(t, "swap", action.Type)

	plain := payload()
	plain.Data = hexutil.Bytes{0}
	none, err := client.ParseAction(ctx, plain, nil)
	require.NoError(t, err)
	assert.Nil(t, none)

	data, err := client.FetchRequiredData(ctx, payload(), *action)
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"swap"}`, string(data))

	results, err := client.Evaluate(ctx, txn.RiskContext{ChainID: 1, Origin: "https://dapp.example", Tx: payload(), Action: *action})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "https://dapp.example", results[0].Description)
}

func TestSponsor(t *testing.T) {
	client, svc := newTestClient(t)
	ctx := context.Background()

	gasless, err := client.GaslessCheck(ctx, []txn.TxPayload{payload()})
	require.NoError(t, err)
	assert.True(t, gasless.IsGasless)

	account, err := client.GasAccountCheck(ctx, "sig", []txn.TxPayload{payload()})
	require.NoError(t, err)
	assert.True(t, account.Eligible())
	assert.Equal(t, "sig", svc.lastSig)
}

func TestComposeOverWalletService(t *testing.T) {
	client, _ := newTestClient(t)
	to := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	composer := compose.New(client, client)

	txs, err := composer.Compose(context.Background(), compose.Request{
		Intents: []txn.Intent{
			{ChainID: 1, From: common.HexToAddress("0x00000000000000000000000000000000000000a0"), To: &to, Data: hexutil.Bytes{0x01}},
			{ChainID: 1, From: common.HexToAddress("0x00000000000000000000000000000000000000a0"), To: &to, Data: hexutil.Bytes{0x02}},
		},
		BaseNonce:     3,
		Gas:           txn.GasLevel{Level: txn.LevelNormal, Price: big.NewInt(2)},
		NativeBalance: big.NewInt(1_000_000),
	})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, uint64(60000), txs[0].GasLimit)
	assert.Equal(t, uint64(4), txs[1].Nonce)
}

func TestDialRequiresEndpoint(t *testing.T) {
	_, err := Dial(context.Background(), Config{})
	assert.Error(t, err)
}
