package ethereum

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"BatchSigner/internal/txn"
	"BatchSigner/internal/web3"
)

var oneEther = new(big.Int).Mul(big.NewInt(1_000_000_000), big.NewInt(1_000_000_000))

func newSimulated(t *testing.T) (*Client, *simulated.Backend, *web3.PrivateKeySigner) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := web3.NewKeySigner(key)

	backend := simulated.NewBackend(coretypes.GenesisAlloc{
		signer.Address(): {Balance: oneEther},
	})
	t.Cleanup(func() { _ = backend.Close() })
	return NewWithBackend("simulated", backend.Client()), backend, signer
}

func transfer(from, to common.Address, nonce uint64) txn.TxPayload {
	return txn.TxPayload{
		ChainID: 1337,
		From:    from,
		To:      &to,
		Data:    hexutil.Bytes{0},
		Value:   (*hexutil.Big)(big.NewInt(1)),
		Nonce:   hexutil.Uint64(nonce),
		Gas:     hexutil.Uint64(txn.MinGasLimit),
	}
}

func TestClientAccountState(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, _, signer := newSimulated(t)

	id, err := client.ChainID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1337), id.Int64())

	balance, err := client.NativeBalance(ctx, signer.Address())
	require.NoError(t, err)
	assert.Equal(t, oneEther.String(), balance.String())

	nonce, err := client.PendingNonce(ctx, signer.Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), nonce)
}

func TestClientGasTiers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, _, _ := newSimulated(t)

	dynamic, err := client.GasTiers(ctx, true)
	require.NoError(t, err)
	require.Len(t, dynamic, 3)
	for i, l := range dynamic {
		require.NotNil(t, l.BaseFee)
		require.NotNil(t, l.PriorityPrice)
		assert.Positive(t, l.PriorityPrice.Sign())
		assert.Positive(t, l.Price.Cmp(l.BaseFee))
		if i > 0 {
			assert.GreaterOrEqual(t, l.Price.Cmp(dynamic[i-1].Price), 0)
		}
	}
	assert.Equal(t, txn.LevelNormal, dynamic[1].Level)

	legacy, err := client.GasTiers(ctx, false)
	require.NoError(t, err)
	require.Len(t, legacy, 3)
	stats, err := client.GasPriceStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats.Median.String(), legacy[1].Price.String())
	assert.Nil(t, legacy[1].BaseFee)
}

func TestClientBroadcast(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, backend, signer := newSimulated(t)
	to := common.HexToAddress("0x00000000000000000000000000000000000000b0")

	tiers, err := client.GasTiers(ctx, true)
	require.NoError(t, err)
	normal := tiers[1]

	legacy := transfer(signer.Address(), to, 0)
	legacy.GasPrice = (*hexutil.Big)(normal.Price)
	hash, err := client.Broadcast(ctx, signer, legacy)
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, hash)

	dynamic := transfer(signer.Address(), to, 1)
	dynamic.MaxFeePerGas = (*hexutil.Big)(normal.Price)
	dynamic.MaxPriorityFeePerGas = (*hexutil.Big)(normal.PriorityPrice)
	_, err = client.Broadcast(ctx, signer, dynamic)
	require.NoError(t, err)
	backend.Commit()

	nonce, err := client.PendingNonce(ctx, signer.Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), nonce)
	received, err := client.NativeBalance(ctx, to)
	require.NoError(t, err)
	assert.Equal(t, int64(2), received.Int64())
}

func TestClientBroadcastRejectsForeignSender(t *testing.T) {
	client, _, signer := newSimulated(t)
	other := common.HexToAddress("0x00000000000000000000000000000000000000c0")
	_, err := client.Broadcast(context.Background(), signer, transfer(other, other, 0))
	assert.Error(t, err)

	_, err = client.Broadcast(context.Background(), nil, transfer(signer.Address(), other, 0))
	assert.Error(t, err)
}

func TestBuildTransaction(t *testing.T) {
	to := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	p := transfer(common.Address{}, to, 7)
	p.GasPrice = (*hexutil.Big)(big.NewInt(5))

	tx := BuildTransaction(big.NewInt(1), p)
	assert.Equal(t, uint8(coretypes.LegacyTxType), tx.Type())
	assert.Empty(t, tx.Data())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, int64(5), tx.GasPrice().Int64())

	p.Data = hexutil.Bytes{0xa9, 0x05}
	p.MaxFeePerGas = (*hexutil.Big)(big.NewInt(9))
	p.MaxPriorityFeePerGas = (*hexutil.Big)(big.NewInt(2))
	tx = BuildTransaction(big.NewInt(1), p)
	assert.Equal(t, uint8(coretypes.DynamicFeeTxType), tx.Type())
	assert.Equal(t, []byte{0xa9, 0x05}, tx.Data())
	assert.Equal(t, int64(9), tx.GasFeeCap().Int64())
	assert.Equal(t, int64(2), tx.GasTipCap().Int64())
}

func TestPoolPayloadsOrderedByNonce(t *testing.T) {
	from := common.HexToAddress("0x00000000000000000000000000000000000000a0")
	out := poolPayloads(5, map[string]*poolTx{
		"3": {From: from, Nonce: 3},
		"1": {From: from, Nonce: 1, Input: hexutil.Bytes{0x01}},
		"2": nil,
	})
	require.Len(t, out, 2)
	assert.Equal(t, hexutil.Uint64(1), out[0].Nonce)
	assert.Equal(t, hexutil.Uint64(3), out[1].Nonce)
	assert.Equal(t, hexutil.Bytes{0}, out[1].Data)
	assert.Equal(t, uint64(5), out[0].ChainID)
	assert.Equal(t, "0x0", out[1].Value.String())
}

func TestPendingTxsRequiresRPC(t *testing.T) {
	client, _, signer := newSimulated(t)
	_, err := client.PendingTxs(context.Background(), 1337, signer.Address())
	assert.Error(t, err)
}
