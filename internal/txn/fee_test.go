package txn

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBumpLegacyThirtyPercent(t *testing.T) {
	fee := LegacyFee(big.NewInt(0x3B9ACA00))
	bumped := fee.Bump(130)

	require.NotNil(t, bumped.GasPrice)
	assert.Equal(t, "1300000000", bumped.GasPrice.String())
	assert.Nil(t, bumped.MaxFeePerGas)
	assert.Equal(t, "1000000000", fee.GasPrice.String(), "original must not change")
}

func TestBumpDynamicLeavesTip(t *testing.T) {
	fee := DynamicFee(big.NewInt(20), big.NewInt(3))
	bumped := fee.Bump(130)

	assert.Equal(t, int64(26), bumped.MaxFeePerGas.Int64())
	assert.Equal(t, int64(3), bumped.MaxPriorityFeePerGas.Int64())
	assert.Nil(t, bumped.GasPrice)
}

func TestMulPercentRoundsHalfUp(t *testing.T) {
	assert.Equal(t, int64(13), MulPercent(big.NewInt(10), 130).Int64())
	assert.Equal(t, int64(2), MulPercent(big.NewInt(1), 150).Int64())
	assert.Equal(t, int64(1), MulPercent(big.NewInt(1), 130).Int64())
	assert.Nil(t, MulPercent(nil, 130))
}

func TestFeeCap(t *testing.T) {
	assert.Equal(t, int64(7), LegacyFee(big.NewInt(7)).Cap().Int64())
	assert.Equal(t, int64(9), DynamicFee(big.NewInt(9), big.NewInt(1)).Cap().Int64())
	assert.Nil(t, Fee{}.Cap())
}
