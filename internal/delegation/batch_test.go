package delegation_test

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberlane/sponsorkit/internal/delegation"
)

func TestBatchExecuteSelector(t *testing.T) {
	want := crypto.Keccak256([]byte("execute((bytes,address,uint256)[])"))[:4]
	selector := delegation.BatchExecuteSelector()
	assert.Equal(t, want, selector[:])
}

func TestEncodeBatch_RoundTripPreservesOrder(t *testing.T) {
	calls := []delegation.Call{
		{
			Data:  []byte{0xa9, 0x05, 0x9c, 0xbb, 0x01},
			To:    common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
			Value: big.NewInt(0),
		},
		{
			Data:  []byte{},
			To:    common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"),
			Value: big.NewInt(1_000_000_000_000_000_000),
		},
		{
			Data:  []byte{0xde, 0xad},
			To:    common.HexToAddress("0x90F79bf6EB2c4f870365E785982E1f101E93b906"),
			Value: big.NewInt(5),
		},
	}

	calldata, err := delegation.EncodeBatch(calls)
	require.NoError(t, err)

	selector := delegation.BatchExecuteSelector()
	assert.Equal(t, selector[:], calldata[:4])

	decoded, err := delegation.DecodeBatch(calldata)
	require.NoError(t, err)
	require.Len(t, decoded, len(calls))
	for i := range calls {
		assert.Equal(t, calls[i].Data, decoded[i].Data, "call %d data", i)
		assert.Equal(t, calls[i].To, decoded[i].To, "call %d destination", i)
		assert.Zero(t, calls[i].Value.Cmp(decoded[i].Value), "call %d value", i)
	}
}

func TestEncodeBatch_Deterministic(t *testing.T) {
	calls := []delegation.Call{
		{Data: []byte{0x01}, To: common.Address{0xaa}, Value: big.NewInt(1)},
		{Data: []byte{0x02}, To: common.Address{0xbb}, Value: big.NewInt(2)},
	}

	first, err := delegation.EncodeBatch(calls)
	require.NoError(t, err)
	second, err := delegation.EncodeBatch(calls)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEncodeBatch_NormalizesNilFields(t *testing.T) {
	calls := []delegation.Call{{To: common.Address{0xaa}}}

	calldata, err := delegation.EncodeBatch(calls)
	require.NoError(t, err)

	decoded, err := delegation.DecodeBatch(calldata)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Empty(t, decoded[0].Data)
	assert.Zero(t, decoded[0].Value.Sign())
}

func TestEncodeBatch_Failures(t *testing.T) {
	_, err := delegation.EncodeBatch(nil)
	assert.ErrorIs(t, err, delegation.ErrEmptyBatch)

	_, err = delegation.EncodeBatch([]delegation.Call{
		{To: common.Address{0xaa}, Value: big.NewInt(-1)},
	})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, delegation.ErrEmptyBatch)
}

func TestDecodeBatch_RejectsForeignSelector(t *testing.T) {
	_, err := delegation.DecodeBatch([]byte{0xde, 0xad, 0xbe, 0xef, 0x00})
	assert.Error(t, err)

	_, err = delegation.DecodeBatch([]byte{0x01})
	assert.Error(t, err)
}
