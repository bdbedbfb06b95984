package devnet_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/emberlane/sponsorkit/internal/delegation"
	"github.com/emberlane/sponsorkit/internal/devnet"
	"github.com/emberlane/sponsorkit/internal/ethsign"
	"github.com/emberlane/sponsorkit/internal/logger"
	"github.com/emberlane/sponsorkit/internal/token"
)

func init() {
	logger.InitLogger("test")
}

const (
	chainID          = uint64(31337)
	authorizerKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	sponsorKeyHex    = "5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a"
	delegateAddrHex  = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	tokenAddrHex     = "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
)

var oneEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func newChain(t *testing.T) *devnet.Chain {
	t.Helper()
	tok, err := token.New(token.Config{
		Name:     "Sponsor Test Token",
		Symbol:   "SPT",
		Decimals: 6,
		ChainID:  chainID,
		Address:  common.HexToAddress(tokenAddrHex),
	}, token.NewMemoryStore())
	require.NoError(t, err)
	return devnet.New(chainID, tok, zap.NewNop())
}

// buildSponsoredTx signs an authorization at the authorizer's live nonce and
// wraps the given batch in a sponsor-signed delegated transaction.
func buildSponsoredTx(t *testing.T, chain *devnet.Chain, calls []delegation.Call) []byte {
	t.Helper()
	ctx := context.Background()

	authorizerKey, err := ethsign.ParseKey(authorizerKeyHex)
	require.NoError(t, err)
	sponsorKey, err := ethsign.ParseKey(sponsorKeyHex)
	require.NoError(t, err)

	authorizerNonce, err := chain.PendingNonce(ctx, ethsign.AddressOf(authorizerKey))
	require.NoError(t, err)
	auth, err := delegation.SignAuthorization(chainID, common.HexToAddress(delegateAddrHex),
		delegation.DelegationNonce(authorizerNonce, false), authorizerKey)
	require.NoError(t, err)

	data, err := delegation.EncodeBatch(calls)
	require.NoError(t, err)

	sponsorNonce, err := chain.PendingNonce(ctx, ethsign.AddressOf(sponsorKey))
	require.NoError(t, err)
	tx, err := delegation.BuildDelegatedTx(delegation.TxParams{
		ChainID:              chainID,
		Nonce:                sponsorNonce,
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		MaxFeePerGas:         big.NewInt(3_000_000_000),
		GasLimit:             400_000,
		To:                   ethsign.AddressOf(authorizerKey),
		Data:                 data,
		AuthList:             []delegation.Authorization{auth},
	}, sponsorKey)
	require.NoError(t, err)

	raw, err := tx.Serialize()
	require.NoError(t, err)
	return raw
}

func transferCall(t *testing.T, to common.Address, amount int64) delegation.Call {
	t.Helper()
	data, err := token.TransferCalldata(to, big.NewInt(amount))
	require.NoError(t, err)
	return delegation.Call{To: common.HexToAddress(tokenAddrHex), Data: data, Value: big.NewInt(0)}
}

func TestSubmitRaw_SponsoredBatchEndToEnd(t *testing.T) {
	ctx := context.Background()
	chain := newChain(t)

	authorizerKey, err := ethsign.ParseKey(authorizerKeyHex)
	require.NoError(t, err)
	sponsorKey, err := ethsign.ParseKey(sponsorKeyHex)
	require.NoError(t, err)
	authorizer := ethsign.AddressOf(authorizerKey)
	sponsor := ethsign.AddressOf(sponsorKey)
	alice := common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob := common.HexToAddress("0x2222222222222222222222222222222222222222")

	require.NoError(t, chain.Token().Mint(ctx, authorizer, big.NewInt(100)))
	chain.FundNative(sponsor, oneEther)

	raw := buildSponsoredTx(t, chain, []delegation.Call{
		transferCall(t, alice, 10),
		transferCall(t, bob, 5),
	})

	receipt, err := chain.SubmitRaw(ctx, raw)
	require.NoError(t, err)
	require.EqualValues(t, 1, receipt.Status)
	assert.Empty(t, receipt.RevertReason)

	// Token balances moved from the authorizer, never from the payer.
	authorizerBalance, err := chain.Token().BalanceOf(ctx, authorizer)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(85), authorizerBalance)
	aliceBalance, err := chain.Token().BalanceOf(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10), aliceBalance)
	bobBalance, err := chain.Token().BalanceOf(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(5), bobBalance)

	// Gas comes out of the sponsor alone; the authorizer's native balance
	// stays at zero.
	gasCost := new(big.Int).Mul(receipt.EffectiveGasPrice, new(big.Int).SetUint64(receipt.GasUsed))
	assert.Equal(t, new(big.Int).Sub(oneEther, gasCost), chain.NativeBalance(sponsor))
	assert.Zero(t, chain.NativeBalance(authorizer).Sign())

	// The delegation designator is installed and both nonces advanced.
	designator := chain.DelegationDesignator(authorizer)
	require.Len(t, designator, 23)
	assert.Equal(t, []byte{0xef, 0x01, 0x00}, designator[:3])
	assert.Equal(t, common.HexToAddress(delegateAddrHex).Bytes(), designator[3:])

	authorizerNonce, err := chain.PendingNonce(ctx, authorizer)
	require.NoError(t, err)
	assert.EqualValues(t, 1, authorizerNonce)
	sponsorNonce, err := chain.PendingNonce(ctx, sponsor)
	require.NoError(t, err)
	assert.EqualValues(t, 1, sponsorNonce)

	// Receipt is queryable afterwards.
	assert.Equal(t, receipt, chain.Receipt(receipt.TxHash))
}

func TestSubmitRaw_ReplayRejected(t *testing.T) {
	ctx := context.Background()
	chain := newChain(t)

	authorizerKey, err := ethsign.ParseKey(authorizerKeyHex)
	require.NoError(t, err)
	sponsorKey, err := ethsign.ParseKey(sponsorKeyHex)
	require.NoError(t, err)
	require.NoError(t, chain.Token().Mint(ctx, ethsign.AddressOf(authorizerKey), big.NewInt(100)))
	chain.FundNative(ethsign.AddressOf(sponsorKey), oneEther)

	raw := buildSponsoredTx(t, chain, []delegation.Call{
		transferCall(t, common.HexToAddress("0x1111111111111111111111111111111111111111"), 10),
	})
	_, err = chain.SubmitRaw(ctx, raw)
	require.NoError(t, err)

	_, err = chain.SubmitRaw(ctx, raw)
	assert.ErrorIs(t, err, devnet.ErrNonceMismatch)
}

func TestSubmitRaw_StaleAuthorizationNonceRejected(t *testing.T) {
	ctx := context.Background()
	chain := newChain(t)

	authorizerKey, err := ethsign.ParseKey(authorizerKeyHex)
	require.NoError(t, err)
	sponsorKey, err := ethsign.ParseKey(sponsorKeyHex)
	require.NoError(t, err)
	chain.FundNative(ethsign.AddressOf(sponsorKey), oneEther)

	// Authorization signed over nonce 5 while the account sits at 0.
	auth, err := delegation.SignAuthorization(chainID, common.HexToAddress(delegateAddrHex), 5, authorizerKey)
	require.NoError(t, err)
	tx, err := delegation.BuildDelegatedTx(delegation.TxParams{
		ChainID:              chainID,
		Nonce:                0,
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		MaxFeePerGas:         big.NewInt(3_000_000_000),
		GasLimit:             100_000,
		To:                   ethsign.AddressOf(authorizerKey),
		AuthList:             []delegation.Authorization{auth},
	}, sponsorKey)
	require.NoError(t, err)
	raw, err := tx.Serialize()
	require.NoError(t, err)

	_, err = chain.SubmitRaw(ctx, raw)
	assert.ErrorIs(t, err, devnet.ErrNonceMismatch)
}

func TestSubmitRaw_FailedBatchLeavesLedgerUntouched(t *testing.T) {
	ctx := context.Background()
	chain := newChain(t)

	authorizerKey, err := ethsign.ParseKey(authorizerKeyHex)
	require.NoError(t, err)
	sponsorKey, err := ethsign.ParseKey(sponsorKeyHex)
	require.NoError(t, err)
	authorizer := ethsign.AddressOf(authorizerKey)
	sponsor := ethsign.AddressOf(sponsorKey)

	require.NoError(t, chain.Token().Mint(ctx, authorizer, big.NewInt(12)))
	chain.FundNative(sponsor, oneEther)

	// First call alone fits the balance, the batch as a whole does not;
	// nothing may be applied.
	raw := buildSponsoredTx(t, chain, []delegation.Call{
		transferCall(t, common.HexToAddress("0x1111111111111111111111111111111111111111"), 10),
		transferCall(t, common.HexToAddress("0x2222222222222222222222222222222222222222"), 5),
	})
	receipt, err := chain.SubmitRaw(ctx, raw)
	require.NoError(t, err)
	assert.EqualValues(t, 0, receipt.Status)
	assert.NotEmpty(t, receipt.RevertReason)

	balance, err := chain.Token().BalanceOf(ctx, authorizer)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(12), balance)

	// Execution reverted but the authorization still took effect and the
	// sponsor still paid for gas.
	assert.Len(t, chain.DelegationDesignator(authorizer), 23)
	assert.Negative(t, chain.NativeBalance(sponsor).Cmp(oneEther))
}

func TestSubmitRaw_InsufficientGasFundsRejected(t *testing.T) {
	ctx := context.Background()
	chain := newChain(t)

	authorizerKey, err := ethsign.ParseKey(authorizerKeyHex)
	require.NoError(t, err)
	require.NoError(t, chain.Token().Mint(ctx, ethsign.AddressOf(authorizerKey), big.NewInt(100)))

	// Sponsor never funded.
	raw := buildSponsoredTx(t, chain, []delegation.Call{
		transferCall(t, common.HexToAddress("0x1111111111111111111111111111111111111111"), 1),
	})
	_, err = chain.SubmitRaw(ctx, raw)
	assert.ErrorIs(t, err, devnet.ErrInsufficientFunds)
}

func TestSubmitRaw_SelfSponsoredAuthorization(t *testing.T) {
	ctx := context.Background()
	chain := newChain(t)

	key, err := ethsign.ParseKey(authorizerKeyHex)
	require.NoError(t, err)
	account := ethsign.AddressOf(key)
	chain.FundNative(account, oneEther)

	// Self-sponsored: the account signs both the transaction and the
	// authorization, embedding nonce+1 in the tuple.
	auth, err := delegation.SignAuthorization(chainID, common.HexToAddress(delegateAddrHex),
		delegation.DelegationNonce(0, true), key)
	require.NoError(t, err)
	tx, err := delegation.BuildDelegatedTx(delegation.TxParams{
		ChainID:              chainID,
		Nonce:                0,
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		MaxFeePerGas:         big.NewInt(3_000_000_000),
		GasLimit:             100_000,
		To:                   account,
		AuthList:             []delegation.Authorization{auth},
	}, key)
	require.NoError(t, err)
	raw, err := tx.Serialize()
	require.NoError(t, err)

	receipt, err := chain.SubmitRaw(ctx, raw)
	require.NoError(t, err)
	assert.EqualValues(t, 1, receipt.Status)

	assert.Len(t, chain.DelegationDesignator(account), 23)
	// Transaction nonce and authorization nonce both consumed.
	nonce, err := chain.PendingNonce(ctx, account)
	require.NoError(t, err)
	assert.EqualValues(t, 2, nonce)
}

func TestSubmitRaw_RejectsForeignChainID(t *testing.T) {
	ctx := context.Background()
	chain := newChain(t)

	key, err := ethsign.ParseKey(sponsorKeyHex)
	require.NoError(t, err)
	auth, err := delegation.SignAuthorization(chainID+1, common.HexToAddress(delegateAddrHex), 1, key)
	require.NoError(t, err)
	tx, err := delegation.BuildDelegatedTx(delegation.TxParams{
		ChainID:              chainID + 1,
		Nonce:                0,
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		MaxFeePerGas:         big.NewInt(3_000_000_000),
		GasLimit:             100_000,
		To:                   ethsign.AddressOf(key),
		AuthList:             []delegation.Authorization{auth},
	}, key)
	require.NoError(t, err)
	raw, err := tx.Serialize()
	require.NoError(t, err)

	_, err = chain.SubmitRaw(ctx, raw)
	assert.ErrorIs(t, err, devnet.ErrInvalidTransaction)
}
