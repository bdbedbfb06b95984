// Command delegate-demo walks the full sponsorship flow against the embedded
// devnet: it installs a delegation for a fresh authorizer account, sponsors a
// batch of token transfers paid for by a separate sponsor account, and then
// exercises a one-time transfer authorization against the token, including
// the replay rejection.
package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/emberlane/sponsorkit/internal/delegation"
	"github.com/emberlane/sponsorkit/internal/deployments"
	"github.com/emberlane/sponsorkit/internal/devnet"
	"github.com/emberlane/sponsorkit/internal/ethsign"
	"github.com/emberlane/sponsorkit/internal/logger"
	"github.com/emberlane/sponsorkit/internal/token"
)

// Well-known development keys (hardhat accounts 1 and 2).
const (
	authorizerKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	sponsorKeyHex    = "5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a"
	delegateAddrHex  = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	tokenAddrHex     = "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
	chainID          = uint64(31337)
)

func main() {
	logger.InitLogger("dev")
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	if err := run(ctx); err != nil {
		logger.Fatal("Demo failed", zap.Error(err))
	}
	logger.Info("Demo completed")
}

func run(ctx context.Context) error {
	authorizerKey, err := ethsign.ParseKey(authorizerKeyHex)
	if err != nil {
		return err
	}
	sponsorKey, err := ethsign.ParseKey(sponsorKeyHex)
	if err != nil {
		return err
	}
	authorizer := ethsign.AddressOf(authorizerKey)
	sponsor := ethsign.AddressOf(sponsorKey)
	recipient := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

	tok, err := token.New(token.Config{
		Name:     "Sponsorkit Devnet Token",
		Symbol:   "SDT",
		Decimals: 6,
		ChainID:  chainID,
		Address:  common.HexToAddress(tokenAddrHex),
	}, token.NewMemoryStore())
	if err != nil {
		return err
	}
	chain := devnet.New(chainID, tok, logger.Log)

	// Record the demo deployments so other tooling can find the addresses.
	registry, err := deployments.NewRegistry(envOr("DEPLOYMENTS_DIR", "deployments"))
	if err != nil {
		return err
	}
	for contract, addr := range map[string]common.Address{
		"BatchDelegate": common.HexToAddress(delegateAddrHex),
		"Token":         common.HexToAddress(tokenAddrHex),
	} {
		if _, err := registry.Save(deployments.Record{
			Network:  "devnet",
			ChainID:  chainID,
			Contract: contract,
			Address:  addr,
		}); err != nil {
			return err
		}
	}

	// Seed balances: tokens for the authorizer, gas money for the sponsor.
	if err := tok.Mint(ctx, authorizer, big.NewInt(1_000_000)); err != nil {
		return err
	}
	chain.FundNative(sponsor, new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

	if err := sponsoredBatch(ctx, chain, authorizerKey, sponsorKey, recipient); err != nil {
		return err
	}
	return transferAuthorization(ctx, tok, authorizerKey, recipient)
}

// sponsoredBatch installs the delegation and runs two transfers in one
// sponsor-paid transaction.
func sponsoredBatch(ctx context.Context, chain *devnet.Chain, authorizerKey, sponsorKey *ecdsa.PrivateKey, recipient common.Address) error {
	authorizer := ethsign.AddressOf(authorizerKey)
	sponsor := ethsign.AddressOf(sponsorKey)

	authorizerNonce, err := chain.PendingNonce(ctx, authorizer)
	if err != nil {
		return err
	}
	auth, err := delegation.SignAuthorization(chainID, common.HexToAddress(delegateAddrHex),
		delegation.DelegationNonce(authorizerNonce, false), authorizerKey)
	if err != nil {
		return err
	}

	var calls []delegation.Call
	for _, amount := range []int64{250, 750} {
		calldata, err := token.TransferCalldata(recipient, big.NewInt(amount))
		if err != nil {
			return err
		}
		calls = append(calls, delegation.Call{
			To:   common.HexToAddress(tokenAddrHex),
			Data: calldata,
		})
	}
	data, err := delegation.EncodeBatch(calls)
	if err != nil {
		return err
	}

	sponsorNonce, err := chain.PendingNonce(ctx, sponsor)
	if err != nil {
		return err
	}
	tx, err := delegation.BuildDelegatedTx(delegation.TxParams{
		ChainID:              chainID,
		Nonce:                sponsorNonce,
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		MaxFeePerGas:         big.NewInt(3_000_000_000),
		GasLimit:             500_000,
		To:                   authorizer,
		Data:                 data,
		AuthList:             []delegation.Authorization{auth},
	}, sponsorKey)
	if err != nil {
		return err
	}
	raw, err := tx.Serialize()
	if err != nil {
		return err
	}

	receipt, err := chain.SubmitRaw(ctx, raw)
	if err != nil {
		return err
	}
	if receipt.Status != 1 {
		return fmt.Errorf("sponsored batch reverted: %s", receipt.RevertReason)
	}

	balance, err := chain.Token().BalanceOf(ctx, recipient)
	if err != nil {
		return err
	}
	logger.Info("Sponsored batch applied",
		zap.String("tx_hash", receipt.TxHash.Hex()),
		zap.Uint64("gas_used", receipt.GasUsed),
		zap.String("recipient_balance", balance.String()),
		zap.String("sponsor_native_left", chain.NativeBalance(sponsor).String()),
	)
	return nil
}

// transferAuthorization signs a one-hour transfer authorization, consumes it,
// and shows the replay being rejected.
func transferAuthorization(ctx context.Context, tok *token.Token, authorizerKey *ecdsa.PrivateKey, recipient common.Address) error {
	authorizer := ethsign.AddressOf(authorizerKey)

	nonce, err := token.RandomNonce()
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	auth := token.TransferAuthorization{
		From:        authorizer,
		To:          recipient,
		Value:       big.NewInt(5_000),
		ValidAfter:  uint64(now - 1),
		ValidBefore: uint64(now + 3600),
		Nonce:       nonce,
	}
	sig, err := token.SignTransferAuthorization(authorizerKey, tok.Name(), tok.ChainID(), tok.Address(), auth)
	if err != nil {
		return err
	}

	if err := tok.TransferWithAuthorization(ctx, auth, sig); err != nil {
		return err
	}
	logger.Info("Transfer authorization consumed",
		zap.String("from", auth.From.Hex()),
		zap.String("to", auth.To.Hex()),
		zap.String("value", auth.Value.String()),
	)

	// A second submission of the same authorization must fail.
	err = tok.TransferWithAuthorization(ctx, auth, sig)
	if !errors.Is(err, token.ErrAuthorizationConsumed) {
		return fmt.Errorf("replay was not rejected: %v", err)
	}
	logger.Info("Replay correctly rejected", zap.Error(err))
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
