package token

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.uber.org/zap"

	"github.com/emberlane/sponsorkit/internal/ethsign"
)

// domainVersion is the fixed typed-data domain version string. Signer and
// verifier must agree on it exactly or every signature recovers to the wrong
// address.
const domainVersion = "1"

var (
	// ErrAuthorizationNotYetValid is returned while the current time has not
	// passed validAfter.
	ErrAuthorizationNotYetValid = errors.New("token: authorization is not yet valid")

	// ErrAuthorizationExpired is returned once the current time has reached
	// validBefore.
	ErrAuthorizationExpired = errors.New("token: authorization is expired")

	// ErrInvalidSignature is returned when the typed-data signature does not
	// recover to the claimed authorizer.
	ErrInvalidSignature = errors.New("token: authorization signature is invalid")

	// ErrAuthorizationConsumed is returned when the (authorizer, nonce)
	// record is already Used or Canceled.
	ErrAuthorizationConsumed = errors.New("token: authorization already used or canceled")
)

// TransferAuthorization is the signed, time-boxed, nonce-keyed permission to
// move Value from From to To. Nonce is caller-chosen randomness, independent
// of the account nonce; a collision counts as replay, never as a new grant.
type TransferAuthorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  uint64
	ValidBefore uint64
	Nonce       [32]byte
}

// AuthorizationKey derives the 32-byte record key for (authorizer, nonce).
func AuthorizationKey(authorizer common.Address, nonce [32]byte) [32]byte {
	var key [32]byte
	copy(key[:], crypto.Keccak256(authorizer.Bytes(), nonce[:]))
	return key
}

// RandomNonce draws a fresh 32-byte authorization nonce.
func RandomNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return [32]byte{}, fmt.Errorf("token: generating authorization nonce: %w", err)
	}
	return nonce, nil
}

// TransferWithAuthorization consumes a signed transfer authorization.
// Preconditions, checked in order with no partial state change on failure:
// the validity window is strictly open around the current time, the typed-data
// signature recovers to auth.From, and the (authorizer, nonce) record is
// Unused. On success the record becomes Used and the transfer applies
// atomically with the transition.
func (tok *Token) TransferWithAuthorization(ctx context.Context, auth TransferAuthorization, sig ethsign.Signature) error {
	if err := validAmount(auth.Value); err != nil {
		return err
	}

	tok.mu.Lock()
	defer tok.mu.Unlock()

	now := uint64(tok.cfg.Now().Unix())
	if now <= auth.ValidAfter {
		return fmt.Errorf("%w: now %d, validAfter %d", ErrAuthorizationNotYetValid, now, auth.ValidAfter)
	}
	if now >= auth.ValidBefore {
		return fmt.Errorf("%w: now %d, validBefore %d", ErrAuthorizationExpired, now, auth.ValidBefore)
	}

	digest, err := tok.transferAuthorizationDigest(auth)
	if err != nil {
		return err
	}
	if err := verifySigner(digest, sig, auth.From); err != nil {
		return err
	}

	key := AuthorizationKey(auth.From, auth.Nonce)
	state, err := tok.store.AuthorizationState(ctx, key)
	if err != nil {
		return err
	}
	if state != AuthStateUnused {
		return fmt.Errorf("%w: record is %s", ErrAuthorizationConsumed, state)
	}

	err = tok.withinTx(ctx, func(store Store) error {
		if err := tok.move(ctx, store, auth.From, auth.To, auth.Value); err != nil {
			return err
		}
		return store.SetAuthorizationState(ctx, key, AuthStateUsed)
	})
	if err != nil {
		return err
	}

	tok.emit(AuthorizationUsedEvent{Authorizer: auth.From, Nonce: auth.Nonce})
	tok.log().Info("Transfer authorization consumed",
		zap.String("authorizer", auth.From.Hex()),
		zap.String("recipient", auth.To.Hex()),
		zap.String("value", auth.Value.String()),
		zap.String("nonce", hexutil.Encode(auth.Nonce[:])),
	)
	return nil
}

// CancelAuthorization retires an unused authorization. Cancellation has no
// validity window; it only needs the authorizer's signature over the
// cancellation message and an Unused record.
func (tok *Token) CancelAuthorization(ctx context.Context, authorizer common.Address, nonce [32]byte, sig ethsign.Signature) error {
	tok.mu.Lock()
	defer tok.mu.Unlock()

	digest, err := tok.cancelAuthorizationDigest(authorizer, nonce)
	if err != nil {
		return err
	}
	if err := verifySigner(digest, sig, authorizer); err != nil {
		return err
	}

	key := AuthorizationKey(authorizer, nonce)
	state, err := tok.store.AuthorizationState(ctx, key)
	if err != nil {
		return err
	}
	if state != AuthStateUnused {
		return fmt.Errorf("%w: record is %s", ErrAuthorizationConsumed, state)
	}

	if err := tok.store.SetAuthorizationState(ctx, key, AuthStateCanceled); err != nil {
		return err
	}

	tok.emit(AuthorizationCanceledEvent{Authorizer: authorizer, Nonce: nonce})
	tok.log().Info("Transfer authorization canceled",
		zap.String("authorizer", authorizer.Hex()),
		zap.String("nonce", hexutil.Encode(nonce[:])),
	)
	return nil
}

// AuthorizationState reports the record state for (authorizer, nonce).
func (tok *Token) AuthorizationState(ctx context.Context, authorizer common.Address, nonce [32]byte) (AuthState, error) {
	return tok.store.AuthorizationState(ctx, AuthorizationKey(authorizer, nonce))
}

// withinTx groups writes atomically when the store supports transactions.
// The in-memory store has no failing writes, so direct application preserves
// the same guarantee there.
func (tok *Token) withinTx(ctx context.Context, fn func(Store) error) error {
	if txStore, ok := tok.store.(TxStore); ok {
		return txStore.WithinTx(ctx, fn)
	}
	return fn(tok.store)
}

func verifySigner(digest [32]byte, sig ethsign.Signature, expected common.Address) error {
	recovered, err := sig.RecoverAddress(digest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if recovered != expected {
		return fmt.Errorf("%w: recovered %s, expected %s", ErrInvalidSignature, recovered.Hex(), expected.Hex())
	}
	return nil
}

// SignTransferAuthorization signs a transfer authorization for the token
// identified by (name, chainID, contract). Off-chain callers use this; the
// token itself only verifies.
func SignTransferAuthorization(key *ecdsa.PrivateKey, name string, chainID uint64, contract common.Address, auth TransferAuthorization) (ethsign.Signature, error) {
	digest, err := transferAuthorizationDigest(name, chainID, contract, auth)
	if err != nil {
		return ethsign.Signature{}, err
	}
	return ethsign.Sign(key, digest)
}

// SignCancelAuthorization signs a cancellation message for (authorizer, nonce).
func SignCancelAuthorization(key *ecdsa.PrivateKey, name string, chainID uint64, contract common.Address, authorizer common.Address, nonce [32]byte) (ethsign.Signature, error) {
	digest, err := cancelAuthorizationDigest(name, chainID, contract, authorizer, nonce)
	if err != nil {
		return ethsign.Signature{}, err
	}
	return ethsign.Sign(key, digest)
}

func (tok *Token) transferAuthorizationDigest(auth TransferAuthorization) ([32]byte, error) {
	return transferAuthorizationDigest(tok.cfg.Name, tok.cfg.ChainID, tok.cfg.Address, auth)
}

func (tok *Token) cancelAuthorizationDigest(authorizer common.Address, nonce [32]byte) ([32]byte, error) {
	return cancelAuthorizationDigest(tok.cfg.Name, tok.cfg.ChainID, tok.cfg.Address, authorizer, nonce)
}

func transferAuthorizationDigest(name string, chainID uint64, contract common.Address, auth TransferAuthorization) ([32]byte, error) {
	message := map[string]interface{}{
		"from":        auth.From.Hex(),
		"to":          auth.To.Hex(),
		"value":       auth.Value.String(),
		"validAfter":  new(big.Int).SetUint64(auth.ValidAfter).String(),
		"validBefore": new(big.Int).SetUint64(auth.ValidBefore).String(),
		"nonce":       hexutil.Encode(auth.Nonce[:]),
	}
	return typedDataDigest(name, chainID, contract, "TransferWithAuthorization", message)
}

func cancelAuthorizationDigest(name string, chainID uint64, contract common.Address, authorizer common.Address, nonce [32]byte) ([32]byte, error) {
	message := map[string]interface{}{
		"authorizer": authorizer.Hex(),
		"nonce":      hexutil.Encode(nonce[:]),
	}
	return typedDataDigest(name, chainID, contract, "CancelAuthorization", message)
}

// typedDataDigest computes keccak256(0x1901 || domainSeparator ||
// hashStruct(message)) for the token's typed-data domain.
func typedDataDigest(name string, chainID uint64, contract common.Address, primaryType string, message map[string]interface{}) ([32]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
			"CancelAuthorization": {
				{Name: "authorizer", Type: "address"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           domainVersion,
			ChainId:           math.NewHexOrDecimal256(int64(chainID)),
			VerifyingContract: contract.Hex(),
		},
		Message: message,
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return [32]byte{}, fmt.Errorf("token: hashing typed-data domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return [32]byte{}, fmt.Errorf("token: hashing typed-data message: %w", err)
	}

	payload := append([]byte("\x19\x01"), domainSeparator...)
	payload = append(payload, messageHash...)
	return ethsign.Digest(payload), nil
}
