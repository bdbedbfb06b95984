// Package delegation builds the signed artifacts of the gas-sponsorship flow:
// the authorization tuple that lends an account's address to a delegate
// contract, the batched calldata the delegate executes, and the final
// delegated (type 0x04) transaction carrying both.
package delegation

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/emberlane/sponsorkit/internal/ethsign"
	"github.com/emberlane/sponsorkit/internal/rlp"
)

const (
	// AuthorizationMagic prefixes the authorization signing payload,
	// separating its digests from transaction digests.
	AuthorizationMagic byte = 0x05

	// DelegatedTxType is the transaction type marker for delegated
	// transactions, used both as digest prefix and wire envelope.
	DelegatedTxType byte = 0x04
)

var (
	// ErrNonceMismatch is returned when an authorization's embedded nonce
	// does not line up with the authorizer's live account nonce.
	ErrNonceMismatch = errors.New("delegation: authorization nonce does not match account nonce")
)

// Authorization is a signed grant: "the signer permits delegate code at
// Address to run as its own for the transaction consuming account nonce
// Nonce on chain ChainID". Single use; the network burns the nonce.
type Authorization struct {
	ChainID uint64
	Address common.Address
	Nonce   uint64
	Sig     ethsign.Signature
}

// SignAuthorization builds and signs an authorization tuple with the
// authorizer's key. The payload is AuthorizationMagic || RLP([chainID,
// delegate, nonce]); see SigningDigest.
func SignAuthorization(chainID uint64, delegate common.Address, nonce uint64, key *ecdsa.PrivateKey) (Authorization, error) {
	if delegate == (common.Address{}) {
		return Authorization{}, fmt.Errorf("delegation: delegate address must not be zero")
	}

	auth := Authorization{ChainID: chainID, Address: delegate, Nonce: nonce}
	digest, err := auth.SigningDigest()
	if err != nil {
		return Authorization{}, err
	}

	sig, err := ethsign.Sign(key, digest)
	if err != nil {
		return Authorization{}, fmt.Errorf("delegation: signing authorization: %w", err)
	}
	auth.Sig = sig
	return auth, nil
}

// SigningDigest returns keccak256(0x05 || RLP([chainID, address, nonce])).
func (a Authorization) SigningDigest() ([32]byte, error) {
	encoded, err := rlp.Encode(rlp.List{a.ChainID, a.Address, a.Nonce})
	if err != nil {
		return [32]byte{}, fmt.Errorf("delegation: encoding authorization tuple: %w", err)
	}
	payload := append([]byte{AuthorizationMagic}, encoded...)
	return ethsign.Digest(payload), nil
}

// Authority recovers the authorizer address from the tuple signature.
func (a Authorization) Authority() (common.Address, error) {
	digest, err := a.SigningDigest()
	if err != nil {
		return common.Address{}, err
	}
	authority, err := a.Sig.RecoverAddress(digest)
	if err != nil {
		return common.Address{}, fmt.Errorf("delegation: recovering authority: %w", err)
	}
	return authority, nil
}

// NonceReader reads an account's next nonce from the network. Implemented by
// chain.Client; mocked in tests.
type NonceReader interface {
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
}

// DelegationNonce returns the nonce to embed in an authorization given the
// authorizer's current account nonce.
//
// The embedded nonce must equal the authorizer's account nonce at the moment
// the authorization list is processed. When a separate sponsor pays, that is
// the authorizer's current nonce. When the authorizer submits its own
// transaction, the sender nonce is consumed first, so the embedded value is
// current + 1.
func DelegationNonce(accountNonce uint64, selfSponsored bool) uint64 {
	if selfSponsored {
		return accountNonce + 1
	}
	return accountNonce
}

// ValidateAuthorizationNonce checks an authorization's embedded nonce against
// the authority's live account nonce before the transaction is built. A
// mismatched nonce still signs and serializes cleanly but produces a grant the
// network can never honor, so callers validate eagerly instead of discovering
// the dead grant on-chain.
func ValidateAuthorizationNonce(ctx context.Context, nonces NonceReader, auth Authorization, selfSponsored bool) error {
	authority, err := auth.Authority()
	if err != nil {
		return err
	}

	accountNonce, err := nonces.PendingNonce(ctx, authority)
	if err != nil {
		return fmt.Errorf("delegation: reading account nonce for %s: %w", authority.Hex(), err)
	}

	expected := DelegationNonce(accountNonce, selfSponsored)
	if auth.Nonce != expected {
		return fmt.Errorf("%w: embedded %d, account nonce %d requires %d",
			ErrNonceMismatch, auth.Nonce, accountNonce, expected)
	}
	return nil
}
