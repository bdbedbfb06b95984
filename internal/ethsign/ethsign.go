// Package ethsign wraps the keccak256 digest and recoverable secp256k1
// signature primitives behind a small, explicit surface. Authorization tuples
// and delegated transactions both sign through this package, so domain
// separation between the two payload kinds happens in the callers via their
// distinct type-marker bytes, never here.
package ethsign

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrInvalidSignature is returned when signature components fail range
	// validation or do not recover a public key for the given digest.
	ErrInvalidSignature = errors.New("ethsign: invalid signature")
)

// Signature is a recoverable secp256k1 signature in (r, s, yParity) form.
// YParity is the recovery parity bit, always 0 or 1.
type Signature struct {
	R       [32]byte
	S       [32]byte
	YParity uint8
}

// Digest computes the keccak256 hash of payload.
func Digest(payload []byte) [32]byte {
	var h [32]byte
	copy(h[:], crypto.Keccak256(payload))
	return h
}

// Sign produces a deterministic recoverable signature over digest using key.
// The key material is used as supplied; no mutation, no retention.
func Sign(key *ecdsa.PrivateKey, digest [32]byte) (Signature, error) {
	if key == nil {
		return Signature{}, fmt.Errorf("ethsign: nil private key")
	}
	raw, err := crypto.Sign(digest[:], key)
	if err != nil {
		return Signature{}, fmt.Errorf("ethsign: signing failed: %w", err)
	}

	var sig Signature
	copy(sig.R[:], raw[0:32])
	copy(sig.S[:], raw[32:64])
	sig.YParity = raw[64]
	return sig, nil
}

// RecoverAddress recovers the 20-byte signer address for digest from sig.
// Callers must treat a recovered address that does not match the expected
// signer as an authorization failure; this function only fails for signatures
// that are structurally invalid.
func (sig Signature) RecoverAddress(digest [32]byte) (common.Address, error) {
	if sig.YParity > 1 {
		return common.Address{}, fmt.Errorf("%w: yParity must be 0 or 1", ErrInvalidSignature)
	}
	r := new(big.Int).SetBytes(sig.R[:])
	s := new(big.Int).SetBytes(sig.S[:])
	if !crypto.ValidateSignatureValues(sig.YParity, r, s, true) {
		return common.Address{}, fmt.Errorf("%w: r/s out of range", ErrInvalidSignature)
	}
	raw := sig.compact()

	pub, err := crypto.Ecrecover(digest[:], raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return common.BytesToAddress(crypto.Keccak256(pub[1:])[12:]), nil
}

// compact returns the 65-byte r || s || yParity wire form.
func (sig Signature) compact() []byte {
	raw := make([]byte, 65)
	copy(raw[0:32], sig.R[:])
	copy(raw[32:64], sig.S[:])
	raw[64] = sig.YParity
	return raw
}

// AddressOf derives the account address controlled by key.
func AddressOf(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

// ParseKey parses a hex-encoded secp256k1 private key, with or without a
// 0x prefix.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if len(hexKey) >= 2 && hexKey[0:2] == "0x" {
		hexKey = hexKey[2:]
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("ethsign: malformed private key: %w", err)
	}
	return key, nil
}
