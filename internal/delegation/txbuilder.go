package delegation

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/emberlane/sponsorkit/internal/ethsign"
	"github.com/emberlane/sponsorkit/internal/rlp"
)

var (
	// ErrMalformedField is returned when a transaction field fails validation
	// before any signature is computed.
	ErrMalformedField = errors.New("delegation: malformed transaction field")
)

// AccessTuple is one access-list entry, carried verbatim into the encoding.
type AccessTuple struct {
	Address     common.Address
	StorageKeys []common.Hash
}

// AccessList is the EIP-2930-style access list of a delegated transaction.
type AccessList []AccessTuple

// TxParams holds every field of an unsigned delegated transaction, in the
// fixed wire order. Fee fields are carried verbatim; the builder enforces
// encoding rules only, never pricing policy.
type TxParams struct {
	ChainID              uint64
	Nonce                uint64
	MaxPriorityFeePerGas *big.Int
	MaxFeePerGas         *big.Int
	GasLimit             uint64
	To                   common.Address
	Value                *big.Int
	Data                 []byte
	AccessList           AccessList
	AuthList             []Authorization
}

// DelegatedTx is a signed, immutable delegated transaction. Construct with
// BuildDelegatedTx; never mutate after signing.
type DelegatedTx struct {
	params TxParams
	sig    ethsign.Signature
}

// BuildDelegatedTx validates params, signs the 0x04-typed payload with the
// paying account's key, and returns the finished transaction.
//
// The builder is a pure function of its inputs: identical params and key
// always produce byte-identical serialized output.
func BuildDelegatedTx(params TxParams, senderKey *ecdsa.PrivateKey) (*DelegatedTx, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}

	digest, err := signingDigest(params)
	if err != nil {
		return nil, err
	}

	sig, err := ethsign.Sign(senderKey, digest)
	if err != nil {
		return nil, fmt.Errorf("delegation: signing transaction: %w", err)
	}

	return &DelegatedTx{params: copyParams(params), sig: sig}, nil
}

// Params returns a copy of the transaction fields.
func (tx *DelegatedTx) Params() TxParams { return copyParams(tx.params) }

// Signature returns the sender signature.
func (tx *DelegatedTx) Signature() ethsign.Signature { return tx.sig }

// Sender recovers the paying account from the transaction signature.
func (tx *DelegatedTx) Sender() (common.Address, error) {
	digest, err := signingDigest(tx.params)
	if err != nil {
		return common.Address{}, err
	}
	return tx.sig.RecoverAddress(digest)
}

// Serialize produces the transmittable bytes:
// 0x04 || RLP([chainId, nonce, maxPriorityFeePerGas, maxFeePerGas, gasLimit,
// to, value, data, accessList, authorizationList, yParity, r, s]).
func (tx *DelegatedTx) Serialize() ([]byte, error) {
	fields := txFieldList(tx.params)
	fields = append(fields,
		uint64(tx.sig.YParity),
		new(big.Int).SetBytes(tx.sig.R[:]),
		new(big.Int).SetBytes(tx.sig.S[:]),
	)

	encoded, err := rlp.Encode(fields)
	if err != nil {
		return nil, fmt.Errorf("delegation: encoding signed transaction: %w", err)
	}
	return append([]byte{DelegatedTxType}, encoded...), nil
}

// Hash returns the transaction hash: keccak256 of the serialized bytes.
func (tx *DelegatedTx) Hash() (common.Hash, error) {
	raw, err := tx.Serialize()
	if err != nil {
		return common.Hash{}, err
	}
	return common.Hash(ethsign.Digest(raw)), nil
}

func validateParams(params TxParams) error {
	if params.To == (common.Address{}) {
		return fmt.Errorf("%w: destination address must not be zero", ErrMalformedField)
	}
	if params.MaxFeePerGas == nil || params.MaxFeePerGas.Sign() < 0 {
		return fmt.Errorf("%w: maxFeePerGas must be a non-negative integer", ErrMalformedField)
	}
	if params.MaxPriorityFeePerGas == nil || params.MaxPriorityFeePerGas.Sign() < 0 {
		return fmt.Errorf("%w: maxPriorityFeePerGas must be a non-negative integer", ErrMalformedField)
	}
	if params.Value != nil && params.Value.Sign() < 0 {
		return fmt.Errorf("%w: value must not be negative", ErrMalformedField)
	}
	if params.GasLimit == 0 {
		return fmt.Errorf("%w: gas limit must not be zero", ErrMalformedField)
	}
	for i, auth := range params.AuthList {
		if auth.Sig.YParity > 1 {
			return fmt.Errorf("%w: authorization %d has invalid yParity %d", ErrMalformedField, i, auth.Sig.YParity)
		}
		if auth.Address == (common.Address{}) {
			return fmt.Errorf("%w: authorization %d delegates to the zero address", ErrMalformedField, i)
		}
	}
	return nil
}

// signingDigest computes keccak256(0x04 || RLP(unsigned field list)).
func signingDigest(params TxParams) ([32]byte, error) {
	encoded, err := rlp.Encode(txFieldList(params))
	if err != nil {
		return [32]byte{}, fmt.Errorf("delegation: encoding unsigned transaction: %w", err)
	}
	payload := append([]byte{DelegatedTxType}, encoded...)
	return ethsign.Digest(payload), nil
}

// txFieldList lays the fields out in wire order. Nil numerics encode as the
// empty byte string, the same representation as zero.
func txFieldList(params TxParams) rlp.List {
	accessList := rlp.List{}
	for _, tuple := range params.AccessList {
		keys := rlp.List{}
		for _, key := range tuple.StorageKeys {
			keys = append(keys, key.Bytes())
		}
		accessList = append(accessList, rlp.List{tuple.Address, keys})
	}

	authList := rlp.List{}
	for _, auth := range params.AuthList {
		authList = append(authList, rlp.List{
			auth.ChainID,
			auth.Address,
			auth.Nonce,
			uint64(auth.Sig.YParity),
			new(big.Int).SetBytes(auth.Sig.R[:]),
			new(big.Int).SetBytes(auth.Sig.S[:]),
		})
	}

	data := params.Data
	if data == nil {
		data = []byte{}
	}

	return rlp.List{
		params.ChainID,
		params.Nonce,
		params.MaxPriorityFeePerGas,
		params.MaxFeePerGas,
		params.GasLimit,
		params.To,
		params.Value,
		data,
		accessList,
		authList,
	}
}

func copyParams(params TxParams) TxParams {
	out := params
	out.Data = append([]byte(nil), params.Data...)
	out.AccessList = append(AccessList(nil), params.AccessList...)
	out.AuthList = append([]Authorization(nil), params.AuthList...)
	if params.Value != nil {
		out.Value = new(big.Int).Set(params.Value)
	}
	if params.MaxFeePerGas != nil {
		out.MaxFeePerGas = new(big.Int).Set(params.MaxFeePerGas)
	}
	if params.MaxPriorityFeePerGas != nil {
		out.MaxPriorityFeePerGas = new(big.Int).Set(params.MaxPriorityFeePerGas)
	}
	return out
}
