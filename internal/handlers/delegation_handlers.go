package handlers

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/emberlane/sponsorkit/internal/delegation"
	"github.com/emberlane/sponsorkit/internal/ethsign"
	"github.com/emberlane/sponsorkit/internal/logger"
)

// ErrReceiptNotFound indicates the backend has no receipt for the hash.
var ErrReceiptNotFound = errors.New("handlers: receipt not found")

// TxReceipt is the backend-neutral receipt shape returned by submissions.
type TxReceipt struct {
	TxHash            common.Hash
	Status            uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	BlockNumber       uint64
	RevertReason      string
}

// Backend abstracts the chain the relay submits to, so handlers run the same
// against the devnet and a live RPC endpoint.
type Backend interface {
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	SubmitRaw(ctx context.Context, raw []byte) (*TxReceipt, error)
	Receipt(ctx context.Context, txHash common.Hash) (*TxReceipt, error)
}

// SponsorConfig carries the relay's signing identity and fee policy.
type SponsorConfig struct {
	ChainID              uint64
	SponsorKey           *ecdsa.PrivateKey
	MaxPriorityFeePerGas *big.Int
	MaxFeePerGas         *big.Int
	GasLimit             uint64
}

// DelegationHandler serves the delegated-transaction endpoints.
type DelegationHandler struct {
	backend Backend
	cfg     SponsorConfig
	logger  *zap.Logger
}

// NewDelegationHandler creates a handler submitting through backend with the
// given sponsor configuration.
func NewDelegationHandler(backend Backend, cfg SponsorConfig) *DelegationHandler {
	return &DelegationHandler{backend: backend, cfg: cfg, logger: logger.Log}
}

// AuthorizationPayload is the wire form of a signed authorization tuple.
type AuthorizationPayload struct {
	ChainID uint64 `json:"chain_id"`
	Address string `json:"address" binding:"required"`
	Nonce   uint64 `json:"nonce"`
	YParity uint8  `json:"y_parity"`
	R       string `json:"r" binding:"required"`
	S       string `json:"s" binding:"required"`
}

// CallPayload is the wire form of one batch sub-call.
type CallPayload struct {
	To    string `json:"to" binding:"required"`
	Data  string `json:"data"`
	Value string `json:"value"`
}

// SubmitDelegatedRequest sponsors a signed authorization plus batch calls.
type SubmitDelegatedRequest struct {
	Authorization AuthorizationPayload `json:"authorization" binding:"required"`
	Calls         []CallPayload        `json:"calls" binding:"required,min=1"`
}

// ValidateAuthorizationRequest checks a signed tuple without submitting.
type ValidateAuthorizationRequest struct {
	Authorization AuthorizationPayload `json:"authorization" binding:"required"`
}

// AuthorizationResponse describes a validated tuple.
type AuthorizationResponse struct {
	Authority string `json:"authority"`
	Delegate  string `json:"delegate"`
	ChainID   uint64 `json:"chain_id"`
	Nonce     uint64 `json:"nonce"`
}

// SubmitDelegatedResponse reports the outcome of a sponsored submission.
type SubmitDelegatedResponse struct {
	TxHash            string `json:"tx_hash"`
	Authority         string `json:"authority"`
	Status            uint64 `json:"status"`
	GasUsed           uint64 `json:"gas_used"`
	EffectiveGasPrice string `json:"effective_gas_price"`
	BlockNumber       uint64 `json:"block_number"`
	RevertReason      string `json:"revert_reason,omitempty"`
}

// ValidateAuthorization handles POST /api/v1/authorizations. It recovers the
// authority from the tuple signature and checks the embedded nonce against
// the authority's live account nonce.
func (h *DelegationHandler) ValidateAuthorization(c *gin.Context) {
	var req ValidateAuthorizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	auth, err := parseAuthorization(req.Authorization)
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid authorization tuple", err)
		return
	}
	if auth.ChainID != 0 && auth.ChainID != h.cfg.ChainID {
		sendError(c, http.StatusUnprocessableEntity, "Authorization targets a different chain",
			fmt.Errorf("tuple chain id %d, relay serves %d", auth.ChainID, h.cfg.ChainID))
		return
	}

	authority, err := auth.Authority()
	if err != nil {
		sendError(c, http.StatusUnprocessableEntity, "Authorization signature does not recover", err)
		return
	}
	if err := delegation.ValidateAuthorizationNonce(c.Request.Context(), h.backend, auth, false); err != nil {
		if errors.Is(err, delegation.ErrNonceMismatch) {
			sendError(c, http.StatusConflict, "Authorization nonce is stale", err)
			return
		}
		sendError(c, http.StatusInternalServerError, "Failed to validate authorization nonce", err)
		return
	}

	sendSuccess(c, http.StatusOK, AuthorizationResponse{
		Authority: authority.Hex(),
		Delegate:  auth.Address.Hex(),
		ChainID:   auth.ChainID,
		Nonce:     auth.Nonce,
	})
}

// SubmitDelegated handles POST /api/v1/transactions/delegated. It wraps the
// tuple and batch in a sponsor-signed transaction and submits it.
func (h *DelegationHandler) SubmitDelegated(c *gin.Context) {
	ctx := c.Request.Context()

	var req SubmitDelegatedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	auth, err := parseAuthorization(req.Authorization)
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid authorization tuple", err)
		return
	}
	authority, err := auth.Authority()
	if err != nil {
		sendError(c, http.StatusUnprocessableEntity, "Authorization signature does not recover", err)
		return
	}
	if err := delegation.ValidateAuthorizationNonce(ctx, h.backend, auth, false); err != nil {
		if errors.Is(err, delegation.ErrNonceMismatch) {
			sendError(c, http.StatusConflict, "Authorization nonce is stale", err)
			return
		}
		sendError(c, http.StatusInternalServerError, "Failed to validate authorization nonce", err)
		return
	}

	calls, err := parseCalls(req.Calls)
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid batch calls", err)
		return
	}
	data, err := delegation.EncodeBatch(calls)
	if err != nil {
		sendError(c, http.StatusBadRequest, "Failed to encode batch", err)
		return
	}

	sponsorNonce, err := h.backend.PendingNonce(ctx, ethsign.AddressOf(h.cfg.SponsorKey))
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to read sponsor nonce", err)
		return
	}

	tx, err := delegation.BuildDelegatedTx(delegation.TxParams{
		ChainID:              h.cfg.ChainID,
		Nonce:                sponsorNonce,
		MaxPriorityFeePerGas: h.cfg.MaxPriorityFeePerGas,
		MaxFeePerGas:         h.cfg.MaxFeePerGas,
		GasLimit:             h.cfg.GasLimit,
		To:                   authority,
		Data:                 data,
		AuthList:             []delegation.Authorization{auth},
	}, h.cfg.SponsorKey)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to build delegated transaction", err)
		return
	}
	raw, err := tx.Serialize()
	if err != nil {
		sendError(c, http.StatusInternalServerError, "Failed to serialize transaction", err)
		return
	}

	receipt, err := h.backend.SubmitRaw(ctx, raw)
	if err != nil {
		sendError(c, http.StatusBadGateway, "Transaction submission failed", err)
		return
	}

	h.logger.Info("Sponsored delegated transaction",
		zap.String("tx_hash", receipt.TxHash.Hex()),
		zap.String("authority", authority.Hex()),
		zap.Int("calls", len(calls)),
		zap.Uint64("status", receipt.Status),
	)
	sendSuccess(c, http.StatusCreated, receiptResponse(receipt, authority))
}

// GetReceipt handles GET /api/v1/transactions/:hash/receipt.
func (h *DelegationHandler) GetReceipt(c *gin.Context) {
	hashHex := c.Param("hash")
	raw, err := hexutil.Decode(hashHex)
	if err != nil || len(raw) != common.HashLength {
		sendError(c, http.StatusBadRequest, "Invalid transaction hash", err)
		return
	}

	receipt, err := h.backend.Receipt(c.Request.Context(), common.BytesToHash(raw))
	if err != nil {
		if errors.Is(err, ErrReceiptNotFound) {
			sendError(c, http.StatusNotFound, "Receipt not found", err)
			return
		}
		sendError(c, http.StatusInternalServerError, "Failed to fetch receipt", err)
		return
	}
	sendSuccess(c, http.StatusOK, receiptResponse(receipt, common.Address{}))
}

func receiptResponse(receipt *TxReceipt, authority common.Address) SubmitDelegatedResponse {
	resp := SubmitDelegatedResponse{
		TxHash:       receipt.TxHash.Hex(),
		Status:       receipt.Status,
		GasUsed:      receipt.GasUsed,
		BlockNumber:  receipt.BlockNumber,
		RevertReason: receipt.RevertReason,
	}
	if receipt.EffectiveGasPrice != nil {
		resp.EffectiveGasPrice = receipt.EffectiveGasPrice.String()
	}
	if authority != (common.Address{}) {
		resp.Authority = authority.Hex()
	}
	return resp
}

func parseAuthorization(p AuthorizationPayload) (delegation.Authorization, error) {
	if !common.IsHexAddress(p.Address) {
		return delegation.Authorization{}, fmt.Errorf("delegate address %q is not a hex address", p.Address)
	}
	r, err := parseWord(p.R)
	if err != nil {
		return delegation.Authorization{}, fmt.Errorf("parsing r: %w", err)
	}
	s, err := parseWord(p.S)
	if err != nil {
		return delegation.Authorization{}, fmt.Errorf("parsing s: %w", err)
	}
	if p.YParity > 1 {
		return delegation.Authorization{}, fmt.Errorf("y_parity must be 0 or 1, got %d", p.YParity)
	}
	return delegation.Authorization{
		ChainID: p.ChainID,
		Address: common.HexToAddress(p.Address),
		Nonce:   p.Nonce,
		Sig:     ethsign.Signature{R: r, S: s, YParity: p.YParity},
	}, nil
}

func parseCalls(payloads []CallPayload) ([]delegation.Call, error) {
	calls := make([]delegation.Call, 0, len(payloads))
	for i, p := range payloads {
		if !common.IsHexAddress(p.To) {
			return nil, fmt.Errorf("call %d: to %q is not a hex address", i, p.To)
		}
		call := delegation.Call{To: common.HexToAddress(p.To)}
		if p.Data != "" {
			data, err := hexutil.Decode(p.Data)
			if err != nil {
				return nil, fmt.Errorf("call %d: decoding data: %w", i, err)
			}
			call.Data = data
		}
		if p.Value != "" {
			value, ok := new(big.Int).SetString(p.Value, 10)
			if !ok || value.Sign() < 0 {
				return nil, fmt.Errorf("call %d: value %q is not a non-negative decimal", i, p.Value)
			}
			call.Value = value
		}
		calls = append(calls, call)
	}
	return calls, nil
}

func parseWord(s string) ([32]byte, error) {
	var word [32]byte
	raw, err := hexutil.Decode(s)
	if err != nil {
		return word, err
	}
	if len(raw) != 32 {
		return word, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(word[:], raw)
	return word, nil
}
