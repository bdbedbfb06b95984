package token

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TransferEvent is emitted on every balance movement. Mints carry a zero
// From address.
type TransferEvent struct {
	From  common.Address
	To    common.Address
	Value *big.Int
}

// ApprovalEvent is emitted when an allowance is set.
type ApprovalEvent struct {
	Owner   common.Address
	Spender common.Address
	Value   *big.Int
}

// AuthorizationUsedEvent is emitted when a transfer authorization is
// consumed. Distinguishable from cancellation by type.
type AuthorizationUsedEvent struct {
	Authorizer common.Address
	Nonce      [32]byte
}

// AuthorizationCanceledEvent is emitted when an unused authorization is
// explicitly canceled.
type AuthorizationCanceledEvent struct {
	Authorizer common.Address
	Nonce      [32]byte
}

// EventSink receives emitted events synchronously, in operation order.
type EventSink func(event any)

// SubscribeEvents registers sink for all future events.
func (tok *Token) SubscribeEvents(sink EventSink) {
	tok.mu.Lock()
	defer tok.mu.Unlock()
	tok.sinks = append(tok.sinks, sink)
}

func (tok *Token) emit(event any) {
	for _, sink := range tok.sinks {
		sink(event)
	}
}
