package event

import (
	fpmath "PerpEngine/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// WalletDeposited credits an account's free balance from outside the
// engine. Idempotency key: command_id.
type WalletDeposited struct {
	CommandID uuid.UUID      `json:"command_id"`
	Account   common.Address `json:"account"`
	Amount    fpmath.Decimal `json:"amount"`
	Timestamp int64          `json:"timestamp"`
}

func (w *WalletDeposited) IdempotencyKey() string { return w.CommandID.String() }
func (w *WalletDeposited) EventType() EventType   { return EventTypeWalletDeposited }
func (w *WalletDeposited) MarketID() *string      { return nil }
func (w *WalletDeposited) Time() int64            { return w.Timestamp }

// WalletWithdrawn debits an account's free balance to outside the engine.
type WalletWithdrawn struct {
	CommandID uuid.UUID      `json:"command_id"`
	Account   common.Address `json:"account"`
	Amount    fpmath.Decimal `json:"amount"`
	Timestamp int64          `json:"timestamp"`
}

func (w *WalletWithdrawn) IdempotencyKey() string { return w.CommandID.String() }
func (w *WalletWithdrawn) EventType() EventType   { return EventTypeWalletWithdrawn }
func (w *WalletWithdrawn) MarketID() *string      { return nil }
func (w *WalletWithdrawn) Time() int64            { return w.Timestamp }
