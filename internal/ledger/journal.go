package ledger

import (
	"encoding/binary"
	"fmt"

	fpmath "PerpEngine/internal/math"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeWalletDeposit JournalType = iota
	JournalTypeWalletWithdrawal
	JournalTypeMarginDeposit
	JournalTypeMarginWithdrawal
	JournalTypeTradePnL
	JournalTypeTradeFee
	JournalTypeFundingSettle
	JournalTypeOrderEscrow
	JournalTypeOrderRefund
	JournalTypeKeeperReward
	JournalTypeDepositForfeit
	JournalTypeLiquidationReward
	JournalTypeLiquidationRemainder
	JournalTypeRelayFee
	JournalTypeRelayExcess
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeWalletDeposit:
		return "wallet_deposit"
	case JournalTypeWalletWithdrawal:
		return "wallet_withdrawal"
	case JournalTypeMarginDeposit:
		return "margin_deposit"
	case JournalTypeMarginWithdrawal:
		return "margin_withdrawal"
	case JournalTypeTradePnL:
		return "trade_pnl"
	case JournalTypeTradeFee:
		return "trade_fee"
	case JournalTypeFundingSettle:
		return "funding_settle"
	case JournalTypeOrderEscrow:
		return "order_escrow"
	case JournalTypeOrderRefund:
		return "order_refund"
	case JournalTypeKeeperReward:
		return "keeper_reward"
	case JournalTypeDepositForfeit:
		return "deposit_forfeit"
	case JournalTypeLiquidationReward:
		return "liquidation_reward"
	case JournalTypeLiquidationRemainder:
		return "liquidation_remainder"
	case JournalTypeRelayFee:
		return "relay_fee"
	case JournalTypeRelayExcess:
		return "relay_excess"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID      // Derived from batch id and position
	BatchID       uuid.UUID      // Groups balanced entries
	EventRef      string         // Idempotency key of source event
	Sequence      int64          // Global event sequence
	DebitAccount  AccountKey     // Account receiving debit (balance increases)
	CreditAccount AccountKey     // Account receiving credit (balance decreases)
	Amount        fpmath.Decimal // ALWAYS positive
	JournalType   JournalType
	Timestamp     int64 // caller clock, seconds
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// batchNamespace scopes deterministic batch ids so replay reproduces them.
var batchNamespace = uuid.MustParse("5b8f3c1e-7a2d-4e6f-9c0b-1d2e3f405162")

// NewBatch starts an empty batch whose id is derived from the event ref.
func NewBatch(eventRef string, sequence, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.NewSHA1(batchNamespace, []byte(eventRef)),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
	}
}

// Transfer appends a debit/credit pair. Zero amounts are skipped and
// negative amounts swap the two sides, so callers can pass signed deltas.
func (b *Batch) Transfer(debit, credit AccountKey, amount fpmath.Decimal, jt JournalType) {
	if amount.IsZero() {
		return
	}
	if amount.IsNegative() {
		debit, credit = credit, debit
		amount = amount.Neg()
	}

	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(len(b.Journals)))

	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.NewSHA1(b.BatchID, idx[:]),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// IsEmpty is true when the event moved no value.
func (b *Batch) IsEmpty() bool {
	return len(b.Journals) == 0
}

// Validate ensures the batch is well-formed.
// Each journal moves one positive amount from credit to debit, so every
// batch is balanced by construction.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if !j.Amount.IsPositive() {
			return fmt.Errorf("journal %s has non-positive amount: %s", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}

// Net returns the signed balance change the batch applies to each account.
func (b *Batch) Net() map[AccountKey]fpmath.Decimal {
	net := make(map[AccountKey]fpmath.Decimal)
	for _, j := range b.Journals {
		net[j.DebitAccount] = net[j.DebitAccount].Add(j.Amount)
		net[j.CreditAccount] = net[j.CreditAccount].Sub(j.Amount)
	}
	return net
}
