package ledger

import (
	"fmt"

	fpmath "PerpEngine/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateMarginMirror verifies the margin account equals the position's
// margin.
func (v *InvariantValidator) ValidateMarginMirror(owner common.Address, market string, margin fpmath.Decimal) error {
	key := MarginKey(owner, market)
	if got := v.tracker.GetBalance(key); !got.Equal(margin) {
		return fmt.Errorf("%s balance %s does not match position margin %s", key.AccountPath(), got, margin)
	}
	return nil
}

// ValidateEscrowMirror verifies the escrow account holds exactly the pending
// order's deposits.
func (v *InvariantValidator) ValidateEscrowMirror(owner common.Address, market string, deposits fpmath.Decimal) error {
	key := EscrowKey(owner, market)
	if got := v.tracker.GetBalance(key); !got.Equal(deposits) {
		return fmt.Errorf("%s balance %s does not match order deposits %s", key.AccountPath(), got, deposits)
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	if total := v.tracker.ComputeGlobalBalance(); !total.IsZero() {
		return fmt.Errorf("global balance is non-zero: %s", total)
	}
	return nil
}
