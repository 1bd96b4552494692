package ledger

import (
	"errors"
	"fmt"
	"sort"

	fpmath "PerpEngine/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInsufficientBalance = errors.New("insufficient wallet balance")

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]fpmath.Decimal
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]fpmath.Decimal),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.set(j.DebitAccount, bt.balances[j.DebitAccount].Add(j.Amount))
	bt.set(j.CreditAccount, bt.balances[j.CreditAccount].Sub(j.Amount))
}

func (bt *BalanceTracker) set(key AccountKey, v fpmath.Decimal) {
	if v.IsZero() {
		delete(bt.balances, key)
		return
	}
	bt.balances[key] = v
}

// CheckBatch validates a batch and verifies that no user account would go
// negative, without touching balances.
func (bt *BalanceTracker) CheckBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	for key, delta := range batch.Net() {
		if !key.IsUser() {
			continue
		}
		after := bt.balances[key].Add(delta)
		if after.IsNegative() {
			return fmt.Errorf("%w: %s would be %s", ErrInsufficientBalance, key.AccountPath(), after)
		}
	}
	return nil
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := bt.CheckBatch(batch); err != nil {
		return err
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) fpmath.Decimal {
	return bt.balances[key]
}

// Wallet returns an account's free balance.
func (bt *BalanceTracker) Wallet(owner common.Address) fpmath.Decimal {
	return bt.GetBalance(WalletKey(owner))
}

// ValidateSufficientWallet checks the wallet can cover amount.
func (bt *BalanceTracker) ValidateSufficientWallet(owner common.Address, amount fpmath.Decimal) error {
	have := bt.Wallet(owner)
	if have.LessThan(amount) {
		return fmt.Errorf("%w: have=%s, need=%s", ErrInsufficientBalance, have, amount)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (zero for a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() fpmath.Decimal {
	total := fpmath.Zero()
	for _, balance := range bt.balances {
		total = total.Add(balance)
	}
	return total
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.IsNegative() {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// Balance is one account row, used for snapshots and queries.
type Balance struct {
	Key     AccountKey     `json:"key"`
	Path    string         `json:"path"`
	Balance fpmath.Decimal `json:"balance"`
}

// Snapshot returns all non-zero balances ordered by account path.
func (bt *BalanceTracker) Snapshot() []Balance {
	out := make([]Balance, 0, len(bt.balances))
	for k, v := range bt.balances {
		out = append(out, Balance{Key: k, Path: k.AccountPath(), Balance: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Restore replaces all balances.
func (bt *BalanceTracker) Restore(rows []Balance) {
	bt.balances = make(map[AccountKey]fpmath.Decimal, len(rows))
	for _, r := range rows {
		bt.set(r.Key, r.Balance)
	}
}

// AppendCanonical appends the deterministic encoding of all balances.
func (bt *BalanceTracker) AppendCanonical(buf []byte) []byte {
	for _, row := range bt.Snapshot() {
		buf = append(buf, byte(len(row.Path)))
		buf = append(buf, row.Path...)
		buf = row.Balance.AppendCanonical(buf)
	}
	return buf
}
