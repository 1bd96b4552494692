package core

import (
	"fmt"

	"PerpEngine/internal/event"
	"PerpEngine/internal/state"
)

func (c *DeterministicCore) handleWalletDeposited(t *txn, evt *event.WalletDeposited) error {
	if !evt.Amount.IsPositive() {
		return fmt.Errorf("%w: deposit %s", ErrZeroAmount, evt.Amount)
	}
	c.journalGen.WalletDeposit(t.batch, evt.Account, evt.Amount)
	return nil
}

func (c *DeterministicCore) handleWalletWithdrawn(t *txn, evt *event.WalletWithdrawn) error {
	if !evt.Amount.IsPositive() {
		return fmt.Errorf("%w: withdrawal %s", ErrZeroAmount, evt.Amount)
	}
	return c.journalGen.WalletWithdrawal(t.batch, evt.Account, evt.Amount)
}

// handleMarginTransferred settles PnL and funding at the on-chain price,
// then moves the delta between wallet and margin.
func (c *DeterministicCore) handleMarginTransferred(t *txn, evt *event.MarginTransferred) error {
	m, err := c.market(evt.Market)
	if err != nil {
		return err
	}
	if evt.Delta.IsZero() {
		return ErrZeroAmount
	}
	if err := checkSuspended(c.pauses, evt.Market); err != nil {
		return err
	}

	quote := c.resolver.LatestOnchain(m.Params.Asset, t.now)
	if !quote.Valid {
		return fmt.Errorf("%w: on-chain %s", ErrStalePrice, m.Params.Asset)
	}

	old := t.position(evt.Market, evt.Account)
	view := t.stageFunding(m, quote.Price)
	mc := state.NewMarginCalculator(m.Params, view)

	next, status, err := mc.TransferMargin(old, evt.Delta, quote.Price, view.Entry().Cumulative)
	if err != nil {
		return err
	}
	if err := c.journalGen.MarginTransfer(t.batch, evt.Account, evt.Market, evt.Delta); err != nil {
		return err
	}
	c.journalGen.Settle(t.batch, evt.Account, evt.Market, settlement(status))

	t.setPosition(m, old, next, view)
	return nil
}
