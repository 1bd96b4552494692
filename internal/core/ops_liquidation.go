package core

import (
	"fmt"

	"PerpEngine/internal/event"
	"PerpEngine/internal/ledger"
	fpmath "PerpEngine/internal/math"
	"PerpEngine/internal/state"
)

// handlePositionClosed closes the whole position at the on-chain price,
// paying impact and fees like any other trade.
func (c *DeterministicCore) handlePositionClosed(t *txn, evt *event.PositionClosed) error {
	m, err := c.market(evt.Market)
	if err != nil {
		return err
	}
	if err := checkSuspended(c.pauses, evt.Market); err != nil {
		return err
	}

	pos := t.position(evt.Market, evt.Account)
	if pos.IsFlat() {
		return fmt.Errorf("%w: no open position for %s in %s", ErrZeroSize, evt.Account.Hex(), evt.Market)
	}

	quote := c.resolver.LatestOnchain(m.Params.Asset, t.now)
	if !quote.Valid {
		return fmt.Errorf("%w: on-chain %s", ErrStalePrice, m.Params.Asset)
	}

	trade, err := c.planTrade(t, m, pos, pos, pos.Size.Neg(), quote.Price)
	if err != nil {
		return err
	}
	t.changes.Trade = trade
	return nil
}

// handlePositionLiquidated closes an undercollateralised position. The
// caller gets the liquidation reward, capped at what is left of the margin,
// and the rest goes to the fee sink along with any pending order deposits.
func (c *DeterministicCore) handlePositionLiquidated(t *txn, evt *event.PositionLiquidated) error {
	m, err := c.market(evt.Market)
	if err != nil {
		return err
	}
	if err := checkSuspended(c.pauses, evt.Market); err != nil {
		return err
	}

	pos := t.position(evt.Market, evt.Account)
	if pos.IsFlat() {
		return fmt.Errorf("%w: no open position for %s in %s", ErrCannotLiquidate, evt.Account.Hex(), evt.Market)
	}

	// Fail closed: no valid price, no liquidation.
	quote := c.resolver.LatestOnchain(m.Params.Asset, t.now)
	if !quote.Valid {
		return fmt.Errorf("%w: %w: on-chain %s", ErrCannotLiquidate, ErrStalePrice, m.Params.Asset)
	}

	view := t.stageFunding(m, quote.Price)
	mc := state.NewMarginCalculator(m.Params, view)
	status := mc.Evaluate(pos, quote.Price, view.Entry().Cumulative, quote.Valid)
	if !mc.CanLiquidate(pos, status) {
		return fmt.Errorf("%w: remaining margin %s above reward %s",
			ErrCannotLiquidate, status.Remaining, m.Params.LiquidationFeeReward)
	}

	if status.RemainingRaw.IsNegative() {
		// underwater: the settlement account absorbs the shortfall
		c.journalGen.Settle(t.batch, pos.Account, pos.Market, ledger.Settlement{PnL: pos.Margin.Neg()})
	} else {
		c.journalGen.Settle(t.batch, pos.Account, pos.Market, settlement(status))
	}

	payout := mc.SplitLiquidation(status.Remaining)
	c.journalGen.Liquidation(t.batch, pos.Account, pos.Market, evt.Caller, payout.Reward, payout.Remainder)

	forfeited := fpmath.Zero()
	if order, ok := t.order(pos.Market, pos.Account); ok {
		forfeited = order.Deposits()
		c.journalGen.ForfeitOrder(t.batch, pos.Account, pos.Market, forfeited)
		t.removeOrder(order, state.OrderStatusCancelled, evt.Caller)
	}

	closed := state.Position{
		Market:       pos.Market,
		Account:      pos.Account,
		FundingIndex: view.Tip(),
	}
	t.setPosition(m, pos, closed, view)

	t.changes.Liquidation = &LiquidationChange{
		Market:    pos.Market,
		Account:   pos.Account,
		Caller:    evt.Caller,
		Size:      pos.Size,
		Price:     quote.Price,
		Reward:    payout.Reward,
		Remainder: payout.Remainder,
		Forfeited: forfeited,
	}
	return nil
}
