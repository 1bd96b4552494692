package core

import (
	"fmt"

	"PerpEngine/internal/event"
	"PerpEngine/internal/ledger"
	fpmath "PerpEngine/internal/math"
	"PerpEngine/internal/pricing"
	"PerpEngine/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

func settlement(s state.MarginStatus) ledger.Settlement {
	return ledger.Settlement{PnL: s.UnrealizedPnL, Funding: s.AccruedFunding}
}

func (c *DeterministicCore) handleOrderSubmitted(t *txn, evt *event.OrderSubmitted) error {
	m, err := c.market(evt.Market)
	if err != nil {
		return err
	}
	if err := checkSuspended(c.pauses, evt.Market); err != nil {
		return err
	}
	if _, exists := t.order(evt.Market, evt.Account); exists {
		return fmt.Errorf("%w: %s in %s", ErrPreviousOrderExists, evt.Account.Hex(), evt.Market)
	}
	return c.planSubmit(t, m, evt.CommandID, evt.Account, evt.SizeDelta, evt.TrackingCode)
}

// planSubmit escrows the commit and keeper deposits and stages the order.
// The commit deposit is the fee quoted at the on-chain price. The trade is
// dry-run at that price so doomed orders fail now rather than at execution.
func (c *DeterministicCore) planSubmit(t *txn, m *Market, orderID uuid.UUID, account common.Address, sizeDelta fpmath.Decimal, trackingCode []byte) error {
	if sizeDelta.IsZero() {
		return ErrEmptyOrder
	}
	if len(trackingCode) > MaxTrackingCodeLen {
		return fmt.Errorf("%w: %d bytes", ErrTrackingCodeTooLong, len(trackingCode))
	}

	quote := c.resolver.LatestOnchain(m.Params.Asset, t.now)
	if !quote.Valid {
		return fmt.Errorf("%w: on-chain %s", ErrStalePrice, m.Params.Asset)
	}

	agg := t.aggregate(m)
	fill, err := pricing.QuoteFill(agg.Skew, sizeDelta, quote.Price, m.Params.Pricing())
	if err != nil {
		return err
	}

	old := t.position(m.Params.Market, account)
	keeperDeposit := m.Params.KeeperDeposit
	deposits := fill.Fee.Add(keeperDeposit)
	if old.Margin.LessThan(deposits) {
		return fmt.Errorf("%w: margin %s cannot cover order deposits %s", ErrInsufficientMargin, old.Margin, deposits)
	}

	// Dry run: at execution the commit deposit comes back before the fee
	// is charged, so only the keeper deposit is missing from margin.
	entry := m.Funding.Next(agg.Skew, quote.Price, t.now, m.Params)
	view := m.Funding.Stage(entry)
	dryRun := old
	dryRun.Margin = old.Margin.Sub(keeperDeposit)
	res, err := state.NewMarginCalculator(m.Params, view).ApplyTrade(dryRun, sizeDelta, fill.Price, fill.Fee, entry.Cumulative)
	if err != nil {
		return err
	}
	after := agg.Replace(old, view.At(old.FundingIndex), res.Position, entry.Cumulative)
	if err := state.CheckOpenInterest(agg, after, m.Params.MaxOpenInterest); err != nil {
		return err
	}

	order := state.Order{
		OrderID:       orderID,
		Market:        m.Params.Market,
		Account:       account,
		SizeDelta:     sizeDelta,
		SubmittedAt:   t.now,
		ExecutableAt:  t.now + m.Params.MinAge,
		CommitDeposit: fill.Fee,
		KeeperDeposit: keeperDeposit,
		TrackingCode:  append([]byte(nil), trackingCode...),
	}

	next := old
	next.Margin = old.Margin.Sub(deposits)
	c.journalGen.EscrowOrder(t.batch, account, m.Params.Market, deposits)
	t.setPosition(m, old, next, m.Funding)
	t.addOrder(order)
	return nil
}

func (c *DeterministicCore) handleOrderCancelled(t *txn, evt *event.OrderCancelled) error {
	m, err := c.market(evt.Market)
	if err != nil {
		return err
	}
	if err := checkSuspended(c.pauses, evt.Market); err != nil {
		return err
	}
	order, ok := t.order(evt.Market, evt.Account)
	if !ok {
		return fmt.Errorf("%w: %s in %s", ErrNoPreviousOrder, evt.Account.Hex(), evt.Market)
	}

	if evt.Caller == evt.Account {
		if t.now < order.ExecutableAt {
			return fmt.Errorf("%w: owner may cancel from %d, now %d", ErrCannotCancelYet, order.ExecutableAt, t.now)
		}
	} else if order.StatusAt(t.now, m.Params.MaxAge) != state.OrderStatusExpired {
		return fmt.Errorf("%w: keepers may cancel after %d, now %d", ErrCannotCancelYet, order.ExpiresAt(m.Params.MaxAge), t.now)
	}

	c.planCancel(t, m, order, evt.Caller)
	return nil
}

// planCancel refunds the commit deposit to margin. The keeper deposit goes
// back to margin when the owner cancels and to the caller otherwise.
func (c *DeterministicCore) planCancel(t *txn, m *Market, order state.Order, caller common.Address) {
	old := t.position(order.Market, order.Account)
	next := old

	if caller == order.Account {
		next.Margin = old.Margin.Add(order.Deposits())
		c.journalGen.RefundOrder(t.batch, order.Account, order.Market, order.Deposits())
	} else {
		next.Margin = old.Margin.Add(order.CommitDeposit)
		c.journalGen.RefundOrder(t.batch, order.Account, order.Market, order.CommitDeposit)
		c.journalGen.PayKeeper(t.batch, order.Account, order.Market, caller, order.KeeperDeposit)
	}

	t.setPosition(m, old, next, m.Funding)
	t.removeOrder(order, state.OrderStatusCancelled, caller)
}

// handleOrderReplaced cancels the owner's order, even before it is
// executable, and submits the new one in the same step. Deposits are
// charged in full again.
func (c *DeterministicCore) handleOrderReplaced(t *txn, evt *event.OrderReplaced) error {
	m, err := c.market(evt.Market)
	if err != nil {
		return err
	}
	if err := checkSuspended(c.pauses, evt.Market); err != nil {
		return err
	}

	order, exists := t.order(evt.Market, evt.Account)
	if !exists && evt.SizeDelta.IsZero() {
		return fmt.Errorf("%w: %s in %s", ErrNoPreviousOrder, evt.Account.Hex(), evt.Market)
	}
	if exists {
		c.planCancel(t, m, order, evt.Account)
	}
	if evt.SizeDelta.IsZero() {
		return nil
	}
	return c.planSubmit(t, m, evt.CommandID, evt.Account, evt.SizeDelta, evt.TrackingCode)
}

// handleOrderExecuted verifies the supplied price updates, checks the
// off-chain price against the on-chain round, and applies the trade.
func (c *DeterministicCore) handleOrderExecuted(t *txn, evt *event.OrderExecuted) error {
	m, err := c.market(evt.Market)
	if err != nil {
		return err
	}
	if err := checkSuspended(c.pauses, evt.Market); err != nil {
		return err
	}
	order, ok := t.order(evt.Market, evt.Account)
	if !ok {
		return fmt.Errorf("%w: %s in %s", ErrNoPreviousOrder, evt.Account.Hex(), evt.Market)
	}

	switch order.StatusAt(t.now, m.Params.MaxAge) {
	case state.OrderStatusPendingMinAge:
		return fmt.Errorf("%w: executable at %d, now %d", ErrExecutabilityNotReached, order.ExecutableAt, t.now)
	case state.OrderStatusExpired:
		return fmt.Errorf("%w: expired at %d, now %d", ErrOrderTooOld, order.ExpiresAt(m.Params.MaxAge), t.now)
	}

	if err := c.planPriceUpdates(t, evt.Executor, evt.PriceUpdates, evt.PaidValue); err != nil {
		return err
	}
	basis, err := c.resolver.FillPriceBasis(m.Params.Asset, m.Params.OffchainMaxAge, m.Params.MaxPriceDivergence, t.now, t.prices)
	if err != nil {
		return err
	}

	old := t.position(order.Market, order.Account)
	refunded := old
	refunded.Margin = old.Margin.Add(order.CommitDeposit)

	trade, err := c.planTrade(t, m, old, refunded, order.SizeDelta, basis.Price)
	if err != nil {
		return err
	}

	c.journalGen.RefundOrder(t.batch, order.Account, order.Market, order.CommitDeposit)
	c.journalGen.PayKeeper(t.batch, order.Account, order.Market, evt.Executor, order.KeeperDeposit)
	t.removeOrder(order, state.OrderStatusExecuted, evt.Executor)
	t.changes.Trade = trade
	return nil
}

// planTrade prices sizeDelta against basis, settles and applies it to pos
// (which may already carry staged margin changes relative to old), and
// checks open interest.
func (c *DeterministicCore) planTrade(t *txn, m *Market, old, pos state.Position, sizeDelta, basis fpmath.Decimal) (*TradeChange, error) {
	before := t.aggregate(m)
	fill, err := pricing.QuoteFill(before.Skew, sizeDelta, basis, m.Params.Pricing())
	if err != nil {
		return nil, err
	}

	view := t.stageFunding(m, basis)
	res, err := state.NewMarginCalculator(m.Params, view).ApplyTrade(pos, sizeDelta, fill.Price, fill.Fee, view.Entry().Cumulative)
	if err != nil {
		return nil, err
	}

	after := t.setPosition(m, old, res.Position, view)
	if err := state.CheckOpenInterest(before, after, m.Params.MaxOpenInterest); err != nil {
		return nil, err
	}

	c.journalGen.Settle(t.batch, pos.Account, pos.Market, ledger.Settlement{PnL: res.PnL, Funding: res.Funding})
	c.journalGen.TradeFee(t.batch, pos.Account, pos.Market, res.Fee)

	return &TradeChange{
		Market:    pos.Market,
		Account:   pos.Account,
		SizeDelta: sizeDelta,
		FillPrice: fill.Price,
		Fee:       res.Fee,
		PnL:       res.PnL,
		Funding:   res.Funding,
		Action:    res.Action,
	}, nil
}
