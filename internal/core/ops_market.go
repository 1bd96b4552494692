package core

import (
	"fmt"

	"PerpEngine/internal/event"
	fpmath "PerpEngine/internal/math"
	"PerpEngine/internal/oracle"
	"PerpEngine/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// planPriceUpdates verifies relayed updates and stages them with their
// fee. With no updates, any payment is credited back to the relayer.
func (c *DeterministicCore) planPriceUpdates(t *txn, relayer common.Address, updates [][]byte, paid fpmath.Decimal) error {
	if paid.IsNegative() {
		return fmt.Errorf("%w: paid value %s", ErrInsufficientFee, paid)
	}
	if len(updates) == 0 {
		c.journalGen.RelayFee(t.batch, relayer, fpmath.Zero(), paid)
		return nil
	}

	batch, err := c.resolver.Prepare(updates, paid, t.now)
	if err != nil {
		return err
	}
	t.prices = batch
	c.journalGen.RelayFee(t.batch, relayer, batch.Fee, batch.Excess)
	return nil
}

func (c *DeterministicCore) handleOffchainPricesUpdated(t *txn, evt *event.OffchainPricesUpdated) error {
	if len(evt.Updates) == 0 {
		return oracle.ErrEmptyUpdateBatch
	}
	return c.planPriceUpdates(t, evt.Relayer, evt.Updates, evt.PaidValue)
}

func (c *DeterministicCore) handleOnchainRoundReported(t *txn, evt *event.OnchainRoundReported) error {
	if evt.UpdatedAt > t.now {
		return fmt.Errorf("%w: round %d updated at %d, after now %d", oracle.ErrInvalidPrice, evt.RoundID, evt.UpdatedAt, t.now)
	}
	round := oracle.Round{RoundID: evt.RoundID, Price: evt.Price, UpdatedAt: evt.UpdatedAt}
	if err := c.resolver.ValidateRound(evt.Asset, round); err != nil {
		return err
	}
	t.round = &roundReport{asset: evt.Asset, round: round}
	return nil
}

// handleFundingRecompute records accrued funding at the on-chain price
// without touching any position.
func (c *DeterministicCore) handleFundingRecompute(t *txn, evt *event.FundingRecomputeRequested) error {
	m, err := c.market(evt.Market)
	if err != nil {
		return err
	}
	quote := c.resolver.LatestOnchain(m.Params.Asset, t.now)
	if !quote.Valid {
		return fmt.Errorf("%w: on-chain %s", ErrStalePrice, m.Params.Asset)
	}
	t.stageFunding(m, quote.Price)
	return nil
}

// handleMarketParamsUpdated creates a market or swaps its parameters.
// Funding accrued under the old parameters is recorded first so the new
// rate only applies from now on.
func (c *DeterministicCore) handleMarketParamsUpdated(t *txn, evt *event.MarketParamsUpdated) error {
	next := evt.Params
	if err := state.ValidateMarketParams(next); err != nil {
		return err
	}

	if m, ok := c.markets[next.Market]; ok {
		if m.Params.Asset != next.Asset {
			return fmt.Errorf("%w: %s asset cannot change from %s to %s",
				ErrInvalidMarketParams, next.Market, m.Params.Asset, next.Asset)
		}
		if m.Params.FundingChanged(next) {
			if round, ok := c.resolver.LatestRound(m.Params.Asset); ok {
				t.stageFunding(m, round.Price)
			}
		}
	}

	t.params = &next
	if evt.FeedID != nil {
		t.feed = &feedMapping{asset: next.Asset, id: *evt.FeedID}
	}
	return nil
}
