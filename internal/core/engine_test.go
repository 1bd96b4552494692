package core_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"PerpEngine/internal/core"
	"PerpEngine/internal/event"
	"PerpEngine/internal/ledger"
	fpmath "PerpEngine/internal/math"
	"PerpEngine/internal/oracle"
	"PerpEngine/internal/state"
	"PerpEngine/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: Order lifecycle
// ============================================================================

func TestSubmitExecute_OpensPosition(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(alice, "1000")

	h.must(h.submit(alice, "50"))
	// commit deposit = 50 * 100 * 0.002, plus the keeper deposit
	assertDec(t, "988", h.marginBalance(alice), "margin after submit")
	assertDec(t, "12", h.escrow(alice), "escrow after submit")
	assert.Equal(t, state.OrderStatusPendingMinAge, h.core.OrderStatus(ethPerp, alice, h.clock.Now()))

	h.requireRejected(h.execute(alice, "100"), core.ErrExecutabilityNotReached)

	h.clock.Advance(2)
	h.must(h.execute(alice, "100"))

	v := h.position(alice)
	assertDec(t, "50", v.Position.Size, "size")
	assertDec(t, "988", v.Position.Margin, "margin")
	assertDec(t, "100", v.Position.LastPrice, "last price")
	assert.Nil(t, v.Order)
	assertDec(t, "988", h.marginBalance(alice), "margin account")
	assertDec(t, "0", h.escrow(alice), "escrow")
	assertDec(t, "2", h.wallet(keeper), "keeper wallet")
	assertDec(t, "0.01", h.core.Balance(ledger.FeedProviderKey()), "relay fee")
	assertDec(t, "10", h.core.Balance(ledger.FeeSinkKey()), "fee sink")

	m := h.market()
	assertDec(t, "50", m.Aggregate.Skew, "skew")
	assertDec(t, "50", m.LongSize, "long size")
	assertDec(t, "0.005", m.FundingRate, "funding rate")
}

func TestPriceMove_RemainingMarginAndDebt(t *testing.T) {
	h := newHarness(t, nil)
	h.open(alice, "1000", "50", "100")

	h.must(h.roundAt("200"))

	v := h.position(alice)
	assertDec(t, "5988", v.RemainingMargin, "remaining")
	assertDec(t, "5000", v.UnrealizedPnL, "pnl")
	// 5988 - 50*200/10
	assertDec(t, "4988", v.AccessibleMargin, "accessible")
	assertDec(t, "5988", h.market().Debt, "market debt")
	assert.True(t, v.PriceValid)
	assert.False(t, v.CanLiquidate)
}

func TestBalancedMarket_MakerFeeAndZeroRate(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(alice, "1100")
	h.fund(bob, "1100")
	h.must(h.submit(alice, "100"))
	h.must(h.submit(bob, "-100"))

	h.clock.Advance(2)
	h.must(h.execute(alice, "100"))
	h.must(h.execute(bob, "100"))

	// alice extends skew (taker), bob closes it (maker)
	assertDec(t, "1078", h.position(alice).Position.Margin, "alice margin")
	assertDec(t, "1088", h.position(bob).Position.Margin, "bob margin")

	m := h.market()
	assertDec(t, "0", m.Aggregate.Skew, "skew")
	assertDec(t, "200", m.Aggregate.Size, "size")
	assertDec(t, "100", m.LongSize, "long")
	assertDec(t, "100", m.ShortSize, "short")
	assertDec(t, "0", m.FundingRate, "rate")
}

func TestExpiredOrder_KeeperCancels(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(alice, "1000")
	h.must(h.submit(alice, "50"))

	h.clock.Advance(2)
	h.requireRejected(h.cancel(alice, keeper), core.ErrCannotCancelYet)

	h.clock.Advance(61)
	assert.Equal(t, state.OrderStatusExpired, h.core.OrderStatus(ethPerp, alice, h.clock.Now()))
	h.requireRejected(h.execute(alice, "100"), core.ErrOrderTooOld)

	h.must(h.cancel(alice, keeper))
	assertDec(t, "2", h.wallet(keeper), "keeper wallet")
	assertDec(t, "998", h.marginBalance(alice), "margin")
	assertDec(t, "0", h.escrow(alice), "escrow")
	_, ok := h.core.Order(ethPerp, alice)
	assert.False(t, ok)

	// second cancel is a lost race
	err := h.apply(h.cancel(alice, keeper))
	require.ErrorIs(t, err, core.ErrNoPreviousOrder)
	assert.Equal(t, core.CategoryRace, core.Category(err))
}

func TestOwnerCancel_RefundsAll(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(alice, "1000")
	h.must(h.submit(alice, "50"))

	h.clock.Advance(1)
	h.requireRejected(h.cancel(alice, alice), core.ErrCannotCancelYet)

	h.clock.Advance(1)
	h.must(h.cancel(alice, alice))
	assertDec(t, "1000", h.marginBalance(alice), "margin")
	assertDec(t, "0", h.wallet(keeper), "keeper wallet")
}

func TestSubmit_RejectsSecondOrderAndEmpty(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(alice, "1000")

	h.requireRejected(h.submit(alice, "0"), core.ErrEmptyOrder)
	h.must(h.submit(alice, "50"))

	err := h.apply(h.submit(alice, "10"))
	require.ErrorIs(t, err, core.ErrPreviousOrderExists)
	assert.Equal(t, core.CategoryRace, core.Category(err))
}

func TestSubmit_LeverageAndOpenInterest(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(alice, "1000")

	// 110 * 100 = 11000 > 10x margin
	h.requireRejected(h.submit(alice, "110"), core.ErrMaxLeverageExceeded)

	h.fund(bob, "20000")
	h.requireRejected(h.submit(bob, "1001"), core.ErrMaxMarketSizeExceeded)
}

func TestReplace(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(alice, "1000")

	h.requireRejected(&event.OrderReplaced{
		CommandID: testutil.CommandID(), Market: ethPerp, Account: alice,
		SizeDelta: testutil.Dec("0"), Timestamp: h.clock.Now(),
	}, core.ErrNoPreviousOrder)

	h.must(h.submit(alice, "50"))
	h.must(&event.OrderReplaced{
		CommandID: testutil.CommandID(), Market: ethPerp, Account: alice,
		SizeDelta: testutil.Dec("20"), Timestamp: h.clock.Now(),
	})

	o, ok := h.core.Order(ethPerp, alice)
	require.True(t, ok)
	assertDec(t, "20", o.SizeDelta, "replaced size")
	// 20 * 100 * 0.002 + 2
	assertDec(t, "994", h.marginBalance(alice), "margin")
	assertDec(t, "6", h.escrow(alice), "escrow")

	h.must(&event.OrderReplaced{
		CommandID: testutil.CommandID(), Market: ethPerp, Account: alice,
		SizeDelta: testutil.Dec("0"), Timestamp: h.clock.Now(),
	})
	_, ok = h.core.Order(ethPerp, alice)
	assert.False(t, ok)
	assertDec(t, "1000", h.marginBalance(alice), "margin after cancel")
}

func TestExecute_InsufficientFeeLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(alice, "1000")
	h.must(h.submit(alice, "50"))
	h.clock.Advance(2)

	evt := h.execute(alice, "100")
	evt.PaidValue = testutil.Dec("0")
	h.requireRejected(evt, core.ErrInsufficientFee)
	assert.Equal(t, core.CategoryFee, core.Category(h.apply(evt)))

	_, ok := h.core.Order(ethPerp, alice)
	assert.True(t, ok, "order must survive a rejected execution")
}

func TestExecute_PriceDivergence(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(alice, "1000")
	h.must(h.submit(alice, "50"))
	h.clock.Advance(2)

	err := h.apply(h.execute(alice, "106"))
	require.ErrorIs(t, err, core.ErrPriceDivergenceTooHigh)
	assert.Equal(t, core.CategoryLiveness, core.Category(err))
}

func TestFees_OpenCloseIsNotProfitable(t *testing.T) {
	h := newHarness(t, func(p *state.MarketParams) {
		p.PriceImpactFactor = testutil.Dec("0.1")
	})
	h.open(alice, "1000", "50", "100")

	v := h.position(alice)
	// fill 100 * (1 + 0.1 * 25/1000), taker fee on 50 * 100.25
	assertDec(t, "100.25", v.Position.LastPrice, "fill price")
	assertDec(t, "987.975", v.Position.Margin, "margin after open")

	h.must(&event.PositionClosed{
		CommandID: testutil.CommandID(), Market: ethPerp, Account: alice, Timestamp: h.clock.Now(),
	})

	v = h.position(alice)
	assertDec(t, "0", v.Position.Size, "size")
	// closing reduces skew: maker fee on 50 * 100.25
	assertDec(t, "982.9625", v.Position.Margin, "margin after close")
	assert.True(t, v.Position.Margin.LessThan(testutil.Dec("1000")))
}

// ============================================================================
// Test: Liquidation
// ============================================================================

func TestLiquidation_AtThreshold(t *testing.T) {
	h := newHarness(t, nil)
	h.open(alice, "1000", "50", "100")

	price, valid, err := h.core.LiquidationPrice(ethPerp, alice, false, h.clock.Now())
	require.NoError(t, err)
	assert.True(t, valid)
	// 100 + (20 - 988) / 50
	assertDec(t, "80.64", price, "liquidation price")

	err = h.apply(h.liquidate(alice, bob))
	require.ErrorIs(t, err, core.ErrCannotLiquidate)
	assert.Equal(t, core.CategoryRace, core.Category(err))

	h.must(h.roundAt("80.64"))
	v := h.position(alice)
	assertDec(t, "20", v.RemainingMargin, "remaining")
	assert.True(t, v.CanLiquidate)

	h.must(h.liquidate(alice, bob))

	v = h.position(alice)
	assert.True(t, v.Position.IsFlat())
	assertDec(t, "0", v.Position.Margin, "margin")
	assertDec(t, "0", h.marginBalance(alice), "margin account")
	assertDec(t, "20", h.wallet(bob), "liquidator reward")
	assertDec(t, "10", h.core.Balance(ledger.FeeSinkKey()), "fee sink")
	assertDec(t, "0", h.market().Aggregate.Size, "market size")
}

func TestLiquidation_ForfeitsPendingOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.open(alice, "1000", "50", "100")
	h.must(h.submit(alice, "-10"))
	escrowed := h.escrow(alice)
	require.True(t, escrowed.IsPositive())

	h.must(h.roundAt("70"))
	h.must(h.liquidate(alice, bob))

	_, ok := h.core.Order(ethPerp, alice)
	assert.False(t, ok)
	assertDec(t, "0", h.escrow(alice), "escrow")
	// underwater: reward is capped at what is left, which is nothing
	assertDec(t, "0", h.wallet(bob), "liquidator reward")
}

func TestLiquidation_UnderwaterPaysNoReward(t *testing.T) {
	h := newHarness(t, nil)
	h.open(alice, "1000", "50", "100")
	sinkBefore := h.core.Balance(ledger.FeeSinkKey())

	// 988 - 50*30 leaves the position 512 underwater
	h.must(h.roundAt("70"))
	v := h.position(alice)
	assertDec(t, "0", v.RemainingMargin, "remaining")
	require.True(t, v.CanLiquidate)

	h.must(h.liquidate(alice, bob))

	if got := h.wallet(bob); !got.IsZero() {
		t.Errorf("liquidator reward: got %s, want 0", got)
	}
	if got := h.core.Balance(ledger.FeeSinkKey()); !got.Equal(sinkBefore) {
		t.Errorf("fee sink: got %s, want %s", got, sinkBefore)
	}
	assertDec(t, "0", h.marginBalance(alice), "margin account")
	assert.True(t, h.position(alice).Position.IsFlat())
}

func TestLiquidation_FailsClosedOnStalePrice(t *testing.T) {
	h := newHarness(t, nil)
	h.open(alice, "1000", "50", "100")

	h.clock.Advance(3601)
	ok, err := h.core.CanLiquidate(ethPerp, alice, h.clock.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	_, valid, err := h.core.LiquidationPrice(ethPerp, alice, true, h.clock.Now())
	require.NoError(t, err)
	assert.False(t, valid, "liquidation price on a stale round")

	evt := h.liquidate(alice, bob)
	h.requireRejected(evt, core.ErrCannotLiquidate)

	err = h.apply(evt)
	assert.ErrorIs(t, err, core.ErrStalePrice)
	assert.Equal(t, core.CategoryRace, core.Category(err))
}

// ============================================================================
// Test: Market aggregates
// ============================================================================

// assertAggregates checks the market's skew, size and debt against the sum
// over every account's position.
func assertAggregates(t *testing.T, h *harness, step string, accounts ...common.Address) {
	t.Helper()
	skew, size, remaining := fpmath.Zero(), fpmath.Zero(), fpmath.Zero()
	for _, a := range accounts {
		v := h.position(a)
		skew = skew.Add(v.Position.Size)
		size = size.Add(v.Position.Size.Abs())
		remaining = remaining.Add(v.RemainingMargin)
	}

	m := h.market()
	debt, valid, err := h.core.MarketDebt(ethPerp, h.clock.Now())
	require.NoError(t, err)
	assert.True(t, valid, "%s: price valid", step)
	if !m.Aggregate.Skew.Equal(skew) {
		t.Errorf("%s: skew: got %s, want %s", step, m.Aggregate.Skew, skew)
	}
	if !m.Aggregate.Size.Equal(size) {
		t.Errorf("%s: size: got %s, want %s", step, m.Aggregate.Size, size)
	}
	if !debt.Equal(remaining) {
		t.Errorf("%s: debt: got %s, want %s", step, debt, remaining)
	}
}

func TestMarketAggregates_MatchPositions(t *testing.T) {
	h := newHarness(t, func(p *state.MarketParams) {
		p.PriceImpactFactor = testutil.Dec("0.1")
	})
	carol := testutil.Address(3)
	accounts := []common.Address{alice, bob, carol}

	h.open(alice, "1000", "50", "100")
	assertAggregates(t, h, "alice long", accounts...)

	// fills against a non-zero skew from here on
	h.open(bob, "1000", "-30", "100")
	assertAggregates(t, h, "bob short", accounts...)
	h.open(carol, "1000", "20", "100")
	assertAggregates(t, h, "carol long", accounts...)

	h.clock.Advance(1800)
	h.must(h.roundAt("100"))
	h.must(&event.FundingRecomputeRequested{
		CommandID: testutil.CommandID(), Market: ethPerp, Timestamp: h.clock.Now(),
	})
	require.True(t, h.position(carol).AccruedFunding.IsPositive(), "longs pay on a long skew")
	assertAggregates(t, h, "funding accrued", accounts...)

	h.must(h.submit(alice, "-80"))
	h.clock.Advance(2)
	h.must(h.execute(alice, "100"))
	assertDec(t, "-30", h.position(alice).Position.Size, "alice after flip")
	assertAggregates(t, h, "alice flip", accounts...)

	h.must(&event.PositionClosed{
		CommandID: testutil.CommandID(), Market: ethPerp, Account: bob, Timestamp: h.clock.Now(),
	})
	assert.True(t, h.position(bob).Position.Size.IsZero())
	assertAggregates(t, h, "bob close", accounts...)

	liq, valid, err := h.core.LiquidationPrice(ethPerp, carol, true, h.clock.Now())
	require.NoError(t, err)
	require.True(t, valid)
	h.must(h.roundAt(liq.Sub(testutil.Dec("0.1")).String()))
	v := h.position(carol)
	require.True(t, v.CanLiquidate)
	require.True(t, v.RemainingMargin.IsPositive())
	assertAggregates(t, h, "carol at liquidation", accounts...)

	h.must(h.liquidate(carol, keeper))
	assertAggregates(t, h, "carol liquidated", accounts...)
	assertDec(t, "-30", h.market().Aggregate.Skew, "final skew")
}

// ============================================================================
// Test: Margin, funding and oracle commands
// ============================================================================

func TestTransferMargin(t *testing.T) {
	h := newHarness(t, nil)
	h.must(&event.WalletDeposited{
		CommandID: testutil.CommandID(), Account: alice, Amount: testutil.Dec("500"), Timestamp: h.clock.Now(),
	})

	h.requireRejected(h.transfer(alice, "600"), core.ErrInsufficientBalance)
	h.requireRejected(h.transfer(alice, "0"), core.ErrZeroAmount)

	h.must(h.transfer(alice, "500"))
	assertDec(t, "0", h.wallet(alice), "wallet")
	assertDec(t, "500", h.marginBalance(alice), "margin")

	h.requireRejected(h.transfer(alice, "-501"), core.ErrInsufficientMargin)
	h.must(h.transfer(alice, "-200"))
	assertDec(t, "200", h.wallet(alice), "wallet after withdraw")
	assertDec(t, "300", h.marginBalance(alice), "margin after withdraw")
}

func TestTransferMargin_StalePriceBlocks(t *testing.T) {
	h := newHarness(t, nil)
	h.clock.Advance(3601)
	h.must(&event.WalletDeposited{
		CommandID: testutil.CommandID(), Account: alice, Amount: testutil.Dec("10"), Timestamp: h.clock.Now(),
	})
	h.requireRejected(h.transfer(alice, "10"), core.ErrStalePrice)
}

func TestWithdrawAccessibleOnly(t *testing.T) {
	h := newHarness(t, nil)
	h.open(alice, "1000", "50", "100")

	// accessible = 988 - 50*100/10
	v := h.position(alice)
	assertDec(t, "488", v.AccessibleMargin, "accessible")
	h.requireRejected(h.transfer(alice, "-489"), core.ErrWithdrawExceedsMargin)
	h.must(h.transfer(alice, "-488"))
}

func TestFundingRecompute_AppendsEntry(t *testing.T) {
	h := newHarness(t, nil)
	h.open(alice, "1000", "50", "100")
	before, err := h.core.FundingHistory(ethPerp, 0)
	require.NoError(t, err)

	h.clock.Advance(3600)
	h.must(h.roundAt("100"))
	h.must(&event.FundingRecomputeRequested{
		CommandID: testutil.CommandID(), Market: ethPerp, Timestamp: h.clock.Now(),
	})

	after, err := h.core.FundingHistory(ethPerp, 0)
	require.NoError(t, err)
	require.Len(t, after, len(before)+1)
	latest := after[len(after)-1]
	// 0.005 * 100 * 3600 / 86400
	assertDec(t, "0.020833333333333333", latest.Cumulative, "cumulative funding")
	assertDec(t, "0.005", latest.Rate, "rate")

	v := h.position(alice)
	assert.True(t, v.AccruedFunding.IsPositive(), "longs pay when skew is long")
}

func TestOffchainPricesUpdated_CreditsExcess(t *testing.T) {
	h := newHarness(t, nil)
	h.must(&event.OffchainPricesUpdated{
		CommandID: testutil.CommandID(),
		Relayer:   keeper,
		Updates:   [][]byte{h.signer.Update(t, testutil.ETHFeed, testutil.Dec("101"), h.clock.Now())},
		PaidValue: testutil.Dec("0.5"),
		Timestamp: h.clock.Now(),
	})
	assertDec(t, "0.49", h.wallet(keeper), "relayer excess")
	assertDec(t, "0.01", h.core.Balance(ledger.FeedProviderKey()), "feed provider")

	h.requireRejected(&event.OffchainPricesUpdated{
		CommandID: testutil.CommandID(), Relayer: keeper, Timestamp: h.clock.Now(),
	}, oracle.ErrEmptyUpdateBatch)
}

func TestOffchainPricesUpdated_RejectsFuturePublishTime(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(alice, "1000")
	h.must(h.submit(alice, "50"))
	h.clock.Advance(2)

	h.requireRejected(&event.OffchainPricesUpdated{
		CommandID: testutil.CommandID(),
		Relayer:   keeper,
		Updates:   [][]byte{h.signer.Update(t, testutil.ETHFeed, testutil.Dec("104"), h.clock.Now()+86400)},
		PaidValue: testutil.Dec("0.01"),
		Timestamp: h.clock.Now(),
	}, oracle.ErrInvalidPrice)

	exec := h.execute(alice, "104")
	exec.PriceUpdates = [][]byte{h.signer.Update(t, testutil.ETHFeed, testutil.Dec("104"), h.clock.Now()+1)}
	h.requireRejected(exec, oracle.ErrInvalidPrice)

	h.must(h.execute(alice, "100"))
	v := h.position(alice)
	assertDec(t, "50", v.Position.Size, "size")
	if !v.Position.LastPrice.Equal(testutil.Dec("100")) {
		t.Errorf("fill price: got %s, want 100", v.Position.LastPrice)
	}
}

func TestOnchainRound_RejectsFutureAndOldRounds(t *testing.T) {
	h := newHarness(t, nil)

	round := func(id uint64, price string) *event.OnchainRoundReported {
		return &event.OnchainRoundReported{
			Asset: "ETH", RoundID: id, Price: testutil.Dec(price), UpdatedAt: h.clock.Now(), Timestamp: h.clock.Now(),
		}
	}

	future := round(2, "100")
	future.UpdatedAt = h.clock.Now() + 1
	h.requireRejected(future, oracle.ErrInvalidPrice)

	h.must(round(3, "110"))
	assertDec(t, "110", h.market().Price, "price after round 3")

	// Round 2 was never applied but is below the latest round.
	h.requireRejected(round(2, "105"), oracle.ErrRoundNotMonotonic)

	// Same round id with a different price is a conflict, not a duplicate.
	h.requireRejected(round(3, "120"), oracle.ErrRoundNotMonotonic)

	// An identical repeat is a no-op.
	seq := h.core.GetSequence()
	require.NoError(t, h.apply(round(3, "110")))
	assert.Equal(t, seq, h.core.GetSequence())
	assertDec(t, "110", h.market().Price, "price after repeat")
}

func TestMarketParamsUpdated_RejectsAssetChange(t *testing.T) {
	h := newHarness(t, nil)
	params := testutil.MarketParams(ethPerp, "BTC")
	h.requireRejected(&event.MarketParamsUpdated{
		CommandID: testutil.CommandID(), Params: params, Timestamp: h.clock.Now(),
	}, core.ErrInvalidMarketParams)
}

func TestMarketParamsUpdated_RecordsFundingBeforeRateChange(t *testing.T) {
	h := newHarness(t, nil)
	h.open(alice, "1000", "50", "100")
	before, err := h.core.FundingHistory(ethPerp, 0)
	require.NoError(t, err)

	h.clock.Advance(86400)
	params := testutil.MarketParams(ethPerp, "ETH")
	params.MaxFundingRate = testutil.Dec("0.2")
	h.must(&event.MarketParamsUpdated{
		CommandID: testutil.CommandID(), Params: params, Timestamp: h.clock.Now(),
	})

	after, err := h.core.FundingHistory(ethPerp, 0)
	require.NoError(t, err)
	require.Len(t, after, len(before)+1)
	// a full period at the old rate 0.005 and the last round price 100
	assertDec(t, "0.5", after[len(after)-1].Cumulative, "cumulative funding")

	rate, err := h.core.CurrentFundingRate(ethPerp)
	require.NoError(t, err)
	assertDec(t, "0.01", rate, "new rate")
}

// ============================================================================
// Test: Suspension and clock
// ============================================================================

func TestSuspension(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(alice, "1000")

	h.must(&event.SuspensionChanged{
		CommandID: testutil.CommandID(), Market: ethPerp, Suspended: true, Reason: "maintenance", Timestamp: h.clock.Now(),
	})
	h.requireRejected(h.submit(alice, "10"), core.ErrMarketSuspended)
	assert.Equal(t, []core.Suspension{{Market: ethPerp, Reason: "maintenance"}}, h.core.Suspensions())

	h.must(&event.SuspensionChanged{
		CommandID: testutil.CommandID(), Suspended: true, Timestamp: h.clock.Now(),
	})
	err := h.apply(h.submit(alice, "10"))
	require.ErrorIs(t, err, core.ErrFuturesSuspended)
	assert.Equal(t, core.CategoryLiveness, core.Category(err))

	// wallet operations are not futures operations
	h.must(&event.WalletDeposited{
		CommandID: testutil.CommandID(), Account: bob, Amount: testutil.Dec("1"), Timestamp: h.clock.Now(),
	})

	h.must(&event.SuspensionChanged{CommandID: testutil.CommandID(), Suspended: false, Timestamp: h.clock.Now()})
	h.must(&event.SuspensionChanged{CommandID: testutil.CommandID(), Market: ethPerp, Suspended: false, Timestamp: h.clock.Now()})
	h.must(h.submit(alice, "10"))
}

type externalPause struct{ market string }

func (p externalPause) FuturesSuspended() bool             { return false }
func (p externalPause) MarketSuspended(market string) bool { return market == p.market }

func TestExternalPauseRegistry(t *testing.T) {
	signer := testutil.NewSigner(t)
	c := core.NewDeterministicCore(core.Config{
		Oracle:        signer.OracleConfig(),
		PauseRegistry: externalPause{market: ethPerp},
	})
	require.NoError(t, c.ProcessEvent(&event.MarketParamsUpdated{
		CommandID: testutil.CommandID(), Params: testutil.MarketParams(ethPerp, "ETH"), Timestamp: start,
	}))
	err := c.ProcessEvent(&event.MarginTransferred{
		CommandID: testutil.CommandID(), Market: ethPerp, Account: alice, Delta: testutil.Dec("1"), Timestamp: start,
	})
	assert.ErrorIs(t, err, core.ErrMarketSuspended)
}

func TestClockRegression(t *testing.T) {
	h := newHarness(t, nil)
	h.requireRejected(&event.WalletDeposited{
		CommandID: testutil.CommandID(), Account: alice, Amount: testutil.Dec("1"), Timestamp: start - 1,
	}, core.ErrClockRegression)

	// equal timestamps are fine
	h.must(&event.WalletDeposited{
		CommandID: testutil.CommandID(), Account: alice, Amount: testutil.Dec("1"), Timestamp: start,
	})
}

func TestUnknownMarket(t *testing.T) {
	h := newHarness(t, nil)
	evt := h.submit(alice, "1")
	evt.Market = "BTC-PERP"
	h.requireRejected(evt, core.ErrUnknownMarket)
	assert.Equal(t, core.CategoryValidation, core.Category(h.apply(evt)))
}

// ============================================================================
// Test: Idempotency, hash chain and snapshots
// ============================================================================

func TestDuplicateCommandIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	evt := &event.WalletDeposited{
		CommandID: testutil.CommandID(), Account: alice, Amount: testutil.Dec("5"), Timestamp: h.clock.Now(),
	}
	h.must(evt)
	seq := h.core.GetSequence()

	require.NoError(t, h.apply(evt))
	assert.Equal(t, seq, h.core.GetSequence())
	assertDec(t, "5", h.wallet(alice), "wallet")
}

func TestHashChain_Envelopes(t *testing.T) {
	h := newHarness(t, nil)
	h.open(alice, "1000", "50", "100")
	close(h.persist)

	prev := core.GenesisHash()
	var seq int64
	for out := range h.persist {
		env := out.Envelope
		assert.Equal(t, seq, env.Sequence)
		assert.Equal(t, prev, env.PrevHash, "sequence %d", env.Sequence)
		assert.NotEmpty(t, env.Payload)

		decoded, err := event.Decode(env.EventType, env.Payload)
		require.NoError(t, err)
		assert.Equal(t, env.IdempotencyKey, decoded.IdempotencyKey())

		require.NoError(t, out.Batch.Validate())
		prev = env.StateHash
		seq++
	}
	assert.Equal(t, h.core.GetSequence(), seq)
	assert.Equal(t, prev, h.core.GetStateHash())
}

func TestHashChain_Deterministic(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(alice, "1000")
	h.must(h.submit(alice, "25"))
	h.clock.Advance(2)
	h.must(h.execute(alice, "100"))
	h.must(h.roundAt("120"))

	// replay the persisted envelopes into a fresh core
	replica := core.NewDeterministicCore(core.Config{Oracle: h.signer.OracleConfig()})
	close(h.persist)
	for out := range h.persist {
		evt, err := event.Decode(out.Envelope.EventType, out.Envelope.Payload)
		require.NoError(t, err)
		require.NoError(t, replica.ProcessEvent(evt))
	}

	assert.Equal(t, h.core.GetStateHash(), replica.GetStateHash())
	assert.Equal(t, h.core.StateDigest(), replica.StateDigest())
}

func TestSnapshotRestore(t *testing.T) {
	h := newHarness(t, nil)
	h.open(alice, "1000", "50", "100")
	h.fund(bob, "1000")
	h.must(h.submit(bob, "-20"))

	raw, err := json.Marshal(h.core.CreateSnapshot())
	require.NoError(t, err)
	var snap core.Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))

	restored := core.NewDeterministicCore(core.Config{Oracle: h.signer.OracleConfig()})
	require.NoError(t, restored.RestoreSnapshot(&snap))

	assert.Equal(t, h.core.StateDigest(), restored.StateDigest())
	assert.Equal(t, h.core.GetStateHash(), restored.GetStateHash())
	assert.Equal(t, h.core.GetSequence(), restored.GetSequence())

	// both continue identically
	h.clock.Advance(2)
	next := h.execute(bob, "100")
	h.must(next)
	require.NoError(t, restored.ProcessEvent(next))
	assert.Equal(t, h.core.GetStateHash(), restored.GetStateHash())

	// idempotency keys survive the snapshot
	seq := restored.GetSequence()
	require.NoError(t, restored.ProcessEvent(next))
	assert.Equal(t, seq, restored.GetSequence())
}

func TestSnapshotRestore_RejectsBrokenMirror(t *testing.T) {
	h := newHarness(t, nil)
	h.open(alice, "1000", "50", "100")

	snap := h.core.CreateSnapshot()
	require.NotEmpty(t, snap.Positions)
	snap.Positions[0].Margin = snap.Positions[0].Margin.Add(testutil.Dec("1"))

	restored := core.NewDeterministicCore(core.Config{Oracle: h.signer.OracleConfig()})
	assert.Error(t, restored.RestoreSnapshot(snap))
}

// ============================================================================
// Test: Sequencer
// ============================================================================

func TestSequencer_SubmitAndQuery(t *testing.T) {
	h := newHarness(t, nil)
	seq := core.NewSequencer(h.core, 16, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- seq.Run(ctx) }()

	err := seq.Submit(ctx, &event.WalletDeposited{
		CommandID: testutil.CommandID(), Account: alice, Amount: testutil.Dec("7"), Timestamp: h.clock.Now(),
	})
	require.NoError(t, err)

	err = seq.Submit(ctx, h.transfer(alice, "100"))
	assert.ErrorIs(t, err, core.ErrInsufficientBalance)

	var balance string
	require.NoError(t, seq.Query(ctx, func(c *core.DeterministicCore) {
		balance = c.Balance(ledger.WalletKey(alice)).String()
	}))
	assert.Equal(t, "7", balance)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sequencer did not stop")
	}

	err = seq.Submit(context.Background(), h.transfer(alice, "1"))
	assert.ErrorIs(t, err, core.ErrSequencerStopped)
}
