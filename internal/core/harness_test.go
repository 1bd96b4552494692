package core_test

import (
	"testing"

	"PerpEngine/internal/core"
	"PerpEngine/internal/event"
	"PerpEngine/internal/ledger"
	fpmath "PerpEngine/internal/math"
	"PerpEngine/internal/state"
	"PerpEngine/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ethPerp = "ETH-PERP"
	start   = int64(1000)
)

var (
	alice  = testutil.Address(1)
	bob    = testutil.Address(2)
	keeper = testutil.Address(9)
)

// harness drives one core with a single ETH-PERP market, an on-chain
// round at 100 and a trusted off-chain signer.
type harness struct {
	t       *testing.T
	core    *core.DeterministicCore
	cfg     core.Config
	signer  *testutil.Signer
	clock   *testutil.Clock
	round   uint64
	persist chan core.CoreOutput
}

func newHarness(t *testing.T, tweak func(*state.MarketParams)) *harness {
	t.Helper()
	signer := testutil.NewSigner(t)
	persist := make(chan core.CoreOutput, 4096)
	cfg := core.Config{
		Oracle:      signer.OracleConfig(),
		PersistChan: persist,
	}
	h := &harness{
		t:       t,
		core:    core.NewDeterministicCore(cfg),
		cfg:     cfg,
		signer:  signer,
		clock:   testutil.NewClock(start),
		persist: persist,
	}

	params := testutil.MarketParams(ethPerp, "ETH")
	if tweak != nil {
		tweak(&params)
	}
	feed := testutil.ETHFeed
	h.must(&event.MarketParamsUpdated{
		CommandID: testutil.CommandID(),
		Params:    params,
		FeedID:    &feed,
		Timestamp: h.clock.Now(),
	})
	h.must(h.roundAt("100"))
	return h
}

func (h *harness) apply(evt event.Event) error {
	h.t.Helper()
	return h.core.ProcessEvent(evt)
}

func (h *harness) must(evt event.Event) {
	h.t.Helper()
	require.NoError(h.t, h.apply(evt), "%s", evt.EventType())
}

func (h *harness) roundAt(price string) *event.OnchainRoundReported {
	h.round++
	return &event.OnchainRoundReported{
		Asset:     "ETH",
		RoundID:   h.round,
		Price:     testutil.Dec(price),
		UpdatedAt: h.clock.Now(),
		Timestamp: h.clock.Now(),
	}
}

// fund deposits amount into account's wallet and moves it all to margin.
func (h *harness) fund(account common.Address, amount string) {
	h.t.Helper()
	h.must(&event.WalletDeposited{
		CommandID: testutil.CommandID(),
		Account:   account,
		Amount:    testutil.Dec(amount),
		Timestamp: h.clock.Now(),
	})
	h.must(h.transfer(account, amount))
}

func (h *harness) transfer(account common.Address, delta string) *event.MarginTransferred {
	return &event.MarginTransferred{
		CommandID: testutil.CommandID(),
		Market:    ethPerp,
		Account:   account,
		Delta:     testutil.Dec(delta),
		Timestamp: h.clock.Now(),
	}
}

func (h *harness) submit(account common.Address, size string) *event.OrderSubmitted {
	return &event.OrderSubmitted{
		CommandID: testutil.CommandID(),
		Market:    ethPerp,
		Account:   account,
		SizeDelta: testutil.Dec(size),
		Timestamp: h.clock.Now(),
	}
}

// execute relays one signed update at price and pays exactly the fee.
func (h *harness) execute(account common.Address, price string) *event.OrderExecuted {
	return &event.OrderExecuted{
		CommandID:    testutil.CommandID(),
		Market:       ethPerp,
		Account:      account,
		Executor:     keeper,
		PriceUpdates: [][]byte{h.signer.Update(h.t, testutil.ETHFeed, testutil.Dec(price), h.clock.Now())},
		PaidValue:    testutil.Dec("0.01"),
		Timestamp:    h.clock.Now(),
	}
}

func (h *harness) cancel(account, caller common.Address) *event.OrderCancelled {
	return &event.OrderCancelled{
		CommandID: testutil.CommandID(),
		Market:    ethPerp,
		Account:   account,
		Caller:    caller,
		Timestamp: h.clock.Now(),
	}
}

func (h *harness) liquidate(account, caller common.Address) *event.PositionLiquidated {
	return &event.PositionLiquidated{
		CommandID: testutil.CommandID(),
		Market:    ethPerp,
		Account:   account,
		Caller:    caller,
		Timestamp: h.clock.Now(),
	}
}

// open funds account, submits size and executes it at price after the
// minimum age.
func (h *harness) open(account common.Address, margin, size, price string) {
	h.t.Helper()
	h.fund(account, margin)
	h.must(h.submit(account, size))
	h.clock.Advance(2)
	h.must(h.execute(account, price))
}

func (h *harness) position(account common.Address) core.PositionView {
	h.t.Helper()
	v, err := h.core.Position(ethPerp, account, h.clock.Now())
	require.NoError(h.t, err)
	return v
}

func (h *harness) market() core.MarketView {
	h.t.Helper()
	v, err := h.core.Market(ethPerp, h.clock.Now())
	require.NoError(h.t, err)
	return v
}

func (h *harness) wallet(account common.Address) fpmath.Decimal {
	return h.core.Balance(ledger.WalletKey(account))
}

func (h *harness) marginBalance(account common.Address) fpmath.Decimal {
	return h.core.Balance(ledger.MarginKey(account, ethPerp))
}

func (h *harness) escrow(account common.Address) fpmath.Decimal {
	return h.core.Balance(ledger.EscrowKey(account, ethPerp))
}

// requireRejected asserts evt fails with target and leaves state untouched.
func (h *harness) requireRejected(evt event.Event, target error) {
	h.t.Helper()
	before := h.core.StateDigest()
	seq := h.core.GetSequence()

	err := h.apply(evt)
	require.ErrorIs(h.t, err, target)
	assert.Equal(h.t, before, h.core.StateDigest(), "state changed by rejected %s", evt.EventType())
	assert.Equal(h.t, seq, h.core.GetSequence())
}

func assertDec(t *testing.T, want string, got fpmath.Decimal, what string) {
	t.Helper()
	assert.Truef(t, got.Equal(testutil.Dec(want)), "%s: got %s, want %s", what, got, want)
}
