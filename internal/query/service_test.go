package query_test

import (
	"context"
	"errors"
	"testing"

	"PerpEngine/internal/core"
	"PerpEngine/internal/event"
	"PerpEngine/internal/observability"
	"PerpEngine/internal/oracle"
	"PerpEngine/internal/query"
	"PerpEngine/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ethPerp = "ETH-PERP"

var alice = testutil.Address(1)

// inline runs queries on the calling goroutine.
type inline struct{ c *core.DeterministicCore }

func (q inline) Query(_ context.Context, fn func(*core.DeterministicCore)) error {
	fn(q.c)
	return nil
}

type stopped struct{}

func (stopped) Query(context.Context, func(*core.DeterministicCore)) error {
	return core.ErrSequencerStopped
}

// fundedCore has one ETH-PERP market priced at 100 and alice holding
// 400 in her wallet and 600 as margin.
func fundedCore(t *testing.T) *core.DeterministicCore {
	t.Helper()
	c := core.NewDeterministicCore(core.Config{Oracle: oracle.Config{OnchainStalePeriod: 3600}})
	cmds := []event.Event{
		&event.MarketParamsUpdated{CommandID: testutil.CommandID(), Params: testutil.MarketParams(ethPerp, "ETH"), Timestamp: 1000},
		&event.OnchainRoundReported{Asset: "ETH", RoundID: 1, Price: testutil.Dec("100"), UpdatedAt: 1000, Timestamp: 1000},
		&event.WalletDeposited{CommandID: testutil.CommandID(), Account: alice, Amount: testutil.Dec("1000"), Timestamp: 1001},
		&event.MarginTransferred{CommandID: testutil.CommandID(), Market: ethPerp, Account: alice, Delta: testutil.Dec("600"), Timestamp: 1002},
	}
	for _, cmd := range cmds {
		require.NoError(t, c.ProcessEvent(cmd), "%s", cmd.EventType())
	}
	return c
}

// ============================================================================
// Test: Live views
// ============================================================================

func TestGetPosition_EvaluatesAtLastTimestamp(t *testing.T) {
	qs := query.NewQueryService(inline{fundedCore(t)}, nil, nil)

	resp, err := qs.GetPosition(context.Background(), ethPerp, alice, 0)
	require.NoError(t, err)

	assert.Equal(t, int64(1002), resp.EvaluatedAt)
	assert.Equal(t, int64(3), resp.AsOfSequence)
	assert.Equal(t, alice.Hex(), resp.Account)
	assert.True(t, resp.Position.Margin.Equal(testutil.Dec("600")), "got margin %s, want 600", resp.Position.Margin)
	assert.True(t, resp.Position.Size.IsZero())
	assert.True(t, resp.PriceValid)
	assert.False(t, resp.CanLiquidate)
	assert.Nil(t, resp.Order)
}

func TestGetPosition_UnknownMarket(t *testing.T) {
	qs := query.NewQueryService(inline{fundedCore(t)}, nil, nil)

	_, err := qs.GetPosition(context.Background(), "BTC-PERP", alice, 0)
	assert.Error(t, err)
}

func TestGetMarket_ReportsParamsAndSuspension(t *testing.T) {
	qs := query.NewQueryService(inline{fundedCore(t)}, nil, nil)

	resp, err := qs.GetMarket(context.Background(), ethPerp, 1010)
	require.NoError(t, err)

	assert.Equal(t, ethPerp, resp.Params.Market)
	assert.Equal(t, int64(1010), resp.EvaluatedAt)
	assert.True(t, resp.Price.Equal(testutil.Dec("100")), "got price %s, want 100", resp.Price)
	assert.True(t, resp.Aggregate.Skew.IsZero())
	assert.False(t, resp.Suspended)
}

func TestGetBalance_SplitsWalletAndMargin(t *testing.T) {
	qs := query.NewQueryService(inline{fundedCore(t)}, nil, nil)

	resp, err := qs.GetBalance(context.Background(), alice)
	require.NoError(t, err)

	assert.True(t, resp.Wallet.Equal(testutil.Dec("400")), "got wallet %s, want 400", resp.Wallet)
	require.Contains(t, resp.Margin, ethPerp)
	assert.True(t, resp.Margin[ethPerp].Equal(testutil.Dec("600")))
	assert.Empty(t, resp.Escrow)
	assert.True(t, resp.Total.Equal(testutil.Dec("1000")), "got total %s, want 1000", resp.Total)
}

func TestGetEngineStatus_ReportsTip(t *testing.T) {
	c := fundedCore(t)
	qs := query.NewQueryService(inline{c}, nil, nil)

	status, err := qs.GetEngineStatus(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(3), status.Sequence)
	assert.Len(t, status.StateHash, 64)
	assert.Equal(t, []string{ethPerp}, status.Markets)
	assert.Empty(t, status.Suspensions)
}

func TestGetFundingHistory_FallsBackToCore(t *testing.T) {
	qs := query.NewQueryService(inline{fundedCore(t)}, nil, nil)

	resp, err := qs.GetFundingHistory(context.Background(), ethPerp, -5, 0)
	require.NoError(t, err)

	assert.Equal(t, 0, resp.Since)
	require.NotEmpty(t, resp.Entries)
	assert.True(t, resp.Entries[0].Cumulative.IsZero())
}

// ============================================================================
// Test: Failure paths and metrics
// ============================================================================

func TestQuery_StoppedEngine(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	qs := query.NewQueryService(stopped{}, nil, metrics)

	_, err := qs.GetPosition(context.Background(), ethPerp, alice, 0)
	assert.True(t, errors.Is(err, core.ErrSequencerStopped), "got %v, want ErrSequencerStopped", err)

	got := promtest.ToFloat64(metrics.QueryRequests.WithLabelValues("GetPosition", "error"))
	assert.Equal(t, float64(1), got)
}

func TestHistory_RequiresProjections(t *testing.T) {
	qs := query.NewQueryService(inline{fundedCore(t)}, nil, nil)
	ctx := context.Background()

	_, err := qs.GetOrderHistory(ctx, alice, "", 10)
	assert.ErrorIs(t, err, query.ErrNoProjections)
	_, err = qs.GetTrades(ctx, alice, 10, 0)
	assert.ErrorIs(t, err, query.ErrNoProjections)
	_, err = qs.GetJournalHistory(ctx, alice, 10, 0)
	assert.ErrorIs(t, err, query.ErrNoProjections)
	_, err = qs.VerifyIntegrity(ctx)
	assert.ErrorIs(t, err, query.ErrNoProjections)
}

func TestAccountPrefix(t *testing.T) {
	assert.Equal(t, "user:"+alice.Hex()+":%", query.AccountPrefix(alice))
}
