package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"PerpEngine/internal/config"
	"PerpEngine/internal/core"
	"PerpEngine/internal/event"
	"PerpEngine/internal/ingestion"
	"PerpEngine/internal/ledger"
	"PerpEngine/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ethMarket() config.MarketConfig {
	return config.MarketConfig{
		Market:               "ETH-PERP",
		Asset:                "ETH",
		MakerFee:             "0.0002",
		TakerFee:             "0.0006",
		PriceImpactFactor:    "0.01",
		MaxOpenInterest:      "100000",
		MaxLeverage:          "25",
		MinInitialMargin:     "50",
		MaxFundingRate:       "0.1",
		SkewScale:            "1000000",
		FundingPeriod:        86400,
		MinAge:               2,
		MaxAge:               60,
		KeeperDeposit:        "2",
		LiquidationFeeReward: "20",
		OffchainMaxAge:       60,
		MaxPriceDivergence:   "0.02",
	}
}

func startSequencer(t *testing.T) *core.Sequencer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	seq := core.NewSequencer(core.NewDeterministicCore(core.Config{}), 4, zerolog.Nop())
	go seq.Run(ctx)
	return seq
}

func nextSequence(t *testing.T, seq *core.Sequencer) int64 {
	t.Helper()
	var n int64
	require.NoError(t, seq.Query(context.Background(), func(c *core.DeterministicCore) { n = c.GetSequence() }))
	return n
}

// ============================================================================
// Test: Market bootstrap
// ============================================================================

func TestBootstrapMarkets_IdempotentAcrossRestarts(t *testing.T) {
	seq := startSequencer(t)
	ctx := context.Background()
	markets := []config.MarketConfig{ethMarket()}

	require.NoError(t, bootstrapMarkets(ctx, seq, markets, zerolog.Nop()))
	assert.Equal(t, int64(1), nextSequence(t, seq))

	require.NoError(t, bootstrapMarkets(ctx, seq, markets, zerolog.Nop()))
	assert.Equal(t, int64(1), nextSequence(t, seq), "unchanged parameters must not apply twice")

	changed := ethMarket()
	changed.TakerFee = "0.0008"
	require.NoError(t, bootstrapMarkets(ctx, seq, []config.MarketConfig{changed}, zerolog.Nop()))
	assert.Equal(t, int64(2), nextSequence(t, seq))

	var names []string
	require.NoError(t, seq.Query(ctx, func(c *core.DeterministicCore) { names = c.Markets() }))
	assert.Equal(t, []string{"ETH-PERP"}, names)
}

func TestBootstrapMarkets_InvalidParams(t *testing.T) {
	seq := startSequencer(t)
	bad := ethMarket()
	bad.MaxLeverage = "not-a-number"

	err := bootstrapMarkets(context.Background(), seq, []config.MarketConfig{bad}, zerolog.Nop())
	assert.Error(t, err)
	assert.Equal(t, int64(0), nextSequence(t, seq))
}

// ============================================================================
// Test: NATS ingestion
// ============================================================================

func TestRunIngestion_AppliesAndAcksCommands(t *testing.T) {
	seq := startSequencer(t)
	in := make(chan ingestion.RawEvent, 2)
	errs := make(chan error, 1)
	acked := make(chan string, 2)

	raw := func(subject, data string) ingestion.RawEvent {
		return ingestion.RawEvent{
			Subject:   subject,
			Data:      []byte(data),
			Timestamp: time.Now(),
			AckFunc:   func() { acked <- subject },
			NakFunc:   func() { t.Errorf("unexpected nak for %s", subject) },
		}
	}
	alice := testutil.Address(1)
	in <- raw(ingestion.SubjectFor(event.EventTypeWalletDeposited),
		`{"command_id":"`+testutil.CommandID().String()+`","account":"`+alice.Hex()+`","amount":"100","timestamp":1000}`)
	in <- raw(ingestion.SubjectFor(event.EventTypeWalletWithdrawn), `{not json`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runIngestion(ctx, ingestion.NewDispatcher(seq, nil, zerolog.Nop()), in, errs)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-acked:
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d acks, want 2", i)
		}
	}

	var wallet string
	require.NoError(t, seq.Query(context.Background(), func(c *core.DeterministicCore) {
		wallet = c.Balance(ledger.WalletKey(alice)).String()
	}))
	assert.Equal(t, testutil.Dec("100").String(), wallet)
	assert.Equal(t, int64(1), nextSequence(t, seq), "malformed command must not advance the sequence")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runIngestion did not stop")
	}
	select {
	case err := <-errs:
		t.Fatalf("cancellation reported as failure: %v", err)
	default:
	}
}

// ============================================================================
// Test: Snapshots
// ============================================================================

func TestSnapshotter_EmptyCore(t *testing.T) {
	s := &snapshotter{seq: startSequencer(t), log: zerolog.Nop()}

	_, err := s.TakeSnapshot(context.Background())
	if !errors.Is(err, errNothingToSnapshot) {
		t.Fatalf("got %v, want errNothingToSnapshot", err)
	}
}

func TestSnapshotter_PeriodicStopsWithContext(t *testing.T) {
	s := &snapshotter{seq: startSequencer(t), log: zerolog.Nop()}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.runPeriodic(ctx, 10, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runPeriodic did not stop")
	}
}
