package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"PerpEngine/internal/config"
	"PerpEngine/internal/core"
	"PerpEngine/internal/event"
	"PerpEngine/internal/ingestion"
	"PerpEngine/internal/observability"
	"PerpEngine/internal/persistence"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// marketNamespace scopes the command ids of configured market parameters.
// Identical parameters hash to the same id, so restarting with an unchanged
// config is deduplicated by the core.
var marketNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("perp-engine/market-params"))

// bootstrapMarkets submits one MarketParamsUpdated per configured market.
func bootstrapMarkets(ctx context.Context, seq *core.Sequencer, markets []config.MarketConfig, log zerolog.Logger) error {
	if len(markets) == 0 {
		return nil
	}

	var last int64
	if err := seq.Query(ctx, func(c *core.DeterministicCore) { last = c.LastTimestamp() }); err != nil {
		return err
	}
	now := time.Now().Unix()
	if now < last {
		now = last
	}

	for _, m := range markets {
		params, err := m.Params()
		if err != nil {
			return err
		}
		feed, err := m.Feed()
		if err != nil {
			return err
		}

		key, err := json.Marshal(struct {
			Params any `json:"params"`
			Feed   any `json:"feed"`
		}{params, feed})
		if err != nil {
			return err
		}

		evt := &event.MarketParamsUpdated{
			CommandID: uuid.NewSHA1(marketNamespace, key),
			Params:    params,
			FeedID:    feed,
			Timestamp: now,
		}
		if err := seq.Submit(ctx, evt); err != nil {
			return fmt.Errorf("market %s: %w", m.Market, err)
		}
		log.Info().Str("market", m.Market).Str("command_id", evt.CommandID.String()).Msg("market parameters applied")
	}
	return nil
}

// runIngestion drains NATS commands from in into the engine until ctx ends
// or in is closed.
func runIngestion(ctx context.Context, d *ingestion.Dispatcher, in <-chan ingestion.RawEvent, errs chan<- error) {
	if err := d.Run(ctx, in); err != nil && !errors.Is(err, context.Canceled) {
		errs <- fmt.Errorf("dispatcher: %w", err)
	}
}

// --- Snapshots ---

var errNothingToSnapshot = errors.New("no events applied yet")

// snapshotter captures core state through the sequencer and saves it once
// the persistence worker has made every covered event durable.
type snapshotter struct {
	seq     *core.Sequencer
	mgr     *persistence.SnapshotManager
	persist *persistence.PersistenceWorker
	metrics *observability.Metrics
	retain  int
	log     zerolog.Logger

	mu      sync.Mutex
	lastSeq int64
}

// TakeSnapshot implements server.Snapshotter.
func (s *snapshotter) TakeSnapshot(ctx context.Context) (int64, error) {
	start := time.Now()
	var snap *core.Snapshot
	if err := s.seq.Query(ctx, func(c *core.DeterministicCore) { snap = c.CreateSnapshot() }); err != nil {
		return 0, err
	}
	return s.save(ctx, snap, start)
}

func (s *snapshotter) save(ctx context.Context, snap *core.Snapshot, start time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.Sequence == 0 {
		return 0, errNothingToSnapshot
	}
	if err := s.awaitPersisted(ctx, snap.Sequence-1); err != nil {
		return 0, err
	}

	size, err := s.mgr.SaveSnapshot(ctx, snap, s.persist.LastPersisted())
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	if err := s.mgr.MarkVerified(ctx, snap.Sequence); err != nil {
		return 0, fmt.Errorf("verify snapshot: %w", err)
	}
	if n, err := s.mgr.PruneSnapshots(ctx, s.retain); err != nil {
		s.log.Warn().Err(err).Msg("snapshot pruning failed")
	} else if n > 0 {
		s.log.Debug().Int64("deleted", n).Msg("old snapshots pruned")
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	s.lastSeq = snap.Sequence
	s.log.Info().Int64("sequence", snap.Sequence).Int("bytes", size).Dur("took", time.Since(start)).Msg("snapshot saved")
	return snap.Sequence, nil
}

func (s *snapshotter) awaitPersisted(ctx context.Context, seq int64) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for s.persist.LastPersisted() < seq {
		select {
		case <-ctx.Done():
			return fmt.Errorf("await persistence of seq %d: %w", seq, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// runPeriodic snapshots whenever interval events have been applied since
// the last snapshot, checking every period.
func (s *snapshotter) runPeriodic(ctx context.Context, interval int64, period time.Duration) {
	if interval <= 0 {
		interval = 100_000
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var current int64
			if err := s.seq.Query(ctx, func(c *core.DeterministicCore) { current = c.GetSequence() }); err != nil {
				return
			}
			s.mu.Lock()
			due := current-s.lastSeq >= interval
			s.mu.Unlock()
			if !due {
				continue
			}
			if _, err := s.TakeSnapshot(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}
