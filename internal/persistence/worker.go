package persistence

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"time"

	"PerpEngine/internal/core"
	"PerpEngine/internal/observability"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends on that channel blocking, so if this worker falls behind
// the core stalls and no event is lost.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger

	// afterCommit runs for each output once its batch is durable.
	afterCommit func(core.CoreOutput)

	lastPersisted atomic.Int64
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *PersistenceWorker {
	pw := &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log,
	}
	pw.lastPersisted.Store(-1)
	return pw
}

// OnCommit registers fn to run after each output is durable. Set it before
// Run.
func (pw *PersistenceWorker) OnCommit(fn func(core.CoreOutput)) {
	pw.afterCommit = fn
}

// SetLastPersisted seeds the watermark at startup, e.g. from
// SnapshotManager.GetLatestSequence.
func (pw *PersistenceWorker) SetLastPersisted(seq int64) {
	pw.lastPersisted.Store(seq)
}

// LastPersisted returns the highest sequence known to be durable, or -1.
func (pw *PersistenceWorker) LastPersisted() int64 {
	return pw.lastPersisted.Load()
}

type pending struct {
	outputs  []core.CoreOutput
	events   []EventRow
	journals []JournalRow
}

func (p *pending) reset() {
	p.outputs = p.outputs[:0]
	p.events = p.events[:0]
	p.journals = p.journals[:0]
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the channel is
// closed; pending rows are flushed either way.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := &pending{
		outputs:  make([]core.CoreOutput, 0, pw.batchSize),
		events:   make([]EventRow, 0, pw.batchSize),
		journals: make([]JournalRow, 0, pw.batchSize*4),
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context, reason string) {
		if len(batch.events) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, batch); err != nil {
			pw.log.Error().Err(err).Str("reason", reason).Int("events", len(batch.events)).Msg("batch flush failed")
		}
		batch.reset()
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background(), "shutdown")
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background(), "closed")
				return nil
			}

			row, journals, err := RowsFromOutput(output)
			if err != nil {
				// the core produced it, so this is a programming error
				panic(err)
			}
			batch.outputs = append(batch.outputs, output)
			batch.events = append(batch.events, row)
			batch.journals = append(batch.journals, journals...)

			if len(batch.events) >= pw.batchSize {
				flush(ctx, "full")
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx, "timeout")
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never drops
// events: it retries until the write succeeds or ctx is cancelled, then
// makes one last attempt.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch *pending) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.log.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(batch.events)).Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), batch)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.log.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.log.Warn().Err(err).Str("code", errorCode(err)).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch *pending) error {
	start := time.Now()

	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		pw.recordError("tx_begin", err)
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, batch.events, tx); err != nil {
		pw.recordError("write_events", err)
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, batch.journals, tx); err != nil {
		pw.recordError("write_journals", err)
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.recordError("tx_commit", err)
		return err
	}

	last := batch.events[len(batch.events)-1].Sequence
	pw.lastPersisted.Store(last)

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch.events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(batch.events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(batch.journals)))
		pw.metrics.PersistLastSequence.Set(float64(last))
	}

	if pw.afterCommit != nil {
		for _, out := range batch.outputs {
			pw.afterCommit(out)
		}
	}
	return nil
}

func (pw *PersistenceWorker) recordError(stage string, err error) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}

// errorCode returns the Postgres condition name for err, if any.
func errorCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name()
	}
	return "unknown"
}
