package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"PerpEngine/internal/core"
	"PerpEngine/internal/observability"

	"github.com/rs/zerolog"
)

// Sink applies one core output to a read model.
type Sink interface {
	Name() string
	Apply(ctx context.Context, out core.CoreOutput) error
}

// ProjectionWorker feeds read models from the projection channel. The core
// drops on a full channel, so projections are eventually consistent and
// can be rebuilt from the event log.
type ProjectionWorker struct {
	inputChan <-chan core.CoreOutput
	sinks     []Sink
	metrics   *observability.Metrics
	log       zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(inputChan <-chan core.CoreOutput, metrics *observability.Metrics, log zerolog.Logger, sinks ...Sink) *ProjectionWorker {
	return &ProjectionWorker{
		inputChan: inputChan,
		sinks:     sinks,
		metrics:   metrics,
		log:       log,
		lastSeq:   -1,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pw.process(ctx, output)
		}
	}
}

func (pw *ProjectionWorker) process(ctx context.Context, output core.CoreOutput) {
	seq := output.Envelope.Sequence
	if pw.lastSeq >= 0 && seq > pw.lastSeq+1 {
		pw.log.Warn().Int64("from", pw.lastSeq+1).Int64("to", seq-1).Msg("projection gap, rebuild to catch up")
	}

	for _, sink := range pw.sinks {
		start := time.Now()
		if err := sink.Apply(ctx, output); err != nil {
			pw.log.Warn().Err(err).Str("sink", sink.Name()).Int64("sequence", seq).Msg("projection update failed")
			continue
		}
		if pw.metrics != nil {
			pw.metrics.ProjectionUpdateDur.WithLabelValues(sink.Name()).Observe(time.Since(start).Seconds())
		}
	}
	pw.lastSeq = seq
}

// LastSequence returns the last sequence handed to the sinks.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// PostgresSink maintains the projections schema. Every update is guarded
// by the watermark so re-delivered outputs are skipped.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Name() string { return "postgres" }

var errStale = errors.New("already projected")

func (s *PostgresSink) Apply(ctx context.Context, out core.CoreOutput) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := out.Envelope.Sequence
	if err := advanceWatermark(ctx, tx, seq); err != nil {
		if errors.Is(err, errStale) {
			return nil
		}
		return fmt.Errorf("watermark: %w", err)
	}

	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			if err := applyBalance(ctx, tx, j.DebitAccount.AccountPath(), j.Amount.String(), seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
			if err := applyBalance(ctx, tx, j.CreditAccount.AccountPath(), j.Amount.Neg().String(), seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	if ch := out.Changes; ch != nil {
		for _, p := range ch.Positions {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO projections.positions (market, account, size, margin, last_price, funding_index, last_sequence)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (market, account) DO UPDATE SET
					size = EXCLUDED.size, margin = EXCLUDED.margin, last_price = EXCLUDED.last_price,
					funding_index = EXCLUDED.funding_index, last_sequence = EXCLUDED.last_sequence
			`, p.Market, p.Account.Hex(), p.Size.String(), p.Margin.String(), p.LastPrice.String(), p.FundingIndex, seq); err != nil {
				return fmt.Errorf("position projection: %w", err)
			}
		}

		for _, oc := range ch.Orders {
			o := oc.Order
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO projections.orders
					(order_id, market, account, size_delta, submitted_at, executable_at, commit_deposit, keeper_deposit, status, keeper, last_sequence)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				ON CONFLICT (order_id) DO UPDATE SET
					status = EXCLUDED.status, keeper = EXCLUDED.keeper, last_sequence = EXCLUDED.last_sequence
			`, o.OrderID, o.Market, o.Account.Hex(), o.SizeDelta.String(), o.SubmittedAt, o.ExecutableAt,
				o.CommitDeposit.String(), o.KeeperDeposit.String(), oc.Status.String(), oc.Keeper.Hex(), seq); err != nil {
				return fmt.Errorf("order projection: %w", err)
			}
		}

		for _, row := range FundingRows(seq, ch.Funding) {
			if err := row.insert(ctx, tx); err != nil {
				return fmt.Errorf("funding projection: %w", err)
			}
		}

		if tr := ch.Trade; tr != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO projections.trades (sequence, market, account, size_delta, fill_price, fee, pnl, funding, action, timestamp)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (sequence) DO NOTHING
			`, seq, tr.Market, tr.Account.Hex(), tr.SizeDelta.String(), tr.FillPrice.String(), tr.Fee.String(),
				tr.PnL.String(), tr.Funding.String(), tr.Action.String(), out.Envelope.Timestamp); err != nil {
				return fmt.Errorf("trade projection: %w", err)
			}
		}

		if liq := ch.Liquidation; liq != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO projections.liquidations (sequence, market, account, caller, size, price, reward, remainder, forfeited, timestamp)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (sequence) DO NOTHING
			`, seq, liq.Market, liq.Account.Hex(), liq.Caller.Hex(), liq.Size.String(), liq.Price.String(),
				liq.Reward.String(), liq.Remainder.String(), liq.Forfeited.String(), out.Envelope.Timestamp); err != nil {
				return fmt.Errorf("liquidation projection: %w", err)
			}
		}
	}

	return tx.Commit()
}

// advanceWatermark moves the watermark to seq, or returns errStale when
// seq was already projected.
func advanceWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
		WHERE projections.watermark.last_sequence < $1
	`, seq)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errStale
	}
	return nil
}

// applyBalance adds delta to an account. Debits increase the balance.
func applyBalance(ctx context.Context, tx *sql.Tx, path, delta string, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		VALUES ($1, $2::numeric, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $2::numeric, last_sequence = $3
	`, path, delta, seq)
	return err
}

// RebuildProjections truncates the projection tables and rebuilds what the
// event log can reproduce directly: balances from journals, and trades,
// liquidations and funding from stored changes. Positions and orders are
// refreshed by replaying into a worker.
func RebuildProjections(ctx context.Context, db *sql.DB, log zerolog.Logger) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.orders`,
		`TRUNCATE projections.funding_history`,
		`TRUNCATE projections.trades`,
		`TRUNCATE projections.liquidations`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range truncateStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		SELECT account_path, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account_path, -amount AS delta, sequence FROM event_log.journal
		) legs
		GROUP BY account_path
	`)
	if err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Info().Msg("projection balances rebuilt from journal")
	return nil
}
