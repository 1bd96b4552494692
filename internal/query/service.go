package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"PerpEngine/internal/core"
	fpmath "PerpEngine/internal/math"
	"PerpEngine/internal/observability"
	"PerpEngine/internal/projection"
	"PerpEngine/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// MaxPageSize bounds every paginated projection read.
const MaxPageSize = 1000

// ErrNoProjections is returned by history queries when the service runs
// without a Postgres connection.
var ErrNoProjections = errors.New("projections unavailable")

// Querier runs fn on the core goroutine. core.Sequencer implements it.
type Querier interface {
	Query(ctx context.Context, fn func(*core.DeterministicCore)) error
}

// QueryService serves read-only views. Position, market and balance
// views are evaluated live on the core; history comes from the Postgres
// projections and carries the projection watermark as as_of_sequence.
type QueryService struct {
	engine  Querier
	db      *sql.DB
	metrics *observability.Metrics
}

// NewQueryService builds a service. db may be nil, in which case only
// live views are served.
func NewQueryService(engine Querier, db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{engine: engine, db: db, metrics: metrics}
}

// run executes fn on the core and records the request metrics.
func (qs *QueryService) run(ctx context.Context, endpoint string, fn func(*core.DeterministicCore) error) error {
	var fnErr error
	err := qs.observe(endpoint, func() error {
		if err := qs.engine.Query(ctx, func(c *core.DeterministicCore) { fnErr = fn(c) }); err != nil {
			return err
		}
		return fnErr
	})
	return err
}

func (qs *QueryService) observe(endpoint string, fn func() error) error {
	start := time.Now()
	err := fn()
	if qs.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
		qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
	return err
}

// evalTime picks the evaluation clock: the caller's, or the last applied
// event's when the caller passes zero.
func evalTime(c *core.DeterministicCore, at int64) int64 {
	if at > 0 {
		return at
	}
	return c.LastTimestamp()
}

// GetPosition evaluates an account's position in a market, including
// remaining and accessible margin, liquidation price, liquidatability
// and any pending order.
func (qs *QueryService) GetPosition(ctx context.Context, market string, account common.Address, at int64) (*PositionResponse, error) {
	var resp *PositionResponse
	err := qs.run(ctx, "GetPosition", func(c *core.DeterministicCore) error {
		now := evalTime(c, at)
		view, err := c.Position(market, account, now)
		if err != nil {
			return err
		}
		resp = &PositionResponse{
			Market:       market,
			Account:      account.Hex(),
			PositionView: view,
			EvaluatedAt:  now,
			AsOfSequence: c.GetSequence() - 1,
		}
		return nil
	})
	return resp, err
}

// GetMarket returns the market's parameters, aggregate, funding and debt.
func (qs *QueryService) GetMarket(ctx context.Context, market string, at int64) (*MarketResponse, error) {
	var resp *MarketResponse
	err := qs.run(ctx, "GetMarket", func(c *core.DeterministicCore) error {
		now := evalTime(c, at)
		view, err := c.Market(market, now)
		if err != nil {
			return err
		}
		resp = &MarketResponse{
			Market:       market,
			MarketView:   view,
			EvaluatedAt:  now,
			AsOfSequence: c.GetSequence() - 1,
		}
		for _, s := range c.Suspensions() {
			if s.Market == "" || s.Market == market {
				resp.Suspended = true
			}
		}
		return nil
	})
	return resp, err
}

// GetEngineStatus returns the chain tip and active suspensions.
func (qs *QueryService) GetEngineStatus(ctx context.Context) (*EngineStatus, error) {
	var resp *EngineStatus
	err := qs.run(ctx, "GetEngineStatus", func(c *core.DeterministicCore) error {
		hash := c.GetStateHash()
		resp = &EngineStatus{
			Sequence:      c.GetSequence() - 1,
			StateHash:     hex.EncodeToString(hash[:]),
			LastTimestamp: c.LastTimestamp(),
			Markets:       c.Markets(),
			Suspensions:   c.Suspensions(),
		}
		return nil
	})
	return resp, err
}

// GetFundingHistory returns funding entries from index since onwards.
// It reads the projection when one is configured and the core otherwise.
func (qs *QueryService) GetFundingHistory(ctx context.Context, market string, since, limit int) (*FundingHistoryResponse, error) {
	if since < 0 {
		since = 0
	}
	limit = clampLimit(limit)
	if qs.db == nil {
		var resp *FundingHistoryResponse
		err := qs.run(ctx, "GetFundingHistory", func(c *core.DeterministicCore) error {
			entries, err := c.FundingHistory(market, since)
			if err != nil {
				return err
			}
			if len(entries) > limit {
				entries = entries[:limit]
			}
			resp = &FundingHistoryResponse{Market: market, Since: since, Entries: entries, AsOfSequence: c.GetSequence() - 1}
			return nil
		})
		return resp, err
	}

	var resp *FundingHistoryResponse
	err := qs.observe("GetFundingHistory", func() error {
		asOf, err := qs.getWatermark(ctx)
		if err != nil {
			return fmt.Errorf("watermark: %w", err)
		}
		rows, err := projection.QueryFundingHistory(ctx, qs.db, market, since, limit)
		if err != nil {
			return err
		}
		entries := make([]state.FundingEntry, 0, len(rows))
		for _, r := range rows {
			entries = append(entries, state.FundingEntry{Cumulative: r.Cumulative, Rate: r.Rate, Timestamp: r.Timestamp})
		}
		resp = &FundingHistoryResponse{Market: market, Since: since, Entries: entries, AsOfSequence: asOf}
		return nil
	})
	return resp, err
}

// GetOrderHistory returns an account's orders, newest first. An empty
// market selects all markets.
func (qs *QueryService) GetOrderHistory(ctx context.Context, account common.Address, market string, limit int) (*OrderHistoryResponse, error) {
	if qs.db == nil {
		return nil, ErrNoProjections
	}
	var resp *OrderHistoryResponse
	err := qs.observe("GetOrderHistory", func() error {
		asOf, err := qs.getWatermark(ctx)
		if err != nil {
			return fmt.Errorf("watermark: %w", err)
		}

		query := `
			SELECT order_id, market, account, size_delta::text, submitted_at, executable_at,
			       commit_deposit::text, keeper_deposit::text, status, keeper, last_sequence
			FROM projections.orders
			WHERE account = $1
		`
		args := []interface{}{account.Hex()}
		if market != "" {
			query += " AND market = $2"
			args = append(args, market)
		}
		query += fmt.Sprintf(" ORDER BY submitted_at DESC LIMIT $%d", len(args)+1)
		args = append(args, clampLimit(limit))

		rows, err := qs.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		resp = &OrderHistoryResponse{Orders: []OrderHistoryEntry{}, AsOfSequence: asOf}
		for rows.Next() {
			var o OrderHistoryEntry
			var size, commit, keeper string
			if err := rows.Scan(
				&o.OrderID, &o.Market, &o.Account, &size, &o.SubmittedAt, &o.ExecutableAt,
				&commit, &keeper, &o.Status, &o.Keeper, &o.Sequence,
			); err != nil {
				return err
			}
			if err := parseDecimals([]string{size, commit, keeper}, &o.SizeDelta, &o.CommitDeposit, &o.KeeperDeposit); err != nil {
				return err
			}
			resp.Orders = append(resp.Orders, o)
		}
		return rows.Err()
	})
	return resp, err
}

// GetTrades returns an account's fills and closes, newest first.
// beforeSequence is an exclusive cursor; zero or less starts at the tip.
func (qs *QueryService) GetTrades(ctx context.Context, account common.Address, limit int, beforeSequence int64) (*TradeHistoryResponse, error) {
	if qs.db == nil {
		return nil, ErrNoProjections
	}
	var resp *TradeHistoryResponse
	err := qs.observe("GetTrades", func() error {
		asOf, err := qs.getWatermark(ctx)
		if err != nil {
			return fmt.Errorf("watermark: %w", err)
		}

		query := `
			SELECT sequence, market, account, size_delta::text, fill_price::text, fee::text,
			       pnl::text, funding::text, action, timestamp
			FROM projections.trades
			WHERE account = $1
		`
		args := []interface{}{account.Hex()}
		if beforeSequence > 0 {
			query += " AND sequence < $2"
			args = append(args, beforeSequence)
		}
		query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args)+1)
		args = append(args, clampLimit(limit))

		rows, err := qs.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		resp = &TradeHistoryResponse{Trades: []TradeEntry{}, AsOfSequence: asOf}
		for rows.Next() {
			var t TradeEntry
			var size, price, fee, pnl, funding string
			if err := rows.Scan(&t.Sequence, &t.Market, &t.Account, &size, &price, &fee, &pnl, &funding, &t.Action, &t.Timestamp); err != nil {
				return err
			}
			if err := parseDecimals([]string{size, price, fee, pnl, funding},
				&t.SizeDelta, &t.FillPrice, &t.Fee, &t.PnL, &t.Funding); err != nil {
				return err
			}
			resp.Trades = append(resp.Trades, t)
		}
		return rows.Err()
	})
	return resp, err
}

// GetJournalHistory returns journal entries touching any of an account's
// ledger accounts, newest first.
func (qs *QueryService) GetJournalHistory(ctx context.Context, account common.Address, limit int, beforeSequence int64) ([]JournalHistoryEntry, error) {
	if qs.db == nil {
		return nil, ErrNoProjections
	}
	var entries []JournalHistoryEntry
	err := qs.observe("GetJournalHistory", func() error {
		query := `
			SELECT journal_id, batch_id, event_ref, sequence,
			       debit_account, credit_account, amount::text, journal_type, timestamp
			FROM event_log.journal
			WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
		`
		args := []interface{}{AccountPrefix(account)}
		if beforeSequence > 0 {
			query += " AND sequence < $2"
			args = append(args, beforeSequence)
		}
		query += fmt.Sprintf(" ORDER BY sequence DESC, journal_id LIMIT $%d", len(args)+1)
		args = append(args, clampLimit(limit))

		rows, err := qs.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		entries = []JournalHistoryEntry{}
		for rows.Next() {
			var e JournalHistoryEntry
			var amount string
			if err := rows.Scan(
				&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
				&e.DebitAccount, &e.CreditAccount, &amount, &e.JournalType, &e.Timestamp,
			); err != nil {
				return err
			}
			if e.Amount, err = fpmath.Parse(amount); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	return entries, err
}

// --- Admin APIs ---

// VerifyIntegrity checks the persisted hash chain and that the projected
// balances sum to zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	if qs.db == nil {
		return nil, ErrNoProjections
	}
	report := &IntegrityReport{}
	err := qs.observe("VerifyIntegrity", func() error {
		rows, err := qs.db.QueryContext(ctx, `
			SELECT e1.sequence
			FROM event_log.events e1
			LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
			WHERE e1.sequence > 0 AND (e2.sequence IS NULL OR e1.prev_hash != e2.state_hash)
			ORDER BY e1.sequence
			LIMIT 10
		`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var seq int64
			if err := rows.Scan(&seq); err != nil {
				return err
			}
			report.HashChainBreaks = append(report.HashChainBreaks, seq)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		var total string
		if err := qs.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(balance), 0)::text FROM projections.balances
		`).Scan(&total); err != nil {
			return err
		}
		if report.Imbalance, err = fpmath.Parse(total); err != nil {
			return err
		}

		report.IsHealthy = len(report.HashChainBreaks) == 0 && report.Imbalance.IsZero()
		return nil
	})
	return report, err
}

// --- helpers ---

// AccountPrefix is the LIKE pattern matching every ledger account path
// owned by account.
func AccountPrefix(account common.Address) string {
	return "user:" + account.Hex() + ":%"
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

func parseDecimals(raw []string, out ...*fpmath.Decimal) error {
	for i, s := range raw {
		d, err := fpmath.Parse(s)
		if err != nil {
			return fmt.Errorf("decimal %q: %w", s, err)
		}
		*out[i] = d
	}
	return nil
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}
