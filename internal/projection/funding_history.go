package projection

import (
	"context"
	"database/sql"

	"PerpEngine/internal/core"
	fpmath "PerpEngine/internal/math"
)

// FundingHistoryEntry is one appended funding entry of a market.
type FundingHistoryEntry struct {
	Market     string         `json:"market"`
	Index      int            `json:"index"`
	Rate       fpmath.Decimal `json:"rate"`
	Cumulative fpmath.Decimal `json:"cumulative"`
	Timestamp  int64          `json:"timestamp"`
	Sequence   int64          `json:"sequence"`
}

// FundingRows converts the funding changes of one event.
func FundingRows(seq int64, changes []core.FundingChange) []FundingHistoryEntry {
	rows := make([]FundingHistoryEntry, 0, len(changes))
	for _, fc := range changes {
		rows = append(rows, FundingHistoryEntry{
			Market:     fc.Market,
			Index:      fc.Index,
			Rate:       fc.Entry.Rate,
			Cumulative: fc.Entry.Cumulative,
			Timestamp:  fc.Entry.Timestamp,
			Sequence:   seq,
		})
	}
	return rows
}

func (e FundingHistoryEntry) insert(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.funding_history (market, idx, rate, cumulative, timestamp, sequence)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (market, idx) DO NOTHING
	`, e.Market, e.Index, e.Rate.String(), e.Cumulative.String(), e.Timestamp, e.Sequence)
	return err
}

// QueryFundingHistory returns a market's entries with index >= since,
// oldest first.
func QueryFundingHistory(ctx context.Context, db *sql.DB, market string, since, limit int) ([]FundingHistoryEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT market, idx, rate::text, cumulative::text, timestamp, sequence
		FROM projections.funding_history
		WHERE market = $1 AND idx >= $2
		ORDER BY idx ASC
		LIMIT $3
	`, market, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FundingHistoryEntry
	for rows.Next() {
		var e FundingHistoryEntry
		var rate, cumulative string
		if err := rows.Scan(&e.Market, &e.Index, &rate, &cumulative, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		if e.Rate, err = fpmath.Parse(rate); err != nil {
			return nil, err
		}
		if e.Cumulative, err = fpmath.Parse(cumulative); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
