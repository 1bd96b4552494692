package query

import (
	"PerpEngine/internal/core"
	fpmath "PerpEngine/internal/math"
	"PerpEngine/internal/state"
)

// Engine responses carry the sequence they were read at and the caller
// clock they were evaluated at. Projection responses carry the projection
// watermark instead.

type PositionResponse struct {
	Market  string `json:"market"`
	Account string `json:"account"`
	core.PositionView
	EvaluatedAt  int64 `json:"evaluated_at"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

type MarketResponse struct {
	Market string `json:"market"`
	core.MarketView
	Suspended    bool  `json:"suspended"`
	EvaluatedAt  int64 `json:"evaluated_at"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

type FundingHistoryResponse struct {
	Market       string               `json:"market"`
	Since        int                  `json:"since"`
	Entries      []state.FundingEntry `json:"entries"`
	AsOfSequence int64                `json:"as_of_sequence"`
}

// OrderHistoryEntry is one order as recorded by the projection.
type OrderHistoryEntry struct {
	OrderID       string         `json:"order_id"`
	Market        string         `json:"market"`
	Account       string         `json:"account"`
	SizeDelta     fpmath.Decimal `json:"size_delta"`
	SubmittedAt   int64          `json:"submitted_at"`
	ExecutableAt  int64          `json:"executable_at"`
	CommitDeposit fpmath.Decimal `json:"commit_deposit"`
	KeeperDeposit fpmath.Decimal `json:"keeper_deposit"`
	Status        string         `json:"status"`
	Keeper        string         `json:"keeper"`
	Sequence      int64          `json:"sequence"`
}

type OrderHistoryResponse struct {
	Orders       []OrderHistoryEntry `json:"orders"`
	AsOfSequence int64               `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string         `json:"journal_id"`
	BatchID       string         `json:"batch_id"`
	EventRef      string         `json:"event_ref"`
	Sequence      int64          `json:"sequence"`
	DebitAccount  string         `json:"debit_account"`
	CreditAccount string         `json:"credit_account"`
	Amount        fpmath.Decimal `json:"amount"`
	JournalType   string         `json:"journal_type"`
	Timestamp     int64          `json:"timestamp"`
}

// EngineStatus is the chain tip and the active suspensions.
type EngineStatus struct {
	Sequence      int64             `json:"sequence"`
	StateHash     string            `json:"state_hash"`
	LastTimestamp int64             `json:"last_timestamp"`
	Markets       []string          `json:"markets"`
	Suspensions   []core.Suspension `json:"suspensions"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool           `json:"is_healthy"`
	HashChainBreaks []int64        `json:"hash_chain_breaks,omitempty"`
	Imbalance       fpmath.Decimal `json:"imbalance"`
}

// TradeEntry is one fill or close as recorded by the projection.
type TradeEntry struct {
	Sequence  int64          `json:"sequence"`
	Market    string         `json:"market"`
	Account   string         `json:"account"`
	SizeDelta fpmath.Decimal `json:"size_delta"`
	FillPrice fpmath.Decimal `json:"fill_price"`
	Fee       fpmath.Decimal `json:"fee"`
	PnL       fpmath.Decimal `json:"pnl"`
	Funding   fpmath.Decimal `json:"funding"`
	Action    string         `json:"action"`
	Timestamp int64          `json:"timestamp"`
}

type TradeHistoryResponse struct {
	Trades       []TradeEntry `json:"trades"`
	AsOfSequence int64        `json:"as_of_sequence"`
}
