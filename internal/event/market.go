package event

import (
	"PerpEngine/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// FundingRecomputeRequested appends a funding entry for Market at the
// current on-chain price. Any keeper may send it.
type FundingRecomputeRequested struct {
	CommandID uuid.UUID `json:"command_id"`
	Market    string    `json:"market"`
	Timestamp int64     `json:"timestamp"`
}

func (f *FundingRecomputeRequested) IdempotencyKey() string { return f.CommandID.String() }
func (f *FundingRecomputeRequested) EventType() EventType   { return EventTypeFundingRecomputeRequested }
func (f *FundingRecomputeRequested) MarketID() *string      { return marketPtr(f.Market) }
func (f *FundingRecomputeRequested) Time() int64            { return f.Timestamp }

// MarketParamsUpdated creates a market or replaces its parameters. FeedID,
// when set, maps the market's asset to an off-chain feed.
type MarketParamsUpdated struct {
	CommandID uuid.UUID          `json:"command_id"`
	Params    state.MarketParams `json:"params"`
	FeedID    *common.Hash       `json:"feed_id,omitempty"`
	Timestamp int64              `json:"timestamp"`
}

func (m *MarketParamsUpdated) IdempotencyKey() string { return m.CommandID.String() }
func (m *MarketParamsUpdated) EventType() EventType   { return EventTypeMarketParamsUpdated }
func (m *MarketParamsUpdated) MarketID() *string      { return marketPtr(m.Params.Market) }
func (m *MarketParamsUpdated) Time() int64            { return m.Timestamp }

// SuspensionChanged pauses or resumes one market, or all futures markets
// when Market is empty.
type SuspensionChanged struct {
	CommandID uuid.UUID `json:"command_id"`
	Market    string    `json:"market,omitempty"`
	Suspended bool      `json:"suspended"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

func (s *SuspensionChanged) IdempotencyKey() string { return s.CommandID.String() }
func (s *SuspensionChanged) EventType() EventType   { return EventTypeSuspensionChanged }
func (s *SuspensionChanged) MarketID() *string {
	if s.Market == "" {
		return nil
	}
	return marketPtr(s.Market)
}
func (s *SuspensionChanged) Time() int64 { return s.Timestamp }
