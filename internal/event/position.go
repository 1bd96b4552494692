package event

import (
	fpmath "PerpEngine/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// MarginTransferred moves Delta between the account's wallet and its margin
// in Market. Negative Delta withdraws.
type MarginTransferred struct {
	CommandID uuid.UUID      `json:"command_id"`
	Market    string         `json:"market"`
	Account   common.Address `json:"account"`
	Delta     fpmath.Decimal `json:"delta"`
	Timestamp int64          `json:"timestamp"`
}

func (m *MarginTransferred) IdempotencyKey() string { return m.CommandID.String() }
func (m *MarginTransferred) EventType() EventType   { return EventTypeMarginTransferred }
func (m *MarginTransferred) MarketID() *string      { return marketPtr(m.Market) }
func (m *MarginTransferred) Time() int64            { return m.Timestamp }

// PositionClosed closes the whole position immediately at the on-chain price.
type PositionClosed struct {
	CommandID uuid.UUID      `json:"command_id"`
	Market    string         `json:"market"`
	Account   common.Address `json:"account"`
	Timestamp int64          `json:"timestamp"`
}

func (p *PositionClosed) IdempotencyKey() string { return p.CommandID.String() }
func (p *PositionClosed) EventType() EventType   { return EventTypePositionClosed }
func (p *PositionClosed) MarketID() *string      { return marketPtr(p.Market) }
func (p *PositionClosed) Time() int64            { return p.Timestamp }

// PositionLiquidated is a liquidation attempt by Caller. The caller is paid
// the liquidation reward if it succeeds.
type PositionLiquidated struct {
	CommandID uuid.UUID      `json:"command_id"`
	Market    string         `json:"market"`
	Account   common.Address `json:"account"`
	Caller    common.Address `json:"caller"`
	Timestamp int64          `json:"timestamp"`
}

func (p *PositionLiquidated) IdempotencyKey() string { return p.CommandID.String() }
func (p *PositionLiquidated) EventType() EventType   { return EventTypePositionLiquidated }
func (p *PositionLiquidated) MarketID() *string      { return marketPtr(p.Market) }
func (p *PositionLiquidated) Time() int64            { return p.Timestamp }
