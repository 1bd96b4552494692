package event

import (
	"strconv"

	fpmath "PerpEngine/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// OffchainPricesUpdated relays signed feed updates. Relayer pays PaidValue;
// anything above the quoted fee is credited to its wallet.
type OffchainPricesUpdated struct {
	CommandID uuid.UUID      `json:"command_id"`
	Relayer   common.Address `json:"relayer"`
	Updates   [][]byte       `json:"updates"`
	PaidValue fpmath.Decimal `json:"paid_value"`
	Timestamp int64          `json:"timestamp"`
}

func (o *OffchainPricesUpdated) IdempotencyKey() string { return o.CommandID.String() }
func (o *OffchainPricesUpdated) EventType() EventType   { return EventTypeOffchainPricesUpdated }
func (o *OffchainPricesUpdated) MarketID() *string      { return nil }
func (o *OffchainPricesUpdated) Time() int64            { return o.Timestamp }

// OnchainRoundReported records a new aggregator round for an asset.
// Idempotency key: asset, round id and price. Re-reporting a round with a
// different price is not a duplicate and fails as a non-increasing round.
type OnchainRoundReported struct {
	Asset     string         `json:"asset"`
	RoundID   uint64         `json:"round_id"`
	Price     fpmath.Decimal `json:"price"`
	UpdatedAt int64          `json:"updated_at"`
	Timestamp int64          `json:"timestamp"`
}

func (o *OnchainRoundReported) IdempotencyKey() string {
	return "round:" + o.Asset + ":" + strconv.FormatUint(o.RoundID, 10) + ":" + o.Price.String()
}
func (o *OnchainRoundReported) EventType() EventType { return EventTypeOnchainRoundReported }
func (o *OnchainRoundReported) MarketID() *string    { return nil }
func (o *OnchainRoundReported) Time() int64          { return o.Timestamp }
