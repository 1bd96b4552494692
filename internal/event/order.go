package event

import (
	fpmath "PerpEngine/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// OrderSubmitted places a delayed order. The command id becomes the order id.
type OrderSubmitted struct {
	CommandID    uuid.UUID      `json:"command_id"`
	Market       string         `json:"market"`
	Account      common.Address `json:"account"`
	SizeDelta    fpmath.Decimal `json:"size_delta"`
	TrackingCode []byte         `json:"tracking_code,omitempty"`
	Timestamp    int64          `json:"timestamp"`
}

func (o *OrderSubmitted) IdempotencyKey() string { return o.CommandID.String() }
func (o *OrderSubmitted) EventType() EventType   { return EventTypeOrderSubmitted }
func (o *OrderSubmitted) MarketID() *string      { return marketPtr(o.Market) }
func (o *OrderSubmitted) Time() int64            { return o.Timestamp }

// OrderCancelled cancels Account's pending order. Caller may be the owner
// or a keeper.
type OrderCancelled struct {
	CommandID uuid.UUID      `json:"command_id"`
	Market    string         `json:"market"`
	Account   common.Address `json:"account"`
	Caller    common.Address `json:"caller"`
	Timestamp int64          `json:"timestamp"`
}

func (o *OrderCancelled) IdempotencyKey() string { return o.CommandID.String() }
func (o *OrderCancelled) EventType() EventType   { return EventTypeOrderCancelled }
func (o *OrderCancelled) MarketID() *string      { return marketPtr(o.Market) }
func (o *OrderCancelled) Time() int64            { return o.Timestamp }

// OrderReplaced atomically cancels the owner's pending order and submits a
// new one. A zero SizeDelta only cancels.
type OrderReplaced struct {
	CommandID    uuid.UUID      `json:"command_id"`
	Market       string         `json:"market"`
	Account      common.Address `json:"account"`
	SizeDelta    fpmath.Decimal `json:"size_delta"`
	TrackingCode []byte         `json:"tracking_code,omitempty"`
	Timestamp    int64          `json:"timestamp"`
}

func (o *OrderReplaced) IdempotencyKey() string { return o.CommandID.String() }
func (o *OrderReplaced) EventType() EventType   { return EventTypeOrderReplaced }
func (o *OrderReplaced) MarketID() *string      { return marketPtr(o.Market) }
func (o *OrderReplaced) Time() int64            { return o.Timestamp }

// OrderExecuted executes Account's pending order against the supplied signed
// off-chain price updates. PaidValue covers the relay fee.
type OrderExecuted struct {
	CommandID    uuid.UUID      `json:"command_id"`
	Market       string         `json:"market"`
	Account      common.Address `json:"account"`
	Executor     common.Address `json:"executor"`
	PriceUpdates [][]byte       `json:"price_updates"`
	PaidValue    fpmath.Decimal `json:"paid_value"`
	Timestamp    int64          `json:"timestamp"`
}

func (o *OrderExecuted) IdempotencyKey() string { return o.CommandID.String() }
func (o *OrderExecuted) EventType() EventType   { return EventTypeOrderExecuted }
func (o *OrderExecuted) MarketID() *string      { return marketPtr(o.Market) }
func (o *OrderExecuted) Time() int64            { return o.Timestamp }
