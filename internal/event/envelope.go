package event

import (
	"encoding/json"
	"fmt"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeWalletDeposited
	EventTypeWalletWithdrawn
	EventTypeMarginTransferred
	EventTypeOrderSubmitted
	EventTypeOrderCancelled
	EventTypeOrderReplaced
	EventTypeOrderExecuted
	EventTypePositionClosed
	EventTypePositionLiquidated
	EventTypeOffchainPricesUpdated
	EventTypeOnchainRoundReported
	EventTypeFundingRecomputeRequested
	EventTypeMarketParamsUpdated
	EventTypeSuspensionChanged
)

// EventEnvelope wraps every applied event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64 `json:"sequence"`

	// Stable idempotency key from upstream
	IdempotencyKey string `json:"idempotency_key"`

	EventType EventType `json:"event_type"`

	// Market context (nil for global events)
	MarketID *string `json:"market_id,omitempty"`

	// Caller-supplied clock, seconds (NOT wall-clock)
	Timestamp int64 `json:"timestamp"`

	// JSON-encoded event payload
	Payload []byte `json:"payload"`

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte `json:"state_hash"`

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte `json:"prev_hash"`
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market context (nil for global events)
	MarketID() *string

	// Time returns the caller-supplied clock value in seconds
	Time() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeWalletDeposited:
		return "WalletDeposited"
	case EventTypeWalletWithdrawn:
		return "WalletWithdrawn"
	case EventTypeMarginTransferred:
		return "MarginTransferred"
	case EventTypeOrderSubmitted:
		return "OrderSubmitted"
	case EventTypeOrderCancelled:
		return "OrderCancelled"
	case EventTypeOrderReplaced:
		return "OrderReplaced"
	case EventTypeOrderExecuted:
		return "OrderExecuted"
	case EventTypePositionClosed:
		return "PositionClosed"
	case EventTypePositionLiquidated:
		return "PositionLiquidated"
	case EventTypeOffchainPricesUpdated:
		return "OffchainPricesUpdated"
	case EventTypeOnchainRoundReported:
		return "OnchainRoundReported"
	case EventTypeFundingRecomputeRequested:
		return "FundingRecomputeRequested"
	case EventTypeMarketParamsUpdated:
		return "MarketParamsUpdated"
	case EventTypeSuspensionChanged:
		return "SuspensionChanged"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) (EventType, bool) {
	for et := EventTypeWalletDeposited; et <= EventTypeSuspensionChanged; et++ {
		if et.String() == s {
			return et, true
		}
	}
	return EventTypeUnknown, false
}

// New returns an empty payload for et, ready for decoding.
func New(et EventType) (Event, error) {
	switch et {
	case EventTypeWalletDeposited:
		return &WalletDeposited{}, nil
	case EventTypeWalletWithdrawn:
		return &WalletWithdrawn{}, nil
	case EventTypeMarginTransferred:
		return &MarginTransferred{}, nil
	case EventTypeOrderSubmitted:
		return &OrderSubmitted{}, nil
	case EventTypeOrderCancelled:
		return &OrderCancelled{}, nil
	case EventTypeOrderReplaced:
		return &OrderReplaced{}, nil
	case EventTypeOrderExecuted:
		return &OrderExecuted{}, nil
	case EventTypePositionClosed:
		return &PositionClosed{}, nil
	case EventTypePositionLiquidated:
		return &PositionLiquidated{}, nil
	case EventTypeOffchainPricesUpdated:
		return &OffchainPricesUpdated{}, nil
	case EventTypeOnchainRoundReported:
		return &OnchainRoundReported{}, nil
	case EventTypeFundingRecomputeRequested:
		return &FundingRecomputeRequested{}, nil
	case EventTypeMarketParamsUpdated:
		return &MarketParamsUpdated{}, nil
	case EventTypeSuspensionChanged:
		return &SuspensionChanged{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %d", et)
	}
}

// Decode unmarshals a JSON payload of the given type.
func Decode(et EventType, payload []byte) (Event, error) {
	evt, err := New(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}

func marketPtr(m string) *string {
	return &m
}
