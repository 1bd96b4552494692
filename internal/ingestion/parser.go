package ingestion

import (
	"errors"
	"fmt"

	"PerpEngine/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ErrInvalidCommand marks payloads rejected by the shell before they reach
// the core. They are acked and dropped.
var ErrInvalidCommand = errors.New("invalid command")

// ParseRawEvent decodes a command payload and applies the checks that need
// no engine state. Everything stateful is left to the core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	et, ok := event.ParseEventType(eventType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidCommand, eventType)
	}
	evt, err := event.Decode(et, raw.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	if err := Validate(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// Validate checks ids, addresses and timestamps of a decoded command.
func Validate(evt event.Event) error {
	if evt.Time() <= 0 {
		return invalid(evt, "timestamp must be > 0")
	}

	switch e := evt.(type) {
	case *event.WalletDeposited:
		return firstErr(evt, commandID(e.CommandID), account("account", e.Account))
	case *event.WalletWithdrawn:
		return firstErr(evt, commandID(e.CommandID), account("account", e.Account))
	case *event.MarginTransferred:
		return firstErr(evt, commandID(e.CommandID), market(e.Market), account("account", e.Account))
	case *event.OrderSubmitted:
		return firstErr(evt, commandID(e.CommandID), market(e.Market), account("account", e.Account))
	case *event.OrderReplaced:
		return firstErr(evt, commandID(e.CommandID), market(e.Market), account("account", e.Account))
	case *event.OrderCancelled:
		return firstErr(evt, commandID(e.CommandID), market(e.Market),
			account("account", e.Account), account("caller", e.Caller))
	case *event.OrderExecuted:
		return firstErr(evt, commandID(e.CommandID), market(e.Market),
			account("account", e.Account), account("executor", e.Executor))
	case *event.PositionClosed:
		return firstErr(evt, commandID(e.CommandID), market(e.Market), account("account", e.Account))
	case *event.PositionLiquidated:
		return firstErr(evt, commandID(e.CommandID), market(e.Market),
			account("account", e.Account), account("caller", e.Caller))
	case *event.OffchainPricesUpdated:
		return firstErr(evt, commandID(e.CommandID), account("relayer", e.Relayer))
	case *event.OnchainRoundReported:
		if e.Asset == "" {
			return invalid(evt, "asset is required")
		}
		if e.RoundID == 0 {
			return invalid(evt, "round_id must be > 0")
		}
		return nil
	case *event.FundingRecomputeRequested:
		return firstErr(evt, commandID(e.CommandID), market(e.Market))
	case *event.MarketParamsUpdated:
		return firstErr(evt, commandID(e.CommandID), market(e.Params.Market))
	case *event.SuspensionChanged:
		return firstErr(evt, commandID(e.CommandID))
	default:
		return invalid(evt, fmt.Sprintf("unsupported command %T", evt))
	}
}

func invalid(evt event.Event, msg string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidCommand, evt.EventType(), msg)
}

func firstErr(evt event.Event, problems ...string) error {
	for _, p := range problems {
		if p != "" {
			return invalid(evt, p)
		}
	}
	return nil
}

func commandID(id uuid.UUID) string {
	if id == uuid.Nil {
		return "command_id is required"
	}
	return ""
}

func market(m string) string {
	if m == "" {
		return "market is required"
	}
	return ""
}

func account(field string, a common.Address) string {
	if a == (common.Address{}) {
		return field + " must not be the zero address"
	}
	return ""
}
