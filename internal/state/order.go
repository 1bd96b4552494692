package state

import (
	fpmath "PerpEngine/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// OrderStatus tracks a delayed order through its lifecycle
type OrderStatus int32

const (
	OrderStatusNone OrderStatus = iota
	OrderStatusPendingMinAge
	OrderStatusExecutable
	OrderStatusExpired
	OrderStatusExecuted
	OrderStatusCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusNone:
		return "None"
	case OrderStatusPendingMinAge:
		return "PendingMinAge"
	case OrderStatusExecutable:
		return "Executable"
	case OrderStatusExpired:
		return "Expired"
	case OrderStatusExecuted:
		return "Executed"
	case OrderStatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Order is an account's pending delayed order in a market. Deposits are
// escrowed out of margin while the order is live.
type Order struct {
	OrderID       uuid.UUID      `json:"order_id"`
	Market        string         `json:"market"`
	Account       common.Address `json:"account"`
	SizeDelta     fpmath.Decimal `json:"size_delta"`
	SubmittedAt   int64          `json:"submitted_at"`
	ExecutableAt  int64          `json:"executable_at"`
	CommitDeposit fpmath.Decimal `json:"commit_deposit"`
	KeeperDeposit fpmath.Decimal `json:"keeper_deposit"`
	TrackingCode  []byte         `json:"tracking_code,omitempty"`
}

func (o Order) Key() PositionKey {
	return PositionKey{Market: o.Market, Account: o.Account}
}

// Deposits is the total held in escrow for the order.
func (o Order) Deposits() fpmath.Decimal {
	return o.CommitDeposit.Add(o.KeeperDeposit)
}

// ExpiresAt is the last second at which the order may execute.
func (o Order) ExpiresAt(maxAge int64) int64 {
	return o.ExecutableAt + maxAge
}

// StatusAt derives the live status from the clock.
func (o Order) StatusAt(now, maxAge int64) OrderStatus {
	switch {
	case now < o.ExecutableAt:
		return OrderStatusPendingMinAge
	case now > o.ExpiresAt(maxAge):
		return OrderStatusExpired
	default:
		return OrderStatusExecutable
	}
}

// CanonicalBytes returns deterministic serialization for hashing
func (o Order) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)
	buf = append(buf, o.OrderID[:]...)
	buf = append(buf, byte(len(o.Market)))
	buf = append(buf, o.Market...)
	buf = append(buf, o.Account[:]...)
	buf = o.SizeDelta.AppendCanonical(buf)
	buf = appendInt64LE(buf, o.SubmittedAt)
	buf = appendInt64LE(buf, o.ExecutableAt)
	buf = o.CommitDeposit.AppendCanonical(buf)
	buf = o.KeeperDeposit.AppendCanonical(buf)
	buf = append(buf, byte(len(o.TrackingCode)))
	return append(buf, o.TrackingCode...)
}
