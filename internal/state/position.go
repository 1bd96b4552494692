package state

import (
	fpmath "PerpEngine/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// PositionKey identifies one account's position in one market.
type PositionKey struct {
	Market  string
	Account common.Address
}

// Position is an account's margin and exposure in a market. Size is signed:
// positive is long.
type Position struct {
	Market       string         `json:"market"`
	Account      common.Address `json:"account"`
	Margin       fpmath.Decimal `json:"margin"`
	Size         fpmath.Decimal `json:"size"`
	LastPrice    fpmath.Decimal `json:"last_price"`
	FundingIndex int            `json:"funding_index"`
}

func (p Position) Key() PositionKey {
	return PositionKey{Market: p.Market, Account: p.Account}
}

// IsFlat returns true if the position has no exposure
func (p Position) IsFlat() bool {
	return p.Size.IsZero()
}

// IsEmpty is true once nothing is left to track.
func (p Position) IsEmpty() bool {
	return p.Size.IsZero() && p.Margin.IsZero()
}

// CanonicalBytes returns deterministic serialization for hashing
func (p Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	// market (length-prefixed)
	buf = append(buf, byte(len(p.Market)))
	buf = append(buf, p.Market...)

	// account (20 bytes)
	buf = append(buf, p.Account[:]...)

	buf = p.Margin.AppendCanonical(buf)
	buf = p.Size.AppendCanonical(buf)
	buf = p.LastPrice.AppendCanonical(buf)

	// funding_index (8 bytes LE)
	return appendInt64LE(buf, int64(p.FundingIndex))
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
