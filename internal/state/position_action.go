package state

import fpmath "PerpEngine/internal/math"

// TradeAction classifies a size change against an existing position.
type TradeAction int32

const (
	TradeActionOpen     TradeAction = iota // flat -> exposed
	TradeActionIncrease                    // same side, larger
	TradeActionReduce                      // opposite side, smaller
	TradeActionClose                       // opposite side, to zero
	TradeActionFlip                        // opposite side, through zero
)

func (a TradeAction) String() string {
	switch a {
	case TradeActionOpen:
		return "Open"
	case TradeActionIncrease:
		return "Increase"
	case TradeActionReduce:
		return "Reduce"
	case TradeActionClose:
		return "Close"
	case TradeActionFlip:
		return "Flip"
	default:
		return "Unknown"
	}
}

// ClassifyTrade returns the action sizeDelta performs on a position of size.
func ClassifyTrade(size, sizeDelta fpmath.Decimal) TradeAction {
	if size.IsZero() {
		return TradeActionOpen
	}
	if size.Sign() == sizeDelta.Sign() {
		return TradeActionIncrease
	}
	switch sizeDelta.Abs().Cmp(size.Abs()) {
	case -1:
		return TradeActionReduce
	case 0:
		return TradeActionClose
	default:
		return TradeActionFlip
	}
}

// IsReducing is true when the trade only shrinks exposure.
func (a TradeAction) IsReducing() bool {
	return a == TradeActionReduce || a == TradeActionClose
}
