package state

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// PositionManager owns every position. Positions are stored by value so a
// caller can compute a new position and commit it in one step.
type PositionManager struct {
	positions map[PositionKey]Position
}

func NewPositionManager() *PositionManager {
	return &PositionManager{
		positions: make(map[PositionKey]Position),
	}
}

// GetPosition returns the stored position, or a flat empty one.
func (pm *PositionManager) GetPosition(market string, account common.Address) (Position, bool) {
	key := PositionKey{Market: market, Account: account}
	pos, ok := pm.positions[key]
	if !ok {
		return Position{Market: market, Account: account}, false
	}
	return pos, true
}

// SetPosition stores pos, dropping it once it is empty.
func (pm *PositionManager) SetPosition(pos Position) {
	if pos.IsEmpty() {
		delete(pm.positions, pos.Key())
		return
	}
	pm.positions[pos.Key()] = pos
}

// GetMarketPositions returns a market's positions sorted by account.
func (pm *PositionManager) GetMarketPositions(market string) []Position {
	result := make([]Position, 0)
	for key, pos := range pm.positions {
		if key.Market == market {
			result = append(result, pos)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return bytes.Compare(result[i].Account[:], result[j].Account[:]) < 0
	})
	return result
}

// GetAllPositions returns every position sorted by market then account.
func (pm *PositionManager) GetAllPositions() []Position {
	result := make([]Position, 0, len(pm.positions))
	for _, pos := range pm.positions {
		result = append(result, pos)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Market != result[j].Market {
			return result[i].Market < result[j].Market
		}
		return bytes.Compare(result[i].Account[:], result[j].Account[:]) < 0
	})
	return result
}

// Count returns the number of tracked positions
func (pm *PositionManager) Count() int {
	return len(pm.positions)
}
