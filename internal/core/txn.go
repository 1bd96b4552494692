package core

import (
	"sort"

	"PerpEngine/internal/event"
	"PerpEngine/internal/ledger"
	fpmath "PerpEngine/internal/math"
	"PerpEngine/internal/oracle"
	"PerpEngine/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// txn collects the effects of one event while it is planned. Reads go
// through it so a later step sees an earlier step's staged values.
type txn struct {
	core  *DeterministicCore
	now   int64
	batch *ledger.Batch

	positions  []state.Position
	orders     []state.Order
	removed    []OrderChange
	funding    map[string]state.FundingEntry
	aggregates map[string]state.MarketAggregate

	prices     *oracle.UpdateBatch
	round      *roundReport
	feed       *feedMapping
	params     *state.MarketParams
	suspension *event.SuspensionChanged

	changes *Changes
}

type roundReport struct {
	asset string
	round oracle.Round
}

type feedMapping struct {
	asset string
	id    common.Hash
}

func (c *DeterministicCore) newTxn(evt event.Event) *txn {
	return &txn{
		core:       c,
		now:        evt.Time(),
		batch:      ledger.NewBatch(evt.IdempotencyKey(), c.sequence, evt.Time()),
		funding:    make(map[string]state.FundingEntry),
		aggregates: make(map[string]state.MarketAggregate),
		changes:    &Changes{},
	}
}

// position returns the latest staged or stored position.
func (t *txn) position(market string, account common.Address) state.Position {
	for i := len(t.positions) - 1; i >= 0; i-- {
		if p := t.positions[i]; p.Market == market && p.Account == account {
			return p
		}
	}
	pos, _ := t.core.positions.GetPosition(market, account)
	return pos
}

// order returns the latest staged or stored order.
func (t *txn) order(market string, account common.Address) (state.Order, bool) {
	for i := len(t.orders) - 1; i >= 0; i-- {
		if o := t.orders[i]; o.Market == market && o.Account == account {
			return o, true
		}
	}
	for _, r := range t.removed {
		if r.Order.Market == market && r.Order.Account == account {
			return state.Order{}, false
		}
	}
	return t.core.orders.GetOrder(market, account)
}

func (t *txn) aggregate(m *Market) state.MarketAggregate {
	if agg, ok := t.aggregates[m.Params.Market]; ok {
		return agg
	}
	return m.Aggregate
}

// stageFunding computes the funding entry this event appends at price.
func (t *txn) stageFunding(m *Market, price fpmath.Decimal) state.StagedFunding {
	entry := m.Funding.Next(t.aggregate(m).Skew, price, t.now, m.Params)
	t.funding[m.Params.Market] = entry
	return m.Funding.Stage(entry)
}

// setPosition stages next in place of old and updates the market
// aggregate. view resolves both positions' funding indexes.
func (t *txn) setPosition(m *Market, old, next state.Position, view state.FundingView) state.MarketAggregate {
	agg := t.aggregate(m).Replace(old, view.At(old.FundingIndex), next, view.At(next.FundingIndex))
	t.aggregates[m.Params.Market] = agg
	t.positions = append(t.positions, next)
	t.changes.Positions = append(t.changes.Positions, next)
	return agg
}

func (t *txn) addOrder(o state.Order) {
	t.orders = append(t.orders, o)
	t.changes.Orders = append(t.changes.Orders, OrderChange{Order: o, Status: state.OrderStatusPendingMinAge})
}

func (t *txn) removeOrder(o state.Order, status state.OrderStatus, keeper common.Address) {
	change := OrderChange{Order: o, Status: status, Keeper: keeper}
	t.removed = append(t.removed, change)
	t.changes.Orders = append(t.changes.Orders, change)
}

func (t *txn) touchedMarkets() []string {
	set := make(map[string]struct{}, len(t.aggregates)+len(t.funding)+1)
	for m := range t.aggregates {
		set[m] = struct{}{}
	}
	for m := range t.funding {
		set[m] = struct{}{}
	}
	if t.params != nil {
		set[t.params.Market] = struct{}{}
	}
	return sortedKeys(set)
}

func (t *txn) touchedOrders() []state.PositionKey {
	set := make(map[state.PositionKey]struct{})
	for _, o := range t.orders {
		set[o.Key()] = struct{}{}
	}
	for _, r := range t.removed {
		set[r.Order.Key()] = struct{}{}
	}
	keys := make([]state.PositionKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Market != keys[j].Market {
			return keys[i].Market < keys[j].Market
		}
		return keys[i].Account.Cmp(keys[j].Account) < 0
	})
	return keys
}

// Changes describes the state an applied event touched. Positions are
// post-event values; a zero position means it was closed out.
type Changes struct {
	Positions    []state.Position   `json:"positions,omitempty"`
	Orders       []OrderChange      `json:"orders,omitempty"`
	Funding      []FundingChange    `json:"funding,omitempty"`
	Markets      []MarketChange     `json:"markets,omitempty"`
	Trade        *TradeChange       `json:"trade,omitempty"`
	Liquidation  *LiquidationChange `json:"liquidation,omitempty"`
	PriceUpdates int                `json:"price_updates,omitempty"`
}

// OrderChange is an order entering or leaving the book.
type OrderChange struct {
	Order  state.Order       `json:"order"`
	Status state.OrderStatus `json:"status"`
	Keeper common.Address    `json:"keeper"`
}

type FundingChange struct {
	Market string             `json:"market"`
	Index  int                `json:"index"`
	Entry  state.FundingEntry `json:"entry"`
}

type MarketChange struct {
	Market      string                `json:"market"`
	Aggregate   state.MarketAggregate `json:"aggregate"`
	FundingRate fpmath.Decimal        `json:"funding_rate"`
}

// TradeChange records an executed or closing trade.
type TradeChange struct {
	Market    string            `json:"market"`
	Account   common.Address    `json:"account"`
	SizeDelta fpmath.Decimal    `json:"size_delta"`
	FillPrice fpmath.Decimal    `json:"fill_price"`
	Fee       fpmath.Decimal    `json:"fee"`
	PnL       fpmath.Decimal    `json:"pnl"`
	Funding   fpmath.Decimal    `json:"funding"`
	Action    state.TradeAction `json:"action"`
}

type LiquidationChange struct {
	Market    string         `json:"market"`
	Account   common.Address `json:"account"`
	Caller    common.Address `json:"caller"`
	Size      fpmath.Decimal `json:"size"`
	Price     fpmath.Decimal `json:"price"`
	Reward    fpmath.Decimal `json:"reward"`
	Remainder fpmath.Decimal `json:"remainder"`
	Forfeited fpmath.Decimal `json:"forfeited"`
}
