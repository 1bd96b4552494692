package state

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// OrderManager holds at most one live order per account per market.
type OrderManager struct {
	orders map[PositionKey]Order
}

func NewOrderManager() *OrderManager {
	return &OrderManager{
		orders: make(map[PositionKey]Order),
	}
}

func (om *OrderManager) GetOrder(market string, account common.Address) (Order, bool) {
	o, ok := om.orders[PositionKey{Market: market, Account: account}]
	return o, ok
}

func (om *OrderManager) SetOrder(o Order) {
	om.orders[o.Key()] = o
}

func (om *OrderManager) DeleteOrder(market string, account common.Address) {
	delete(om.orders, PositionKey{Market: market, Account: account})
}

// GetMarketOrders returns a market's live orders sorted by account.
func (om *OrderManager) GetMarketOrders(market string) []Order {
	result := make([]Order, 0)
	for key, o := range om.orders {
		if key.Market == market {
			result = append(result, o)
		}
	}
	sortOrders(result)
	return result
}

// GetAllOrders returns every live order sorted by market then account.
func (om *OrderManager) GetAllOrders() []Order {
	result := make([]Order, 0, len(om.orders))
	for _, o := range om.orders {
		result = append(result, o)
	}
	sortOrders(result)
	return result
}

func sortOrders(orders []Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].Market != orders[j].Market {
			return orders[i].Market < orders[j].Market
		}
		return bytes.Compare(orders[i].Account[:], orders[j].Account[:]) < 0
	})
}
