package core

import "sort"

// PauseRegistry is consulted before submit, execute, cancel, liquidate and
// margin transfers. The engine never overrides it.
type PauseRegistry interface {
	FuturesSuspended() bool
	MarketSuspended(market string) bool
}

// SuspensionRegistry is the event-driven PauseRegistry. It is part of core
// state, so suspensions replay deterministically.
type SuspensionRegistry struct {
	futures string
	markets map[string]string // market -> reason
	paused  bool
}

func NewSuspensionRegistry() *SuspensionRegistry {
	return &SuspensionRegistry{markets: make(map[string]string)}
}

func (r *SuspensionRegistry) FuturesSuspended() bool {
	return r.paused
}

func (r *SuspensionRegistry) MarketSuspended(market string) bool {
	_, ok := r.markets[market]
	return ok
}

// Set suspends or resumes one market, or all futures when market is empty.
func (r *SuspensionRegistry) Set(market string, suspended bool, reason string) {
	if market == "" {
		r.paused = suspended
		r.futures = reason
		if !suspended {
			r.futures = ""
		}
		return
	}
	if suspended {
		r.markets[market] = reason
		return
	}
	delete(r.markets, market)
}

// Suspension is one active suspension; Market is empty for all futures.
type Suspension struct {
	Market string `json:"market,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Active lists current suspensions in a stable order.
func (r *SuspensionRegistry) Active() []Suspension {
	out := make([]Suspension, 0, len(r.markets)+1)
	if r.paused {
		out = append(out, Suspension{Reason: r.futures})
	}
	markets := make([]string, 0, len(r.markets))
	for m := range r.markets {
		markets = append(markets, m)
	}
	sort.Strings(markets)
	for _, m := range markets {
		out = append(out, Suspension{Market: m, Reason: r.markets[m]})
	}
	return out
}

// Restore replaces all suspensions.
func (r *SuspensionRegistry) Restore(active []Suspension) {
	r.paused, r.futures = false, ""
	r.markets = make(map[string]string, len(active))
	for _, s := range active {
		r.Set(s.Market, true, s.Reason)
	}
}

func (r *SuspensionRegistry) AppendCanonical(buf []byte) []byte {
	for _, s := range r.Active() {
		buf = append(buf, byte(len(s.Market)))
		buf = append(buf, s.Market...)
		buf = append(buf, byte(len(s.Reason)))
		buf = append(buf, s.Reason...)
	}
	return buf
}

func checkSuspended(p PauseRegistry, market string) error {
	if p.FuturesSuspended() {
		return ErrFuturesSuspended
	}
	if p.MarketSuspended(market) {
		return ErrMarketSuspended
	}
	return nil
}
