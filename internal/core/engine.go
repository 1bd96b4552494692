package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"PerpEngine/internal/event"
	"PerpEngine/internal/ledger"
	fpmath "PerpEngine/internal/math"
	"PerpEngine/internal/observability"
	"PerpEngine/internal/oracle"
	"PerpEngine/internal/state"
)

// Market is one perpetual market's parameters, funding sequence and
// aggregate. Positions and orders live in the core-wide managers.
type Market struct {
	Params    state.MarketParams
	Funding   *state.FundingSequence
	Aggregate state.MarketAggregate
}

// Config wires a DeterministicCore. Zero values are usable in tests.
type Config struct {
	StartSequence       int64
	Oracle              oracle.Config
	IdempotencyCapacity int
	DBChecker           DBIdempotencyChecker
	PauseRegistry       PauseRegistry // optional external registry
	Metrics             *observability.Metrics

	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
}

// DeterministicCore is the single-threaded event processor. Every accepted
// event is planned against current state, checked, then committed in one
// step; a rejected event leaves state untouched.
type DeterministicCore struct {
	sequence       int64
	clock          *ClockGuard
	hasher         *StateHasher
	balanceTracker *ledger.BalanceTracker
	journalGen     *ledger.JournalGenerator
	validator      *ledger.InvariantValidator
	positions      *state.PositionManager
	orders         *state.OrderManager
	markets        map[string]*Market
	resolver       *oracle.Resolver
	suspensions    *SuspensionRegistry
	pauses         PauseRegistry
	idempotency    *IdempotencyChecker
	metrics        *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream workers need about one applied event.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
	Changes  *Changes
}

func NewDeterministicCore(cfg Config) *DeterministicCore {
	balanceTracker := ledger.NewBalanceTracker()
	capacity := cfg.IdempotencyCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}

	suspensions := NewSuspensionRegistry()
	var pauses PauseRegistry = suspensions
	if cfg.PauseRegistry != nil {
		pauses = eitherPaused{suspensions, cfg.PauseRegistry}
	}

	return &DeterministicCore{
		sequence:       cfg.StartSequence,
		clock:          NewClockGuard(),
		hasher:         NewStateHasher(),
		balanceTracker: balanceTracker,
		journalGen:     ledger.NewJournalGenerator(balanceTracker),
		validator:      ledger.NewInvariantValidator(balanceTracker),
		positions:      state.NewPositionManager(),
		orders:         state.NewOrderManager(),
		markets:        make(map[string]*Market),
		resolver:       oracle.NewResolver(cfg.Oracle),
		suspensions:    suspensions,
		pauses:         pauses,
		idempotency:    NewIdempotencyChecker(capacity, cfg.DBChecker, cfg.Metrics),
		metrics:        cfg.Metrics,
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
	}
}

type eitherPaused [2]PauseRegistry

func (e eitherPaused) FuturesSuspended() bool {
	return e[0].FuturesSuspended() || e[1].FuturesSuspended()
}

func (e eitherPaused) MarketSuspended(market string) bool {
	return e[0].MarketSuspended(market) || e[1].MarketSuspended(market)
}

// ProcessEvent is the main processing pipeline
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	if c.idempotency.IsDuplicate(eventType, idempotencyKey) {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	// Step 2: Caller clock must not go backwards
	if err := c.clock.Validate(evt.Time()); err != nil {
		c.recordRejection(eventType, err)
		return err
	}

	// Step 3: Plan against current state
	t := c.newTxn(evt)
	if err := c.dispatchEvent(t, evt); err != nil {
		c.recordRejection(eventType, err)
		return err
	}

	// Step 4: Ledger checks before anything is written
	if err := c.validator.ValidateBatchBalance(t.batch); err != nil {
		panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
	}
	if err := c.balanceTracker.CheckBatch(t.batch); err != nil {
		c.recordRejection(eventType, err)
		return err
	}

	// Step 5: Commit
	changes := c.commit(t)
	c.clock.Advance(evt.Time())

	// Step 6: Post-checks
	if err := c.postCheckInvariants(t); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 7: Hash chain and envelope
	payload, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s payload: %v", eventType, err))
	}
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, c.computeStateDigest(t))

	output := CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       c.sequence,
			IdempotencyKey: idempotencyKey,
			EventType:      evt.EventType(),
			MarketID:       evt.MarketID(),
			Timestamp:      evt.Time(),
			Payload:        payload,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		},
		Batch:   t.batch,
		Changes: changes,
	}
	c.sequence++

	// Step 8: Emit. Persistence blocks (backpressure, nothing is lost);
	// projections drop on full and rebuild from the event log.
	if c.persistChan != nil {
		c.persistChan <- output
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues(eventType).Inc()
			}
		}
	}

	// Step 9: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		for _, j := range t.batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
		for _, mc := range changes.Markets {
			c.metrics.ObserveMarket(mc.Market, mc.Aggregate.Skew, mc.Aggregate.LongSize(), mc.Aggregate.ShortSize(), mc.FundingRate)
		}
		for _, oc := range changes.Orders {
			if oc.Status == state.OrderStatusExecuted || (oc.Status == state.OrderStatusCancelled && oc.Keeper != oc.Order.Account && changes.Liquidation == nil) {
				c.metrics.AddKeeperReward(oc.Order.Market, "keeper_deposit", oc.Order.KeeperDeposit)
			}
		}
		if liq := changes.Liquidation; liq != nil {
			c.metrics.Liquidations.WithLabelValues(liq.Market).Inc()
			c.metrics.AddKeeperReward(liq.Market, "liquidation", liq.Reward)
		}
	}

	return nil
}

func (c *DeterministicCore) recordRejection(eventType string, err error) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, Category(err).String()).Inc()
	}
}

func (c *DeterministicCore) dispatchEvent(t *txn, evt event.Event) error {
	switch e := evt.(type) {
	case *event.WalletDeposited:
		return c.handleWalletDeposited(t, e)
	case *event.WalletWithdrawn:
		return c.handleWalletWithdrawn(t, e)
	case *event.MarginTransferred:
		return c.handleMarginTransferred(t, e)
	case *event.OrderSubmitted:
		return c.handleOrderSubmitted(t, e)
	case *event.OrderCancelled:
		return c.handleOrderCancelled(t, e)
	case *event.OrderReplaced:
		return c.handleOrderReplaced(t, e)
	case *event.OrderExecuted:
		return c.handleOrderExecuted(t, e)
	case *event.PositionClosed:
		return c.handlePositionClosed(t, e)
	case *event.PositionLiquidated:
		return c.handlePositionLiquidated(t, e)
	case *event.OffchainPricesUpdated:
		return c.handleOffchainPricesUpdated(t, e)
	case *event.OnchainRoundReported:
		return c.handleOnchainRoundReported(t, e)
	case *event.FundingRecomputeRequested:
		return c.handleFundingRecompute(t, e)
	case *event.MarketParamsUpdated:
		return c.handleMarketParamsUpdated(t, e)
	case *event.SuspensionChanged:
		t.suspension = e
		return nil
	default:
		return fmt.Errorf("unknown event type: %T", evt)
	}
}

func (c *DeterministicCore) market(id string) (*Market, error) {
	m, ok := c.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, id)
	}
	return m, nil
}

// commit applies a planned transaction. Nothing here may fail: every
// precondition was checked while planning.
func (c *DeterministicCore) commit(t *txn) *Changes {
	changes := t.changes

	if t.prices != nil {
		changes.PriceUpdates = c.resolver.Commit(t.prices)
	}
	if t.round != nil {
		if err := c.resolver.ReportRound(t.round.asset, t.round.round); err != nil {
			panic(fmt.Sprintf("FATAL: validated round rejected: %v", err))
		}
	}
	if t.feed != nil {
		c.resolver.SetFeedID(t.feed.asset, t.feed.id)
	}

	for _, market := range sortedKeys(t.funding) {
		entry := t.funding[market]
		idx := c.markets[market].Funding.Append(entry)
		changes.Funding = append(changes.Funding, FundingChange{Market: market, Index: idx, Entry: entry})
	}

	if t.params != nil {
		if m, ok := c.markets[t.params.Market]; ok {
			m.Params = *t.params
		} else {
			c.markets[t.params.Market] = &Market{
				Params:  *t.params,
				Funding: state.NewFundingSequence(t.now),
			}
		}
	}

	for _, r := range t.removed {
		c.orders.DeleteOrder(r.Order.Market, r.Order.Account)
	}
	for _, o := range t.orders {
		c.orders.SetOrder(o)
	}
	for _, p := range t.positions {
		c.positions.SetPosition(p)
	}

	for _, market := range sortedKeys(t.aggregates) {
		c.markets[market].Aggregate = t.aggregates[market]
	}
	for _, market := range t.touchedMarkets() {
		m := c.markets[market]
		changes.Markets = append(changes.Markets, MarketChange{
			Market:      market,
			Aggregate:   m.Aggregate,
			FundingRate: state.CurrentRate(m.Aggregate.Skew, m.Params),
		})
	}

	if t.suspension != nil {
		c.suspensions.Set(t.suspension.Market, t.suspension.Suspended, t.suspension.Reason)
	}

	if !t.batch.IsEmpty() {
		if err := c.balanceTracker.ApplyBatch(t.batch); err != nil {
			panic(fmt.Sprintf("FATAL: checked batch rejected: %v", err))
		}
	}

	return changes
}

// postCheckInvariants validates that ledger accounts mirror the positions
// and orders the transaction touched.
func (c *DeterministicCore) postCheckInvariants(t *txn) error {
	for _, p := range t.positions {
		stored, _ := c.positions.GetPosition(p.Market, p.Account)
		if stored.Margin.IsNegative() {
			return fmt.Errorf("negative margin %s for %s in %s", stored.Margin, p.Account.Hex(), p.Market)
		}
		if err := c.validator.ValidateMarginMirror(p.Account, p.Market, stored.Margin); err != nil {
			return err
		}
	}
	for _, key := range t.touchedOrders() {
		deposits := fpmath.Zero()
		if o, ok := c.orders.GetOrder(key.Market, key.Account); ok {
			deposits = o.Deposits()
		}
		if err := c.validator.ValidateEscrowMirror(key.Account, key.Market, deposits); err != nil {
			return err
		}
	}
	for _, market := range t.touchedMarkets() {
		agg := c.markets[market].Aggregate
		if agg.Size.Cmp(agg.Skew.Abs()) < 0 {
			return fmt.Errorf("market %s size %s below |skew| %s", market, agg.Size, agg.Skew)
		}
	}
	return nil
}

// computeStateDigest creates canonical bytes of everything the transaction
// touched, for the hash chain.
func (c *DeterministicCore) computeStateDigest(t *txn) []byte {
	digest := make([]byte, 0, 512)

	accounts := make(map[ledger.AccountKey]bool)
	for _, j := range t.batch.Journals {
		accounts[j.DebitAccount] = true
		accounts[j.CreditAccount] = true
	}
	keys := make([]ledger.AccountKey, 0, len(accounts))
	for k := range accounts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})
	for _, key := range keys {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = c.balanceTracker.GetBalance(key).AppendCanonical(digest)
	}

	for _, p := range t.positions {
		stored, _ := c.positions.GetPosition(p.Market, p.Account)
		digest = append(digest, stored.CanonicalBytes()...)
	}
	for _, key := range t.touchedOrders() {
		if o, ok := c.orders.GetOrder(key.Market, key.Account); ok {
			digest = append(digest, o.CanonicalBytes()...)
		}
	}
	for _, market := range t.touchedMarkets() {
		m := c.markets[market]
		digest = append(digest, byte(len(market)))
		digest = append(digest, market...)
		digest = m.Aggregate.AppendCanonical(digest)
		latest := m.Funding.Latest()
		digest = latest.Cumulative.AppendCanonical(digest)
		digest = appendInt64LE(digest, int64(m.Funding.Tip()))
	}
	if t.prices != nil || t.round != nil {
		digest = c.resolver.AppendCanonical(digest)
	}
	if t.suspension != nil {
		digest = c.suspensions.AppendCanonical(digest)
	}
	return digest
}

// StateDigest returns canonical bytes of the entire engine state. Two cores
// with equal digests are indistinguishable to every operation.
func (c *DeterministicCore) StateDigest() []byte {
	digest := make([]byte, 0, 4096)
	for _, p := range c.positions.GetAllPositions() {
		digest = append(digest, p.CanonicalBytes()...)
	}
	for _, o := range c.orders.GetAllOrders() {
		digest = append(digest, o.CanonicalBytes()...)
	}
	for _, id := range sortedKeys(c.markets) {
		m := c.markets[id]
		digest = append(digest, byte(len(id)))
		digest = append(digest, id...)
		params, _ := json.Marshal(m.Params)
		digest = append(digest, params...)
		digest = m.Aggregate.AppendCanonical(digest)
		digest = m.Funding.AppendCanonical(digest)
	}
	digest = c.resolver.AppendCanonical(digest)
	digest = c.balanceTracker.AppendCanonical(digest)
	digest = c.suspensions.AppendCanonical(digest)
	return appendInt64LE(digest, c.clock.Last())
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

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetSequence returns the next sequence number to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// Attach wires the Postgres dedup tier and the persist channel. Startup
// replays the event log before attaching, so replayed events are neither
// deduplicated against themselves nor written twice.
func (c *DeterministicCore) Attach(db DBIdempotencyChecker, persist chan<- CoreOutput) {
	c.idempotency.dbChecker = db
	c.persistChan = persist
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}
