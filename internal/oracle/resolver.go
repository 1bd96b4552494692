package oracle

import (
	"errors"
	"fmt"
	"sort"

	fpmath "PerpEngine/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrStalePrice          = errors.New("stale price")
	ErrUnknownFeed         = errors.New("unknown off-chain feed")
	ErrPriceDivergence     = errors.New("price divergence too high")
	ErrInsufficientFee     = errors.New("insufficient price update fee")
	ErrRoundNotMonotonic   = errors.New("on-chain round id not increasing")
	ErrInvalidPrice        = errors.New("invalid price")
	ErrEmptyUpdateBatch    = errors.New("empty price update batch")
	ErrDuplicateFeedUpdate = errors.New("duplicate feed in update batch")
)

// Quote is the canonical price view handed to the engine. It is computed per
// call and never stored.
type Quote struct {
	Price       fpmath.Decimal
	Confidence  fpmath.Decimal
	PublishTime int64
	Valid       bool
}

// Round is one on-chain aggregator round.
type Round struct {
	RoundID   uint64
	Price     fpmath.Decimal
	UpdatedAt int64
}

// OffchainPrice is the latest accepted off-chain observation for a feed.
type OffchainPrice struct {
	Price       fpmath.Decimal
	Confidence  fpmath.Decimal
	PublishTime int64
}

// Config holds resolver-wide settings. Per-market age and tolerance are
// passed per call.
type Config struct {
	OnchainStalePeriod int64          // seconds
	UpdateFee          fpmath.Decimal // per signed update
	Signers            []common.Address
}

// Resolver merges round-based on-chain prices with signed off-chain updates.
// Not thread-safe; owned by the deterministic core.
type Resolver struct {
	cfg      Config
	signers  map[common.Address]struct{}
	rounds   map[string]Round
	feedIDs  map[string]common.Hash
	offchain map[common.Hash]OffchainPrice
}

func NewResolver(cfg Config) *Resolver {
	signers := make(map[common.Address]struct{}, len(cfg.Signers))
	for _, s := range cfg.Signers {
		signers[s] = struct{}{}
	}
	return &Resolver{
		cfg:      cfg,
		signers:  signers,
		rounds:   make(map[string]Round),
		feedIDs:  make(map[string]common.Hash),
		offchain: make(map[common.Hash]OffchainPrice),
	}
}

// SetFeedID maps an asset to its off-chain feed.
func (r *Resolver) SetFeedID(asset string, feedID common.Hash) {
	r.feedIDs[asset] = feedID
}

// FeedID returns the off-chain feed for an asset.
func (r *Resolver) FeedID(asset string) (common.Hash, bool) {
	id, ok := r.feedIDs[asset]
	return id, ok
}

// ValidateRound checks a round without recording it.
func (r *Resolver) ValidateRound(asset string, round Round) error {
	if round.Price.Sign() <= 0 {
		return fmt.Errorf("%w: round %d price %s", ErrInvalidPrice, round.RoundID, round.Price)
	}
	if prev, ok := r.rounds[asset]; ok && round.RoundID <= prev.RoundID {
		return fmt.Errorf("%w: asset=%s last=%d got=%d", ErrRoundNotMonotonic, asset, prev.RoundID, round.RoundID)
	}
	return nil
}

// ReportRound records a new on-chain round.
func (r *Resolver) ReportRound(asset string, round Round) error {
	if err := r.ValidateRound(asset, round); err != nil {
		return err
	}
	r.rounds[asset] = round
	return nil
}

// LatestRound returns the most recent on-chain round for an asset.
func (r *Resolver) LatestRound(asset string) (Round, bool) {
	round, ok := r.rounds[asset]
	return round, ok
}

// LatestOnchain returns the latest round as a quote. Valid is false when the
// round is older than the stale period or no round exists.
func (r *Resolver) LatestOnchain(asset string, now int64) Quote {
	round, ok := r.rounds[asset]
	if !ok {
		return Quote{}
	}
	return Quote{
		Price:       round.Price,
		PublishTime: round.UpdatedAt,
		Valid:       now-round.UpdatedAt <= r.cfg.OnchainStalePeriod,
	}
}

// ResolveOffchain returns the latest off-chain quote for an asset, looking at
// staged updates first.
func (r *Resolver) ResolveOffchain(asset string, maxAge, now int64, staged *UpdateBatch) (Quote, error) {
	feedID, ok := r.feedIDs[asset]
	if !ok {
		return Quote{}, fmt.Errorf("%w: asset=%s", ErrUnknownFeed, asset)
	}

	price, ok := r.latestOffchain(feedID, staged)
	if !ok {
		return Quote{}, fmt.Errorf("%w: no off-chain update for %s", ErrStalePrice, asset)
	}
	if age := now - price.PublishTime; age > maxAge || -age > maxAge {
		return Quote{}, fmt.Errorf("%w: off-chain %s published at %d, now %d, max age %d",
			ErrStalePrice, asset, price.PublishTime, now, maxAge)
	}

	return Quote{
		Price:       price.Price,
		Confidence:  price.Confidence,
		PublishTime: price.PublishTime,
		Valid:       true,
	}, nil
}

func (r *Resolver) latestOffchain(feedID common.Hash, staged *UpdateBatch) (OffchainPrice, bool) {
	current, ok := r.offchain[feedID]
	if staged != nil {
		if p, found := staged.prices[feedID]; found && (!ok || p.PublishTime > current.PublishTime) {
			return p, true
		}
	}
	return current, ok
}

// FillPriceBasis returns the off-chain price to execute against, after
// checking it against a valid on-chain round.
func (r *Resolver) FillPriceBasis(asset string, maxAge int64, tolerance fpmath.Decimal, now int64, staged *UpdateBatch) (Quote, error) {
	onchain := r.LatestOnchain(asset, now)
	if !onchain.Valid {
		return Quote{}, fmt.Errorf("%w: on-chain round for %s", ErrStalePrice, asset)
	}

	offchain, err := r.ResolveOffchain(asset, maxAge, now, staged)
	if err != nil {
		return Quote{}, err
	}

	// |off - on| / on, rounded up so ties fail closed
	divergence := offchain.Price.Sub(onchain.Price).Abs().Quo(onchain.Price, fpmath.RoundUp)
	if divergence.GreaterThan(tolerance) {
		return Quote{}, fmt.Errorf("%w: %s on-chain=%s off-chain=%s divergence=%s tolerance=%s",
			ErrPriceDivergence, asset, onchain.Price, offchain.Price, divergence, tolerance)
	}

	return offchain, nil
}

// UpdateFee quotes the relay fee for n updates.
func (r *Resolver) UpdateFee(n int) fpmath.Decimal {
	return r.cfg.UpdateFee.MulInt(int64(n))
}

// UpdateBatch is a verified, fee-checked set of updates that has not yet
// been applied.
type UpdateBatch struct {
	Updates []SignedUpdate
	Fee     fpmath.Decimal
	Excess  fpmath.Decimal
	prices  map[common.Hash]OffchainPrice
}

// Prepare verifies signatures, publish times and the fee without touching
// resolver state. Updates published after now are rejected.
func (r *Resolver) Prepare(blobs [][]byte, paid fpmath.Decimal, now int64) (*UpdateBatch, error) {
	if len(blobs) == 0 {
		return nil, ErrEmptyUpdateBatch
	}

	fee := r.UpdateFee(len(blobs))
	if paid.LessThan(fee) {
		return nil, fmt.Errorf("%w: paid=%s fee=%s", ErrInsufficientFee, paid, fee)
	}

	batch := &UpdateBatch{
		Updates: make([]SignedUpdate, 0, len(blobs)),
		Fee:     fee,
		Excess:  paid.Sub(fee),
		prices:  make(map[common.Hash]OffchainPrice, len(blobs)),
	}

	for i, blob := range blobs {
		u, err := DecodeUpdate(blob)
		if err != nil {
			return nil, fmt.Errorf("update %d: %w", i, err)
		}
		if _, ok := r.signers[u.Signer]; !ok {
			return nil, fmt.Errorf("update %d: %w: %s", i, ErrUntrustedSigner, u.Signer.Hex())
		}
		if u.PublishTime > now {
			return nil, fmt.Errorf("update %d: %w: published at %d, after now %d", i, ErrInvalidPrice, u.PublishTime, now)
		}
		if _, dup := batch.prices[u.FeedID]; dup {
			return nil, fmt.Errorf("update %d: %w: %s", i, ErrDuplicateFeedUpdate, u.FeedID.Hex())
		}

		price, conf := u.Normalize()
		batch.prices[u.FeedID] = OffchainPrice{Price: price, Confidence: conf, PublishTime: u.PublishTime}
		batch.Updates = append(batch.Updates, u)
	}

	return batch, nil
}

// Commit applies a prepared batch. Updates older than the stored
// observation are ignored; the fee is still owed for them.
func (r *Resolver) Commit(batch *UpdateBatch) int {
	applied := 0
	for feedID, p := range batch.prices {
		if cur, ok := r.offchain[feedID]; ok && p.PublishTime <= cur.PublishTime {
			continue
		}
		r.offchain[feedID] = p
		applied++
	}
	return applied
}

// State is the serializable resolver state used for snapshots.
type State struct {
	Rounds   map[string]Round              `json:"rounds"`
	FeedIDs  map[string]common.Hash        `json:"feed_ids"`
	Offchain map[common.Hash]OffchainPrice `json:"offchain"`
}

func (r *Resolver) Export() State {
	s := State{
		Rounds:   make(map[string]Round, len(r.rounds)),
		FeedIDs:  make(map[string]common.Hash, len(r.feedIDs)),
		Offchain: make(map[common.Hash]OffchainPrice, len(r.offchain)),
	}
	for k, v := range r.rounds {
		s.Rounds[k] = v
	}
	for k, v := range r.feedIDs {
		s.FeedIDs[k] = v
	}
	for k, v := range r.offchain {
		s.Offchain[k] = v
	}
	return s
}

func (r *Resolver) Restore(s State) {
	r.rounds = make(map[string]Round, len(s.Rounds))
	for k, v := range s.Rounds {
		r.rounds[k] = v
	}
	r.feedIDs = make(map[string]common.Hash, len(s.FeedIDs))
	for k, v := range s.FeedIDs {
		r.feedIDs[k] = v
	}
	r.offchain = make(map[common.Hash]OffchainPrice, len(s.Offchain))
	for k, v := range s.Offchain {
		r.offchain[k] = v
	}
}

// AppendCanonical appends a deterministic encoding of resolver state.
func (r *Resolver) AppendCanonical(buf []byte) []byte {
	assets := make([]string, 0, len(r.rounds))
	for a := range r.rounds {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	for _, a := range assets {
		round := r.rounds[a]
		buf = append(buf, byte(len(a)))
		buf = append(buf, a...)
		buf = appendInt64(buf, int64(round.RoundID))
		buf = round.Price.AppendCanonical(buf)
		buf = appendInt64(buf, round.UpdatedAt)
	}

	feeds := make([]common.Hash, 0, len(r.offchain))
	for id := range r.offchain {
		feeds = append(feeds, id)
	}
	sort.Slice(feeds, func(i, j int) bool { return feeds[i].Cmp(feeds[j]) < 0 })
	for _, id := range feeds {
		p := r.offchain[id]
		buf = append(buf, id[:]...)
		buf = p.Price.AppendCanonical(buf)
		buf = p.Confidence.AppendCanonical(buf)
		buf = appendInt64(buf, p.PublishTime)
	}
	return buf
}

func appendInt64(buf []byte, v int64) []byte {
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
