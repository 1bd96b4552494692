package state

import (
	"fmt"

	fpmath "PerpEngine/internal/math"
)

// FundingEntry is one point of a market's cumulative funding sequence.
// Rate is the rate that applied over the segment ending at this entry.
type FundingEntry struct {
	Cumulative fpmath.Decimal `json:"cumulative"`
	Rate       fpmath.Decimal `json:"rate"`
	Timestamp  int64          `json:"timestamp"`
}

// FundingSequence is the append-only cumulative funding per unit of size.
// Index 0 is the market's genesis entry with value zero.
type FundingSequence struct {
	entries []FundingEntry
}

func NewFundingSequence(start int64) *FundingSequence {
	return &FundingSequence{
		entries: []FundingEntry{{Timestamp: start}},
	}
}

// RestoreFundingSequence rebuilds a sequence from snapshot entries.
func RestoreFundingSequence(entries []FundingEntry) (*FundingSequence, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("funding sequence needs a genesis entry")
	}
	cp := make([]FundingEntry, len(entries))
	copy(cp, entries)
	return &FundingSequence{entries: cp}, nil
}

// Tip returns the index of the latest entry.
func (s *FundingSequence) Tip() int {
	return len(s.entries) - 1
}

func (s *FundingSequence) Latest() FundingEntry {
	return s.entries[len(s.entries)-1]
}

// At returns the cumulative value at index i. Out-of-range indexes are a
// corrupted position and panic.
func (s *FundingSequence) At(i int) fpmath.Decimal {
	if i < 0 || i >= len(s.entries) {
		panic(fmt.Sprintf("FATAL: funding index %d out of range [0,%d]", i, len(s.entries)-1))
	}
	return s.entries[i].Cumulative
}

// Entries returns a copy of the sequence.
func (s *FundingSequence) Entries() []FundingEntry {
	cp := make([]FundingEntry, len(s.entries))
	copy(cp, s.entries)
	return cp
}

// Since returns entries after index i, for history queries.
func (s *FundingSequence) Since(i int) []FundingEntry {
	if i < 0 {
		i = 0
	}
	if i >= len(s.entries) {
		return nil
	}
	cp := make([]FundingEntry, len(s.entries)-i)
	copy(cp, s.entries[i:])
	return cp
}

// CurrentRate returns the funding rate implied by skew.
func CurrentRate(skew fpmath.Decimal, params MarketParams) fpmath.Decimal {
	return fpmath.ComputeFundingRate(skew, params.SkewScale, params.MaxFundingRate)
}

// Next returns the entry a recompute at now would append. The skew has been
// constant since the latest entry, so the current rate covers the whole gap.
func (s *FundingSequence) Next(skew, price fpmath.Decimal, now int64, params MarketParams) FundingEntry {
	latest := s.Latest()
	if now < latest.Timestamp {
		now = latest.Timestamp
	}
	rate := CurrentRate(skew, params)
	unrecorded := fpmath.ComputeUnrecordedFunding(rate, price, now-latest.Timestamp, params.FundingPeriod)
	return FundingEntry{
		Cumulative: latest.Cumulative.Add(unrecorded),
		Rate:       rate,
		Timestamp:  now,
	}
}

// Append records a new entry. Timestamps never go backwards.
func (s *FundingSequence) Append(e FundingEntry) int {
	if e.Timestamp < s.Latest().Timestamp {
		panic(fmt.Sprintf("FATAL: funding entry at %d before latest %d", e.Timestamp, s.Latest().Timestamp))
	}
	s.entries = append(s.entries, e)
	return len(s.entries) - 1
}

// AppendCanonical appends the deterministic encoding of the sequence.
func (s *FundingSequence) AppendCanonical(buf []byte) []byte {
	buf = appendInt64LE(buf, int64(len(s.entries)))
	for _, e := range s.entries {
		buf = e.Cumulative.AppendCanonical(buf)
		buf = e.Rate.AppendCanonical(buf)
		buf = appendInt64LE(buf, e.Timestamp)
	}
	return buf
}

// FundingView is read access to a funding sequence.
type FundingView interface {
	At(i int) fpmath.Decimal
	Tip() int
}

// StagedFunding is a sequence plus one entry that has not been appended yet.
// Trades are planned against it so nothing is written until they succeed.
type StagedFunding struct {
	base  *FundingSequence
	entry FundingEntry
}

func (s *FundingSequence) Stage(e FundingEntry) StagedFunding {
	return StagedFunding{base: s, entry: e}
}

func (v StagedFunding) Tip() int {
	return v.base.Tip() + 1
}

func (v StagedFunding) At(i int) fpmath.Decimal {
	if i == v.Tip() {
		return v.entry.Cumulative
	}
	return v.base.At(i)
}

func (v StagedFunding) Entry() FundingEntry {
	return v.entry
}
