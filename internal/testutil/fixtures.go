package testutil

import (
	"crypto/ecdsa"
	"testing"

	fpmath "PerpEngine/internal/math"
	"PerpEngine/internal/oracle"
	"PerpEngine/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// ETHFeed is the off-chain feed id used by test markets.
var ETHFeed = common.HexToHash("0xff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace")

// Address returns a deterministic test account.
func Address(n byte) common.Address {
	return common.BytesToAddress([]byte{0xAC, 0xC0, n})
}

// Dec parses a decimal literal, panicking on bad input.
func Dec(s string) fpmath.Decimal {
	return fpmath.MustParse(s)
}

// CommandID returns a fresh command id.
func CommandID() uuid.UUID {
	return uuid.New()
}

// MarketParams returns sane defaults for a test market: no price impact,
// 10x max leverage, 2s min age and 60s max age.
func MarketParams(market, asset string) state.MarketParams {
	return state.MarketParams{
		Market:               market,
		Asset:                asset,
		MakerFee:             fpmath.MustParse("0.001"),
		TakerFee:             fpmath.MustParse("0.002"),
		PriceImpactFactor:    fpmath.Zero(),
		MaxOpenInterest:      fpmath.FromInt(1000),
		MaxLeverage:          fpmath.FromInt(10),
		MinInitialMargin:     fpmath.FromInt(40),
		MaxFundingRate:       fpmath.MustParse("0.1"),
		SkewScale:            fpmath.FromInt(1000),
		FundingPeriod:        86400,
		MinAge:               2,
		MaxAge:               60,
		KeeperDeposit:        fpmath.FromInt(2),
		LiquidationFeeReward: fpmath.FromInt(20),
		OffchainMaxAge:       60,
		MaxPriceDivergence:   fpmath.MustParse("0.05"),
	}
}

// Clock is a manual caller clock in seconds.
type Clock struct {
	now int64
}

func NewClock(start int64) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() int64 {
	return c.now
}

// Advance moves the clock forward and returns the new time.
func (c *Clock) Advance(seconds int64) int64 {
	c.now += seconds
	return c.now
}

// Signer is a trusted off-chain price publisher.
type Signer struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

func NewSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate signer key: %v", err)
	}
	return &Signer{Key: key, Address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Update signs price (in whole quote units, up to 8 decimals) for feed.
func (s *Signer) Update(t *testing.T, feed common.Hash, price fpmath.Decimal, publishTime int64) []byte {
	t.Helper()
	scaled := price.Shopspring().Shift(8)
	if !scaled.IsInteger() {
		t.Fatalf("price %s has more than 8 decimals", price)
	}
	blob, err := oracle.PriceUpdate{
		FeedID:      feed,
		Price:       scaled.IntPart(),
		Confidence:  100_000,
		Exponent:    -8,
		PublishTime: publishTime,
	}.Sign(s.Key)
	if err != nil {
		t.Fatalf("sign price update: %v", err)
	}
	return blob
}

// OracleConfig trusts s with a 3600s on-chain stale period and a 0.01
// fee per update.
func (s *Signer) OracleConfig() oracle.Config {
	return oracle.Config{
		OnchainStalePeriod: 3600,
		UpdateFee:          fpmath.MustParse("0.01"),
		Signers:            []common.Address{s.Address},
	}
}
