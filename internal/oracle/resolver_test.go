package oracle_test

import (
	"crypto/ecdsa"
	"errors"
	"testing"

	fpmath "PerpEngine/internal/math"
	"PerpEngine/internal/oracle"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ethFeed = common.HexToHash("0xff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace")

func newResolver(t *testing.T) (*oracle.Resolver, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	r := oracle.NewResolver(oracle.Config{
		OnchainStalePeriod: 3600,
		UpdateFee:          fpmath.MustParse("0.01"),
		Signers:            []common.Address{crypto.PubkeyToAddress(key.PublicKey)},
	})
	r.SetFeedID("ETH", ethFeed)
	return r, key
}

func signed(t *testing.T, key *ecdsa.PrivateKey, price int64, publishTime int64) []byte {
	t.Helper()
	blob, err := oracle.PriceUpdate{
		FeedID:      ethFeed,
		Price:       price,
		Confidence:  100_000,
		Exponent:    -8,
		PublishTime: publishTime,
	}.Sign(key)
	require.NoError(t, err)
	return blob
}

// ============================================================================
// Test: Signed updates
// ============================================================================

func TestDecodeUpdate_RecoversSigner(t *testing.T) {
	_, key := newResolver(t)
	blob := signed(t, key, 200_000_000_00, 1000)

	u, err := oracle.DecodeUpdate(blob)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), u.Signer)
	assert.Equal(t, ethFeed, u.FeedID)

	price, conf := u.Normalize()
	assert.True(t, price.Equal(fpmath.FromInt(200)), "price %s", price)
	assert.True(t, conf.Equal(fpmath.MustParse("0.001")), "conf %s", conf)
}

func TestDecodeUpdate_TamperedPayloadChangesSigner(t *testing.T) {
	_, key := newResolver(t)
	blob := signed(t, key, 200_000_000_00, 1000)
	blob[40] ^= 0xff

	u, err := oracle.DecodeUpdate(blob)
	if err == nil {
		assert.NotEqual(t, crypto.PubkeyToAddress(key.PublicKey), u.Signer)
	}
}

func TestDecodeUpdate_BadLength(t *testing.T) {
	_, err := oracle.DecodeUpdate([]byte{1, 2, 3})
	assert.ErrorIs(t, err, oracle.ErrMalformedUpdate)
}

// ============================================================================
// Test: Prepare / Commit
// ============================================================================

func TestPrepare_InsufficientFee(t *testing.T) {
	r, key := newResolver(t)
	before := r.AppendCanonical(nil)

	_, err := r.Prepare([][]byte{signed(t, key, 200_000_000_00, 1000)}, fpmath.Zero(), 1010)
	assert.ErrorIs(t, err, oracle.ErrInsufficientFee)
	assert.Equal(t, before, r.AppendCanonical(nil))
}

func TestPrepare_ExcessPreserved(t *testing.T) {
	r, key := newResolver(t)
	batch, err := r.Prepare([][]byte{signed(t, key, 200_000_000_00, 1000)}, fpmath.MustParse("0.5"), 1010)
	require.NoError(t, err)
	assert.True(t, batch.Fee.Equal(fpmath.MustParse("0.01")))
	assert.True(t, batch.Excess.Equal(fpmath.MustParse("0.49")))
}

func TestPrepare_UntrustedSigner(t *testing.T) {
	r, _ := newResolver(t)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = r.Prepare([][]byte{signed(t, other, 200_000_000_00, 1000)}, fpmath.One(), 1010)
	assert.ErrorIs(t, err, oracle.ErrUntrustedSigner)
}

func TestPrepare_DuplicateFeed(t *testing.T) {
	r, key := newResolver(t)
	_, err := r.Prepare([][]byte{
		signed(t, key, 200_000_000_00, 1000),
		signed(t, key, 201_000_000_00, 1001),
	}, fpmath.One(), 1010)
	assert.ErrorIs(t, err, oracle.ErrDuplicateFeedUpdate)
}

func TestPrepare_RejectsFuturePublishTime(t *testing.T) {
	r, key := newResolver(t)
	before := r.AppendCanonical(nil)

	_, err := r.Prepare([][]byte{signed(t, key, 104_000_000_00, 1011)}, fpmath.One(), 1010)
	assert.ErrorIs(t, err, oracle.ErrInvalidPrice)
	assert.Equal(t, before, r.AppendCanonical(nil))

	_, err = r.Prepare([][]byte{signed(t, key, 104_000_000_00, 1010)}, fpmath.One(), 1010)
	assert.NoError(t, err, "an update published at now is fresh")
}

func TestCommit_IgnoresOlderUpdate(t *testing.T) {
	r, key := newResolver(t)

	batch, err := r.Prepare([][]byte{signed(t, key, 200_000_000_00, 1000)}, fpmath.One(), 1010)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Commit(batch))

	older, err := r.Prepare([][]byte{signed(t, key, 150_000_000_00, 900)}, fpmath.One(), 1010)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Commit(older))

	q, err := r.ResolveOffchain("ETH", 60, 1010, nil)
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(fpmath.FromInt(200)))
}

// ============================================================================
// Test: Resolution
// ============================================================================

func TestLatestOnchain_Staleness(t *testing.T) {
	r, _ := newResolver(t)
	assert.False(t, r.LatestOnchain("ETH", 0).Valid, "missing round must be invalid")

	require.NoError(t, r.ReportRound("ETH", oracle.Round{RoundID: 1, Price: fpmath.FromInt(100), UpdatedAt: 1000}))
	assert.True(t, r.LatestOnchain("ETH", 4600).Valid)
	assert.False(t, r.LatestOnchain("ETH", 4601).Valid)
}

func TestReportRound_Monotonic(t *testing.T) {
	r, _ := newResolver(t)
	require.NoError(t, r.ReportRound("ETH", oracle.Round{RoundID: 5, Price: fpmath.FromInt(100), UpdatedAt: 1000}))

	err := r.ReportRound("ETH", oracle.Round{RoundID: 5, Price: fpmath.FromInt(101), UpdatedAt: 1001})
	assert.ErrorIs(t, err, oracle.ErrRoundNotMonotonic)

	err = r.ReportRound("ETH", oracle.Round{RoundID: 6, Price: fpmath.Zero(), UpdatedAt: 1001})
	assert.ErrorIs(t, err, oracle.ErrInvalidPrice)
}

func TestResolveOffchain_UnknownFeedAndStale(t *testing.T) {
	r, key := newResolver(t)

	_, err := r.ResolveOffchain("BTC", 60, 1000, nil)
	assert.ErrorIs(t, err, oracle.ErrUnknownFeed)

	_, err = r.ResolveOffchain("ETH", 60, 1000, nil)
	assert.ErrorIs(t, err, oracle.ErrStalePrice)

	batch, err := r.Prepare([][]byte{signed(t, key, 100_000_000_00, 1000)}, fpmath.One(), 1010)
	require.NoError(t, err)
	r.Commit(batch)

	_, err = r.ResolveOffchain("ETH", 60, 1061, nil)
	assert.ErrorIs(t, err, oracle.ErrStalePrice)

	// a stored publish time ahead of now counts by distance, in both directions
	_, err = r.ResolveOffchain("ETH", 60, 939, nil)
	assert.ErrorIs(t, err, oracle.ErrStalePrice)
	_, err = r.ResolveOffchain("ETH", 60, 940, nil)
	assert.NoError(t, err)
}

func TestRestore_ReplacesFeedMappings(t *testing.T) {
	r, _ := newResolver(t)
	fresh := oracle.NewResolver(oracle.Config{})
	fresh.SetFeedID("BTC", common.HexToHash("0x01"))

	fresh.Restore(r.Export())
	_, ok := fresh.FeedID("BTC")
	assert.False(t, ok, "restore must drop mappings absent from the snapshot")
	id, ok := fresh.FeedID("ETH")
	assert.True(t, ok)
	assert.Equal(t, ethFeed, id)
}

func TestFillPriceBasis_Divergence(t *testing.T) {
	r, key := newResolver(t)
	require.NoError(t, r.ReportRound("ETH", oracle.Round{RoundID: 1, Price: fpmath.FromInt(100), UpdatedAt: 1000}))
	tolerance := fpmath.MustParse("0.05")

	within, err := r.Prepare([][]byte{signed(t, key, 104_000_000_00, 1000)}, fpmath.One(), 1010)
	require.NoError(t, err)
	q, err := r.FillPriceBasis("ETH", 60, tolerance, 1010, within)
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(fpmath.FromInt(104)))

	outside, err := r.Prepare([][]byte{signed(t, key, 106_000_000_00, 1000)}, fpmath.One(), 1010)
	require.NoError(t, err)
	_, err = r.FillPriceBasis("ETH", 60, tolerance, 1010, outside)
	assert.True(t, errors.Is(err, oracle.ErrPriceDivergence))
}

func TestFillPriceBasis_StaleOnchain(t *testing.T) {
	r, key := newResolver(t)
	require.NoError(t, r.ReportRound("ETH", oracle.Round{RoundID: 1, Price: fpmath.FromInt(100), UpdatedAt: 0}))

	staged, err := r.Prepare([][]byte{signed(t, key, 100_000_000_00, 5000)}, fpmath.One(), 5000)
	require.NoError(t, err)
	_, err = r.FillPriceBasis("ETH", 60, fpmath.MustParse("0.05"), 5000, staged)
	assert.ErrorIs(t, err, oracle.ErrStalePrice)
}
