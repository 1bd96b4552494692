package oracle

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	fpmath "PerpEngine/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wire layout of a signed update:
//
//	feed_id (32) | price int64 BE (8) | confidence uint64 BE (8) |
//	exponent int32 BE (4) | publish_time int64 BE (8) | signature (65)
const (
	payloadLen   = 32 + 8 + 8 + 4 + 8
	signatureLen = crypto.SignatureLength
	UpdateLen    = payloadLen + signatureLen

	minExponent = -36
	maxExponent = 18
)

var updateDomain = []byte("PerpEngine:price-update:v1")

var (
	ErrMalformedUpdate = errors.New("malformed price update")
	ErrUntrustedSigner = errors.New("price update signer is not trusted")
)

// PriceUpdate is one feed observation as published by the off-chain provider.
// Value = Price * 10^Exponent.
type PriceUpdate struct {
	FeedID      common.Hash
	Price       int64
	Confidence  uint64
	Exponent    int32
	PublishTime int64
}

// SignedUpdate is a decoded update together with its recovered signer.
type SignedUpdate struct {
	PriceUpdate
	Signer common.Address
}

func (u PriceUpdate) payload() []byte {
	buf := make([]byte, payloadLen)
	copy(buf[0:32], u.FeedID[:])
	binary.BigEndian.PutUint64(buf[32:40], uint64(u.Price))
	binary.BigEndian.PutUint64(buf[40:48], u.Confidence)
	binary.BigEndian.PutUint32(buf[48:52], uint32(u.Exponent))
	binary.BigEndian.PutUint64(buf[52:60], uint64(u.PublishTime))
	return buf
}

func digest(payload []byte) []byte {
	return crypto.Keccak256(updateDomain, payload)
}

// Sign encodes and signs an update with the provider key.
func (u PriceUpdate) Sign(key *ecdsa.PrivateKey) ([]byte, error) {
	payload := u.payload()
	sig, err := crypto.Sign(digest(payload), key)
	if err != nil {
		return nil, fmt.Errorf("sign price update: %w", err)
	}
	return append(payload, sig...), nil
}

// DecodeUpdate parses a signed blob and recovers the signing address.
func DecodeUpdate(blob []byte) (SignedUpdate, error) {
	if len(blob) != UpdateLen {
		return SignedUpdate{}, fmt.Errorf("%w: length %d, want %d", ErrMalformedUpdate, len(blob), UpdateLen)
	}

	payload := blob[:payloadLen]
	sig := blob[payloadLen:]

	pub, err := crypto.SigToPub(digest(payload), sig)
	if err != nil {
		return SignedUpdate{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}

	var u PriceUpdate
	copy(u.FeedID[:], payload[0:32])
	u.Price = int64(binary.BigEndian.Uint64(payload[32:40]))
	u.Confidence = binary.BigEndian.Uint64(payload[40:48])
	u.Exponent = int32(binary.BigEndian.Uint32(payload[48:52]))
	u.PublishTime = int64(binary.BigEndian.Uint64(payload[52:60]))

	if u.Price <= 0 {
		return SignedUpdate{}, fmt.Errorf("%w: non-positive price %d", ErrMalformedUpdate, u.Price)
	}
	if u.Exponent < minExponent || u.Exponent > maxExponent {
		return SignedUpdate{}, fmt.Errorf("%w: exponent %d out of range", ErrMalformedUpdate, u.Exponent)
	}

	return SignedUpdate{PriceUpdate: u, Signer: crypto.PubkeyToAddress(*pub)}, nil
}

// Normalize converts price and confidence to 18-decimal fixed point.
// Digits below 1e-18 are truncated.
func (u PriceUpdate) Normalize() (price, confidence fpmath.Decimal) {
	return scaleByExponent(new(big.Int).SetInt64(u.Price), u.Exponent),
		scaleByExponent(new(big.Int).SetUint64(u.Confidence), u.Exponent)
}

func scaleByExponent(v *big.Int, exponent int32) fpmath.Decimal {
	shift := int64(fpmath.Precision) + int64(exponent)
	if shift >= 0 {
		factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(shift), nil)
		return fpmath.FromRaw(v.Mul(v, factor))
	}
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(-shift), nil)
	return fpmath.FromRaw(fpmath.DivideRounded(v, factor, fpmath.RoundDown))
}
