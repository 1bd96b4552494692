package core

import (
	"errors"

	"PerpEngine/internal/ledger"
	"PerpEngine/internal/oracle"
	"PerpEngine/internal/state"
)

var (
	ErrEmptyOrder              = errors.New("empty order")
	ErrPreviousOrderExists     = errors.New("previous order exists")
	ErrNoPreviousOrder         = errors.New("no previous order")
	ErrCannotCancelYet         = errors.New("cannot cancel yet")
	ErrExecutabilityNotReached = errors.New("executability not reached")
	ErrOrderTooOld             = errors.New("order too old")
	ErrCannotLiquidate         = errors.New("cannot liquidate")
	ErrMarketSuspended         = errors.New("market suspended")
	ErrFuturesSuspended        = errors.New("futures suspended")
	ErrUnknownMarket           = errors.New("unknown market")
	ErrClockRegression         = errors.New("timestamp before last applied event")
	ErrTrackingCodeTooLong     = errors.New("tracking code too long")

	ErrStalePrice             = oracle.ErrStalePrice
	ErrPriceDivergenceTooHigh = oracle.ErrPriceDivergence
	ErrUnknownFeed            = oracle.ErrUnknownFeed
	ErrInsufficientFee        = oracle.ErrInsufficientFee

	ErrZeroSize              = state.ErrZeroSize
	ErrZeroAmount            = state.ErrZeroAmount
	ErrInsufficientMargin    = state.ErrInsufficientMargin
	ErrWithdrawExceedsMargin = state.ErrWithdrawExceedsMargin
	ErrMaxLeverageExceeded   = state.ErrMaxLeverageExceeded
	ErrMaxMarketSizeExceeded = state.ErrMaxMarketSizeExceeded
	ErrInvalidMarketParams   = state.ErrInvalidMarketParams

	ErrInsufficientBalance = ledger.ErrInsufficientBalance
)

// MaxTrackingCodeLen bounds the opaque tracking code carried by orders.
const MaxTrackingCodeLen = 32

// ErrorCategory tells orchestration layers how to react to a rejection.
type ErrorCategory int32

const (
	CategoryNone       ErrorCategory = iota
	CategoryValidation               // fix the input
	CategoryLiveness                 // retry after time passes or fresher prices arrive
	CategoryRace                     // another caller got there first; re-check state
	CategoryFee                      // resupply payment
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryLiveness:
		return "liveness"
	case CategoryRace:
		return "race"
	case CategoryFee:
		return "fee"
	default:
		return "none"
	}
}

// Race errors are checked first: a failed liquidation wraps the staleness
// that caused it, and keepers should treat it as a lost race.
var categories = []struct {
	category ErrorCategory
	errs     []error
}{
	{CategoryRace, []error{ErrNoPreviousOrder, ErrPreviousOrderExists, ErrCannotLiquidate}},
	{CategoryFee, []error{ErrInsufficientFee}},
	{CategoryLiveness, []error{
		ErrStalePrice, ErrPriceDivergenceTooHigh, ErrExecutabilityNotReached,
		ErrCannotCancelYet, ErrMarketSuspended, ErrFuturesSuspended,
	}},
	{CategoryValidation, []error{
		ErrEmptyOrder, ErrZeroSize, ErrZeroAmount, ErrInsufficientMargin,
		ErrMaxLeverageExceeded, ErrWithdrawExceedsMargin, ErrMaxMarketSizeExceeded,
		ErrOrderTooOld, ErrUnknownMarket, ErrUnknownFeed, ErrInvalidMarketParams,
		ErrTrackingCodeTooLong, ErrClockRegression, ErrInsufficientBalance,
		oracle.ErrMalformedUpdate, oracle.ErrUntrustedSigner, oracle.ErrEmptyUpdateBatch,
		oracle.ErrDuplicateFeedUpdate, oracle.ErrRoundNotMonotonic, oracle.ErrInvalidPrice,
	}},
}

// Category classifies an engine error. Unknown errors return CategoryNone.
func Category(err error) ErrorCategory {
	if err == nil {
		return CategoryNone
	}
	for _, c := range categories {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.category
			}
		}
	}
	return CategoryNone
}
