package state

import "errors"

var (
	ErrZeroSize              = errors.New("zero size")
	ErrZeroAmount            = errors.New("zero amount")
	ErrInsufficientMargin    = errors.New("insufficient margin")
	ErrWithdrawExceedsMargin = errors.New("withdraw exceeds accessible margin")
	ErrMaxLeverageExceeded   = errors.New("max leverage exceeded")
	ErrMaxMarketSizeExceeded = errors.New("max market size exceeded")
	ErrInvalidMarketParams   = errors.New("invalid market params")
)
