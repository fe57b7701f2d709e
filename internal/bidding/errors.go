package bidding

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrBidTooLow matches every *BidTooLowError with errors.Is.
var ErrBidTooLow = errors.New("bid too low")

// BidTooLowError is returned when an amount does not clear the current
// highest bid (or the base price) by at least the auction's step.
type BidTooLowError struct {
	Amount   decimal.Decimal
	Required decimal.Decimal
}

func (e *BidTooLowError) Error() string {
	return fmt.Sprintf("bid of %s is too low, minimum is %s", e.Amount.String(), e.Required.String())
}

func (e *BidTooLowError) Is(target error) bool {
	return target == ErrBidTooLow
}

// ErrInvalidAmount matches every *AmountPrecisionError.
var ErrInvalidAmount = errors.New("invalid amount")

// AmountPrecisionError rejects an amount with more decimal places than the
// ledger stores.
type AmountPrecisionError struct {
	Amount decimal.Decimal
	Scale  int32
}

func (e *AmountPrecisionError) Error() string {
	return fmt.Sprintf("amount %s has more than %d decimal places", e.Amount.String(), e.Scale)
}

func (e *AmountPrecisionError) Is(target error) bool {
	return target == ErrInvalidAmount
}
