package autobid

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrMinIncrementTooLow matches every *MinIncrementTooLowError.
var ErrMinIncrementTooLow = errors.New("min increment too low")

// MinIncrementTooLowError rejects a proxy registration whose increase is not
// positive or is below the auction's own minimum step.
type MinIncrementTooLowError struct {
	MinIncrease decimal.Decimal
	Required    decimal.Decimal
}

func (e *MinIncrementTooLowError) Error() string {
	if !e.MinIncrease.IsPositive() {
		return fmt.Sprintf("minimum increase %s must be greater than zero", e.MinIncrease.String())
	}
	return fmt.Sprintf("minimum increase %s is below the auction step of %s", e.MinIncrease.String(), e.Required.String())
}

func (e *MinIncrementTooLowError) Is(target error) bool {
	return target == ErrMinIncrementTooLow
}
