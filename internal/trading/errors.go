package trading

import (
	"errors"
	"fmt"
)

var (
	// ErrTooManyFailures ends a loop that failed FailureThreshold iterations in a row.
	ErrTooManyFailures = errors.New("trading: too many consecutive failures")
	// ErrNotEntitled ends a loop whose user subscription has lapsed.
	ErrNotEntitled = errors.New("trading: subscription expired")
	// ErrNotTradeable rejects a start for a user without credentials, symbol or buy amount.
	ErrNotTradeable = errors.New("trading: account is not configured for trading")
	// ErrManagerClosed rejects a start after StopAll.
	ErrManagerClosed = errors.New("trading: manager closed")
	// errAutobuyOff ends a loop quietly after autobuy was switched off elsewhere.
	errAutobuyOff = errors.New("trading: autobuy disabled")
)

// StrategyError is a business outcome the user must hear about, such as a
// market buy that executed nothing. It does not count towards the failure
// threshold.
type StrategyError struct {
	Reason string
	Err    error
}

func (e *StrategyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("strategy: %s: %v", e.Reason, e.Err)
	}
	return "strategy: " + e.Reason
}

func (e *StrategyError) Unwrap() error { return e.Err }

func strategyError(reason string, err error) error {
	return &StrategyError{Reason: reason, Err: err}
}

// IsStrategy reports whether err carries a StrategyError.
func IsStrategy(err error) bool {
	var se *StrategyError
	return errors.As(err, &se)
}
