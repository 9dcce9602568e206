package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors folds the failures of a batch operation into one error and
// logs the batch once. Nil entries are ignored; it returns nil when nothing
// failed.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	joined := errors.Join(failed...)
	Log().Error(operation+": batch failed", append(fields,
		F("failures", len(failed)),
		Err(joined),
	)...)
	return fmt.Errorf("%s: %d failure(s): %w", operation, len(failed), joined)
}
