// Package rates computes call costs in integer minor-currency units.
package rates

import "errors"

// ErrInvalidInput is returned for negative durations or rates. No partial
// computation is performed.
var ErrInvalidInput = errors.New("rates: duration and rate must be non-negative")

// ComputeCallCost converts a call duration into a cost in pence.
//
// Cost is durationSeconds/60 * ratePencePerMinute rounded half-up, applied
// exactly once. All arithmetic is integer; floating point is never used for
// money. A zero duration costs zero.
func ComputeCallCost(durationSeconds, ratePencePerMinute int64) (int64, error) {
	if durationSeconds < 0 || ratePencePerMinute < 0 {
		return 0, ErrInvalidInput
	}
	if durationSeconds == 0 {
		return 0, nil
	}

	// (seconds * rate + 30) / 60 rounds half-up without intermediate rounding.
	return (durationSeconds*ratePencePerMinute + 30) / 60, nil
}
