package reputation

import "errors"

// Error taxonomy for the reputation client: transient failures are retried
// locally with backoff before surfacing; BudgetExhausted is returned once
// the daily cap is hit and no cached fallback exists.
var (
	ErrTransient       = errors.New("reputation: transient upstream failure")
	ErrBudgetExhausted = errors.New("reputation: daily budget exhausted")
	ErrNotFound        = errors.New("reputation: ip not found")
)
