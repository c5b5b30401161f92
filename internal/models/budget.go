package models

// BudgetState tracks the reputation provider's daily request allowance.
// Day is a UTC calendar date in "2006-01-02" form; the cache key
// rep:budget:<day> stores RequestsUsed as an integer counter that
// resets at the UTC day boundary.
type BudgetState struct {
	Day          string `json:"day"`
	RequestsUsed int    `json:"requests_used"`
	Limit        int    `json:"limit"`
}

// Exhausted reports whether one more request would exceed Limit.
func (b BudgetState) Exhausted() bool {
	return b.RequestsUsed >= b.Limit
}
