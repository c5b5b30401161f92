package models

// Predicate is a pure filter over an Indicator, used to derive a Collection's
// view of the snapshot. Predicates must be side-effect free: the protocol
// server may call one many times per request.
type Predicate func(Indicator) bool

// Collection is a named, filtered view over the current snapshot. Static for
// the process lifetime — collections are not created or edited by consumers.
type Collection struct {
	ID          string
	Title       string
	Description string
	Predicate   Predicate
}

// AllIndicators is the default collection: every indicator in the snapshot.
func AllIndicators() Predicate {
	return func(Indicator) bool { return true }
}

// HighConfidence keeps indicators with final_confidence >= threshold; the
// default high-confidence collection passes 80.
func HighConfidence(threshold int) Predicate {
	return func(i Indicator) bool { return i.FinalConfidence >= threshold }
}
