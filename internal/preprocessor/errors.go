package preprocessor

import "errors"

// ErrCycleProducedNothing signals that a rebuild cycle failed to assemble
// even a single indicator: the cycle aborts and the previous snapshot (if
// any) remains served.
var ErrCycleProducedNothing = errors.New("preprocessor: rebuild produced no indicators")
