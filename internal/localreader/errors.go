package localreader

import "errors"

// ErrTransient signals a connection-level failure the caller may retry
// later; ErrFatal signals a schema mismatch the caller must not retry
// without operator intervention.
var (
	ErrTransient = errors.New("localreader: transient failure")
	ErrFatal     = errors.New("localreader: fatal schema mismatch")
)
