package geoenrich

import "errors"

// ErrNotFound is returned by Enrich when every provider in the fallback
// chain failed or returned an unusable record (non-fatal, the
// indicator is produced without geo fields).
var ErrNotFound = errors.New("geoenrich: no provider returned a usable record")
