package taxii

import "errors"

// Error taxonomy for request handling.
var (
	ErrNotFound           = errors.New("taxii: collection not found")
	ErrServiceUnavailable = errors.New("taxii: snapshot not available")
)
