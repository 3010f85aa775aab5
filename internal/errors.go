package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	// Auth failures, each mapping to a distinct error code in the 401 body.
	ErrKeyMissing   = errors.New("api key missing")
	ErrKeyInvalid   = errors.New("api key invalid")
	ErrKeyDisabled  = errors.New("api key disabled")
	ErrKeyForbidden = errors.New("api key not allowed for endpoint")

	// Routing failures.
	ErrNoProviders = errors.New("no providers configured")
	ErrNoMatch     = errors.New("no route matched and no default resolved")

	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrBadRequest    = errors.New("bad request")
	ErrUpstreamEmpty = errors.New("upstream returned empty body")
)
