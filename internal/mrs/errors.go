package mrs

import "errors"

var (
	// ErrPolicyDenied is returned for add and delete requests.
	ErrPolicyDenied = errors.New("mrs: operation not permitted")

	// ErrValidation marks a malformed request.
	ErrValidation = errors.New("mrs: invalid request")

	// ErrUpstream wraps failures of the candidate search, the detail fetch
	// or the cache behind them.
	ErrUpstream = errors.New("mrs: upstream failure")

	// ErrNotFound is returned when a service point has no cached detail.
	ErrNotFound = errors.New("mrs: not found")

	// ErrInvariant marks a request that passed validation but matches no
	// known operation.
	ErrInvariant = errors.New("mrs: could not determine request type")
)
