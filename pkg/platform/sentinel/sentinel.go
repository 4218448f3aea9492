package sentinel

import "errors"

// Infrastructure facts returned (optionally wrapped) by stores, leases and
// ledger adapters. Services translate them into coded domain errors.
//
//   - ErrNotFound: the row or key does not exist
//   - ErrConflict: a compare-and-set lost, or a unique key already exists
//   - ErrLeaseHeld: another owner holds an unexpired lease
//   - ErrLeaseLost: the caller no longer owns the lease it is extending or releasing
//   - ErrUnavailable: the backend could not be reached
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrLeaseHeld   = errors.New("lease held by another owner")
	ErrLeaseLost   = errors.New("lease lost")
	ErrUnavailable = errors.New("unavailable")
)
