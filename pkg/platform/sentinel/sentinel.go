package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers return
// these (optionally wrapped) so services can translate them into domain errors.
//
//   - ErrNotFound: entity does not exist in store
//   - ErrConflict: conditional write lost (status changed underneath the caller)
//   - ErrAlreadyUsed: uniqueness violated (e.g. second active remittance for a record)
//   - ErrInvalidState: entity in wrong state for requested operation
//   - ErrUnavailable: service or resource temporarily unavailable
//   - ErrLocked: per-key exclusivity held by another caller
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
	ErrLocked       = errors.New("locked")
)
