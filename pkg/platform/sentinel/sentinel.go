package sentinel

import "errors"

// Sentinel errors for storage facts. Claim stores return these (optionally
// wrapped) and the registry translates them into domain error codes:
// - ErrNotFound: no registration exists for the claim key
// - ErrAlreadyUsed: the claim key is already bound (primary key conflict)
// - ErrUnavailable: the backing store cannot be reached
var (
	ErrNotFound    = errors.New("not found")
	ErrAlreadyUsed = errors.New("already used")
	ErrUnavailable = errors.New("unavailable")
)
