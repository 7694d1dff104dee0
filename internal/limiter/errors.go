package limiter

import "errors"

var (
	// ErrBlacklisted is returned by Check when the caller's IP or user id is
	// on the deny-list. No bucket is consulted.
	ErrBlacklisted = errors.New("access denied")

	ErrUnknownTier  = errors.New("unknown user tier")
	ErrInvalidEntry = errors.New("invalid list entry")
	ErrInvalidLimit = errors.New("invalid limit")
)
