package registry

import "errors"

var (
	ErrUnauthorized = errors.New("registry: invalid password")
	ErrMaintenance  = errors.New("registry: maintenance mode active")
	ErrCapacity     = errors.New("registry: not enough free slots")
	// ErrRateLimited is returned when the requesting IP would hold more live
	// slots than the configured per-IP limit.
	ErrRateLimited = errors.New("registry: per-ip slot limit reached")
	// ErrSpoofed is returned when a datagram claims a slot that is already
	// bound to a different address.
	ErrSpoofed     = errors.New("registry: slot bound to a different address")
	ErrUnknownSlot = errors.New("registry: unknown slot")
	ErrInvalidSize = errors.New("registry: invalid session size")
)
