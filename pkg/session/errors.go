package session

import "errors"

var (
	// ErrLockHeld signals an advisory-lock conflict: the element already
	// belongs to a different user. Recoverable, never fatal.
	ErrLockHeld = errors.New("element is locked by another user")

	// ErrNotLockOwner is returned when a user tries to release a lock
	// they do not hold.
	ErrNotLockOwner = errors.New("lock is not held by this user")
)
