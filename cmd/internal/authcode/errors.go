package authcode

import "errors"

var (
	// ErrCollision is returned when a freshly drawn token collides with a live one repeatedly.
	ErrCollision = errors.New("authcode: token collision")

	ErrEmptyIdentity = errors.New("authcode: empty identity")
	ErrInvalidTTL    = errors.New("authcode: ttl must be positive")
	ErrKeyTooLong    = errors.New("authcode: digest key longer than 64 bytes")
)
