package session

import "errors"

var (
	// ErrAlreadyAuthenticated is returned when a connection authenticates twice.
	ErrAlreadyAuthenticated = errors.New("session: already authenticated")

	// ErrInvalidAccess is returned when an access level string cannot be parsed.
	ErrInvalidAccess = errors.New("session: invalid access level")

	ErrEmptyConnID = errors.New("session: empty connection id")
)
