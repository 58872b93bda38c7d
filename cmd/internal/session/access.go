package session

import (
	"fmt"
	"strings"
)

// AccessLevel is ordered: Guest < Settings < Admin.
type AccessLevel int

const (
	Guest AccessLevel = iota
	Settings
	Admin
)

func (l AccessLevel) String() string {
	switch l {
	case Guest:
		return "guest"
	case Settings:
		return "settings"
	case Admin:
		return "admin"
	default:
		return fmt.Sprintf("access(%d)", int(l))
	}
}

// Allows reports whether l is at least need.
func (l AccessLevel) Allows(need AccessLevel) bool {
	return l >= need
}

// ParseAccessLevel accepts guest, settings or admin (case-insensitive).
// An empty string is Guest.
func ParseAccessLevel(s string) (AccessLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "guest":
		return Guest, nil
	case "settings":
		return Settings, nil
	case "admin":
		return Admin, nil
	}
	return Guest, fmt.Errorf("%w: %q", ErrInvalidAccess, s)
}

func (l AccessLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *AccessLevel) UnmarshalText(b []byte) error {
	v, err := ParseAccessLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}
