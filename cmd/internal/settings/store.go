package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var (
	ErrEmptyKey      = errors.New("settings: empty key")
	ErrUnknownScheme = errors.New("settings: unknown store url scheme")
	ErrClosed        = errors.New("settings: store closed")
)

// Store is a flat string key/value store.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error

	// List returns every pair whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string]string, error)

	Close() error
}

// Watcher is implemented by stores that can be edited from outside the process.
// Watch blocks until ctx is done, calling onChange after each external modification.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

// Pinger is implemented by stores backed by a database connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Open selects a backend from rawURL:
//
//	""  or "memory:"              in-memory
//	file:///path/settings.yaml    YAML file (also any path ending in .yaml or .yml)
//	sqlite:///path/settings.db    SQLite with embedded migrations
//	postgres://...                Postgres (schema "lumen", created if missing)
func Open(ctx context.Context, rawURL string, log *slog.Logger) (Store, error) {
	if log == nil {
		log = slog.Default()
	}
	u := strings.TrimSpace(rawURL)

	switch {
	case u == "" || u == "memory:" || u == "memory://":
		log.Info("settings.store.memory")
		return NewMemoryStore(), nil

	case strings.HasPrefix(u, "file://"):
		return OpenFileStore(strings.TrimPrefix(u, "file://"), log)

	case strings.HasSuffix(u, ".yaml") || strings.HasSuffix(u, ".yml"):
		return OpenFileStore(u, log)

	case strings.HasPrefix(u, "sqlite://"):
		return OpenSQLiteStore(ctx, strings.TrimPrefix(u, "sqlite://"), log)

	case strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://"):
		return OpenPostgresStore(ctx, u, log)
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, redactURL(u))
}

func validKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return nil
}

// redactURL hides credentials in URLs that end up in logs and errors.
func redactURL(u string) string {
	scheme, rest, ok := strings.Cut(u, "://")
	if !ok {
		return u
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	return u
}
