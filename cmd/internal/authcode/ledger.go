package authcode

import (
	"context"
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"lumen/cmd/internal/session"
)

// DefaultTTL is how long an issued code stays redeemable.
const DefaultTTL = 30 * time.Second

const maxIssueAttempts = 3

// Code is what Issue hands back to the caller. Token is never stored.
type Code struct {
	Token     string
	Identity  string
	Level     session.AccessLevel
	ExpiresAt time.Time
}

// Grant is what a successful Consume yields.
type Grant struct {
	Identity string
	Level    session.AccessLevel
}

type entry struct {
	identity  string
	level     session.AccessLevel
	expiresAt time.Time
}

// Ledger holds live codes. A single mutex covers issue, consume and sweep.
type Ledger struct {
	mu    sync.Mutex
	codes map[string]entry

	key  []byte
	ttl  time.Duration
	now  func() time.Time
	read func([]byte) (int, error)
}

// Option configures a Ledger.
type Option func(*Ledger) error

// WithTTL sets the code lifetime (default DefaultTTL).
func WithTTL(ttl time.Duration) Option {
	return func(l *Ledger) error {
		if ttl <= 0 {
			return ErrInvalidTTL
		}
		l.ttl = ttl
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) error {
		if now != nil {
			l.now = now
		}
		return nil
	}
}

// WithKey sets the digest key. By default a random per-process key is used.
func WithKey(key []byte) Option {
	return func(l *Ledger) error {
		if len(key) > 64 {
			return ErrKeyTooLong
		}
		l.key = append([]byte(nil), key...)
		return nil
	}
}

func NewLedger(opts ...Option) (*Ledger, error) {
	l := &Ledger{
		codes: make(map[string]entry),
		ttl:   DefaultTTL,
		now:   func() time.Time { return time.Now().UTC() },
		read:  rand.Read,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	if l.key == nil {
		k, err := newKey()
		if err != nil {
			return nil, err
		}
		l.key = k
	}
	return l, nil
}

// TTL returns the configured code lifetime.
func (l *Ledger) TTL() time.Duration { return l.ttl }

// Issue mints a code for identity at level. A live entry is never overwritten.
func (l *Ledger) Issue(identity string, level session.AccessLevel) (Code, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Code{}, ErrEmptyIdentity
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		token, err := newToken(l.read, tokenBytes)
		if err != nil {
			return Code{}, err
		}

		d := digest(l.key, token)
		if e, ok := l.codes[d]; ok && now.Before(e.expiresAt) {
			continue
		}

		exp := now.Add(l.ttl)
		l.codes[d] = entry{identity: identity, level: level, expiresAt: exp}
		return Code{Token: token, Identity: identity, Level: level, ExpiresAt: exp}, nil
	}
	return Code{}, ErrCollision
}

// Consume redeems token. It succeeds at most once per issued code and never for an
// expired one, whether or not it has been swept yet.
func (l *Ledger) Consume(token string) (Grant, bool) {
	if strings.TrimSpace(token) == "" {
		return Grant{}, false
	}
	d := digest(l.key, token)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	e, ok := l.codes[d]
	if !ok {
		return Grant{}, false
	}
	delete(l.codes, d)

	if !now.Before(e.expiresAt) {
		return Grant{}, false
	}
	return Grant{Identity: e.identity, Level: e.level}, true
}

// Sweep removes expired codes and returns how many were dropped.
func (l *Ledger) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(l.now())
}

func (l *Ledger) sweepLocked(now time.Time) int {
	n := 0
	for d, e := range l.codes {
		if !now.Before(e.expiresAt) {
			delete(l.codes, d)
			n++
		}
	}
	return n
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.codes)
}

// Run sweeps every interval until ctx is done.
func (l *Ledger) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = l.ttl
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}
