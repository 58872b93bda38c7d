package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lumen/cmd/internal/authcode"
	"lumen/cmd/internal/extension"
	"lumen/cmd/internal/launcher"
	"lumen/cmd/internal/metrics"
	"lumen/cmd/internal/session"
	"lumen/cmd/internal/settings"
	v1 "lumen/shared/contracts/broker/v1"

	"golang.org/x/sync/semaphore"
)

// Handler serves one method. A returned error (possibly joined) becomes one error
// frame per part; see ReplyError.
type Handler func(ctx context.Context, c *Client, params json.RawMessage) error

// TargetHandler serves one reserved query target for an authenticated session.
type TargetHandler func(ctx context.Context, c *Client, s session.Session, params string) error

// Target is a reserved query target and the minimum access level it needs.
type Target struct {
	MinLevel session.AccessLevel
	Handle   TargetHandler
}

// Extensions is the part of the extension registry the router uses.
type Extensions interface {
	Get(code string) (extension.DataSource, bool)
	Views() []extension.View
	RemoveSubscriber(connID string)
	Reserve(names ...string) error
}

// Deps are the broker-state objects shared with the rest of the process.
type Deps struct {
	Ledger     *authcode.Ledger
	Sessions   *session.Registry
	Extensions Extensions
	Settings   *settings.Settings
	Launcher   launcher.Launcher
	Metrics    *metrics.Metrics

	// General seeds the general section of the settings view before persisted values apply.
	General settings.General
}

// Broker routes decoded requests. Its method and target tables are fixed once New returns.
type Broker struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	ledger   *authcode.Ledger
	sessions *session.Registry
	exts     Extensions
	settings *settings.Settings
	launcher launcher.Launcher
	general  settings.General

	methods map[string]Handler
	targets map[string]Target

	pollWorkers  int64
	pollSems     sync.Map // extension code -> *semaphore.Weighted
	sendTimeout  time.Duration
	pollInFlight sync.WaitGroup
}

// Option customizes a Broker during New.
type Option func(*Broker) error

// WithMethod adds a method handler. Registering a name twice fails New.
func WithMethod(name string, h Handler) Option {
	return func(b *Broker) error { return b.addMethod(name, h) }
}

// WithTarget adds a reserved query target. Registering a name twice fails New.
func WithTarget(name string, t Target) Option {
	return func(b *Broker) error { return b.addTarget(name, t) }
}

// WithPollWorkers bounds concurrent polls per extension.
func WithPollWorkers(n int) Option {
	return func(b *Broker) error {
		if n > 0 {
			b.pollWorkers = int64(n)
		}
		return nil
	}
}

func WithSendTimeout(d time.Duration) Option {
	return func(b *Broker) error {
		if d > 0 {
			b.sendTimeout = d
		}
		return nil
	}
}

// New builds the dispatch tables and reserves every target name in the extension registry.
func New(log *slog.Logger, deps Deps, opts ...Option) (*Broker, error) {
	if log == nil {
		log = slog.Default()
	}
	if deps.Ledger == nil || deps.Sessions == nil || deps.Extensions == nil {
		return nil, fmt.Errorf("broker: ledger, sessions and extensions are required")
	}

	b := &Broker{
		log:         log,
		metrics:     deps.Metrics,
		ledger:      deps.Ledger,
		sessions:    deps.Sessions,
		exts:        deps.Extensions,
		settings:    deps.Settings,
		launcher:    deps.Launcher,
		general:     deps.General,
		methods:     make(map[string]Handler),
		targets:     make(map[string]Target),
		pollWorkers: defaultPollWorkers,
		sendTimeout: defaultWriteTimeout,
	}

	builtin := []Option{
		WithMethod(v1.MethodAuth, b.handleAuth),
		WithMethod(v1.MethodSubscribe, b.handleSubscribe),
		WithMethod(v1.MethodQuery, b.handleQuery),
		WithMethod(v1.MethodMutate, b.handleMutate),
		WithTarget(v1.TargetSettings, Target{MinLevel: session.Settings, Handle: b.targetSettings}),
		WithTarget(v1.TargetLauncher, Target{MinLevel: session.Guest, Handle: b.targetLauncher}),
	}
	for _, opt := range append(builtin, opts...) {
		if opt == nil {
			continue
		}
		if err := opt(b); err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(b.targets))
	for name := range b.targets {
		names = append(names, name)
	}
	if err := b.exts.Reserve(names...); err != nil {
		return nil, fmt.Errorf("broker: reserve targets: %w", err)
	}
	return b, nil
}

func (b *Broker) addMethod(name string, h Handler) error {
	if h == nil {
		return fmt.Errorf("%w: method %q", ErrNilHandler, name)
	}
	if _, dup := b.methods[name]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateMethod, name)
	}
	b.methods[name] = h
	return nil
}

func (b *Broker) addTarget(name string, t Target) error {
	if t.Handle == nil {
		return fmt.Errorf("%w: target %q", ErrNilHandler, name)
	}
	if _, dup := b.targets[name]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateTarget, name)
	}
	b.targets[name] = t
	return nil
}

// Dispatch handles one client frame. It never closes the connection, and frames read
// from a client that is already shutting down are dropped.
func (b *Broker) Dispatch(ctx context.Context, c *Client, data []byte) {
	select {
	case <-c.Done():
		b.log.Debug("broker.dispatch.closed", "conn_id", c.ID())
		return
	default:
	}

	req, err := v1.DecodeRequest(data)
	if err != nil {
		b.metrics.Request("invalid", "error")
		b.reply(c, replyf("Invalid JSON request"))
		return
	}

	h, ok := b.methods[req.Method]
	if !ok {
		b.metrics.Request("unknown", "error")
		b.reply(c, replyf("Unknown method type %s", req.Method))
		return
	}

	if req.Method != v1.MethodAuth && !b.Authenticated(c.ID()) {
		b.metrics.Request(req.Method, "unauthenticated")
		b.reply(c, replyf("Unauthenticated client"))
		return
	}

	if err := h(ctx, c, req.Params); err != nil {
		b.metrics.Request(req.Method, "error")
		b.reply(c, err)
		return
	}
	b.metrics.Request(req.Method, "ok")
}

// Authenticated reports whether connID holds a session.
func (b *Broker) Authenticated(connID string) bool {
	_, ok := b.sessions.Lookup(connID)
	return ok
}

// GraceExpired runs when a connection's grace window ends. It sweeps the ledger and
// reports whether the connection must be dropped.
func (b *Broker) GraceExpired(c *Client) bool {
	b.ledger.Sweep()
	if b.Authenticated(c.ID()) {
		return false
	}
	b.trySend(c, v1.EncodeError("Unauthenticated client, disconnecting"))
	return true
}

// Disconnect forgets every trace of c. The gateway calls it once the read loop has
// stopped, so no Dispatch for c can run afterwards.
func (b *Broker) Disconnect(c *Client) {
	c.StopGrace()
	b.sessions.Remove(c.ID())
	b.exts.RemoveSubscriber(c.ID())
}

// Wait blocks until in-flight polls finish.
func (b *Broker) Wait() {
	b.pollInFlight.Wait()
}

// ---- replies ----

func (b *Broker) reply(c *Client, err error) {
	msgs, internal := replyMessages(err)
	for _, e := range internal {
		b.log.Warn("broker.request.fail", "conn_id", c.ID(), "err", e)
	}
	for _, m := range msgs {
		b.trySend(c, v1.EncodeError(m))
	}
}

func (b *Broker) trySend(c *Client, frame []byte) {
	if !c.TrySend(frame) {
		b.log.Info("broker.reply.drop", "conn_id", c.ID(), "reason", "queue full or closed")
	}
}

func (b *Broker) send(ctx context.Context, c *Client, frame []byte) error {
	sctx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()
	return c.Send(sctx, frame)
}

func (b *Broker) pollSemaphore(code string) *semaphore.Weighted {
	if s, ok := b.pollSems.Load(code); ok {
		return s.(*semaphore.Weighted)
	}
	s, _ := b.pollSems.LoadOrStore(code, semaphore.NewWeighted(b.pollWorkers))
	return s.(*semaphore.Weighted)
}
