package extension

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"lumen/cmd/internal/metrics"
	v1 "lumen/shared/contracts/broker/v1"
	sdk "lumen/shared/extension"
)

// Config tunes delivery. Zero values pick defaults.
type Config struct {
	// SendTimeout bounds how long a fan-out waits on one subscriber's queue.
	SendTimeout time.Duration

	// FetchTimeout bounds one Module.Data call.
	FetchTimeout time.Duration

	// SignalQueue is the per-source buffer of pending signals. A full buffer blocks the signaller.
	SignalQueue int
}

const (
	defaultSendTimeout  = 2 * time.Second
	defaultFetchTimeout = 5 * time.Second
	defaultSignalQueue  = 64
)

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.SignalQueue <= 0 {
		c.SignalQueue = defaultSignalQueue
	}
	return c
}

// Extension wraps a loaded module. It implements DataSource for the router and
// sdk.Host for the module.
type Extension struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	cfg     Config

	module sdk.Module
	info   sdk.Info
	path   string

	// sources and order are fixed at construction.
	sources map[string]*source
	order   []string

	schema *sdk.Schema
	vmu    sync.RWMutex
	values sdk.Values

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New validates the module's declarations. Nothing runs until Start.
func New(mod sdk.Module, path string, log *slog.Logger, m *metrics.Metrics, cfg Config) (*Extension, error) {
	if mod == nil {
		return nil, ErrNilModule
	}
	info := mod.Info()
	if err := sdk.ValidateCode(info.Code); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	e := &Extension{
		log:     log.With("ext", info.Code),
		metrics: m,
		cfg:     cfg,
		module:  mod,
		info:    info,
		path:    path,
		sources: make(map[string]*source),
		ctx:     ctx,
		cancel:  cancel,
	}

	for _, s := range mod.Sources() {
		if s.Name == "" || strings.ContainsAny(s.Name, " \t\r\n,/") {
			cancel()
			return nil, fmt.Errorf("%w: %q", ErrBadSource, s.Name)
		}
		if _, dup := e.sources[s.Name]; dup {
			cancel()
			return nil, fmt.Errorf("%w: duplicate %q", ErrBadSource, s.Name)
		}
		e.sources[s.Name] = newSource(s.Name, s.Refresh, cfg.SignalQueue)
		e.order = append(e.order, s.Name)
	}

	if c, ok := mod.(sdk.Configurable); ok {
		e.schema = c.Settings()
		e.values = e.schema.Defaults()
	}
	return e, nil
}

func (e *Extension) Code() string   { return e.info.Code }
func (e *Extension) Info() sdk.Info { return e.info }
func (e *Extension) Path() string   { return e.path }

// Start initializes the module and launches one dispatcher per source plus refresh
// tickers for sources with a positive interval.
func (e *Extension) Start() error {
	var err error
	e.startOnce.Do(func() {
		for _, name := range e.order {
			s := e.sources[name]
			e.wg.Add(1)
			go e.dispatch(s)
			if s.refresh > 0 {
				e.wg.Add(1)
				go e.tick(s)
			}
		}
		if ierr := e.module.Init(e); ierr != nil {
			err = fmt.Errorf("init: %w", ierr)
		}
	})
	return err
}

// Close stops dispatchers and shuts the module down. Safe to call more than once.
func (e *Extension) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.cancel()
		e.wg.Wait()
		err = e.module.Shutdown()
	})
	return err
}

// ---- DataSource ----

func (e *Extension) AddSubscriber(name string, sub Subscriber) error {
	s, ok := e.sources[name]
	if !ok {
		return ErrUnknownSource
	}
	if !s.enabled.Load() {
		return ErrSourceDisabled
	}
	s.add(sub)
	return nil
}

// RemoveSubscriber drops connID from every source. Removing an absent connection is a no-op.
func (e *Extension) RemoveSubscriber(connID string) {
	for _, s := range e.sources {
		s.remove(connID)
	}
}

// PollAndSendData fetches name now and sends it to sub only.
func (e *Extension) PollAndSendData(ctx context.Context, name string, sub Subscriber) error {
	s, ok := e.sources[name]
	if !ok {
		return ErrUnknownSource
	}
	if !s.enabled.Load() {
		return ErrSourceDisabled
	}

	frame, err := e.fetch(ctx, s)
	if err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()
	if err := sub.Conn.Send(sctx, frame); err != nil {
		e.metrics.DeliveryFailed(e.info.Code, name)
		return err
	}
	e.metrics.Delivered(e.info.Code, name)
	return nil
}

// ---- sdk.Host ----

// SignalDataReady queues one fan-out for name. Unknown names are logged and dropped.
func (e *Extension) SignalDataReady(name string) {
	s, ok := e.sources[name]
	if !ok {
		e.log.Warn("extension.signal.unknown_source", "source", name)
		return
	}

	s.markPending()
	select {
	case s.signals <- struct{}{}:
	case <-e.ctx.Done():
		s.markDone()
	}
}

// WaitDataProcessed blocks until every signal issued so far for name has been fanned out.
// It must not be called from inside Module.Data for the same source.
func (e *Extension) WaitDataProcessed(ctx context.Context, name string) error {
	s, ok := e.sources[name]
	if !ok {
		return ErrUnknownSource
	}
	ch := s.idleCh()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrClosed
	}
}

func (e *Extension) Logger() *slog.Logger { return e.log }

// ---- delivery ----

func (e *Extension) dispatch(s *source) {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-s.signals:
			e.fanOut(s)
			s.markDone()
		}
	}
}

func (e *Extension) fanOut(s *source) {
	subs := s.snapshot()
	if len(subs) == 0 {
		return
	}

	frame, err := e.fetch(e.ctx, s)
	if err != nil {
		e.log.Warn("extension.fanout.fetch.fail", "source", s.name, "err", err)
		return
	}

	for _, sub := range subs {
		e.deliver(s, sub, frame)
	}
}

// deliver never blocks: a full or closed queue drops the frame for that subscriber only.
// The membership check and the enqueue happen under the source read lock, so a frame is
// never queued after RemoveSubscriber returned.
func (e *Extension) deliver(s *source, sub Subscriber, frame []byte) {
	id := sub.Conn.ID()

	s.mu.RLock()
	_, still := s.subs[id]
	ok := still && sub.Conn.TrySend(frame)
	s.mu.RUnlock()

	if !still {
		return
	}
	if !ok {
		e.metrics.DeliveryFailed(e.info.Code, s.name)
		e.log.Debug("extension.fanout.drop", "source", s.name, "conn_id", id, "reason", "queue full or closed")
		return
	}
	e.metrics.Delivered(e.info.Code, s.name)
}

func (e *Extension) fetch(ctx context.Context, s *source) ([]byte, error) {
	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	val, err := e.module.Data(fctx, s.name)
	if err != nil {
		e.metrics.Poll(e.info.Code, "error")
		return nil, err
	}
	e.metrics.Poll(e.info.Code, "ok")
	return v1.EncodeSourceData(e.info.Code, s.name, val)
}

// tick signals s on its refresh interval while it has subscribers and nothing is pending.
func (e *Extension) tick(s *source) {
	defer e.wg.Done()

	t := time.NewTicker(s.refresh)
	defer t.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-t.C:
			if !s.enabled.Load() || s.count() == 0 || s.idleCh() != nil {
				continue
			}
			e.SignalDataReady(s.name)
		}
	}
}

// ---- settings ----

// ApplySettings reloads enabled flags and setting values, then hands the values to the module.
func (e *Extension) ApplySettings(ctx context.Context, st SettingsReader) error {
	if st == nil {
		return nil
	}

	for _, name := range e.order {
		on, err := st.SourceEnabled(ctx, e.info.Code, name)
		if err != nil {
			return err
		}
		e.sources[name].enabled.Store(on)
	}

	if e.schema == nil {
		return nil
	}

	raw, err := st.ExtensionValues(ctx, e.info.Code)
	if err != nil {
		return err
	}
	vals, errs := e.schema.Resolve(raw)
	for _, verr := range errs {
		e.log.Warn("extension.settings.invalid", "err", verr)
	}

	e.vmu.Lock()
	e.values = vals
	e.vmu.Unlock()

	if c, ok := e.module.(sdk.Configurable); ok {
		return c.ApplySettings(vals.Clone())
	}
	return nil
}

// ---- projection ----

// View is a read-only description of the extension for the settings projection.
type View struct {
	Info     sdk.Info
	Sources  []SourceView
	Settings []SettingView
}

type SourceView struct {
	Name    string
	Enabled bool
	Refresh time.Duration
}

type SettingView struct {
	sdk.Setting
	Value any
}

func (e *Extension) View() View {
	v := View{Info: e.info, Sources: make([]SourceView, 0, len(e.order))}
	for _, name := range e.order {
		s := e.sources[name]
		v.Sources = append(v.Sources, SourceView{Name: name, Enabled: s.enabled.Load(), Refresh: s.refresh})
	}

	if e.schema == nil {
		return v
	}

	e.vmu.RLock()
	defer e.vmu.RUnlock()

	for _, st := range e.schema.Settings() {
		v.Settings = append(v.Settings, SettingView{Setting: st, Value: e.values[st.Name]})
	}
	return v
}
