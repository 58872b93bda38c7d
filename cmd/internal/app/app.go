// Package app wires the lumen broker runtime: config, logging, the data socket and the admin API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"lumen/cmd/internal/authcode"
	"lumen/cmd/internal/broker"
	"lumen/cmd/internal/extension"
	"lumen/cmd/internal/launcher"
	"lumen/cmd/internal/metrics"
	"lumen/cmd/internal/session"
	"lumen/cmd/internal/settings"
)

// App owns every broker-state object and the two HTTP listeners.
type App struct {
	cfg Config
	log Logger

	metrics  *metrics.Metrics
	ledger   *authcode.Ledger
	sessions *session.Registry
	store    settings.Store
	settings *settings.Settings
	exts     *extension.Registry
	broker   *broker.Broker
	gateway  *broker.Gateway

	loaded atomic.Bool
}

// Option customizes New. Tests use it to swap the module opener and launcher.
type Option func(*options)

type options struct {
	opener   extension.Opener
	launcher launcher.Launcher
}

func WithOpener(o extension.Opener) Option {
	return func(op *options) { op.opener = o }
}

func WithLauncher(l launcher.Launcher) Option {
	return func(op *options) { op.launcher = l }
}

// New constructs a fully wired App. Extensions are loaded by Serve, not here.
func New(ctx context.Context, cfg Config, log Logger, opts ...Option) (*App, error) {
	if log == nil {
		return nil, errors.New("app: logger is required")
	}
	var op options
	for _, o := range opts {
		if o != nil {
			o(&op)
		}
	}
	if op.launcher == nil {
		op.launcher = launcher.NewExec(log)
	}

	m := metrics.New()

	ledger, err := authcode.NewLedger(authcode.WithTTL(cfg.AuthCodeTTL))
	if err != nil {
		return nil, fmt.Errorf("app: ledger: %w", err)
	}
	sessions := session.NewRegistry()

	store, err := settings.Open(ctx, cfg.SettingsURL, log)
	if err != nil {
		return nil, fmt.Errorf("app: settings: %w", err)
	}
	st := settings.New(store)

	regOpts := []extension.RegistryOption{
		extension.WithSettings(st),
		extension.WithMetrics(m),
		extension.WithConfig(extension.Config{SendTimeout: cfg.SendTimeout, FetchTimeout: cfg.FetchTimeout}),
	}
	if op.opener != nil {
		regOpts = append(regOpts, extension.WithOpener(op.opener))
	}
	exts := extension.NewRegistry(log, regOpts...)

	b, err := broker.New(log, broker.Deps{
		Ledger:     ledger,
		Sessions:   sessions,
		Extensions: exts,
		Settings:   st,
		Launcher:   op.launcher,
		Metrics:    m,
		General: settings.General{
			Port:     cfg.Port(),
			LogLevel: cfg.LogLevel,
			SaveLog:  cfg.LogFile != "",
		},
	}, broker.WithPollWorkers(cfg.PollWorkers), broker.WithSendTimeout(cfg.SendTimeout))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	gw := broker.NewGateway(log, b, m, broker.GatewayConfig{
		AllowedOrigins:   cfg.Origins(),
		SendQueueSize:    cfg.SendQueue,
		WriteTimeout:     cfg.WriteTimeout,
		ReadIdleTimeout:  cfg.ReadIdleTimeout,
		HeartbeatEvery:   cfg.HeartbeatEvery,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		AuthGrace:        cfg.AuthGrace,
		RateEvents:       cfg.RateEvents,
		RateWindow:       cfg.RateWindow,
	})

	m.GaugeFunc("auth_codes_pending", "Issued auth codes not yet consumed or swept.", func() float64 {
		return float64(ledger.Len())
	})
	m.GaugeFunc("sessions", "Authenticated data socket connections.", func() float64 {
		return float64(sessions.Len())
	})

	return &App{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		ledger:   ledger,
		sessions: sessions,
		store:    store,
		settings: st,
		exts:     exts,
		broker:   b,
		gateway:  gw,
	}, nil
}

// Run binds both listeners and serves until ctx is done. Failing to bind is fatal.
func (a *App) Run(ctx context.Context) error {
	dataLn, err := net.Listen("tcp", a.cfg.DataAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.DataAddr, err)
	}

	var adminLn net.Listener
	if a.cfg.AdminAddr != "" {
		adminLn, err = net.Listen("tcp", a.cfg.AdminAddr)
		if err != nil {
			_ = dataLn.Close()
			return fmt.Errorf("app: listen %s: %w", a.cfg.AdminAddr, err)
		}
	}
	return a.Serve(ctx, dataLn, adminLn)
}

// Serve loads extensions and serves on the given listeners until ctx is done.
// adminLn may be nil.
func (a *App) Serve(ctx context.Context, dataLn, adminLn net.Listener) error {
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		a.ledger.Run(bgCtx, a.ledger.TTL())
	}()

	if w, ok := a.store.(settings.Watcher); ok {
		bg.Add(1)
		go func() {
			defer bg.Done()
			err := w.Watch(bgCtx, func() {
				a.log.Info("settings.reload")
				a.exts.ApplySettings(bgCtx)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("settings.watch.fail", "err", err)
			}
		}()
	}

	n, err := a.exts.LoadAll(ctx, a.cfg.ExtensionsDir)
	if err != nil {
		a.log.Warn("extension.scan.fail", "dir", a.cfg.ExtensionsDir, "err", err)
	}
	a.loaded.Store(true)
	a.log.Info("extension.loaded", "count", n, "codes", a.exts.Codes())

	// Hijacked WebSocket connections outlive srv.Shutdown; their request contexts
	// derive from connCtx so cancelling it ends them.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	dataMux := http.NewServeMux()
	registerData(dataMux, a.gateway)
	dataSrv := &http.Server{
		Handler:           WithRequestLogging(dataMux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		BaseContext:       func(net.Listener) context.Context { return connCtx },
	}

	errCh := make(chan error, 2)
	go func() {
		var err error
		if a.cfg.tlsEnabled() {
			err = dataSrv.ServeTLS(dataLn, a.cfg.TLSCert, a.cfg.TLSKey)
		} else {
			err = dataSrv.Serve(dataLn)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("data server: %w", err)
		}
	}()

	base := runtimeBaseURL(dataLn.Addr().String(), a.cfg.tlsEnabled())
	a.log.Info("server.start", "data", wsBaseURL(base), "extensions", n)

	var adminSrv *http.Server
	if adminLn != nil {
		adminMux := http.NewServeMux()
		registerAdmin(adminMux, a.log, a.cfg.AdminToken, a.ledger, a.metrics, a.ready)
		adminSrv = &http.Server{
			Handler:           WithRequestLogging(WithSecurityHeaders(adminMux), a.log),
			ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		}
		go func() {
			if err := adminSrv.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("admin server: %w", err)
			}
		}()
		a.log.Info("admin.start", "url", runtimeBaseURL(adminLn.Addr().String(), false), "token", a.cfg.AdminToken != "")
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if adminSrv != nil {
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("admin.shutdown.fail", "err", err)
		}
	}
	if err := dataSrv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
	}
	connCancel()
	bgCancel()
	bg.Wait()

	a.Close()
	a.log.Info("server.stopped")
	return runErr
}

// Close releases extensions and the settings store. Serve calls it on the way out.
func (a *App) Close() {
	a.broker.Wait()
	if err := a.exts.Close(); err != nil {
		a.log.Warn("extension.close.fail", "err", err)
	}
	if err := a.store.Close(); err != nil {
		a.log.Error("settings.close.fail", "err", err)
	}
}

func (a *App) ready(ctx context.Context) error {
	if !a.loaded.Load() {
		return errNotLoaded
	}
	if p, ok := a.store.(settings.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("settings store: %w", err)
		}
	}
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
