package extension

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"lumen/cmd/internal/metrics"
	sdk "lumen/shared/extension"
)

// Registry owns every loaded extension, keyed by code.
type Registry struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	cfg      Config
	opener   Opener
	settings SettingsReader

	mu       sync.RWMutex
	exts     map[string]*Extension
	order    []string
	reserved map[string]struct{}
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithOpener(o Opener) RegistryOption {
	return func(r *Registry) {
		if o != nil {
			r.opener = o
		}
	}
}

func WithSettings(s SettingsReader) RegistryOption {
	return func(r *Registry) { r.settings = s }
}

func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

func WithConfig(c Config) RegistryOption {
	return func(r *Registry) { r.cfg = c }
}

func NewRegistry(log *slog.Logger, opts ...RegistryOption) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		log:      log,
		opener:   PluginOpener{},
		exts:     make(map[string]*Extension),
		reserved: make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Reserve marks names as unavailable to extensions. It fails if one is already loaded.
func (r *Registry) Reserve(names ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, n := range names {
		if _, loaded := r.exts[n]; loaded {
			return &LoadError{Code: n, Path: r.exts[n].Path(), Err: ErrReservedCode}
		}
		r.reserved[n] = struct{}{}
	}
	return nil
}

// LoadAll scans dir for shared libraries and registers every acceptable module.
// Individual failures are logged and skipped. A missing dir loads nothing.
func (r *Registry) LoadAll(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		r.log.Info("extension.none", "dir", dir)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	loaded := 0
	for _, de := range entries {
		if de.IsDir() || !isLibrary(de.Name()) {
			continue
		}
		path := filepath.Join(dir, de.Name())

		mod, err := r.opener.Open(path)
		if err != nil {
			r.log.Warn("extension.load.fail", "path", path, "err", err)
			continue
		}

		if err := r.registerLocked(ctx, path, mod); err != nil {
			r.log.Warn("extension.load.reject", "path", path, "err", err)
			continue
		}
		loaded++
	}

	if len(r.exts) == 0 {
		r.log.Info("extension.none", "dir", dir)
	}
	r.metrics.SetExtensions(len(r.exts))
	return loaded, nil
}

// Register validates and starts mod. On rejection mod is shut down and a *LoadError returned.
func (r *Registry) Register(ctx context.Context, path string, mod sdk.Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.registerLocked(ctx, path, mod)
	r.metrics.SetExtensions(len(r.exts))
	return err
}

func (r *Registry) registerLocked(ctx context.Context, path string, mod sdk.Module) error {
	reject := func(code string, err error) error {
		if mod != nil {
			if serr := mod.Shutdown(); serr != nil {
				r.log.Debug("extension.shutdown.fail", "path", path, "err", serr)
			}
		}
		return &LoadError{Path: path, Code: code, Err: err}
	}

	ext, err := New(mod, path, r.log, r.metrics, r.cfg)
	if err != nil {
		return reject("", err)
	}
	code := ext.Code()

	if _, ok := r.reserved[code]; ok {
		ext.cancel()
		return reject(code, ErrReservedCode)
	}
	if _, ok := r.exts[code]; ok {
		ext.cancel()
		return reject(code, ErrDuplicateCode)
	}

	if err := ext.ApplySettings(ctx, r.settings); err != nil {
		ext.cancel()
		return reject(code, err)
	}
	if err := ext.Start(); err != nil {
		_ = ext.Close()
		return &LoadError{Path: path, Code: code, Err: err}
	}

	r.exts[code] = ext
	r.order = append(r.order, code)

	info := ext.Info()
	r.log.Info("extension.loaded",
		"ext", code,
		"name", info.Name,
		"version", info.Version,
		"path", path,
		"sources", len(ext.order),
	)
	return nil
}

// Get returns the extension registered under code.
func (r *Registry) Get(code string) (DataSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ext, ok := r.exts[code]
	if !ok {
		return nil, false
	}
	return ext, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.exts)
}

// Codes returns loaded codes in load order.
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Views describes every loaded extension in load order.
func (r *Registry) Views() []View {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]View, 0, len(r.order))
	for _, code := range r.order {
		out = append(out, r.exts[code].View())
	}
	return out
}

// RemoveSubscriber drops connID from every extension.
func (r *Registry) RemoveSubscriber(connID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, ext := range r.exts {
		ext.RemoveSubscriber(connID)
	}
}

// ApplySettings re-reads persisted settings into every extension.
func (r *Registry) ApplySettings(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, code := range r.order {
		if err := r.exts[code].ApplySettings(ctx, r.settings); err != nil {
			r.log.Warn("extension.settings.apply.fail", "ext", code, "err", err)
		}
	}
}

// Close shuts every extension down and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, code := range r.order {
		if err := r.exts[code].Close(); err != nil {
			errs = append(errs, &LoadError{Path: r.exts[code].Path(), Code: code, Err: err})
		}
	}
	r.exts = make(map[string]*Extension)
	r.order = nil
	r.metrics.SetExtensions(0)
	return errors.Join(errs...)
}
