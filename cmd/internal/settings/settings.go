package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// General holds the broker-wide values reported in the settings view.
type General struct {
	Port     int
	LogLevel string
	Cookies  string
	SaveLog  bool
	Startup  bool
}

// LaunchEntry is a named command started by the launcher target.
type LaunchEntry struct {
	File      string `json:"file"`
	Arguments string `json:"arguments"`
	StartPath string `json:"startpath"`
}

// Settings is the typed view over a Store.
type Settings struct {
	store Store
}

func New(store Store) *Settings {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Settings{store: store}
}

func (s *Settings) Store() Store { return s.store }

func generalKey(name string) string { return "general/" + name }

func sourceEnabledKey(code, source string) string {
	return "ext/" + code + "/sources/" + source + "/enabled"
}

func extSettingsPrefix(code string) string { return "ext/" + code + "/settings/" }

const launcherPrefix = "launcher/"

// General overlays persisted general/* values on defaults. Unparseable values keep the default.
func (s *Settings) General(ctx context.Context, defaults General) (General, error) {
	kv, err := s.store.List(ctx, "general/")
	if err != nil {
		return defaults, err
	}

	out := defaults
	if v, ok := kv[generalKey("port")]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 && n < 65536 {
			out.Port = n
		}
	}
	if v, ok := kv[generalKey("loglevel")]; ok && strings.TrimSpace(v) != "" {
		out.LogLevel = strings.TrimSpace(v)
	}
	if v, ok := kv[generalKey("cookies")]; ok {
		out.Cookies = v
	}
	if v, ok := kv[generalKey("savelog")]; ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			out.SaveLog = b
		}
	}
	if v, ok := kv[generalKey("startup")]; ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			out.Startup = b
		}
	}
	return out, nil
}

func (s *Settings) SetGeneral(ctx context.Context, name, value string) error {
	return s.store.Set(ctx, generalKey(name), value)
}

// SourceEnabled defaults to true when nothing is persisted.
func (s *Settings) SourceEnabled(ctx context.Context, code, source string) (bool, error) {
	v, ok, err := s.store.Get(ctx, sourceEnabledKey(code, source))
	if err != nil || !ok {
		return true, err
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return true, nil
	}
	return b, nil
}

func (s *Settings) SetSourceEnabled(ctx context.Context, code, source string, enabled bool) error {
	return s.store.Set(ctx, sourceEnabledKey(code, source), strconv.FormatBool(enabled))
}

// ExtensionValues returns the persisted raw setting values of one extension, keyed by setting name.
func (s *Settings) ExtensionValues(ctx context.Context, code string) (map[string]string, error) {
	prefix := extSettingsPrefix(code)
	kv, err := s.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(kv))
	for k, v := range kv {
		out[strings.TrimPrefix(k, prefix)] = v
	}
	return out, nil
}

func (s *Settings) SetExtensionValue(ctx context.Context, code, name, value string) error {
	return s.store.Set(ctx, extSettingsPrefix(code)+name, value)
}

// Launchers returns every launcher entry. Malformed entries are skipped.
func (s *Settings) Launchers(ctx context.Context) (map[string]LaunchEntry, error) {
	kv, err := s.store.List(ctx, launcherPrefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]LaunchEntry, len(kv))
	for k, v := range kv {
		var e LaunchEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			continue
		}
		out[strings.TrimPrefix(k, launcherPrefix)] = e
	}
	return out, nil
}

func (s *Settings) Launcher(ctx context.Context, name string) (LaunchEntry, bool, error) {
	v, ok, err := s.store.Get(ctx, launcherPrefix+name)
	if err != nil || !ok {
		return LaunchEntry{}, false, err
	}
	var e LaunchEntry
	if err := json.Unmarshal([]byte(v), &e); err != nil {
		return LaunchEntry{}, false, fmt.Errorf("settings: launcher %q: %w", name, err)
	}
	return e, true, nil
}

func (s *Settings) SetLauncher(ctx context.Context, name string, e LaunchEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, launcherPrefix+name, string(b))
}
