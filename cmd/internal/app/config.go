package app

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/pflag"
)

// Config contains all runtime configuration. Environment variables seed it, flags override.
type Config struct {
	DataAddr  string `env:"LUMEN_ADDR,default=127.0.0.1:13337"`
	AdminAddr string `env:"LUMEN_ADMIN_ADDR,default=127.0.0.1:13338"`

	// AdminToken, when set, is required as a bearer token on the admin API.
	AdminToken string `env:"LUMEN_ADMIN_TOKEN"`

	TLSCert string `env:"LUMEN_TLS_CERT"`
	TLSKey  string `env:"LUMEN_TLS_KEY"`

	ExtensionsDir string `env:"LUMEN_EXTENSIONS_DIR,default=extensions"`
	SettingsURL   string `env:"LUMEN_SETTINGS_URL"`

	LogLevel  string `env:"LUMEN_LOG_LEVEL,default=info"`
	LogFormat string `env:"LUMEN_LOG_FORMAT,default=auto"`
	LogFile   string `env:"LUMEN_LOG_FILE"`

	AuthCodeTTL time.Duration `env:"LUMEN_AUTH_CODE_TTL,default=30s"`
	AuthGrace   time.Duration `env:"LUMEN_AUTH_GRACE,default=10s"`
	PollWorkers int           `env:"LUMEN_POLL_WORKERS,default=4"`

	// AllowedOrigins is a comma separated browser origin allowlist. Empty allows any origin.
	AllowedOrigins string `env:"LUMEN_ALLOWED_ORIGINS"`

	SendQueue        int           `env:"LUMEN_WS_SEND_QUEUE,default=256"`
	WriteTimeout     time.Duration `env:"LUMEN_WS_WRITE_TIMEOUT,default=5s"`
	ReadIdleTimeout  time.Duration `env:"LUMEN_WS_READ_IDLE_TIMEOUT,default=10m"`
	HeartbeatEvery   time.Duration `env:"LUMEN_WS_HEARTBEAT,default=25s"`
	HeartbeatTimeout time.Duration `env:"LUMEN_WS_HEARTBEAT_TIMEOUT,default=5s"`
	RateEvents       int           `env:"LUMEN_WS_RATE_EVENTS,default=120"`
	RateWindow       time.Duration `env:"LUMEN_WS_RATE_WINDOW,default=10s"`

	SendTimeout  time.Duration `env:"LUMEN_SEND_TIMEOUT,default=2s"`
	FetchTimeout time.Duration `env:"LUMEN_FETCH_TIMEOUT,default=5s"`

	ReadHeaderTimeout time.Duration `env:"LUMEN_HTTP_READ_HEADER_TIMEOUT,default=5s"`
	ShutdownTimeout   time.Duration `env:"LUMEN_SHUTDOWN_TIMEOUT,default=10s"`
}

// LoadConfig loads Config from LUMEN_* environment variables with defaults.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ParseFlags applies command line overrides on top of cfg.
// It returns pflag.ErrHelp when -h/--help was requested.
func ParseFlags(cfg *Config, args []string) error {
	fs := pflag.NewFlagSet("lumen", pflag.ContinueOnError)
	fs.StringVar(&cfg.DataAddr, "addr", cfg.DataAddr, "data socket listen address")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "admin API listen address (empty disables it)")
	fs.StringVar(&cfg.ExtensionsDir, "extensions-dir", cfg.ExtensionsDir, "directory scanned for extension modules")
	fs.StringVar(&cfg.SettingsURL, "settings", cfg.SettingsURL, "settings store URL (memory:, file://, sqlite://, postgres://)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "auto, json, text or pretty")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "also append logs to this file")
	fs.StringVar(&cfg.TLSCert, "tls-cert", cfg.TLSCert, "TLS certificate for the data socket")
	fs.StringVar(&cfg.TLSKey, "tls-key", cfg.TLSKey, "TLS key for the data socket")
	return fs.Parse(args)
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.DataAddr); err != nil {
		errs = append(errs, fmt.Errorf("addr %q: %w", c.DataAddr, err))
	}
	if c.AdminAddr != "" {
		if _, _, err := net.SplitHostPort(c.AdminAddr); err != nil {
			errs = append(errs, fmt.Errorf("admin-addr %q: %w", c.AdminAddr, err))
		}
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("tls-cert and tls-key must be set together"))
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "auto", "json", "text", "pretty":
	default:
		errs = append(errs, fmt.Errorf("log-format %q: want auto, json, text or pretty", c.LogFormat))
	}
	if c.AuthCodeTTL <= 0 {
		errs = append(errs, errors.New("auth code TTL must be positive"))
	}
	if c.PollWorkers < 0 {
		errs = append(errs, errors.New("poll workers must not be negative"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %w", errors.Join(errs...))
}

// Origins splits AllowedOrigins on commas.
func (c Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Port is the numeric port of DataAddr, reported in the settings view.
func (c Config) Port() int {
	_, p, err := net.SplitHostPort(c.DataAddr)
	if err != nil {
		return 0
	}
	n, err := net.LookupPort("tcp", p)
	if err != nil {
		return 0
	}
	return n
}

func (c Config) tlsEnabled() bool { return c.TLSCert != "" && c.TLSKey != "" }
