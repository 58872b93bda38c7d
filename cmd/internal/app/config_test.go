package app

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{"LUMEN_ADDR", "LUMEN_ADMIN_ADDR", "LUMEN_AUTH_CODE_TTL", "LUMEN_POLL_WORKERS", "LUMEN_LOG_FORMAT"} {
		t.Setenv(k, "")
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DataAddr != "127.0.0.1:13337" {
		t.Fatalf("DataAddr=%q", cfg.DataAddr)
	}
	if cfg.AdminAddr != "127.0.0.1:13338" {
		t.Fatalf("AdminAddr=%q", cfg.AdminAddr)
	}
	if cfg.AuthCodeTTL != 30*time.Second || cfg.AuthGrace != 10*time.Second {
		t.Fatalf("ttl=%v grace=%v", cfg.AuthCodeTTL, cfg.AuthGrace)
	}
	if cfg.PollWorkers != 4 {
		t.Fatalf("PollWorkers=%d want 4", cfg.PollWorkers)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("LUMEN_ADDR", "0.0.0.0:9000")
	t.Setenv("LUMEN_AUTH_CODE_TTL", "45s")
	t.Setenv("LUMEN_POLL_WORKERS", "8")
	t.Setenv("LUMEN_ALLOWED_ORIGINS", "http://localhost:5173, file://,")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DataAddr != "0.0.0.0:9000" || cfg.AuthCodeTTL != 45*time.Second || cfg.PollWorkers != 8 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	origins := cfg.Origins()
	if len(origins) != 2 || origins[0] != "http://localhost:5173" || origins[1] != "file://" {
		t.Fatalf("Origins()=%v", origins)
	}
	if cfg.Port() != 9000 {
		t.Fatalf("Port()=%d want 9000", cfg.Port())
	}
}

func TestParseFlags_OverridesEnv(t *testing.T) {
	t.Parallel()

	cfg := Config{DataAddr: "127.0.0.1:13337", LogLevel: "info"}
	err := ParseFlags(&cfg, []string{"--addr", "127.0.0.1:4000", "--log-level=debug", "--settings", "sqlite:///tmp/lumen.db"})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if cfg.DataAddr != "127.0.0.1:4000" || cfg.LogLevel != "debug" || cfg.SettingsURL != "sqlite:///tmp/lumen.db" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestParseFlags_Help(t *testing.T) {
	t.Parallel()

	var cfg Config
	if err := ParseFlags(&cfg, []string{"--help"}); !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("err=%v want pflag.ErrHelp", err)
	}
	if err := ParseFlags(&cfg, []string{"--nope"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	valid := Config{DataAddr: "127.0.0.1:13337", AdminAddr: "127.0.0.1:13338", AuthCodeTTL: time.Second}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "admin disabled", mutate: func(c *Config) { c.AdminAddr = "" }},
		{name: "bad addr", mutate: func(c *Config) { c.DataAddr = "nonsense" }, wantErr: "addr"},
		{name: "bad admin addr", mutate: func(c *Config) { c.AdminAddr = "x" }, wantErr: "admin-addr"},
		{name: "tls half set", mutate: func(c *Config) { c.TLSCert = "cert.pem" }, wantErr: "tls-cert"},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "log-format"},
		{name: "zero ttl", mutate: func(c *Config) { c.AuthCodeTTL = 0 }, wantErr: "TTL"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v want substring %q", err, tc.wantErr)
			}
		})
	}
}
