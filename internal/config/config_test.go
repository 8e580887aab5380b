package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"SERVER_PORT", "SERVER_READ_HEADER_TIMEOUT", "PROCESSOR_KEYS", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.HTTP.Port)
	}
	if cfg.HTTP.ReadHeaderTimeout != 5*time.Second {
		t.Errorf("expected default read header timeout 5s, got %s", cfg.HTTP.ReadHeaderTimeout)
	}
	if cfg.Provider.PollInterval != 5*time.Minute {
		t.Errorf("expected default poll interval 5m, got %s", cfg.Provider.PollInterval)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Logging.Level)
	}
	if cfg.Provider.StaticAccounts != nil {
		t.Errorf("expected no static accounts by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SERVER_READ_HEADER_TIMEOUT", "2s")
	t.Setenv("PROVIDER_POLL_INTERVAL", "30s")
	t.Setenv("PROCESSOR_KEYS", "1:key-one, 2:key-two")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.HTTP.Port)
	}
	if cfg.HTTP.ReadHeaderTimeout != 2*time.Second {
		t.Errorf("expected read header timeout 2s, got %s", cfg.HTTP.ReadHeaderTimeout)
	}
	if cfg.Provider.PollInterval != 30*time.Second {
		t.Errorf("expected poll interval 30s, got %s", cfg.Provider.PollInterval)
	}
	if cfg.Provider.StaticAccounts["2"] != "key-two" {
		t.Errorf("expected static account 2 parsed, got %q", cfg.Provider.StaticAccounts["2"])
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"bad port":          {"SERVER_PORT", "eighty"},
		"port out of range": {"SERVER_PORT", "70000"},
		"bad duration":      {"SERVER_READ_HEADER_TIMEOUT", "soon"},
		"bad processor key": {"PROCESSOR_KEYS", "1-key-one"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			if _, err := Load(); err == nil {
				t.Errorf("expected an error for %s=%s", kv[0], kv[1])
			}
		})
	}
}
