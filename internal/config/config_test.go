package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "telebots.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
telegram:
  token: "123:abc"
  admins: [100, 200]
  poll_timeout: 45s
  backoff: 10s
  mode: deferred
log:
  level: debug
  format: json
home:
  enabled: true
  mqtt_url: tcp://localhost:1883
  sensors:
    - door://front@home/door/front
khl:
  interval: 1m
`)

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if !reflect.DeepEqual(cfg.Telegram.Admins, []int64{100, 200}) {
		t.Errorf("admins = %v", cfg.Telegram.Admins)
	}
	if cfg.Telegram.PollTimeout != 45*time.Second || cfg.Telegram.Backoff != 10*time.Second {
		t.Errorf("timeouts = %v %v", cfg.Telegram.PollTimeout, cfg.Telegram.Backoff)
	}
	if cfg.Telegram.Mode != ModeDeferred {
		t.Errorf("mode = %q", cfg.Telegram.Mode)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if !cfg.Home.Enabled || len(cfg.Home.Sensors) != 1 {
		t.Errorf("home = %+v", cfg.Home)
	}
	if cfg.KHL.Interval != time.Minute || cfg.KHL.IdleTimeout != 3*time.Hour {
		t.Errorf("khl = %+v", cfg.KHL)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "telegram:\n  token: t\n  admins: [1]\n")
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.PollTimeout != 60*time.Second || cfg.Telegram.Backoff != 30*time.Second {
		t.Errorf("defaults = %v %v", cfg.Telegram.PollTimeout, cfg.Telegram.Backoff)
	}
	if cfg.Telegram.BaseURL != "https://api.telegram.org" || cfg.Telegram.Mode != ModeThread {
		t.Errorf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Home.TriggerGap != 300*time.Second || cfg.Telegram.MaxSends != 4 {
		t.Errorf("trigger gap = %v, max sends = %d", cfg.Home.TriggerGap, cfg.Telegram.MaxSends)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "telegram:\n  token: file-token\n  admins: [1]\n")
	t.Setenv("TELEBOTS_TELEGRAM_TOKEN", "env-token")
	t.Setenv("TELEBOTS_LOG_LEVEL", "warn")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Errorf("token = %q, want env override", cfg.Telegram.Token)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("level = %q", cfg.Log.Level)
	}
}

func TestLoadTokenFromSource(t *testing.T) {
	path := writeConfig(t, "telegram:\n  admins: [1]\n")
	cfg, err := Load(path, func() (string, error) { return "from-keychain", nil })
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "from-keychain" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
}

func TestLoadTokenSourceFails(t *testing.T) {
	path := writeConfig(t, "telegram:\n  admins: [1]\n")
	_, err := Load(path, func() (string, error) { return "", errors.New("no keychain") })
	if err == nil || !strings.Contains(err.Error(), "keychain") {
		t.Fatalf("expected keychain error, got %v", err)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"no admins":      "telegram:\n  token: t\n",
		"bad mode":       "telegram:\n  token: t\n  admins: [1]\n  mode: fibers\n",
		"bad level":      "telegram:\n  token: t\n  admins: [1]\nlog:\n  level: loud\n",
		"no token":       "telegram:\n  admins: [1]\n",
		"home no mqtt":   "telegram:\n  token: t\n  admins: [1]\nhome:\n  enabled: true\n",
		"limit too high": "telegram:\n  token: t\n  admins: [1]\n  poll_limit: 500\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body), nil); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestParseAdmins(t *testing.T) {
	got, err := ParseAdmins("100, 200 300")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []int64{100, 200, 300}) {
		t.Errorf("got %v", got)
	}
	if _, err := ParseAdmins("1,abc"); err == nil {
		t.Error("expected error for non-numeric id")
	}
}

func TestProxyURL(t *testing.T) {
	cfg := &Config{Telegram: TelegramConfig{Proxy: "socks5://127.0.0.1:9050"}}
	u, err := cfg.ProxyURL()
	if err != nil || u.Scheme != "socks5" || u.Host != "127.0.0.1:9050" {
		t.Errorf("ProxyURL = %v, %v", u, err)
	}
	empty := &Config{}
	if u, _ := empty.ProxyURL(); u != nil {
		t.Errorf("expected nil proxy, got %v", u)
	}
}
