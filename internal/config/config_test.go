package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matryer/is"

	"trapwatch/go-mqtt-server/internal/model"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trapwatch.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	is := is.New(t)

	cfg, err := Load()
	is.NoErr(err)
	is.Equal(cfg.HTTPPort, 8080)
	is.Equal(cfg.MQTTBindAddress, ":1883")
	is.Equal(cfg.VendorID, model.VendorSwissinno)
	is.Equal(cfg.StaleAfter, 10*time.Minute)
	is.Equal(cfg.Variants, []model.Variant{model.VariantBattery, model.VariantClassGuard})
	is.Equal(cfg.AdvTopicPrefix, "ble")
	is.Equal(cfg.StateTopicPrefix, "traps")
	is.Equal(cfg.EffectiveUpstreamTopic(), "ble/+/advertisements")
}

func TestLoadFromEnv(t *testing.T) {
	is := is.New(t)

	t.Setenv("TRAPWATCH_HTTP_PORT", "9000")
	t.Setenv("TRAPWATCH_VENDOR_ID", "0x004c")
	t.Setenv("TRAPWATCH_STALE_AFTER", "90s")
	t.Setenv("TRAPWATCH_VARIANTS", "class-guard")
	t.Setenv("TRAPWATCH_QUEUE_SIZE", "0")
	t.Setenv("TRAPWATCH_RECORD_REJECTS", "false")
	t.Setenv("TRAPWATCH_UPSTREAM_TOPIC", "gateways/#")

	cfg, err := Load()
	is.NoErr(err)
	is.Equal(cfg.HTTPPort, 9000)
	is.Equal(cfg.VendorID, uint16(0x004C))
	is.Equal(cfg.StaleAfter, 90*time.Second)
	is.Equal(cfg.Variants, []model.Variant{model.VariantClassGuard})
	is.Equal(cfg.QueueSize, 0)
	is.True(!cfg.RecordRejects)
	is.Equal(cfg.EffectiveUpstreamTopic(), "gateways/#")
}

func TestEnvOverridesFile(t *testing.T) {
	is := is.New(t)

	path := writeFile(t, `
http_port: 7000
database_path: /var/lib/trapwatch/db.sqlite
vendor_id: "3003"
stale_after: 5m
variants: [battery]
mdns_enabled: false
adv_topic_prefix: gw
`)
	t.Setenv("TRAPWATCH_CONFIG", path)
	t.Setenv("TRAPWATCH_HTTP_PORT", "7100")

	cfg, err := Load()
	is.NoErr(err)
	is.Equal(cfg.HTTPPort, 7100) // env wins
	is.Equal(cfg.DatabasePath, "/var/lib/trapwatch/db.sqlite")
	is.Equal(cfg.VendorID, model.VendorSwissinno)
	is.Equal(cfg.StaleAfter, 5*time.Minute)
	is.Equal(cfg.Variants, []model.Variant{model.VariantBattery})
	is.True(!cfg.MDNSEnabled)
	is.Equal(cfg.EffectiveUpstreamTopic(), "gw/+/advertisements")
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"bad port", "TRAPWATCH_HTTP_PORT", "eighty"},
		{"port out of range", "TRAPWATCH_HTTP_PORT", "70000"},
		{"bad vendor", "TRAPWATCH_VENDOR_ID", "0xZZ"},
		{"bad duration", "TRAPWATCH_STALE_AFTER", "soon"},
		{"non-positive duration", "TRAPWATCH_STALE_AFTER", "0s"},
		{"unknown variant", "TRAPWATCH_VARIANTS", "battery,rocket"},
		{"bad bool", "TRAPWATCH_MDNS_ENABLED", "perhaps"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("TRAPWATCH_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestPersistedOverridesFile(t *testing.T) {
	is := is.New(t)

	path := writeFile(t, `
http_port: 7000
stale_after: 5m
log_level: warn
`)
	t.Setenv("TRAPWATCH_CONFIG", path)

	cfg, err := Load()
	is.NoErr(err)

	is.NoErr(cfg.ApplyPersisted(map[string]string{
		"stale_after": "1m",
		"log_level":   "DEBUG",
		"ui_theme":    "dark", // not ours
	}))
	is.Equal(cfg.StaleAfter, time.Minute)
	is.Equal(cfg.LogLevel, "debug")
	is.Equal(cfg.HTTPPort, 7000)
}

func TestEnvOverridesPersisted(t *testing.T) {
	is := is.New(t)

	t.Setenv("TRAPWATCH_STALE_AFTER", "2m")

	cfg, err := Load()
	is.NoErr(err)

	is.NoErr(cfg.ApplyPersisted(map[string]string{"stale_after": "1m", "http_port": "8181"}))
	is.Equal(cfg.StaleAfter, 2*time.Minute) // env wins
	is.Equal(cfg.HTTPPort, 8181)
}

func TestInvalidPersistedLeavesConfig(t *testing.T) {
	is := is.New(t)

	cfg := Default()
	err := cfg.ApplyPersisted(map[string]string{"http_port": "8181", "stale_after": "-1m"})
	is.True(err != nil)
	is.Equal(cfg.HTTPPort, 8080)
	is.Equal(cfg.StaleAfter, 10*time.Minute)
}

func TestValidatePersisted(t *testing.T) {
	tests := []struct {
		key, value string
		known, ok  bool
	}{
		{"stale_after", "90s", true, true},
		{"stale_after", "0s", true, false},
		{"log_level", "warn", true, true},
		{"log_level", "loud", true, false},
		{"http_port", "65535", true, true},
		{"http_port", "0", true, false},
		{"vendor_id", "0x0bbb", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			is := is.New(t)
			known, err := ValidatePersisted(tt.key, tt.value)
			is.Equal(known, tt.known)
			is.Equal(err == nil, tt.ok)
		})
	}
}
