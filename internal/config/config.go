package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"trapwatch/go-mqtt-server/internal/decoder"
	"trapwatch/go-mqtt-server/internal/gateway"
	"trapwatch/go-mqtt-server/internal/ingest"
	"trapwatch/go-mqtt-server/internal/model"
	"trapwatch/go-mqtt-server/internal/registry"
)

// Config lists the tunable parameters for the trapwatch server.
type Config struct {
	HTTPPort        int
	MQTTBindAddress string
	MetricsPort     int
	DatabasePath    string
	LogLevel        string

	VendorID   uint16
	StaleAfter time.Duration
	Variants   []model.Variant
	QueueSize  int

	UpstreamBroker   string
	UpstreamTopic    string
	AdvTopicPrefix   string
	StateTopicPrefix string

	RecordRejects bool
	MDNSEnabled   bool
}

const (
	defaultHTTPPort         = 8080
	defaultMQTTBindAddress  = ":1883"
	defaultMetricsPort      = 9090
	defaultDatabasePath     = "data/trapwatch.db"
	defaultLogLevel         = "info"
	defaultAdvTopicPrefix   = "ble"
	defaultStateTopicPrefix = "traps"

	envPrefix  = "TRAPWATCH_"
	envCfgFile = envPrefix + "CONFIG"
)

// fileConfig mirrors Config for the optional YAML overlay. Absent keys keep
// the defaults.
type fileConfig struct {
	HTTPPort         *int     `yaml:"http_port"`
	MQTTBind         *string  `yaml:"mqtt_bind"`
	MetricsPort      *int     `yaml:"metrics_port"`
	DatabasePath     *string  `yaml:"database_path"`
	LogLevel         *string  `yaml:"log_level"`
	VendorID         *string  `yaml:"vendor_id"`
	StaleAfter       *string  `yaml:"stale_after"`
	Variants         []string `yaml:"variants"`
	QueueSize        *int     `yaml:"queue_size"`
	UpstreamBroker   *string  `yaml:"upstream_broker"`
	UpstreamTopic    *string  `yaml:"upstream_topic"`
	AdvTopicPrefix   *string  `yaml:"adv_topic_prefix"`
	StateTopicPrefix *string  `yaml:"state_topic_prefix"`
	RecordRejects    *bool    `yaml:"record_rejects"`
	MDNSEnabled      *bool    `yaml:"mdns_enabled"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		HTTPPort:         defaultHTTPPort,
		MQTTBindAddress:  defaultMQTTBindAddress,
		MetricsPort:      defaultMetricsPort,
		DatabasePath:     defaultDatabasePath,
		LogLevel:         defaultLogLevel,
		VendorID:         model.VendorSwissinno,
		StaleAfter:       registry.DefaultStaleAfter,
		Variants:         []model.Variant{model.VariantBattery, model.VariantClassGuard},
		QueueSize:        ingest.DefaultQueueSize,
		AdvTopicPrefix:   defaultAdvTopicPrefix,
		StateTopicPrefix: defaultStateTopicPrefix,
		RecordRejects:    true,
		MDNSEnabled:      true,
	}
}

// Load derives configuration from defaults, then the YAML file named by
// TRAPWATCH_CONFIG, then TRAPWATCH_* environment variables.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(envCfgFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.loadEnv(os.Getenv); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setInt(&c.HTTPPort, fc.HTTPPort)
	setString(&c.MQTTBindAddress, fc.MQTTBind)
	setInt(&c.MetricsPort, fc.MetricsPort)
	setString(&c.DatabasePath, fc.DatabasePath)
	setString(&c.LogLevel, fc.LogLevel)
	setInt(&c.QueueSize, fc.QueueSize)
	setString(&c.UpstreamBroker, fc.UpstreamBroker)
	setString(&c.UpstreamTopic, fc.UpstreamTopic)
	setString(&c.AdvTopicPrefix, fc.AdvTopicPrefix)
	setString(&c.StateTopicPrefix, fc.StateTopicPrefix)
	if fc.RecordRejects != nil {
		c.RecordRejects = *fc.RecordRejects
	}
	if fc.MDNSEnabled != nil {
		c.MDNSEnabled = *fc.MDNSEnabled
	}

	if fc.VendorID != nil {
		id, err := gateway.ParseVendorID(*fc.VendorID)
		if err != nil {
			return fmt.Errorf("config file vendor_id: %w", err)
		}
		c.VendorID = id
	}
	if fc.StaleAfter != nil {
		d, err := time.ParseDuration(*fc.StaleAfter)
		if err != nil {
			return fmt.Errorf("config file stale_after: %w", err)
		}
		c.StaleAfter = d
	}
	if len(fc.Variants) > 0 {
		variants, err := parseVariants(fc.Variants)
		if err != nil {
			return fmt.Errorf("config file variants: %w", err)
		}
		c.Variants = variants
	}

	return nil
}

func (c *Config) loadEnv(getenv func(string) string) error {
	env := func(name string) string { return strings.TrimSpace(getenv(envPrefix + name)) }

	if v := env("HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid TRAPWATCH_HTTP_PORT: %w", err)
		}
		c.HTTPPort = port
	}

	if v := env("MQTT_BIND"); v != "" {
		c.MQTTBindAddress = v
	}

	if v := env("METRICS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid TRAPWATCH_METRICS_PORT: %w", err)
		}
		c.MetricsPort = port
	}

	if v := env("DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}

	if v := env("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	if v := env("VENDOR_ID"); v != "" {
		id, err := gateway.ParseVendorID(v)
		if err != nil {
			return fmt.Errorf("invalid TRAPWATCH_VENDOR_ID: %w", err)
		}
		c.VendorID = id
	}

	if v := env("STALE_AFTER"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid TRAPWATCH_STALE_AFTER: %w", err)
		}
		c.StaleAfter = d
	}

	if v := env("VARIANTS"); v != "" {
		variants, err := parseVariants(strings.Split(v, ","))
		if err != nil {
			return fmt.Errorf("invalid TRAPWATCH_VARIANTS: %w", err)
		}
		c.Variants = variants
	}

	if v := env("QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid TRAPWATCH_QUEUE_SIZE: %w", err)
		}
		c.QueueSize = n
	}

	if v := env("UPSTREAM_BROKER"); v != "" {
		c.UpstreamBroker = v
	}

	if v := env("UPSTREAM_TOPIC"); v != "" {
		c.UpstreamTopic = v
	}

	if v := env("ADV_TOPIC_PREFIX"); v != "" {
		c.AdvTopicPrefix = v
	}

	if v := env("STATE_TOPIC_PREFIX"); v != "" {
		c.StateTopicPrefix = v
	}

	if v := env("RECORD_REJECTS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid TRAPWATCH_RECORD_REJECTS: %w", err)
		}
		c.RecordRejects = b
	}

	if v := env("MDNS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid TRAPWATCH_MDNS_ENABLED: %w", err)
		}
		c.MDNSEnabled = b
	}

	return nil
}

// ApplyPersisted overlays settings saved through the HTTP API on top of the
// file configuration. TRAPWATCH_* environment variables still win. Unknown
// keys are ignored; on error c is left untouched.
func (c *Config) ApplyPersisted(values map[string]string) error {
	return c.applyPersisted(values, os.Getenv)
}

func (c *Config) applyPersisted(values map[string]string, getenv func(string) string) error {
	next := *c

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if _, err := next.setPersisted(key, values[key]); err != nil {
			return fmt.Errorf("persisted %s: %w", key, err)
		}
	}

	if err := next.loadEnv(getenv); err != nil {
		return err
	}
	if err := next.validate(); err != nil {
		return err
	}

	*c = next
	return nil
}

// ValidatePersisted reports whether key can be saved through the HTTP API and,
// if so, whether value is acceptable for it.
func ValidatePersisted(key, value string) (known bool, err error) {
	c := Default()
	return c.setPersisted(key, value)
}

func (c *Config) setPersisted(key, value string) (bool, error) {
	value = strings.TrimSpace(value)

	switch key {
	case "stale_after":
		d, err := time.ParseDuration(value)
		if err != nil {
			return true, err
		}
		if d <= 0 {
			return true, fmt.Errorf("must be positive, got %s", d)
		}
		c.StaleAfter = d
	case "log_level":
		switch strings.ToLower(value) {
		case "debug", "info", "warn", "error":
			c.LogLevel = strings.ToLower(value)
		default:
			return true, fmt.Errorf("unknown level %q", value)
		}
	case "http_port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return true, err
		}
		if port < 1 || port > 65535 {
			return true, fmt.Errorf("port %d out of range", port)
		}
		c.HTTPPort = port
	default:
		return false, nil
	}
	return true, nil
}

func (c *Config) validate() error {
	if c.StaleAfter <= 0 {
		return fmt.Errorf("stale_after must be positive, got %s", c.StaleAfter)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http port %d out of range", c.HTTPPort)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("metrics port %d out of range", c.MetricsPort)
	}
	return nil
}

// EffectiveUpstreamTopic is the subscription used against the upstream broker.
func (c Config) EffectiveUpstreamTopic() string {
	if c.UpstreamTopic != "" {
		return c.UpstreamTopic
	}
	return strings.TrimSuffix(c.AdvTopicPrefix, "/") + "/+/" + gateway.TopicSuffix
}

func parseVariants(names []string) ([]model.Variant, error) {
	var variants []model.Variant
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		v, err := decoder.ParseVariant(name)
		if err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	if len(variants) == 0 {
		return nil, fmt.Errorf("no variants given")
	}
	return variants, nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
