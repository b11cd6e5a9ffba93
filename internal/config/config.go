// Package config resolves the process-wide service configuration.
//
// Configuration is parsed exactly once at startup into a ServiceConfig
// value and passed by reference; no package reads the environment after
// startup. An optional YAML overlay file can supply settings that have no
// environment form (SMTP relay, Redis, public base URL).
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// RunStoreMode selects the run-record persistence backend.
type RunStoreMode string

const (
	RunStoreFS   RunStoreMode = "fs"
	RunStoreDB   RunStoreMode = "db"
	RunStoreDual RunStoreMode = "dual"
)

// ServiceConfig is the fully resolved process configuration.
type ServiceConfig struct {
	DataDir               string
	RequireDurableDataDir bool
	MigrateOnStartup      bool

	// MaintenanceIntervalSeconds drives the retention sweeper cadence.
	// Floor is 5 seconds.
	MaintenanceIntervalSeconds int

	// SettingsKey is the 32-byte AEAD master key, or nil when secrets
	// stay plaintext at rest.
	SettingsKey []byte

	RunStoreMode        RunStoreMode
	RunStoreDatabaseURL string

	PublicBaseURL string

	SMTP  SMTPConfig
	Redis RedisConfig
}

// SMTPConfig configures the outbound mail relay. Host empty means SMTP
// delivery is not configured.
type SMTPConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	From      string `yaml:"from"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// RedisConfig configures the optional shared rate-limit backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type overlayFile struct {
	PublicBaseURL string      `yaml:"public_base_url"`
	SMTP          SMTPConfig  `yaml:"smtp"`
	Redis         RedisConfig `yaml:"redis"`
}

// FromEnv builds a ServiceConfig from the MAGIC_LINK_* environment.
// overlayPath may be "" to skip the YAML overlay.
func FromEnv(overlayPath string) (*ServiceConfig, error) {
	cfg := &ServiceConfig{
		DataDir:                    os.Getenv("MAGIC_LINK_DATA_DIR"),
		RequireDurableDataDir:      envBool("MAGIC_LINK_REQUIRE_DURABLE_DATA_DIR"),
		MigrateOnStartup:           envBool("MAGIC_LINK_MIGRATE_ON_STARTUP"),
		MaintenanceIntervalSeconds: 30,
		RunStoreMode:               RunStoreFS,
	}

	if cfg.DataDir == "" {
		cfg.DataDir = os.TempDir() + "/settld-data"
	}
	if cfg.RequireDurableDataDir && isEphemeralPath(cfg.DataDir) {
		return nil, fmt.Errorf("data dir %q is ephemeral but MAGIC_LINK_REQUIRE_DURABLE_DATA_DIR=1", cfg.DataDir)
	}

	if v := os.Getenv("MAGIC_LINK_MAINTENANCE_INTERVAL_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 5 {
			return nil, fmt.Errorf("MAGIC_LINK_MAINTENANCE_INTERVAL_SECONDS must be an integer >= 5, got %q", v)
		}
		cfg.MaintenanceIntervalSeconds = n
	}

	if v := os.Getenv("MAGIC_LINK_SETTINGS_KEY_HEX"); v != "" {
		key, err := hex.DecodeString(v)
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("MAGIC_LINK_SETTINGS_KEY_HEX must be 64 hex chars (32 bytes)")
		}
		cfg.SettingsKey = key
	}

	if v := os.Getenv("MAGIC_LINK_RUN_STORE_MODE"); v != "" {
		switch RunStoreMode(v) {
		case RunStoreFS, RunStoreDB, RunStoreDual:
			cfg.RunStoreMode = RunStoreMode(v)
		default:
			return nil, fmt.Errorf("MAGIC_LINK_RUN_STORE_MODE must be fs|db|dual, got %q", v)
		}
	}

	cfg.RunStoreDatabaseURL = os.Getenv("MAGIC_LINK_RUN_STORE_DATABASE_URL")
	if cfg.RunStoreDatabaseURL == "" {
		cfg.RunStoreDatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.RunStoreMode != RunStoreFS && cfg.RunStoreDatabaseURL == "" {
		return nil, fmt.Errorf("run store mode %q requires MAGIC_LINK_RUN_STORE_DATABASE_URL or DATABASE_URL", cfg.RunStoreMode)
	}

	if overlayPath != "" {
		if err := cfg.applyOverlay(overlayPath); err != nil {
			return nil, err
		}
	}
	if cfg.SMTP.TimeoutMs <= 0 {
		cfg.SMTP.TimeoutMs = 10_000
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	return cfg, nil
}

func (c *ServiceConfig) applyOverlay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	var ov overlayFile
	if err := yaml.NewDecoder(f).Decode(&ov); err != nil {
		return fmt.Errorf("parse config overlay %s: %w", path, err)
	}
	if ov.PublicBaseURL != "" {
		c.PublicBaseURL = strings.TrimRight(ov.PublicBaseURL, "/")
	}
	if ov.SMTP.Host != "" {
		c.SMTP = ov.SMTP
	}
	if ov.Redis.Addr != "" {
		c.Redis = ov.Redis
	}
	return nil
}

func envBool(name string) bool {
	return os.Getenv(name) == "1"
}

// isEphemeralPath reports whether the path lives under a temp root that
// does not survive reboots.
func isEphemeralPath(p string) bool {
	tmp := strings.TrimRight(os.TempDir(), "/")
	return p == tmp || strings.HasPrefix(p, tmp+"/") || strings.HasPrefix(p, "/dev/shm/")
}
