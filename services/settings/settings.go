package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/nfcgate/relayd/services/logger"
)

// Config holds the complete relay daemon configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Retention RetentionConfig `koanf:"retention"`
	Admin     AdminConfig     `koanf:"admin"`
	Zmq       ZmqConfig       `koanf:"zmq"`
	Geoip     GeoipConfig     `koanf:"geoip"`
}

// ServerConfig holds the relay listener configuration.
type ServerConfig struct {
	// Host is the listen address for the relay socket.
	Host string `koanf:"host"`
	// Port is the relay TCP port.
	Port int `koanf:"port"`
	// MaxClients caps concurrent relay connections. Zero means unlimited.
	MaxClients int `koanf:"max_clients"`
}

// LogConfig holds the event logging configuration.
type LogConfig struct {
	// Dir is the directory that holds the monthly JSONL files.
	Dir string `koanf:"dir"`
	// Bytes selects how byte payloads appear in log rows: full, redact or none.
	Bytes string `koanf:"bytes"`
	// DB is the SQLite file path. Defaults to <dir>/logs.sqlite3.
	// An explicitly empty value disables the log store entirely.
	DB string `koanf:"db"`
}

// RetentionConfig holds the retention sweeper configuration.
// Zero days disables the corresponding sweep.
type RetentionConfig struct {
	DBDays       int `koanf:"db_days"`
	JsonlDays    int `koanf:"jsonl_days"`
	SweepSeconds int `koanf:"sweep_seconds"`
}

// AdminConfig holds the admin HTTP configuration.
type AdminConfig struct {
	// HTTPPort is the admin API port. Zero disables the admin API.
	HTTPPort int `koanf:"http_port"`
	// TokenTTLSeconds is the lifetime of issued admin tokens.
	TokenTTLSeconds int `koanf:"token_ttl_seconds"`
}

// ZmqConfig holds the event broadcast configuration.
type ZmqConfig struct {
	// Publisher is the PUB socket bind spec (e.g. tcp://*:5568).
	// Empty disables the broadcaster.
	Publisher string `koanf:"publisher"`
}

// GeoipConfig holds the geoip plugin configuration.
type GeoipConfig struct {
	// DB is the path of a MaxMind database file. Empty leaves the plugin inert.
	DB string `koanf:"db"`
}

// Validation errors.
var (
	ErrInvalidPort      = errors.New("server.port must be between 1 and 65535")
	ErrInvalidAdminPort = errors.New("admin.http_port must be between 0 and 65535")
	ErrEmptyLogDir      = errors.New("log.dir must not be empty")
)

// envKeyTable maps the documented environment variables to config keys.
// Variables not listed here are ignored.
var envKeyTable = map[string]string{
	"NFCGATE_HOST":                    "server.host",
	"NFCGATE_PORT":                    "server.port",
	"NFCGATE_MAX_CLIENTS":             "server.max_clients",
	"NFCGATE_LOG_DIR":                 "log.dir",
	"NFCGATE_LOG_BYTES":               "log.bytes",
	"NFCGATE_LOG_DB":                  "log.db",
	"NFCGATE_RETENTION_DB_DAYS":       "retention.db_days",
	"NFCGATE_RETENTION_JSONL_DAYS":    "retention.jsonl_days",
	"NFCGATE_RETENTION_SWEEP_SECONDS": "retention.sweep_seconds",
	"NFCGATE_ADMIN_HTTP_PORT":         "admin.http_port",
	"NFCGATE_ADMIN_TOKEN_TTL_SECONDS": "admin.token_ttl_seconds",
	"NFCGATE_ZMQ_PUBLISHER":           "zmq.publisher",
	"NFCGATE_GEOIP_DB":                "geoip.db",
}

var current *Config
var currentMutex sync.RWMutex
var configFile string

// Startup loads the daemon configuration. A broken configuration is fatal
// because every other service reads it during startup.
func Startup() {
	cfg, err := Load(configFile)
	if err != nil {
		logger.Err("Unable to load configuration: %s\n", err.Error())
		os.Exit(1)
	}

	currentMutex.Lock()
	current = cfg
	currentMutex.Unlock()

	logger.Info("Relay configuration: host=%s port=%d db=%s bytes=%s\n",
		cfg.Server.Host, cfg.Server.Port, cfg.Log.DB, cfg.Log.Bytes)
}

// Shutdown stops the settings service
func Shutdown() {
}

// SetConfigFile sets the optional YAML file loaded between the defaults and
// the environment. Must be called before Startup.
func SetConfigFile(filename string) {
	configFile = filename
}

// Current returns the live configuration
func Current() *Config {
	currentMutex.RLock()
	defer currentMutex.RUnlock()
	return current
}

// Load builds a Config from the defaults, an optional YAML file, and the
// NFCGATE_* environment variables, in that order of precedence.
func Load(filename string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if filename != "" {
		if err := k.Load(file.Provider(filename), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", filename, err)
		}
	}

	if err := k.Load(env.Provider("NFCGATE_", ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	// log.db defaults to a file inside log.dir, so it can only be derived
	// after every other layer had a chance to set either key
	if !k.Exists("log.db") {
		if err := k.Set("log.db", filepath.Join(k.String("log.dir"), "logs.sqlite3")); err != nil {
			return nil, fmt.Errorf("derive log.db: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	Normalize(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// envKeyMapper resolves an environment variable name against envKeyTable.
// Returning an empty string makes koanf skip the variable.
func envKeyMapper(s string) string {
	return envKeyTable[s]
}

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]interface{}{
		"server.host":             "0.0.0.0",
		"server.port":             5567,
		"server.max_clients":      0,
		"log.dir":                 "logs",
		"log.bytes":               "full",
		"retention.db_days":       0,
		"retention.jsonl_days":    0,
		"retention.sweep_seconds": 3600,
		"admin.http_port":         0,
		"admin.token_ttl_seconds": 86400,
		"zmq.publisher":           "",
		"geoip.db":                "",
	}

	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// Normalize coerces out-of-range values to their documented defaults.
func Normalize(cfg *Config) {
	switch cfg.Log.Bytes {
	case "full", "redact", "none":
	default:
		logger.Warn("Invalid log.bytes value %q, using full\n", cfg.Log.Bytes)
		cfg.Log.Bytes = "full"
	}

	if cfg.Retention.SweepSeconds <= 0 {
		cfg.Retention.SweepSeconds = 3600
	}
	if cfg.Retention.DBDays < 0 {
		cfg.Retention.DBDays = 0
	}
	if cfg.Retention.JsonlDays < 0 {
		cfg.Retention.JsonlDays = 0
	}
	if cfg.Admin.TokenTTLSeconds <= 0 {
		cfg.Admin.TokenTTLSeconds = 86400
	}
	if cfg.Server.MaxClients < 0 {
		cfg.Server.MaxClients = 0
	}
}

// Validate rejects configurations no service could start with.
func Validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return ErrInvalidPort
	}
	if cfg.Admin.HTTPPort < 0 || cfg.Admin.HTTPPort > 65535 {
		return ErrInvalidAdminPort
	}
	if cfg.Log.Dir == "" {
		return ErrEmptyLogDir
	}
	return nil
}
