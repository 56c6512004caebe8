package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config lists the tunable parameters for the meterhub server.
type Config struct {
	HTTPPort        int    `yaml:"http_port"`
	DatabasePath    string `yaml:"database_path"`
	DataDir         string `yaml:"data_dir"`
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"`
	MQTTBroker      string `yaml:"mqtt_broker"`
	MQTTClientID    string `yaml:"mqtt_client_id"`
	MQTTTopicPrefix string `yaml:"mqtt_topic_prefix"`
	MDNSEnabled     bool   `yaml:"mdns"`
}

const (
	defaultHTTPPort        = 5000
	defaultDatabasePath    = "data/meters.db"
	defaultDataDir         = "meter_data"
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultMQTTClientID    = "meterhub-server"
	defaultMQTTTopicPrefix = "meters"
)

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		HTTPPort:        defaultHTTPPort,
		DatabasePath:    defaultDatabasePath,
		DataDir:         defaultDataDir,
		LogLevel:        defaultLogLevel,
		LogFormat:       defaultLogFormat,
		MQTTClientID:    defaultMQTTClientID,
		MQTTTopicPrefix: defaultMQTTTopicPrefix,
	}
}

// Load derives configuration from defaults, an optional YAML file named by
// METERHUB_CONFIG_FILE, and environment variables (a .env file is honored), in that order.
func Load() (Config, error) {
	// A missing .env file is normal; variables may be set directly.
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("METERHUB_CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.DatabasePath == "" {
		return errors.New("database path is required")
	}
	if c.DataDir == "" {
		return errors.New("data directory is required")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", c.LogFormat)
	}
	if c.MQTTBroker != "" && c.MQTTTopicPrefix == "" {
		return errors.New("mqtt topic prefix is required when a broker is set")
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config file %s not found", path)
		}
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("METERHUB_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid METERHUB_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("METERHUB_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("METERHUB_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	if v := os.Getenv("METERHUB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("METERHUB_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	if v := os.Getenv("METERHUB_MQTT_BROKER"); v != "" {
		cfg.MQTTBroker = v
	}

	if v := os.Getenv("METERHUB_MQTT_CLIENT_ID"); v != "" {
		cfg.MQTTClientID = v
	}

	if v := os.Getenv("METERHUB_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTTTopicPrefix = v
	}

	if v := os.Getenv("METERHUB_MDNS"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid METERHUB_MDNS: %w", err)
		}
		cfg.MDNSEnabled = enabled
	}

	return nil
}
