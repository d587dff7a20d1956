package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Loader reads config.yaml and applies environment overrides.
type Loader struct {
	path      string
	logger    *zap.Logger
	lookupEnv func(string) (string, bool)
	config    *Config
}

// NewLoader creates a loader for the given file. A missing file is not an
// error: everything can come from the environment.
func NewLoader(path string, logger *zap.Logger) *Loader {
	return &Loader{
		path:      path,
		logger:    logger,
		lookupEnv: os.LookupEnv,
	}
}

// Load reads, overrides, defaults and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(l.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		l.logger.Info("No config file found, using environment only", zap.String("path", l.path))
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		l.logger.Debug("Loading config", zap.String("path", l.path))
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := l.applyEnv(&cfg); err != nil {
		return nil, err
	}
	cfg.fillEntryIDs()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l.config = &cfg
	l.logger.Info("Config loaded",
		zap.Int("entries", len(cfg.Entries)),
		zap.String("mqtt_host", cfg.MQTT.Host),
		zap.Bool("homeassistant", cfg.HomeAssistant.Enabled),
		zap.Bool("influxdb", cfg.InfluxDB.Enabled),
		zap.Bool("read_only", cfg.ReadOnly))
	return &cfg, nil
}

// Get returns the last successfully loaded configuration.
func (l *Loader) Get() *Config {
	return l.config
}

func (l *Loader) applyEnv(cfg *Config) error {
	if err := l.applyEntryEnv(cfg); err != nil {
		return err
	}

	if v, ok := l.lookupEnv("MQTT_HOST"); ok {
		cfg.MQTT.Host = v
	}
	if err := l.envInt("MQTT_PORT", &cfg.MQTT.Port); err != nil {
		return err
	}
	if v, ok := l.lookupEnv("MQTT_USERNAME"); ok {
		cfg.MQTT.Username = v
	}
	if v, ok := l.lookupEnv("MQTT_PASSWORD"); ok {
		cfg.MQTT.Password = v
	}

	if v, ok := l.lookupEnv("HA_URL"); ok && v != "" {
		cfg.HomeAssistant.URL = v
		cfg.HomeAssistant.Enabled = true
	}
	if v, ok := l.lookupEnv("HA_TOKEN"); ok {
		cfg.HomeAssistant.Token = v
	}

	if err := l.envInt("API_PORT", &cfg.API.Port); err != nil {
		return err
	}
	if v, ok := l.lookupEnv("READ_ONLY"); ok {
		cfg.ReadOnly = v == "true"
	}
	return nil
}

// applyEntryEnv overrides the single entry, or creates the implicit default
// entry when the file has none.
func (l *Loader) applyEntryEnv(cfg *Config) error {
	ip, hasIP := l.lookupEnv("CONTEC_CONTROLLERS_IP")
	_, hasPort := l.lookupEnv("CONTEC_CONTROLLERS_PORT")
	_, hasCount := l.lookupEnv("CONTEC_NUMBER_OF_CONTROLLERS")
	if !hasIP && !hasPort && !hasCount {
		return nil
	}

	switch len(cfg.Entries) {
	case 0:
		cfg.Entries = append(cfg.Entries, EntryConfig{ID: DefaultEntryID})
	case 1:
	default:
		l.logger.Warn("Ignoring CONTEC_* environment overrides with multiple entries configured")
		return nil
	}

	entry := &cfg.Entries[0]
	if hasIP {
		entry.ControllersIP = ip
	}
	if err := l.envInt("CONTEC_CONTROLLERS_PORT", &entry.ControllersPort); err != nil {
		return err
	}
	return l.envInt("CONTEC_NUMBER_OF_CONTROLLERS", &entry.NumberOfControllers)
}

func (l *Loader) envInt(name string, dst *int) error {
	v, ok := l.lookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not a number", ErrInvalid, name, v)
	}
	*dst = n
	return nil
}
