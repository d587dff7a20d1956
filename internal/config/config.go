package config

import (
	"errors"
	"fmt"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root of config.yaml.
type Config struct {
	Entries       []EntryConfig       `yaml:"entries"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Database      DatabaseConfig      `yaml:"database"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	API           APIConfig           `yaml:"api"`
	ReadOnly      bool                `yaml:"read_only"`
}

// EntryConfig is one controller installation.
type EntryConfig struct {
	ID                  string `yaml:"id"`
	NumberOfControllers int    `yaml:"number_of_controllers"`
	ControllersIP       string `yaml:"controllers_ip"`
	ControllersPort     int    `yaml:"controllers_port"`
}

// MQTTConfig configures the broker connection and topic layout.
type MQTTConfig struct {
	Host            string          `yaml:"host"`
	Port            int             `yaml:"port"`
	ClientID        string          `yaml:"client_id"`
	Username        string          `yaml:"username"`
	Password        string          `yaml:"password"`
	TLS             bool            `yaml:"tls"`
	DiscoveryPrefix string          `yaml:"discovery_prefix"`
	BaseTopic       string          `yaml:"base_topic"`
	QoS             int             `yaml:"qos"`
	Reconnect       ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig holds reconnect delays in seconds.
type ReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// HomeAssistantConfig configures the optional websocket API connection.
type HomeAssistantConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
}

// DatabaseConfig configures the SQLite entity registry.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// InfluxDBConfig configures state history.
type InfluxDBConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`

	// BatchSize is the number of points buffered before a write.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval is in seconds.
	FlushInterval int `yaml:"flush_interval"`
}

// APIConfig configures the HTTP status API. Port 0 disables it.
type APIConfig struct {
	Port int `yaml:"port"`
}

// Default values.
const (
	DefaultEntryID         = "default"
	DefaultMQTTPort        = 1883
	DefaultMQTTClientID    = "contecbridge"
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultBaseTopic       = "contec"
	DefaultQoS             = 1
	DefaultDatabasePath    = "contecbridge.db"
	DefaultAPIPort         = 8080
	DefaultBatchSize       = 100
	DefaultFlushInterval   = 10
)

// Default returns a configuration holding every default value. Files are
// decoded on top of it so that explicit zero values survive.
func Default() Config {
	return Config{
		MQTT: MQTTConfig{
			Port:            DefaultMQTTPort,
			ClientID:        DefaultMQTTClientID,
			DiscoveryPrefix: DefaultDiscoveryPrefix,
			BaseTopic:       DefaultBaseTopic,
			QoS:             DefaultQoS,
			Reconnect:       ReconnectConfig{InitialDelay: 1, MaxDelay: 60},
		},
		Database: DatabaseConfig{Path: DefaultDatabasePath},
		InfluxDB: InfluxDBConfig{
			BatchSize:     DefaultBatchSize,
			FlushInterval: DefaultFlushInterval,
		},
		API: APIConfig{Port: DefaultAPIPort},
	}
}

// fillEntryIDs names entries that have no id.
func (c *Config) fillEntryIDs() {
	for i := range c.Entries {
		if c.Entries[i].ID != "" {
			continue
		}
		if len(c.Entries) == 1 {
			c.Entries[i].ID = DefaultEntryID
		} else {
			c.Entries[i].ID = fmt.Sprintf("entry%d", i+1)
		}
	}
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if len(c.Entries) == 0 {
		return fmt.Errorf("%w: no controller entries configured", ErrInvalid)
	}

	seen := make(map[string]bool, len(c.Entries))
	for _, e := range c.Entries {
		if seen[e.ID] {
			return fmt.Errorf("%w: duplicate entry id %q", ErrInvalid, e.ID)
		}
		seen[e.ID] = true

		if e.NumberOfControllers < 1 || e.NumberOfControllers > 255 {
			return fmt.Errorf("%w: entry %q: number_of_controllers must be 1..255, got %d",
				ErrInvalid, e.ID, e.NumberOfControllers)
		}
		if e.ControllersIP == "" {
			return fmt.Errorf("%w: entry %q: controllers_ip is required", ErrInvalid, e.ID)
		}
		if e.ControllersPort < 1 || e.ControllersPort > 65535 {
			return fmt.Errorf("%w: entry %q: controllers_port must be 1..65535, got %d",
				ErrInvalid, e.ID, e.ControllersPort)
		}
	}

	if c.MQTT.Host == "" {
		return fmt.Errorf("%w: mqtt.host is required", ErrInvalid)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("%w: mqtt.qos must be 0, 1 or 2", ErrInvalid)
	}
	if c.HomeAssistant.Enabled && (c.HomeAssistant.URL == "" || c.HomeAssistant.Token == "") {
		return fmt.Errorf("%w: homeassistant.url and homeassistant.token are required when enabled", ErrInvalid)
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		return fmt.Errorf("%w: influxdb.url and influxdb.bucket are required when enabled", ErrInvalid)
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("%w: api.port must be 0..65535", ErrInvalid)
	}
	return nil
}
