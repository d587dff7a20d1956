package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newTestLoader(path string, env map[string]string) *Loader {
	l := NewLoader(path, zap.NewNop())
	l.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	return l
}

func TestLoader_Load(t *testing.T) {
	path := writeConfig(t, `entries:
  - id: ground_floor
    number_of_controllers: 3
    controllers_ip: 192.168.1.50
    controllers_port: 1234
  - id: first_floor
    number_of_controllers: 1
    controllers_ip: 192.168.1.51
    controllers_port: 1234
mqtt:
  host: broker.local
  qos: 0
homeassistant:
  enabled: true
  url: ws://ha.local:8123/api/websocket
  token: secret
influxdb:
  enabled: true
  url: http://influx:8086
  bucket: contec
api:
  port: 9090
read_only: true
`)

	cfg, err := newTestLoader(path, nil).Load()
	require.NoError(t, err)

	require.Len(t, cfg.Entries, 2)
	assert.Equal(t, EntryConfig{ID: "ground_floor", NumberOfControllers: 3, ControllersIP: "192.168.1.50", ControllersPort: 1234}, cfg.Entries[0])
	assert.Equal(t, "broker.local", cfg.MQTT.Host)
	assert.Equal(t, DefaultMQTTPort, cfg.MQTT.Port)
	assert.Equal(t, 0, cfg.MQTT.QoS, "explicit zero QoS survives defaults")
	assert.Equal(t, DefaultDiscoveryPrefix, cfg.MQTT.DiscoveryPrefix)
	assert.Equal(t, DefaultBaseTopic, cfg.MQTT.BaseTopic)
	assert.True(t, cfg.HomeAssistant.Enabled)
	assert.True(t, cfg.InfluxDB.Enabled)
	assert.Equal(t, DefaultBatchSize, cfg.InfluxDB.BatchSize)
	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, DefaultDatabasePath, cfg.Database.Path)
	assert.True(t, cfg.ReadOnly)
}

func TestLoader_EnvironmentOnly(t *testing.T) {
	l := newTestLoader(filepath.Join(t.TempDir(), "missing.yaml"), map[string]string{
		"CONTEC_CONTROLLERS_IP":        "10.0.0.9",
		"CONTEC_CONTROLLERS_PORT":      "4001",
		"CONTEC_NUMBER_OF_CONTROLLERS": "2",
		"MQTT_HOST":                    "mosquitto",
		"MQTT_PORT":                    "1884",
		"MQTT_USERNAME":                "bridge",
		"MQTT_PASSWORD":                "pw",
		"HA_URL":                       "ws://ha:8123/api/websocket",
		"HA_TOKEN":                     "token",
		"API_PORT":                     "0",
		"READ_ONLY":                    "true",
	})

	cfg, err := l.Load()
	require.NoError(t, err)

	require.Len(t, cfg.Entries, 1)
	assert.Equal(t, EntryConfig{ID: DefaultEntryID, NumberOfControllers: 2, ControllersIP: "10.0.0.9", ControllersPort: 4001}, cfg.Entries[0])
	assert.Equal(t, "mosquitto", cfg.MQTT.Host)
	assert.Equal(t, 1884, cfg.MQTT.Port)
	assert.Equal(t, "bridge", cfg.MQTT.Username)
	assert.Equal(t, "pw", cfg.MQTT.Password)
	assert.True(t, cfg.HomeAssistant.Enabled)
	assert.Equal(t, "token", cfg.HomeAssistant.Token)
	assert.Equal(t, 0, cfg.API.Port)
	assert.True(t, cfg.ReadOnly)
	assert.Same(t, cfg, l.Get())
}

func TestLoader_EnvironmentOverridesSingleEntry(t *testing.T) {
	path := writeConfig(t, `entries:
  - number_of_controllers: 1
    controllers_ip: 192.168.1.50
    controllers_port: 1234
mqtt:
  host: broker
`)

	cfg, err := newTestLoader(path, map[string]string{"CONTEC_CONTROLLERS_IP": "192.168.1.99"}).Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultEntryID, cfg.Entries[0].ID)
	assert.Equal(t, "192.168.1.99", cfg.Entries[0].ControllersIP)
	assert.Equal(t, 1234, cfg.Entries[0].ControllersPort)
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name   string
		config string
		env    map[string]string
	}{
		{
			name:   "no entries",
			config: "mqtt:\n  host: broker\n",
		},
		{
			name: "duplicate ids",
			config: `entries:
  - {id: a, number_of_controllers: 1, controllers_ip: 1.2.3.4, controllers_port: 1}
  - {id: a, number_of_controllers: 1, controllers_ip: 1.2.3.5, controllers_port: 1}
mqtt: {host: broker}
`,
		},
		{
			name:   "too many controllers",
			config: "entries:\n  - {number_of_controllers: 256, controllers_ip: 1.2.3.4, controllers_port: 1}\nmqtt: {host: broker}\n",
		},
		{
			name:   "port out of range",
			config: "entries:\n  - {number_of_controllers: 1, controllers_ip: 1.2.3.4, controllers_port: 70000}\nmqtt: {host: broker}\n",
		},
		{
			name:   "missing mqtt host",
			config: "entries:\n  - {number_of_controllers: 1, controllers_ip: 1.2.3.4, controllers_port: 1}\n",
		},
		{
			name:   "influx without bucket",
			config: "entries:\n  - {number_of_controllers: 1, controllers_ip: 1.2.3.4, controllers_port: 1}\nmqtt: {host: broker}\ninfluxdb: {enabled: true, url: 'http://x'}\n",
		},
		{
			name:   "bad env number",
			config: "mqtt: {host: broker}\n",
			env:    map[string]string{"CONTEC_CONTROLLERS_PORT": "abc"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestLoader(writeConfig(t, tt.config), tt.env).Load()
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := newTestLoader(writeConfig(t, "entries: [\n"), nil).Load()
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrInvalid)
	})
}
