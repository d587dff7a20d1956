package hass

import (
	"strings"

	"contecbridge/internal/mqtt"
)

// MQTT payloads for on/off domains and cover commands.
const (
	PayloadOn    = "ON"
	PayloadOff   = "OFF"
	PayloadOpen  = "OPEN"
	PayloadClose = "CLOSE"
)

// DiscoveryConfig is the retained discovery message of one entity.
type DiscoveryConfig struct {
	Name              string           `json:"name"`
	UniqueID          string           `json:"unique_id"`
	ObjectID          string           `json:"object_id,omitempty"`
	StateTopic        string           `json:"state_topic"`
	AvailabilityTopic string           `json:"availability_topic"`
	CommandTopic      string           `json:"command_topic,omitempty"`
	DeviceClass       string           `json:"device_class,omitempty"`
	Device            DiscoveryDevice  `json:"device"`
	Origin            *DiscoveryOrigin `json:"origin,omitempty"`

	// binary_sensor and light
	PayloadOn  string `json:"payload_on,omitempty"`
	PayloadOff string `json:"payload_off,omitempty"`

	// cover
	PositionTopic    string `json:"position_topic,omitempty"`
	SetPositionTopic string `json:"set_position_topic,omitempty"`
	PayloadOpen      string `json:"payload_open,omitempty"`
	PayloadClose     string `json:"payload_close,omitempty"`
	PositionOpen     *int   `json:"position_open,omitempty"`
	PositionClosed   *int   `json:"position_closed,omitempty"`
	StateOpen        string `json:"state_open,omitempty"`
	StateOpening     string `json:"state_opening,omitempty"`
	StateClosed      string `json:"state_closed,omitempty"`
	StateClosing     string `json:"state_closing,omitempty"`
}

// DiscoveryDevice is the device block of a discovery message.
type DiscoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

// DiscoveryOrigin identifies the bridge as the source of the entity.
type DiscoveryOrigin struct {
	Name string `json:"name"`
}

// DeviceClasses maps domains to the device class advertised for them.
var DeviceClasses = map[Domain]string{
	DomainCover: "blind",
}

// BuildDiscoveryConfig builds the discovery message for e.
func BuildDiscoveryConfig(topics mqtt.Topics, e Entity) DiscoveryConfig {
	uid := e.UniqueID()
	component := string(e.Domain())
	dev := e.Device()

	cfg := DiscoveryConfig{
		Name:              e.Name(),
		UniqueID:          uid,
		ObjectID:          "contec_" + component + "_" + strings.ReplaceAll(uid, "-", "_"),
		StateTopic:        topics.State(component, uid),
		AvailabilityTopic: topics.Availability(),
		DeviceClass:       DeviceClasses[e.Domain()],
		Device: DiscoveryDevice{
			Identifiers:  []string{dev.Identifier},
			Name:         dev.Name,
			Manufacturer: dev.Manufacturer,
			Model:        dev.Model,
		},
		Origin: &DiscoveryOrigin{Name: "contecbridge"},
	}

	switch e.Domain() {
	case DomainBinarySensor:
		cfg.PayloadOn = PayloadOn
		cfg.PayloadOff = PayloadOff

	case DomainLight:
		cfg.CommandTopic = topics.Command(component, uid)
		cfg.PayloadOn = PayloadOn
		cfg.PayloadOff = PayloadOff

	case DomainCover:
		open, closed := 100, 0
		cfg.CommandTopic = topics.Command(component, uid)
		cfg.PositionTopic = topics.Position(uid)
		cfg.SetPositionTopic = topics.SetPosition(uid)
		cfg.PayloadOpen = PayloadOpen
		cfg.PayloadClose = PayloadClose
		cfg.PositionOpen = &open
		cfg.PositionClosed = &closed
		cfg.StateOpen = StateOpen
		cfg.StateOpening = StateOpening
		cfg.StateClosed = StateClosed
		cfg.StateClosing = StateClosing
	}

	return cfg
}

// statePayload converts a state to what the state topic carries.
func statePayload(d Domain, s State) string {
	switch d {
	case DomainBinarySensor, DomainLight:
		if s.Value == StateOn {
			return PayloadOn
		}
		return PayloadOff
	default:
		return s.Value
	}
}
