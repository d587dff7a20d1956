package mqtt

import "fmt"

// Topics builds the topic layout shared by the bridge and Home Assistant.
type Topics struct {
	// DiscoveryPrefix is Home Assistant's discovery prefix, usually "homeassistant".
	DiscoveryPrefix string

	// Base is the prefix of the bridge's own state and command topics.
	Base string
}

// NewTopics creates a topic builder from the broker configuration values.
func NewTopics(discoveryPrefix, base string) Topics {
	return Topics{DiscoveryPrefix: discoveryPrefix, Base: base}
}

// Availability is where the bridge publishes online/offline.
func (t Topics) Availability() string {
	return t.Base + "/status"
}

// HomeAssistantStatus is where Home Assistant announces its own restarts.
func (t Topics) HomeAssistantStatus() string {
	return t.DiscoveryPrefix + "/status"
}

// Discovery returns the retained config topic of an entity.
//
// Example: homeassistant/cover/contec/1-2/config
func (t Topics) Discovery(component, uniqueID string) string {
	return fmt.Sprintf("%s/%s/contec/%s/config", t.DiscoveryPrefix, component, uniqueID)
}

// State returns the state topic of an entity.
func (t Topics) State(component, uniqueID string) string {
	return fmt.Sprintf("%s/%s/%s/state", t.Base, component, uniqueID)
}

// Position returns the position topic of a cover.
func (t Topics) Position(uniqueID string) string {
	return fmt.Sprintf("%s/cover/%s/position", t.Base, uniqueID)
}

// Command returns the command topic of an entity.
func (t Topics) Command(component, uniqueID string) string {
	return fmt.Sprintf("%s/%s/%s/set", t.Base, component, uniqueID)
}

// SetPosition returns the set-position topic of a cover.
func (t Topics) SetPosition(uniqueID string) string {
	return fmt.Sprintf("%s/cover/%s/set_position", t.Base, uniqueID)
}

// CommandWildcard matches the command topic of every entity.
func (t Topics) CommandWildcard() string {
	return t.Base + "/+/+/set"
}

// SetPositionWildcard matches the set-position topic of every cover.
func (t Topics) SetPositionWildcard() string {
	return t.Base + "/cover/+/set_position"
}
