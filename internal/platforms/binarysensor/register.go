package binarysensor

import (
	"contecbridge/internal/hass"
	"contecbridge/internal/platforms"
	"contecbridge/pkg/plugin"
)

func init() {
	plugin.MustRegister(plugin.PluginInfo{
		Name:        string(hass.DomainBinarySensor),
		Description: "Contec push-buttons as binary sensors",
		Priority:    plugin.PriorityDefault,
		Factory:     NewPlatform,
		Order:       10,
	})
}

// NewPlatform creates the binary_sensor platform of an entry.
func NewPlatform(ctx *plugin.Context) (plugin.Plugin, error) {
	return platforms.New(string(hass.DomainBinarySensor), ctx, func() []hass.Entity {
		activations := ctx.Manager.PusherActivations()
		entities := make([]hass.Entity, 0, len(activations))
		for _, a := range activations {
			entities = append(entities, NewPusherSensor(a))
		}
		return entities
	})
}
