package light

import (
	"contecbridge/internal/hass"
	"contecbridge/internal/platforms"
	"contecbridge/pkg/plugin"
)

func init() {
	plugin.MustRegister(plugin.PluginInfo{
		Name:        string(hass.DomainLight),
		Description: "Contec on/off outputs as lights",
		Priority:    plugin.PriorityDefault,
		Factory:     NewPlatform,
		Order:       30,
	})
}

// NewPlatform creates the light platform of an entry.
func NewPlatform(ctx *plugin.Context) (plugin.Plugin, error) {
	return platforms.New(string(hass.DomainLight), ctx, func() []hass.Entity {
		activations := ctx.Manager.OnOffActivations()
		entities := make([]hass.Entity, 0, len(activations))
		for _, a := range activations {
			entities = append(entities, NewOnOffLight(a))
		}
		return entities
	})
}
