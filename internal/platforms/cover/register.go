package cover

import (
	"contecbridge/internal/hass"
	"contecbridge/internal/platforms"
	"contecbridge/pkg/plugin"
)

func init() {
	plugin.MustRegister(plugin.PluginInfo{
		Name:        string(hass.DomainCover),
		Description: "Contec blinds as covers",
		Priority:    plugin.PriorityDefault,
		Factory:     NewPlatform,
		Order:       20,
	})
}

// NewPlatform creates the cover platform of an entry.
func NewPlatform(ctx *plugin.Context) (plugin.Plugin, error) {
	return platforms.New(string(hass.DomainCover), ctx, func() []hass.Entity {
		activations := ctx.Manager.BlindActivations()
		entities := make([]hass.Entity, 0, len(activations))
		for _, a := range activations {
			entities = append(entities, NewBlindCover(a))
		}
		return entities
	})
}
