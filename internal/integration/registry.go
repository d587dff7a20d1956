package integration

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"contecbridge/internal/config"
	"contecbridge/internal/ha"
	"contecbridge/internal/hass"
	"contecbridge/internal/store"
)

// syncRegistry records the entry's current entities and removes the ones a
// previous run published that the controllers no longer describe.
func (i *Integration) syncRegistry(ctx context.Context, entryID string, entities []hass.Entity) {
	if i.store == nil {
		return
	}
	logger := i.logger.With(zap.String("entry", entryID))

	current := make(map[hass.Key]bool, len(entities))
	for _, e := range entities {
		key := hass.KeyOf(e)
		current[key] = true

		err := i.store.UpsertEntity(ctx, store.Entity{
			EntryID:  entryID,
			Domain:   string(key.Domain),
			UniqueID: key.UniqueID,
			Name:     e.Name(),
		})
		if err != nil {
			logger.Warn("Failed to record entity", zap.Stringer("entity", key), zap.Error(err))
			continue
		}
		if err := i.store.RecordState(ctx, entryID, string(key.Domain), key.UniqueID, e.State().Value); err != nil {
			logger.Debug("Failed to record state", zap.Stringer("entity", key), zap.Error(err))
		}
	}

	known, err := i.store.ListEntities(ctx, entryID)
	if err != nil {
		logger.Warn("Failed to list known entities", zap.Error(err))
		return
	}
	for _, k := range known {
		key := hass.Key{Domain: hass.Domain(k.Domain), UniqueID: k.UniqueID}
		if current[key] {
			continue
		}
		if err := i.host.RemoveDiscovery(key); err != nil {
			logger.Warn("Failed to remove stale entity", zap.Stringer("entity", key), zap.Error(err))
			continue
		}
		if err := i.store.DeleteEntity(ctx, entryID, k.Domain, k.UniqueID); err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Warn("Failed to forget stale entity", zap.Stringer("entity", key), zap.Error(err))
			continue
		}
		logger.Info("Removed stale entity", zap.Stringer("entity", key))
	}
}

func notReadyID(entryID string) string {
	return "contec_" + entryID + "_not_ready"
}

// notifyNotReady raises one persistent notification per entry outage.
func (i *Integration) notifyNotReady(ctx context.Context, entry config.EntryConfig) {
	if i.notifier == nil {
		return
	}
	i.mu.Lock()
	already := i.notified[entry.ID]
	i.notified[entry.ID] = true
	i.mu.Unlock()
	if already {
		return
	}

	err := i.notifier.CreatePersistentNotification(ctx, ha.Notification{
		ID:      notReadyID(entry.ID),
		Title:   "Contec controllers unreachable",
		Message: "Could not connect to Contec controllers at " + entry.ControllersIP + ". Retrying in the background.",
	})
	if err != nil {
		i.logger.Debug("Failed to create notification", zap.String("entry", entry.ID), zap.Error(err))
	}
}

func (i *Integration) dismissNotReady(ctx context.Context, entry config.EntryConfig) {
	if i.notifier == nil {
		return
	}
	i.mu.Lock()
	was := i.notified[entry.ID]
	delete(i.notified, entry.ID)
	i.mu.Unlock()
	if !was {
		return
	}
	if err := i.notifier.DismissPersistentNotification(ctx, notReadyID(entry.ID)); err != nil {
		i.logger.Debug("Failed to dismiss notification", zap.String("entry", entry.ID), zap.Error(err))
	}
}
