package integration

import (
	"sort"
	"time"
)

// EntryStatus summarises one set-up entry.
type EntryStatus struct {
	ID               string    `json:"id"`
	Address          string    `json:"address"`
	Controllers      int       `json:"controllers"`
	Connected        bool      `json:"connected"`
	Entities         int       `json:"entities"`
	FramesTx         uint64    `json:"frames_tx"`
	FramesRx         uint64    `json:"frames_rx"`
	CallbacksDropped uint64    `json:"callbacks_dropped"`
	Errors           uint64    `json:"errors"`
	Reconnects       uint64    `json:"reconnects"`
	LastActivity     time.Time `json:"last_activity"`
}

// Status returns the status of every set-up entry ordered by ID.
func (i *Integration) Status() []EntryStatus {
	i.mu.RLock()
	out := make([]EntryStatus, 0, len(i.entries))
	for id, data := range i.entries {
		stats := data.manager.Stats()
		cfg := data.manager.Configuration()
		out = append(out, EntryStatus{
			ID:               id,
			Address:          cfg.Address(),
			Controllers:      cfg.NumberOfControllers,
			Connected:        stats.Connected,
			Entities:         len(data.keys),
			FramesTx:         stats.FramesTx,
			FramesRx:         stats.FramesRx,
			CallbacksDropped: stats.CallbacksDropped,
			Errors:           stats.ErrorsTotal,
			Reconnects:       stats.ReconnectsTotal,
			LastActivity:     stats.LastActivity,
		})
	}
	i.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// HasEntry reports whether an entry is set up.
func (i *Integration) HasEntry(entryID string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.entries[entryID]
	return ok
}
