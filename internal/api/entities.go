package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"contecbridge/internal/hass"
	"contecbridge/internal/integration"
)

const commandTimeout = 10 * time.Second

// EntityView is the JSON form of an entity.
type EntityView struct {
	Domain   string `json:"domain"`
	UniqueID string `json:"unique_id"`
	Name     string `json:"name"`
	State    string `json:"state"`
	Position *int   `json:"position,omitempty"`
	Device   string `json:"device"`
}

func newEntityView(e hass.Entity) EntityView {
	s := e.State()
	return EntityView{
		Domain:   string(e.Domain()),
		UniqueID: e.UniqueID(),
		Name:     e.Name(),
		State:    s.Value,
		Position: s.Position,
		Device:   e.Device().Identifier,
	}
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status  string                    `json:"status"`
	Entries []integration.EntryStatus `json:"entries"`
	Checks  map[string]string         `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Entries: s.status.Status()}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if len(s.checks) > 0 {
		resp.Checks = make(map[string]string, len(s.checks))
	}
	for _, c := range s.checks {
		if err := c.check(ctx); err != nil {
			resp.Checks[c.name] = err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Checks[c.name] = "ok"
	}
	for _, e := range resp.Entries {
		if !e.Connected {
			resp.Status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListEntities(w http.ResponseWriter, _ *http.Request) {
	entities := s.entities.Entities()
	views := make([]EntityView, 0, len(entities))
	for _, e := range entities {
		views = append(views, newEntityView(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entities": views,
		"count":    len(views),
	})
}

func entityKey(r *http.Request) hass.Key {
	return hass.Key{
		Domain:   hass.Domain(chi.URLParam(r, "domain")),
		UniqueID: chi.URLParam(r, "uid"),
	}
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	key := entityKey(r)
	e, ok := s.entities.Entity(key)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "entity not found: "+key.String())
		return
	}
	writeJSON(w, http.StatusOK, newEntityView(e))
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	key := entityKey(r)

	var cmd hass.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if cmd.Action == hass.ActionSetPosition && (cmd.Position < 0 || cmd.Position > 100) {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "position must be between 0 and 100")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	err := s.entities.Execute(ctx, key, cmd)
	switch {
	case err == nil:
	case errors.Is(err, hass.ErrUnknownEntity):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return
	case errors.Is(err, hass.ErrInvalidCommand):
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	case errors.Is(err, hass.ErrUnsupportedCommand):
		writeError(w, http.StatusBadRequest, ErrCodeUnsupported, err.Error())
		return
	default:
		s.logger.Warn("Command failed",
			zap.Stringer("entity", key),
			zap.String("action", string(cmd.Action)),
			zap.String("request_id", requestID(r)),
			zap.Error(err))
		writeError(w, http.StatusBadGateway, ErrCodeControllerFailed, err.Error())
		return
	}

	e, ok := s.entities.Entity(key)
	if !ok {
		writeJSON(w, http.StatusAccepted, nil)
		return
	}
	writeJSON(w, http.StatusOK, newEntityView(e))
}
