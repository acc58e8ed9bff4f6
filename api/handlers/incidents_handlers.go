package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"roadwatch/core/incident"
	"roadwatch/core/store"
	"roadwatch/core/utils"
)

type IncidentsHandler struct {
	svc    *incident.Service
	logger *utils.Logger
}

func NewIncidentsHandler(svc *incident.Service, logger *utils.Logger) *IncidentsHandler {
	return &IncidentsHandler{svc: svc, logger: logger}
}

type createIncidentRequest struct {
	Type       string    `json:"type"`
	Level      string    `json:"level"`
	Location   string    `json:"location"`
	OccurredAt time.Time `json:"occurred_at"`
	Source     string    `json:"source"`
}

type transitionRequest struct {
	Status      string `json:"status"`
	Notes       string `json:"notes"`
	Description string `json:"description"`
	Handler     string `json:"handler"`
}

func (h *IncidentsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createIncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		jsonError(w, http.StatusBadRequest, "type is required")
		return
	}
	if strings.TrimSpace(req.Location) == "" {
		jsonError(w, http.StatusBadRequest, "location is required")
		return
	}
	if req.OccurredAt.IsZero() {
		jsonError(w, http.StatusBadRequest, "occurred_at is required")
		return
	}
	level, err := incident.ParseLevel(req.Level)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	inc, err := h.svc.Create(r.Context(), incident.CreateRequest{
		Type:       strings.TrimSpace(req.Type),
		Level:      level,
		Location:   strings.TrimSpace(req.Location),
		OccurredAt: req.OccurredAt,
		Source:     strings.TrimSpace(req.Source),
	}, traceID(r))
	if err != nil {
		h.logger.Errorf("create incident: %v", err)
		jsonError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusCreated, inc)
}

func (h *IncidentsHandler) Transition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		jsonError(w, http.StatusBadRequest, "invalid incident id")
		return
	}
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	target, err := incident.ParseStatus(req.Status)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	inc, err := h.svc.Transition(r.Context(), id, target, incident.TransitionRequest{
		Notes:       strings.TrimSpace(req.Notes),
		Description: strings.TrimSpace(req.Description),
		Handler:     strings.TrimSpace(req.Handler),
	}, traceID(r))
	if err != nil {
		h.writeTransitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (h *IncidentsHandler) writeTransitionError(w http.ResponseWriter, err error) {
	var notFound *incident.NotFoundError
	var invalid *incident.InvalidTransitionError
	switch {
	case errors.As(err, &notFound):
		jsonError(w, http.StatusNotFound, notFound.Error())
	case errors.As(err, &invalid):
		jsonError(w, http.StatusConflict, invalid.Error())
	case errors.Is(err, store.ErrConflict):
		jsonError(w, http.StatusConflict, "concurrent modification, retry the request")
	default:
		h.logger.Errorf("transition incident: %v", err)
		jsonError(w, http.StatusInternalServerError, "server error")
	}
}

func (h *IncidentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		jsonError(w, http.StatusBadRequest, "invalid incident id")
		return
	}
	inc, err := h.svc.Get(r.Context(), id)
	if err != nil {
		var notFound *incident.NotFoundError
		if errors.As(err, &notFound) {
			jsonError(w, http.StatusNotFound, notFound.Error())
			return
		}
		h.logger.Errorf("get incident: %v", err)
		jsonError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (h *IncidentsHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := store.IncidentFilter{
		Limit:  parseIntDefault(r.URL.Query().Get("limit"), 100),
		Offset: parseIntDefault(r.URL.Query().Get("offset"), 0),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, err := incident.ParseStatus(raw)
		if err != nil {
			jsonError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = string(status)
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("level")); raw != "" {
		level, err := incident.ParseLevel(raw)
		if err != nil {
			jsonError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Level = string(level)
	}
	items, err := h.svc.List(r.Context(), filter)
	if err != nil {
		h.logger.Errorf("list incidents: %v", err)
		jsonError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *IncidentsHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		jsonError(w, http.StatusBadRequest, "invalid incident id")
		return
	}
	records, err := h.svc.Timeline(r.Context(), id)
	if err != nil {
		var notFound *incident.NotFoundError
		if errors.As(err, &notFound) {
			jsonError(w, http.StatusNotFound, notFound.Error())
			return
		}
		h.logger.Errorf("incident timeline: %v", err)
		jsonError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": records})
}

func traceID(r *http.Request) string {
	return r.Header.Get("X-Trace-Id")
}
