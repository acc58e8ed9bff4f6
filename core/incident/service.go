package incident

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"roadwatch/core/bus"
	"roadwatch/core/metrics"
	"roadwatch/core/store"
	"roadwatch/core/utils"
)

// CreateRequest carries the natural-key fields of a reported incident. The
// serialized request is also the timeline payload for the CREATED row.
type CreateRequest struct {
	Type       string    `json:"type"`
	Level      Level     `json:"level"`
	Location   string    `json:"location"`
	OccurredAt time.Time `json:"occurredAt"`
	Source     string    `json:"source,omitempty"`
}

// TransitionRequest carries the operator-supplied context of a status change.
type TransitionRequest struct {
	Notes       string `json:"notes,omitempty"`
	Description string `json:"description,omitempty"`
	Handler     string `json:"handler,omitempty"`
}

// Service orchestrates the lifecycle pipeline: idempotency key, dedup lookup,
// state machine validation, the atomic store write, and the post-commit
// publish. All mutations funnel through Create and Transition.
type Service struct {
	store  store.IncidentsStore
	pub    bus.Publisher
	logger *utils.Logger
}

func NewService(st store.IncidentsStore, pub bus.Publisher, logger *utils.Logger) *Service {
	return &Service{store: st, pub: pub, logger: logger}
}

// Create accepts a reported incident exactly once. A repeated request with
// the same natural key returns the previously created incident unchanged,
// whether the duplicate is detected by the pre-write lookup or by losing the
// race on the unique event key.
func (s *Service) Create(ctx context.Context, req CreateRequest, traceID string) (*store.Incident, error) {
	key := CreatedKey(req.Source, req.OccurredAt)
	if existing, err := s.store.FindTimelineByEventKey(ctx, key); err != nil {
		return nil, err
	} else if existing != nil {
		s.logger.Printf("duplicate incident creation key=%s trace=%s", key, traceID)
		return s.store.GetIncident(ctx, existing.IncidentID)
	}

	inc := &store.Incident{
		Type:       req.Type,
		Level:      string(req.Level),
		Location:   req.Location,
		Status:     string(StatusPending),
		OccurredAt: req.OccurredAt.UTC(),
		Source:     req.Source,
	}
	rec := &store.TimelineRecord{
		Event:    EventCreated,
		EventKey: key,
		Payload:  marshalPayload(req),
		TraceID:  traceID,
	}
	saved, created, err := s.store.CreateIncident(ctx, inc, rec)
	if err != nil {
		return nil, err
	}
	if !created {
		s.logger.Printf("lost creation race key=%s trace=%s, returning winner id=%d", key, traceID, saved.ID)
		return saved, nil
	}

	s.publish(ctx, TopicCreated, saved.ID, CreatedEvent{
		ID:         saved.ID,
		Type:       saved.Type,
		Level:      Level(saved.Level),
		Location:   saved.Location,
		OccurredAt: saved.OccurredAt,
		Source:     saved.Source,
		CreatedAt:  saved.CreatedAt,
	}, rec.ID, traceID)
	metrics.LifecycleCreatedTotal.Inc()
	s.logger.Printf("incident created id=%d trace=%s", saved.ID, traceID)
	return saved, nil
}

// Transition moves an incident to target along a legal state machine edge.
// Optimistic-lock conflicts are retried once with a fresh read, then
// surfaced as store.ErrConflict.
func (s *Service) Transition(ctx context.Context, id int64, target Status, req TransitionRequest, traceID string) (*store.Incident, error) {
	inc, err := s.transitionOnce(ctx, id, target, req, traceID)
	if errors.Is(err, store.ErrConflict) {
		s.logger.Printf("transition conflict, retrying id=%d target=%s trace=%s", id, target, traceID)
		inc, err = s.transitionOnce(ctx, id, target, req, traceID)
	}
	return inc, err
}

func (s *Service) transitionOnce(ctx context.Context, id int64, target Status, req TransitionRequest, traceID string) (*store.Incident, error) {
	inc, err := s.store.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		return nil, &NotFoundError{ID: id}
	}
	current := Status(inc.Status)
	if current == target && (target.IsTerminal() || target == StatusResolved) {
		s.logger.Printf("incident already %s id=%d trace=%s", target, id, traceID)
		return inc, nil
	}

	key := TransitionKey(target, id)
	if existing, err := s.store.FindTimelineByEventKey(ctx, key); err != nil {
		return nil, err
	} else if existing != nil {
		s.logger.Printf("duplicate transition ignored id=%d target=%s trace=%s", id, target, traceID)
		return s.store.GetIncident(ctx, existing.IncidentID)
	}

	if !current.CanTransitionTo(target) {
		return nil, &InvalidTransitionError{From: current, To: target}
	}

	inc.Status = string(target)
	var resolvedAt time.Time
	if target == StatusResolved {
		resolvedAt = utils.NowUTC()
		inc.ResolvedAt = &resolvedAt
	}
	rec := &store.TimelineRecord{
		Event:    EventKindForStatus(target),
		EventKey: key,
		Payload:  marshalPayload(req),
		TraceID:  traceID,
	}
	if err := s.store.UpdateIncidentStatus(ctx, inc, inc.Version, rec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			metrics.LifecycleConflictsTotal.Inc()
			return nil, err
		}
		if errors.Is(err, store.ErrDuplicateEvent) {
			s.logger.Printf("concurrent duplicate transition id=%d target=%s trace=%s", id, target, traceID)
			return s.store.GetIncident(ctx, id)
		}
		return nil, err
	}

	if target == StatusResolved {
		s.publish(ctx, TopicResolved, inc.ID, ResolvedEvent{
			ID:          inc.ID,
			ResolvedAt:  resolvedAt,
			Description: req.Description,
		}, rec.ID, traceID)
		metrics.LifecycleDurationSeconds.Observe(resolvedAt.Sub(inc.OccurredAt).Seconds())
	} else {
		s.publish(ctx, TopicStatus, inc.ID, StatusChangedEvent{
			ID:        inc.ID,
			Status:    target,
			Notes:     req.Notes,
			ChangedAt: inc.UpdatedAt,
		}, rec.ID, traceID)
	}
	s.logger.Printf("incident transitioned id=%d status=%s trace=%s", inc.ID, target, traceID)
	return inc, nil
}

// Get returns the incident or NotFoundError.
func (s *Service) Get(ctx context.Context, id int64) (*store.Incident, error) {
	inc, err := s.store.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		return nil, &NotFoundError{ID: id}
	}
	return inc, nil
}

func (s *Service) List(ctx context.Context, filter store.IncidentFilter) ([]store.Incident, error) {
	return s.store.ListIncidents(ctx, filter)
}

// Timeline returns the audit rows for one incident, oldest first.
func (s *Service) Timeline(ctx context.Context, id int64) ([]store.TimelineRecord, error) {
	inc, err := s.store.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		return nil, &NotFoundError{ID: id}
	}
	return s.store.ListTimeline(ctx, id)
}

// publish sends the event after the transaction has committed. A failure is
// logged and counted; the unpublished timeline row remains for the replay
// sweep, so the request itself still succeeds.
func (s *Service) publish(ctx context.Context, topic string, incidentID int64, event any, recID int64, traceID string) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Errorf("marshal event topic=%s id=%d: %v", topic, incidentID, err)
		return
	}
	key := strconv.FormatInt(incidentID, 10)
	if err := s.pub.Publish(ctx, topic, key, payload); err != nil {
		metrics.LifecyclePublishFailures.WithLabelValues(topic).Inc()
		s.logger.Errorf("publish failed topic=%s id=%d trace=%s: %v", topic, incidentID, traceID, err)
		return
	}
	if err := s.store.MarkTimelinePublished(ctx, recID); err != nil {
		s.logger.Errorf("mark published failed timeline=%d: %v", recID, err)
	}
	s.logger.Debugf("published topic=%s id=%d trace=%s", topic, incidentID, traceID)
}

func marshalPayload(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
