// Package sweeper runs the two periodic maintenance jobs: closing stale
// pending incidents as false alarms, and re-publishing timeline rows whose
// post-commit publish failed.
package sweeper

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"roadwatch/config"
	"roadwatch/core/bus"
	"roadwatch/core/incident"
	"roadwatch/core/metrics"
	"roadwatch/core/store"
	"roadwatch/core/utils"

	"github.com/robfig/cron/v3"
)

type Sweeper struct {
	cfg    config.SweeperConfig
	svc    *incident.Service
	store  store.IncidentsStore
	pub    bus.Publisher
	logger *utils.Logger
	cron   *cron.Cron
}

func New(cfg config.SweeperConfig, svc *incident.Service, st store.IncidentsStore, pub bus.Publisher, logger *utils.Logger) *Sweeper {
	return &Sweeper{cfg: cfg, svc: svc, store: st, pub: pub, logger: logger}
}

func (s *Sweeper) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.StaleSchedule, func() {
		if err := s.RunStaleSweep(context.Background()); err != nil {
			s.logger.Errorf("stale sweep: %v", err)
		}
	}); err != nil {
		return err
	}
	if _, err := c.AddFunc(s.cfg.ReplaySchedule, func() {
		if err := s.RunReplaySweep(context.Background()); err != nil {
			s.logger.Errorf("replay sweep: %v", err)
		}
	}); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	return nil
}

func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

// RunStaleSweep transitions incidents stuck in pending past the configured
// age to false_alarm. It goes through the same idempotent Transition path as
// any other caller, so a concurrent operator action on the same incident is
// harmless.
func (s *Sweeper) RunStaleSweep(ctx context.Context) error {
	if s.cfg.StalePendingAge <= 0 {
		return nil
	}
	cutoff := utils.NowUTC().Add(-s.cfg.StalePendingAge)
	stale, err := s.store.ListStalePending(ctx, cutoff, s.cfg.BatchLimit)
	if err != nil {
		return err
	}
	closed := 0
	for _, inc := range stale {
		traceID := "sweep-" + strconv.FormatInt(inc.ID, 10)
		req := incident.TransitionRequest{Notes: "auto-closed: unconfirmed past " + s.cfg.StalePendingAge.String()}
		if _, err := s.svc.Transition(ctx, inc.ID, incident.StatusFalseAlarm, req, traceID); err != nil {
			s.logger.Errorf("stale sweep transition id=%d: %v", inc.ID, err)
			continue
		}
		closed++
	}
	if closed > 0 {
		metrics.SweepAutoClosedTotal.Add(float64(closed))
		s.logger.Printf("stale sweep closed %d pending incidents", closed)
	}
	return nil
}

// RunReplaySweep re-sends events for committed timeline rows that were never
// acknowledged by the bus, restoring at-least-once delivery after publish
// failures or crashes between commit and publish.
func (s *Sweeper) RunReplaySweep(ctx context.Context) error {
	olderThan := utils.NowUTC().Add(-s.cfg.ReplayGrace)
	pending, err := s.store.ListUnpublishedTimeline(ctx, olderThan, s.cfg.BatchLimit)
	if err != nil {
		return err
	}
	replayed := 0
	for _, rec := range pending {
		topic, payload, err := s.rebuildEvent(ctx, rec)
		if err != nil {
			s.logger.Errorf("replay rebuild timeline=%d: %v", rec.ID, err)
			continue
		}
		key := strconv.FormatInt(rec.IncidentID, 10)
		if err := s.pub.Publish(ctx, topic, key, payload); err != nil {
			metrics.LifecyclePublishFailures.WithLabelValues(topic).Inc()
			s.logger.Errorf("replay publish timeline=%d topic=%s: %v", rec.ID, topic, err)
			continue
		}
		if err := s.store.MarkTimelinePublished(ctx, rec.ID); err != nil {
			s.logger.Errorf("replay mark published timeline=%d: %v", rec.ID, err)
			continue
		}
		replayed++
	}
	if replayed > 0 {
		metrics.SweepReplayedTotal.Add(float64(replayed))
		s.logger.Printf("replay sweep re-published %d events", replayed)
	}
	return nil
}

// rebuildEvent reconstructs the outbound event for a timeline row from the
// current incident record plus the row's request snapshot.
func (s *Sweeper) rebuildEvent(ctx context.Context, rec store.TimelineRecord) (string, []byte, error) {
	inc, err := s.store.GetIncident(ctx, rec.IncidentID)
	if err != nil {
		return "", nil, err
	}
	if inc == nil {
		return "", nil, &incident.NotFoundError{ID: rec.IncidentID}
	}
	switch rec.Event {
	case incident.EventCreated:
		payload, err := json.Marshal(incident.CreatedEvent{
			ID:         inc.ID,
			Type:       inc.Type,
			Level:      incident.Level(inc.Level),
			Location:   inc.Location,
			OccurredAt: inc.OccurredAt,
			Source:     inc.Source,
			CreatedAt:  inc.CreatedAt,
		})
		return incident.TopicCreated, payload, err
	case incident.EventResolved:
		var req incident.TransitionRequest
		_ = json.Unmarshal([]byte(rec.Payload), &req)
		resolvedAt := rec.EventAt
		if inc.ResolvedAt != nil {
			resolvedAt = *inc.ResolvedAt
		}
		payload, err := json.Marshal(incident.ResolvedEvent{
			ID:          inc.ID,
			ResolvedAt:  resolvedAt,
			Description: req.Description,
		})
		return incident.TopicResolved, payload, err
	default:
		var req incident.TransitionRequest
		_ = json.Unmarshal([]byte(rec.Payload), &req)
		payload, err := json.Marshal(incident.StatusChangedEvent{
			ID:        inc.ID,
			Status:    incident.Status(strings.ToLower(rec.Event)),
			Notes:     req.Notes,
			ChangedAt: rec.EventAt,
		})
		return incident.TopicStatus, payload, err
	}
}
