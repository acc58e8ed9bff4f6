package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"roadwatch/config"
	"roadwatch/core/utils"
)

func setupStore(t *testing.T) IncidentsStore {
	t.Helper()
	cfg := &config.AppConfig{
		DBDriver: "sqlite",
		DBURL:    filepath.Join(t.TempDir(), "incidents.db"),
	}
	logger := utils.NewLogger()
	db, err := NewDB(cfg, logger)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := ApplyMigrations(context.Background(), db, logger); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return NewIncidentsStore(db)
}

func sampleIncident() *Incident {
	return &Incident{
		Type:       "ACCIDENT",
		Level:      "high",
		Location:   "NH48",
		Status:     "pending",
		OccurredAt: utils.NowUTC().Add(-time.Hour),
		Source:     "sensor-7",
	}
}

func TestCreateIncidentWritesTimelineAtomically(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	inc := sampleIncident()
	rec := &TimelineRecord{Event: "CREATED", EventKey: "INCIDENT_CREATED:sensor-7:1", Payload: `{"source":"sensor-7"}`, TraceID: "t-1"}
	saved, created, err := s.CreateIncident(ctx, inc, rec)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatal("expected created=true on first insert")
	}
	if saved.ID == 0 || saved.Version != 1 {
		t.Fatalf("unexpected incident: %+v", saved)
	}
	if rec.ID == 0 || rec.IncidentID != saved.ID {
		t.Fatalf("timeline row not linked: %+v", rec)
	}

	rows, err := s.ListTimeline(ctx, saved.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(rows) != 1 || rows[0].Event != "CREATED" || rows[0].Published {
		t.Fatalf("unexpected timeline: %+v", rows)
	}
}

func TestCreateIncidentDuplicateKeyReturnsWinner(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	first := sampleIncident()
	rec1 := &TimelineRecord{Event: "CREATED", EventKey: "INCIDENT_CREATED:sensor-7:99"}
	winner, created, err := s.CreateIncident(ctx, first, rec1)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}

	second := sampleIncident()
	rec2 := &TimelineRecord{Event: "CREATED", EventKey: rec1.EventKey}
	got, created, err := s.CreateIncident(ctx, second, rec2)
	if err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	if created {
		t.Fatal("duplicate event key must not create a second incident")
	}
	if got.ID != winner.ID {
		t.Fatalf("expected winner id=%d, got %d", winner.ID, got.ID)
	}

	rows, err := s.ListTimeline(ctx, winner.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one timeline row, got %d", len(rows))
	}
}

func TestUpdateIncidentStatusOptimisticLock(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	inc := sampleIncident()
	rec := &TimelineRecord{Event: "CREATED", EventKey: "k-create"}
	if _, _, err := s.CreateIncident(ctx, inc, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	inc.Status = "confirmed"
	upd := &TimelineRecord{Event: "CONFIRMED", EventKey: "k-confirm"}
	if err := s.UpdateIncidentStatus(ctx, inc, 1, upd); err != nil {
		t.Fatalf("update: %v", err)
	}
	if inc.Version != 2 {
		t.Fatalf("version = %d, want 2", inc.Version)
	}

	// A second writer holding the stale version must observe a conflict.
	stale := *inc
	stale.Status = "cancelled"
	rec2 := &TimelineRecord{Event: "CANCELLED", EventKey: "k-cancel"}
	if err := s.UpdateIncidentStatus(ctx, &stale, 1, rec2); err != ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	fresh, err := s.GetIncident(ctx, inc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fresh.Status != "confirmed" || fresh.Version != 2 {
		t.Fatalf("conflicting write leaked: %+v", fresh)
	}
	rows, _ := s.ListTimeline(ctx, inc.ID)
	if len(rows) != 2 {
		t.Fatalf("conflicting write must not add timeline rows, got %d", len(rows))
	}
}

func TestUpdateIncidentStatusDuplicateEventKey(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	inc := sampleIncident()
	if _, _, err := s.CreateIncident(ctx, inc, &TimelineRecord{Event: "CREATED", EventKey: "dup-create"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	inc.Status = "confirmed"
	if err := s.UpdateIncidentStatus(ctx, inc, 1, &TimelineRecord{Event: "CONFIRMED", EventKey: "dup-key"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	inc.Status = "in_progress"
	err := s.UpdateIncidentStatus(ctx, inc, 2, &TimelineRecord{Event: "IN_PROGRESS", EventKey: "dup-key"})
	if err != ErrDuplicateEvent {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
	// The failed transaction must roll back the status update too.
	fresh, _ := s.GetIncident(ctx, inc.ID)
	if fresh.Status != "confirmed" || fresh.Version != 2 {
		t.Fatalf("duplicate-key update leaked: %+v", fresh)
	}
}

func TestFindTimelineByEventKey(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if rec, err := s.FindTimelineByEventKey(ctx, "missing"); err != nil || rec != nil {
		t.Fatalf("expected nil,nil for missing key, got %v, %v", rec, err)
	}
	inc := sampleIncident()
	if _, _, err := s.CreateIncident(ctx, inc, &TimelineRecord{Event: "CREATED", EventKey: "present"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, err := s.FindTimelineByEventKey(ctx, "present")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if rec == nil || rec.IncidentID != inc.ID {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestUnpublishedTimelineLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	inc := sampleIncident()
	rec := &TimelineRecord{Event: "CREATED", EventKey: "pub-1"}
	if _, _, err := s.CreateIncident(ctx, inc, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	pending, err := s.ListUnpublishedTimeline(ctx, utils.NowUTC().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("list unpublished: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != rec.ID {
		t.Fatalf("unexpected pending rows: %+v", pending)
	}

	if err := s.MarkTimelinePublished(ctx, rec.ID); err != nil {
		t.Fatalf("mark published: %v", err)
	}
	pending, err = s.ListUnpublishedTimeline(ctx, utils.NowUTC().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("list unpublished: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending rows, got %d", len(pending))
	}
}

func TestListIncidentsFilter(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	a := sampleIncident()
	if _, _, err := s.CreateIncident(ctx, a, &TimelineRecord{Event: "CREATED", EventKey: "f-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	b := sampleIncident()
	b.Level = "low"
	b.Source = "sensor-8"
	if _, _, err := s.CreateIncident(ctx, b, &TimelineRecord{Event: "CREATED", EventKey: "f-2"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	b.Status = "confirmed"
	if err := s.UpdateIncidentStatus(ctx, b, 1, &TimelineRecord{Event: "CONFIRMED", EventKey: "f-3"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	pending, err := s.ListIncidents(ctx, IncidentFilter{Status: "pending"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != a.ID {
		t.Fatalf("unexpected pending list: %+v", pending)
	}
	high, err := s.ListIncidents(ctx, IncidentFilter{Level: "high"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(high) != 1 || high[0].ID != a.ID {
		t.Fatalf("unexpected level filter result: %+v", high)
	}
	all, err := s.ListIncidents(ctx, IncidentFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 incidents, got %d", len(all))
	}
}

func TestListStalePending(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	inc := sampleIncident()
	if _, _, err := s.CreateIncident(ctx, inc, &TimelineRecord{Event: "CREATED", EventKey: "stale-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	stale, err := s.ListStalePending(ctx, utils.NowUTC().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != inc.ID {
		t.Fatalf("unexpected stale list: %+v", stale)
	}
	stale, err = s.ListStalePending(ctx, utils.NowUTC().Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected no stale rows, got %d", len(stale))
	}
}
