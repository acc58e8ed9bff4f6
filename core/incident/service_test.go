package incident

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"roadwatch/config"
	"roadwatch/core/bus"
	"roadwatch/core/store"
	"roadwatch/core/utils"
)

func setupService(t *testing.T, pub bus.Publisher) (*Service, store.IncidentsStore) {
	t.Helper()
	cfg := &config.AppConfig{
		DBDriver: "sqlite",
		DBURL:    filepath.Join(t.TempDir(), "service.db"),
	}
	logger := utils.NewLogger()
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.ApplyMigrations(context.Background(), db, logger); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	st := store.NewIncidentsStore(db)
	return NewService(st, pub, logger), st
}

func sampleRequest() CreateRequest {
	return CreateRequest{
		Type:       "ACCIDENT",
		Level:      LevelHigh,
		Location:   "NH48",
		OccurredAt: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC),
		Source:     "sensor-7",
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	mb := bus.NewMemoryBus()
	defer mb.Close()
	svc, st := setupService(t, mb)
	ctx := context.Background()

	first, err := svc.Create(ctx, sampleRequest(), "trace-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Status != string(StatusPending) {
		t.Fatalf("status = %s, want pending", first.Status)
	}

	second, err := svc.Create(ctx, sampleRequest(), "trace-2")
	if err != nil {
		t.Fatalf("repeat create: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("repeat returned id=%d, want %d", second.ID, first.ID)
	}
	if second.Status != first.Status {
		t.Fatalf("repeat changed status to %s", second.Status)
	}

	rows, err := st.ListTimeline(ctx, first.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(rows) != 1 || rows[0].Event != EventCreated {
		t.Fatalf("expected exactly one CREATED row, got %+v", rows)
	}
}

func TestTransitionHappyPathAndIdempotency(t *testing.T) {
	mb := bus.NewMemoryBus()
	defer mb.Close()
	svc, st := setupService(t, mb)
	ctx := context.Background()

	inc, err := svc.Create(ctx, sampleRequest(), "t")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, target := range []Status{StatusConfirmed, StatusInProgress, StatusResolved} {
		inc, err = svc.Transition(ctx, inc.ID, target, TransitionRequest{Description: "Cleared"}, "t")
		if err != nil {
			t.Fatalf("transition to %s: %v", target, err)
		}
	}
	if inc.Status != string(StatusResolved) {
		t.Fatalf("status = %s, want resolved", inc.Status)
	}
	if inc.ResolvedAt == nil {
		t.Fatal("resolved_at must be set on resolution")
	}

	// A second resolve returns the same incident without a new timeline row.
	again, err := svc.Transition(ctx, inc.ID, StatusResolved, TransitionRequest{}, "t")
	if err != nil {
		t.Fatalf("repeat resolve: %v", err)
	}
	if again.ID != inc.ID || again.Status != string(StatusResolved) || again.Version != inc.Version {
		t.Fatalf("repeat resolve changed the incident: %+v", again)
	}
	rows, _ := st.ListTimeline(ctx, inc.ID)
	if len(rows) != 4 {
		t.Fatalf("expected 4 timeline rows (created+3 transitions), got %d", len(rows))
	}
	seen := map[string]struct{}{}
	for _, row := range rows {
		if _, dup := seen[row.EventKey]; dup {
			t.Fatalf("duplicate event key %s", row.EventKey)
		}
		seen[row.EventKey] = struct{}{}
	}
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	mb := bus.NewMemoryBus()
	defer mb.Close()
	svc, st := setupService(t, mb)
	ctx := context.Background()

	inc, err := svc.Create(ctx, sampleRequest(), "t")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = svc.Transition(ctx, inc.ID, StatusClosed, TransitionRequest{}, "t")
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != StatusPending || invalid.To != StatusClosed {
		t.Fatalf("error names wrong states: %+v", invalid)
	}

	fresh, _ := st.GetIncident(ctx, inc.ID)
	if fresh.Status != string(StatusPending) {
		t.Fatalf("rejected transition changed status to %s", fresh.Status)
	}
	rows, _ := st.ListTimeline(ctx, inc.ID)
	if len(rows) != 1 {
		t.Fatalf("rejected transition added timeline rows: %d", len(rows))
	}
}

func TestTransitionUnknownID(t *testing.T) {
	mb := bus.NewMemoryBus()
	defer mb.Close()
	svc, _ := setupService(t, mb)

	_, err := svc.Transition(context.Background(), 9999, StatusConfirmed, TransitionRequest{}, "t")
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

// failingPublisher rejects every publish to exercise the after-commit
// failure path.
type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, string, []byte) error {
	return errors.New("broker unavailable")
}
func (failingPublisher) Close() error { return nil }

func TestPublishFailureDoesNotRollBack(t *testing.T) {
	svc, st := setupService(t, failingPublisher{})
	ctx := context.Background()

	inc, err := svc.Create(ctx, sampleRequest(), "t")
	if err != nil {
		t.Fatalf("create must succeed despite publish failure: %v", err)
	}
	fresh, err := st.GetIncident(ctx, inc.ID)
	if err != nil || fresh == nil {
		t.Fatalf("incident not durable: %v", err)
	}
	rows, err := st.ListTimeline(ctx, inc.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected a durable timeline row, got %d", len(rows))
	}
	if rows[0].Published {
		t.Fatal("failed publish must leave the row unpublished for replay")
	}
}

// conflictOnceStore injects one optimistic-lock conflict to verify the
// automatic retry.
type conflictOnceStore struct {
	store.IncidentsStore
	fired bool
}

func (c *conflictOnceStore) UpdateIncidentStatus(ctx context.Context, inc *store.Incident, expectedVersion int, rec *store.TimelineRecord) error {
	if !c.fired {
		c.fired = true
		return store.ErrConflict
	}
	return c.IncidentsStore.UpdateIncidentStatus(ctx, inc, expectedVersion, rec)
}

func TestTransitionRetriesConflictOnce(t *testing.T) {
	mb := bus.NewMemoryBus()
	defer mb.Close()
	svc, st := setupService(t, mb)
	ctx := context.Background()

	inc, err := svc.Create(ctx, sampleRequest(), "t")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	wrapped := &conflictOnceStore{IncidentsStore: st}
	retrySvc := NewService(wrapped, mb, utils.NewLogger())
	got, err := retrySvc.Transition(ctx, inc.ID, StatusConfirmed, TransitionRequest{}, "t")
	if err != nil {
		t.Fatalf("transition should succeed on retry: %v", err)
	}
	if got.Status != string(StatusConfirmed) {
		t.Fatalf("status = %s", got.Status)
	}
	if !wrapped.fired {
		t.Fatal("injected conflict never fired")
	}
}

func TestEventOrderingPerIncident(t *testing.T) {
	mb := bus.NewMemoryBus()
	defer mb.Close()
	sub := mb.Subscribe()
	svc, _ := setupService(t, mb)
	ctx := context.Background()

	inc, err := svc.Create(ctx, sampleRequest(), "t")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, target := range []Status{StatusConfirmed, StatusInProgress, StatusResolved, StatusClosed} {
		if _, err := svc.Transition(ctx, inc.ID, target, TransitionRequest{}, "t"); err != nil {
			t.Fatalf("transition to %s: %v", target, err)
		}
	}

	wantTopics := []string{TopicCreated, TopicStatus, TopicStatus, TopicResolved, TopicStatus}
	for i, want := range wantTopics {
		fetchCtx, cancel := context.WithTimeout(ctx, time.Second)
		msg, err := sub.Fetch(fetchCtx)
		cancel()
		if err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
		if msg.Topic != want {
			t.Fatalf("message %d on topic %s, want %s", i, msg.Topic, want)
		}
	}
}

func TestResolvedEventPayload(t *testing.T) {
	mb := bus.NewMemoryBus()
	defer mb.Close()
	sub := mb.Subscribe(TopicResolved)
	svc, _ := setupService(t, mb)
	ctx := context.Background()

	inc, err := svc.Create(ctx, sampleRequest(), "t")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, target := range []Status{StatusConfirmed, StatusInProgress, StatusResolved} {
		if _, err := svc.Transition(ctx, inc.ID, target, TransitionRequest{Description: "Cleared"}, "t"); err != nil {
			t.Fatalf("transition to %s: %v", target, err)
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	msg, err := sub.Fetch(fetchCtx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	var ev ResolvedEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.ID != inc.ID || ev.Description != "Cleared" || ev.ResolvedAt.IsZero() {
		t.Fatalf("unexpected payload: %+v", ev)
	}
}
