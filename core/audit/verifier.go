// Package audit implements the consumer-side verifier: it subscribes to the
// lifecycle topics and confirms every published event against the durable
// timeline. It performs no writes and never back-pressures the write path.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"roadwatch/core/bus"
	"roadwatch/core/incident"
	"roadwatch/core/metrics"
	"roadwatch/core/store"
	"roadwatch/core/utils"
)

type Verifier struct {
	source bus.MessageSource
	store  store.IncidentsStore
	logger *utils.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

func NewVerifier(source bus.MessageSource, st store.IncidentsStore, logger *utils.Logger) *Verifier {
	return &Verifier{source: source, store: st, logger: logger}
}

func (v *Verifier) StartWithContext(ctx context.Context) {
	v.mu.Lock()
	if v.running {
		v.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	v.running = true
	v.wg.Add(1)
	v.mu.Unlock()
	go v.loop(runCtx)
}

func (v *Verifier) Stop() {
	v.mu.Lock()
	if !v.running {
		v.mu.Unlock()
		return
	}
	v.running = false
	cancel := v.cancel
	v.mu.Unlock()
	cancel()
	v.source.Close()
	v.wg.Wait()
}

func (v *Verifier) loop(ctx context.Context) {
	defer v.wg.Done()
	for {
		msg, err := v.source.Fetch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, bus.ErrClosed) {
				return
			}
			v.logger.Errorf("audit fetch: %v", err)
			continue
		}
		v.Check(ctx, msg)
	}
}

// Check recomputes the expected event key from the consumed payload and
// looks it up in the timeline. A miss means the publish has no durable
// backing (or the read replica lags the writer) and is counted, never
// dropped.
func (v *Verifier) Check(ctx context.Context, msg bus.Message) {
	key, id, err := expectedKey(msg)
	if err != nil {
		v.logger.Errorf("audit decode topic=%s: %v", msg.Topic, err)
		return
	}
	rec, err := v.store.FindTimelineByEventKey(ctx, key)
	if err != nil {
		v.logger.Errorf("audit lookup key=%s: %v", key, err)
		return
	}
	if rec == nil {
		metrics.AuditMissingTotal.WithLabelValues(msg.Topic).Inc()
		v.logger.Warnf("missing timeline entry for event topic=%s id=%d key=%s", msg.Topic, id, key)
		return
	}
	metrics.AuditCheckedTotal.WithLabelValues(msg.Topic).Inc()
	v.logger.Debugf("audit ok topic=%s id=%d key=%s", msg.Topic, id, key)
}

func expectedKey(msg bus.Message) (string, int64, error) {
	switch msg.Topic {
	case incident.TopicCreated:
		var ev incident.CreatedEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return "", 0, err
		}
		return incident.CreatedKey(ev.Source, ev.OccurredAt), ev.ID, nil
	case incident.TopicResolved:
		var ev incident.ResolvedEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return "", 0, err
		}
		return incident.TransitionKey(incident.StatusResolved, ev.ID), ev.ID, nil
	case incident.TopicStatus:
		var ev incident.StatusChangedEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return "", 0, err
		}
		return incident.TransitionKey(ev.Status, ev.ID), ev.ID, nil
	default:
		return "", 0, errors.New("unknown topic " + msg.Topic)
	}
}

// Topics is the subscription list the verifier consumes.
func Topics() []string {
	return []string{incident.TopicCreated, incident.TopicResolved, incident.TopicStatus}
}
