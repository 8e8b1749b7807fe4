package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gtmgraph/gtmgraph/pkg/models"
	"github.com/gtmgraph/gtmgraph/pkg/store"
)

// subscriberBuffer bounds how many undelivered events a slow subscriber may
// hold before the bus drops its oldest and injects a lagged marker.
const subscriberBuffer = 64

// Bus persists run events and fans them out to in-process subscribers.
// Publishing is serialized per bus so stored sequence numbers and broadcast
// order always agree.
type Bus struct {
	store store.Store

	mu   sync.Mutex
	subs map[string]map[int]*subscriber // run_id -> subscriber set
	next int
}

type subscriber struct {
	ch     chan *Event
	lagged bool
}

// NewBus creates a bus backed by the given store.
func NewBus(st store.Store) *Bus {
	return &Bus{
		store: st,
		subs:  map[string]map[int]*subscriber{},
	}
}

// Publish persists the event, assigns its sequence, and broadcasts it to all
// subscribers of the run. The store write happens first so a crash between
// persist and broadcast loses only the live delivery, never the event.
func (b *Bus) Publish(ctx context.Context, runID, scenarioID, eventType string, payload map[string]any) (*Event, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := &store.EventRecord{
		ID:         models.NewEventID(),
		RunID:      runID,
		ScenarioID: scenarioID,
		Type:       eventType,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
	if err := b.store.AppendEvent(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting %s event: %w", eventType, err)
	}

	ev := fromRecord(rec)
	b.deliverLocked(runID, ev)
	return ev, nil
}

// Subscribe returns a channel of events for the run, starting after afterSeq.
// Stored history is replayed first, then live events follow with no gap.
// The channel closes when cancel is called. A subscriber that falls behind
// receives a lagged event and should reconnect with its last seen sequence.
func (b *Bus) Subscribe(ctx context.Context, runID string, afterSeq int64) (<-chan *Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// History is read while holding the publish lock, so nothing can be
	// appended between the replay query and live registration.
	history, err := b.store.EventsSince(ctx, runID, afterSeq)
	if err != nil {
		return nil, nil, fmt.Errorf("replaying events for run %s: %w", runID, err)
	}

	sub := &subscriber{ch: make(chan *Event, subscriberBuffer+len(history))}
	for _, rec := range history {
		sub.ch <- fromRecord(rec)
	}

	if b.subs[runID] == nil {
		b.subs[runID] = map[int]*subscriber{}
	}
	id := b.next
	b.next++
	b.subs[runID][id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[runID]; ok {
			if s, ok := set[id]; ok {
				delete(set, id)
				close(s.ch)
			}
			if len(set) == 0 {
				delete(b.subs, runID)
			}
		}
	}
	return sub.ch, cancel, nil
}

// SubscriberCount reports active subscribers for a run. Used by tests.
func (b *Bus) SubscriberCount(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[runID])
}

func (b *Bus) deliverLocked(runID string, ev *Event) {
	for _, sub := range b.subs[runID] {
		if sub.lagged {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Buffer full. Stop delivering and tell the client to replay
			// from the store; the sequence gap marks what was missed.
			// Dropping the oldest buffered event guarantees the marker fits.
			sub.lagged = true
			slog.Warn("Event subscriber lagged, dropping live delivery",
				"run_id", runID, "seq", ev.Seq)
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- &Event{
				RunID:     runID,
				Type:      EventTypeLagged,
				Payload:   map[string]any{"dropped_after_seq": ev.Seq - 1},
				Timestamp: time.Now().UTC(),
			}
		}
	}
}

func fromRecord(rec *store.EventRecord) *Event {
	return &Event{
		ID:         rec.ID,
		RunID:      rec.RunID,
		ScenarioID: rec.ScenarioID,
		Seq:        rec.Seq,
		Type:       rec.Type,
		Payload:    rec.Payload,
		Timestamp:  rec.CreatedAt,
	}
}
