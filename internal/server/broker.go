package server

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kajihq/kaji/pkg/runstate"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind gets events dropped; SSE clients recover via the
// Last-Event-ID replay on reconnect, pollers via the events endpoint.
const subscriberBuffer = 64

// Broker fans persisted run events out to in-process subscribers, one
// registry per run. It implements the orchestrator's event sink: the run
// goroutine persists each event and then hands it to Publish, so anything a
// subscriber sees is already durable.
type Broker struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[uuid.UUID]map[chan runstate.Event]struct{}
}

// NewBroker creates a broker with no subscribers.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger: logger,
		subs:   make(map[uuid.UUID]map[chan runstate.Event]struct{}),
	}
}

// Subscribe registers a new subscriber for the given run and returns its
// channel. The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(runID uuid.UUID) chan runstate.Event {
	ch := make(chan runstate.Event, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[chan runstate.Event]struct{})
	}
	b.subs[runID][ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(runID uuid.UUID, ch chan runstate.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[runID]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(b.subs, runID)
	}
	close(ch)
}

// Publish delivers an event to every subscriber of its run. Sends never
// block: a full subscriber drops the event and is expected to catch up
// through replay.
func (b *Broker) Publish(event runstate.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs[event.RunID] {
		select {
		case ch <- event:
		default:
			b.logger.Warn("broker: dropping event for slow subscriber",
				"run_id", event.RunID, "seq", event.Seq, "event_type", event.Type)
		}
	}
}

// SubscriberCount reports the number of active subscribers for a run.
func (b *Broker) SubscriberCount(runID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[runID])
}
