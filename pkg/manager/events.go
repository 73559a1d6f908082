package manager

import (
	"context"
	"sync"
	"time"

	"github.com/amirimatin/go-census/pkg/consensus"
	"github.com/amirimatin/go-census/pkg/reconcile"
)

type EventType string

const (
	EventLeaderChanged   EventType = "leader_changed"
	EventRestarted       EventType = EventType(reconcile.EventRestarted)
	EventRestartDeferred EventType = EventType(reconcile.EventRestartDeferred)
	EventReconfigured    EventType = EventType(reconcile.EventReconfigured)
	EventInitialized     EventType = EventType(reconcile.EventInitialized)
	EventFileUpdated     EventType = EventType(reconcile.EventFileUpdated)
	EventArtifactFailed  EventType = EventType(reconcile.EventArtifactFailed)
	EventHookFailed      EventType = EventType(reconcile.EventHookFailed)
	EventLeaderConflict  EventType = EventType(reconcile.EventLeaderConflict)
)

// Event is an application-consumable event. Only relevant fields for an
// event type are populated.
type Event struct {
	Type         EventType
	At           time.Time
	ServiceGroup string
	Leader       *consensus.LeaderInfo
	Phase        string
	Reason       string
	Path         string
	Err          error
}

func fromReconcile(e reconcile.Event) Event {
	ev := Event{
		Type:         EventType(e.Type),
		At:           e.At,
		ServiceGroup: e.ServiceGroup,
		Reason:       e.Reason,
		Path:         e.Path,
		Err:          e.Err,
	}
	if e.Phase != reconcile.PhaseNone {
		ev.Phase = e.Phase.String()
	}
	if e.Leader != "" {
		ev.Leader = &consensus.LeaderInfo{ID: e.Leader}
	}
	return ev
}

// Subscribe returns a channel of events. The returned channel is buffered and
// closed automatically when ctx is done. Events may be dropped if the consumer
// is too slow (best-effort delivery) to avoid back-pressuring internals.
func (m *Manager) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	m.eb.add(ch)
	go func() {
		<-ctx.Done()
		m.eb.remove(ch)
	}()
	return ch
}

// internal event bus
type eventBus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
	e.mu.Lock()
	if e.subs == nil {
		e.subs = make(map[chan Event]struct{})
	}
	e.subs[ch] = struct{}{}
	e.mu.Unlock()
}

// remove closes ch under the lock so publish never sends on a closed channel.
func (e *eventBus) remove(ch chan Event) {
	e.mu.Lock()
	if _, ok := e.subs[ch]; ok {
		delete(e.subs, ch)
		close(ch)
	}
	e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	e.mu.Lock()
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
			// drop if receiver is slow
		}
	}
	e.mu.Unlock()
}
