package recorder

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/berfenger/blackstartd/internal/core/domain"
)

// MemoryRecorder keeps events, alerts and status broadcasts in memory.
type MemoryRecorder struct {
	mu       sync.Mutex
	events   map[string]*domain.BlackStartEvent
	order    []string
	alerts   []domain.Alert
	statuses []domain.IslandStatus
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		events: make(map[string]*domain.BlackStartEvent),
	}
}

func (r *MemoryRecorder) CreateEvent(_ context.Context, event domain.BlackStartEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[event.Id]; ok {
		return fmt.Errorf("event %s already exists", event.Id)
	}
	ev := event
	ev.LoadsShed = slices.Clone(event.LoadsShed)
	r.events[event.Id] = &ev
	r.order = append(r.order, event.Id)
	return nil
}

func (r *MemoryRecorder) UpdateEvent(_ context.Context, id string, patch domain.EventPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	if !ok {
		return fmt.Errorf("event %s not found", id)
	}
	patch.Apply(ev)
	return nil
}

func (r *MemoryRecorder) AppendAlert(_ context.Context, siteId string, severity domain.Severity, title, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, domain.Alert{
		SiteId:    siteId,
		Severity:  severity,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
	})
	return nil
}

func (r *MemoryRecorder) BroadcastStatus(_ context.Context, _ string, status domain.IslandStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, *status.Clone())
	return nil
}

// Event returns a copy of the stored event.
func (r *MemoryRecorder) Event(id string) (domain.BlackStartEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	if !ok {
		return domain.BlackStartEvent{}, false
	}
	c := *ev
	c.LoadsShed = slices.Clone(ev.LoadsShed)
	return c, true
}

// Events returns copies of all events in creation order.
func (r *MemoryRecorder) Events() []domain.BlackStartEvent {
	r.mu.Lock()
	ids := slices.Clone(r.order)
	r.mu.Unlock()
	events := make([]domain.BlackStartEvent, 0, len(ids))
	for _, id := range ids {
		if ev, ok := r.Event(id); ok {
			events = append(events, ev)
		}
	}
	return events
}

func (r *MemoryRecorder) Alerts() []domain.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.alerts)
}

// AlertsWith returns the alerts of the given severity.
func (r *MemoryRecorder) AlertsWith(severity domain.Severity) []domain.Alert {
	var out []domain.Alert
	for _, a := range r.Alerts() {
		if a.Severity == severity {
			out = append(out, a)
		}
	}
	return out
}

func (r *MemoryRecorder) Statuses() []domain.IslandStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.statuses)
}
