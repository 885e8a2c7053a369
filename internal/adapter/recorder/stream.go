package recorder

import (
	"context"
	"time"

	"github.com/berfenger/blackstartd/internal/core/domain"

	"github.com/asynkron/protoactor-go/eventstream"
)

// StreamPublisher forwards alerts and status broadcasts to an event stream.
// Event history is not published.
type StreamPublisher struct {
	stream *eventstream.EventStream
}

func NewStreamPublisher(stream *eventstream.EventStream) *StreamPublisher {
	return &StreamPublisher{stream: stream}
}

func (p *StreamPublisher) CreateEvent(context.Context, domain.BlackStartEvent) error {
	return nil
}

func (p *StreamPublisher) UpdateEvent(context.Context, string, domain.EventPatch) error {
	return nil
}

func (p *StreamPublisher) AppendAlert(_ context.Context, siteId string, severity domain.Severity, title, message string) error {
	p.stream.Publish(domain.AlertRaisedEvent{Alert: domain.Alert{
		SiteId:    siteId,
		Severity:  severity,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
	}})
	return nil
}

func (p *StreamPublisher) BroadcastStatus(_ context.Context, _ string, status domain.IslandStatus) error {
	p.stream.Publish(domain.StatusBroadcastEvent{Status: *status.Clone()})
	return nil
}
