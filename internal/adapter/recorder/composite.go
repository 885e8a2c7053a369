package recorder

import (
	"context"
	"errors"

	"github.com/berfenger/blackstartd/internal/core/domain"
	"github.com/berfenger/blackstartd/internal/core/port"
	"github.com/berfenger/blackstartd/internal/observability"

	"go.uber.org/zap"
)

type Sink struct {
	Name     string
	Recorder port.EventRecorder
}

// Composite fans every call out to all sinks. A failing sink is logged and
// counted; the remaining sinks are still called and the joined error is returned.
type Composite struct {
	sinks   []Sink
	metrics *observability.Metrics
	logger  *zap.Logger
}

func NewComposite(metrics *observability.Metrics, logger *zap.Logger, sinks ...Sink) *Composite {
	return &Composite{
		sinks:   sinks,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "recorder")),
	}
}

func (c *Composite) CreateEvent(ctx context.Context, event domain.BlackStartEvent) error {
	return c.each("CreateEvent", func(r port.EventRecorder) error {
		return r.CreateEvent(ctx, event)
	})
}

func (c *Composite) UpdateEvent(ctx context.Context, id string, patch domain.EventPatch) error {
	return c.each("UpdateEvent", func(r port.EventRecorder) error {
		return r.UpdateEvent(ctx, id, patch)
	})
}

func (c *Composite) AppendAlert(ctx context.Context, siteId string, severity domain.Severity, title, message string) error {
	c.metrics.Alert(siteId, severity)
	return c.each("AppendAlert", func(r port.EventRecorder) error {
		return r.AppendAlert(ctx, siteId, severity, title, message)
	})
}

func (c *Composite) BroadcastStatus(ctx context.Context, siteId string, status domain.IslandStatus) error {
	c.metrics.IslandStatus(status)
	return c.each("BroadcastStatus", func(r port.EventRecorder) error {
		return r.BroadcastStatus(ctx, siteId, status)
	})
}

func (c *Composite) each(op string, fn func(port.EventRecorder) error) error {
	var errs []error
	for _, sink := range c.sinks {
		if err := fn(sink.Recorder); err != nil {
			c.logger.Error("recorder sink failed", zap.String("sink", sink.Name), zap.String("op", op), zap.Error(err))
			c.metrics.RecorderError(sink.Name)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ port.EventRecorder = (*Composite)(nil)
var _ port.EventRecorder = (*MemoryRecorder)(nil)
var _ port.EventRecorder = (*StreamPublisher)(nil)
