package port

import (
	"context"

	"github.com/berfenger/blackstartd/internal/core/domain"
)

// GridStatusProbe samples grid health at the site's point of common coupling.
type GridStatusProbe interface {
	Measure(ctx context.Context, siteId string) (domain.GridStatus, error)
}

// CommandDispatcher sends a hardware command and waits for its acknowledgement.
// A timeout or negative acknowledgement is returned as an error.
type CommandDispatcher interface {
	Send(ctx context.Context, siteId string, cmd domain.Command) error
}

// EventRecorder persists and broadcasts black start history, alerts and status.
type EventRecorder interface {
	CreateEvent(ctx context.Context, event domain.BlackStartEvent) error
	UpdateEvent(ctx context.Context, id string, patch domain.EventPatch) error
	AppendAlert(ctx context.Context, siteId string, severity domain.Severity, title, message string) error
	BroadcastStatus(ctx context.Context, siteId string, status domain.IslandStatus) error
}

// TelemetrySource returns the latest battery/inverter reading, or
// domain.ErrTelemetryUnavailable when none is fresh.
type TelemetrySource interface {
	CurrentReading(ctx context.Context, siteId string) (*domain.TelemetryReading, error)
}

type AssetRegistry interface {
	Get(ctx context.Context, siteId string) (*domain.SiteAsset, error)
}

// SiteHardware bundles the per-site collaborators used by the control loop.
type SiteHardware struct {
	Probe      GridStatusProbe
	Dispatcher CommandDispatcher
	Telemetry  TelemetrySource
	Assets     AssetRegistry
	Recorder   EventRecorder
}
