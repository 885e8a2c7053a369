package domain

import "errors"

var (
	ErrSiteNotFound         = errors.New("site not registered")
	ErrSiteDisabled         = errors.New("black start disabled for site")
	ErrSiteBusy             = errors.New("site is busy")
	ErrInvalidState         = errors.New("operation not allowed in current state")
	ErrSocBelowMinimum      = errors.New("state of charge below black start minimum")
	ErrTelemetryUnavailable = errors.New("telemetry unavailable")
	ErrGridUnavailable      = errors.New("grid unavailable")
)
