package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/berfenger/blackstartd/internal/core/domain"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type blackStartRequest struct {
	Cause string `json:"cause"`
}

type blackStartResponse struct {
	EventId string `json:"event_id"`
}

type reconnectRequest struct {
	UserId string `json:"user_id"`
}

type simulateGridRequest struct {
	Available bool `json:"available"`
}

type sitesResponse struct {
	Sites []string `json:"sites"`
}

func (s *Server) RegisterRoutes() http.Handler {
	e := echo.New()
	e.HideBanner = true
	if s.httpLog {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())

	e.GET("/healthcheck", s.HealthCheckHandler)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics))
	}

	e.GET("/sites", s.SitesHandler)
	site := e.Group("/sites/:id")
	site.GET("/status", s.StatusHandler)
	site.POST("/blackstart", s.BlackStartHandler)
	site.POST("/reconnect", s.ReconnectHandler)
	if s.history != nil {
		site.GET("/events", s.EventsHandler)
		site.GET("/alerts", s.AlertsHandler)
	}
	if s.stream != nil {
		site.GET("/live", s.LiveHandler)
	}
	if s.simulator != nil {
		site.POST("/simulate/grid", s.SimulateGridHandler)
	}

	return e
}

func (s *Server) requestContext(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), s.timeout)
}

func (s *Server) HealthCheckHandler(c echo.Context) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	res, err := s.control.Health(ctx)
	if err != nil || !res.Healthy {
		return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
	}
	return c.String(http.StatusOK, "health_check: OK")
}

func (s *Server) SitesHandler(c echo.Context) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	ids, err := s.control.Sites(ctx)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, sitesResponse{Sites: ids})
}

func (s *Server) StatusHandler(c echo.Context) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	status, err := s.control.GetIslandStatus(ctx, c.Param("id"))
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) BlackStartHandler(c echo.Context) error {
	var req blackStartRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	if req.Cause == "" {
		req.Cause = "manual trigger"
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()
	eventId, err := s.control.InitiateBlackStart(ctx, c.Param("id"), req.Cause)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusAccepted, blackStartResponse{EventId: eventId})
}

func (s *Server) ReconnectHandler(c echo.Context) error {
	var req reconnectRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	if req.UserId == "" {
		req.UserId = c.Request().Header.Get("X-User-Id")
	}
	if req.UserId == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()
	if err := s.control.TriggerManualReconnect(ctx, c.Param("id"), req.UserId); err != nil {
		return s.httpError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) EventsHandler(c echo.Context) error {
	limit, err := historyLimit(c)
	if err != nil {
		return err
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()
	events, err := s.history.Events(ctx, c.Param("id"), limit)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, events)
}

func (s *Server) AlertsHandler(c echo.Context) error {
	limit, err := historyLimit(c)
	if err != nil {
		return err
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()
	alerts, err := s.history.Alerts(ctx, c.Param("id"), limit)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, alerts)
}

func (s *Server) SimulateGridHandler(c echo.Context) error {
	var req simulateGridRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if err := s.simulator(c.Param("id"), req.Available); err != nil {
		return s.httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// httpError maps domain errors to HTTP status codes.
func (s *Server) httpError(err error) error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrSiteNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrSiteBusy), errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrSiteDisabled), errors.Is(err, domain.ErrSocBelowMinimum),
		errors.Is(err, domain.ErrGridUnavailable):
		code = http.StatusConflict
	case errors.Is(err, domain.ErrTelemetryUnavailable):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	default:
		s.logger.Error("http: request failed", zap.Error(err))
	}
	return echo.NewHTTPError(code, err.Error())
}

func bindOptional(c echo.Context, v any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	return nil
}

func historyLimit(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
	}
	return min(limit, maxHistoryLimit), nil
}
