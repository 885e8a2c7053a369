package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/berfenger/blackstartd/internal/core/domain"
	"github.com/berfenger/blackstartd/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeController struct {
	healthy      bool
	blackStart   error
	reconnect    error
	lastCause    string
	lastUser     string
	simulatedOff []string
}

func (f *fakeController) InitiateBlackStart(_ context.Context, siteId, cause string) (string, error) {
	if siteId != "site-a" {
		return "", fmt.Errorf("%s: %w", siteId, domain.ErrSiteNotFound)
	}
	f.lastCause = cause
	return "ev-1", f.blackStart
}

func (f *fakeController) TriggerManualReconnect(_ context.Context, siteId, userId string) error {
	f.lastUser = userId
	return f.reconnect
}

func (f *fakeController) GetIslandStatus(_ context.Context, siteId string) (*domain.IslandStatus, error) {
	if siteId != "site-a" {
		return nil, fmt.Errorf("%s: %w", siteId, domain.ErrSiteNotFound)
	}
	return domain.NewIslandStatus("site-a", []string{"P1"}), nil
}

func (f *fakeController) Sites(context.Context) ([]string, error) {
	return []string{"site-a"}, nil
}

func (f *fakeController) Health(context.Context) (domain.ActorHealthResponse, error) {
	return domain.ActorHealthResponse{Healthy: f.healthy}, nil
}

type fakeHistory struct {
	limit int
}

func (h *fakeHistory) Events(_ context.Context, siteId string, limit int) ([]domain.BlackStartEvent, error) {
	h.limit = limit
	return []domain.BlackStartEvent{{Id: "ev-1", SiteId: siteId, State: domain.STATE_RESTORED}}, nil
}

func (h *fakeHistory) Alerts(_ context.Context, siteId string, limit int) ([]domain.Alert, error) {
	h.limit = limit
	return []domain.Alert{{SiteId: siteId, Severity: domain.SEVERITY_WARNING}}, nil
}

func newTestHandler(ctrl *fakeController, hist *fakeHistory) http.Handler {
	opts := []Option{WithGridSimulator(func(siteId string, available bool) error {
		if !available {
			ctrl.simulatedOff = append(ctrl.simulatedOff, siteId)
		}
		return nil
	}), WithMetrics(http.NotFoundHandler())}
	if hist != nil {
		opts = append(opts, WithHistory(hist))
	}
	return newServer(util.LoadTestConfig(), ctrl, zap.NewNop(), opts...).RegisterRoutes()
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	ctrl := &fakeController{healthy: true}
	rec := do(newTestHandler(ctrl, nil), http.MethodGet, "/healthcheck", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	ctrl.healthy = false
	rec = do(newTestHandler(ctrl, nil), http.MethodGet, "/healthcheck", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusAndSites(t *testing.T) {
	h := newTestHandler(&fakeController{}, nil)

	rec := do(h, http.MethodGet, "/sites/site-a/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status domain.IslandStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, domain.STATE_STANDBY, status.State)

	rec = do(h, http.MethodGet, "/sites/unknown/status", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(h, http.MethodGet, "/sites", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sites":["site-a"]}`, rec.Body.String())
}

func TestBlackStartHandler(t *testing.T) {
	ctrl := &fakeController{}
	h := newTestHandler(ctrl, nil)

	rec := do(h, http.MethodPost, "/sites/site-a/blackstart", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"event_id":"ev-1"}`, rec.Body.String())
	assert.Equal(t, "manual trigger", ctrl.lastCause)

	rec = do(h, http.MethodPost, "/sites/site-a/blackstart", `{"cause":"planned test"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "planned test", ctrl.lastCause)

	for err, code := range map[error]int{
		domain.ErrSocBelowMinimum:      http.StatusConflict,
		domain.ErrSiteBusy:             http.StatusConflict,
		domain.ErrSiteDisabled:         http.StatusConflict,
		domain.ErrTelemetryUnavailable: http.StatusServiceUnavailable,
		context.DeadlineExceeded:       http.StatusGatewayTimeout,
	} {
		ctrl.blackStart = fmt.Errorf("site-a: %w", err)
		rec = do(h, http.MethodPost, "/sites/site-a/blackstart", "")
		assert.Equal(t, code, rec.Code, err.Error())
	}

	rec = do(h, http.MethodPost, "/sites/unknown/blackstart", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(h, http.MethodPost, "/sites/site-a/blackstart", `{"cause":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReconnectHandler(t *testing.T) {
	ctrl := &fakeController{}
	h := newTestHandler(ctrl, nil)

	rec := do(h, http.MethodPost, "/sites/site-a/reconnect", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodPost, "/sites/site-a/reconnect", `{"user_id":"ops-1"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "ops-1", ctrl.lastUser)

	req := httptest.NewRequest(http.MethodPost, "/sites/site-a/reconnect", nil)
	req.Header.Set("X-User-Id", "ops-2")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "ops-2", ctrl.lastUser)

	ctrl.reconnect = fmt.Errorf("site-a: %w", domain.ErrGridUnavailable)
	rec = do(h, http.MethodPost, "/sites/site-a/reconnect", `{"user_id":"ops-1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHistoryRoutes(t *testing.T) {
	hist := &fakeHistory{}
	h := newTestHandler(&fakeController{}, hist)

	rec := do(h, http.MethodGet, "/sites/site-a/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultHistoryLimit, hist.limit)
	var events []domain.BlackStartEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "ev-1", events[0].Id)

	rec = do(h, http.MethodGet, "/sites/site-a/alerts?limit=5000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxHistoryLimit, hist.limit)

	rec = do(h, http.MethodGet, "/sites/site-a/alerts?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// history routes are not mounted without a store
	rec = do(newTestHandler(&fakeController{}, nil), http.MethodGet, "/sites/site-a/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSimulateGrid(t *testing.T) {
	ctrl := &fakeController{}
	h := newTestHandler(ctrl, nil)

	rec := do(h, http.MethodPost, "/sites/site-a/simulate/grid", `{"available":false}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"site-a"}, ctrl.simulatedOff)
}
