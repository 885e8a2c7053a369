package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/berfenger/blackstartd/internal/config"
	"github.com/berfenger/blackstartd/internal/core/domain"

	"github.com/asynkron/protoactor-go/eventstream"
	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"
)

// Controller is the black start surface served over HTTP.
type Controller interface {
	InitiateBlackStart(ctx context.Context, siteId, cause string) (string, error)
	TriggerManualReconnect(ctx context.Context, siteId, userId string) error
	GetIslandStatus(ctx context.Context, siteId string) (*domain.IslandStatus, error)
	Sites(ctx context.Context) ([]string, error)
	Health(ctx context.Context) (domain.ActorHealthResponse, error)
}

type History interface {
	Events(ctx context.Context, siteId string, limit int) ([]domain.BlackStartEvent, error)
	Alerts(ctx context.Context, siteId string, limit int) ([]domain.Alert, error)
}

// GridSimulator toggles the utility grid of an emulated site.
type GridSimulator func(siteId string, available bool) error

type Server struct {
	port      uint
	httpLog   bool
	timeout   time.Duration
	control   Controller
	history   History
	metrics   http.Handler
	simulator GridSimulator
	stream    *eventstream.EventStream
	logger    *zap.Logger
}

type Option func(*Server)

func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

func WithGridSimulator(sim GridSimulator) Option {
	return func(s *Server) { s.simulator = sim }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

func newServer(cfg config.Config, control Controller, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		port:    cfg.Port,
		httpLog: cfg.HttpLog,
		timeout: 10 * time.Second,
		control: control,
		logger:  logger.With(zap.String("component", "http")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func NewServer(cfg config.Config, control Controller, logger *zap.Logger, opts ...Option) *http.Server {
	NewServer := newServer(cfg, control, logger, opts...)

	// Declare Server config
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", NewServer.port),
		Handler:      NewServer.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return server
}
