package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"outbound-intake-relay/pkg/agent"
	"outbound-intake-relay/pkg/calls"
	"outbound-intake-relay/pkg/config"
	"outbound-intake-relay/pkg/events"
	"outbound-intake-relay/pkg/handlers"
	"outbound-intake-relay/pkg/metrics"
	"outbound-intake-relay/pkg/relay"
	"outbound-intake-relay/pkg/server"
	"outbound-intake-relay/pkg/telephony"
	"outbound-intake-relay/pkg/tools"
)

const eventPublishTimeout = 2 * time.Second

type Service struct {
	config  *config.Config
	logger  *logrus.Logger
	metrics *metrics.Metrics

	registry  *calls.Registry
	dialer    *calls.Dialer
	scheduler *calls.RetryScheduler
	agents    *agent.Manager
	tools     *tools.Registry
	hub       *relay.Hub
	publisher events.Publisher
	rdb       *redis.Client

	handler  http.Handler
	server   *http.Server
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewService builds every component and wires them together. Redis is connected only when
// REDIS_URL is set.
func NewService(ctx context.Context, config *config.Config, logger *logrus.Logger, metrics *metrics.Metrics) (*Service, error) {
	strategy, err := telephony.NewStrategy(config, nil)
	if err != nil {
		return nil, err
	}

	registry := calls.NewRegistry(config, logger, metrics)
	dialer := calls.NewDialer(registry, strategy, config, logger, metrics)
	scheduler := calls.NewRetryScheduler(registry, dialer, config, logger, metrics)
	toolRegistry := tools.NewRegistry(logger)
	agents := agent.NewManager(config, toolRegistry, logger, metrics)
	hub := relay.NewHub(config, registry, agents, scheduler, logger, metrics)

	s := &Service{
		config:    config,
		logger:    logger,
		metrics:   metrics,
		registry:  registry,
		dialer:    dialer,
		scheduler: scheduler,
		agents:    agents,
		tools:     toolRegistry,
		hub:       hub,
		publisher: events.NopPublisher{},
		stopCh:    make(chan struct{}),
	}

	if config.RedisURL != "" {
		rdb, err := events.Connect(ctx, events.DefaultConnectionConfig(config.RedisURL), logger)
		if err != nil {
			scheduler.Stop()
			return nil, err
		}
		s.rdb = rdb
		s.publisher = events.NewStreamPublisher(rdb, config.EventsStream, logger, metrics)
		registry.OnTransition(events.TransitionHook(s.publisher, eventPublishTimeout, logger))
	}

	registry.OnPurge(toolRegistry.Forget)
	hub.OnDTMF(s.recordDTMF)

	handler := handlers.NewHandler(registry, dialer, scheduler, toolRegistry, s.publisher, s.runtimeStatus, logger)
	s.handler = server.NewRouter(handler, hub, logger)

	logger.WithFields(logrus.Fields{
		"instance_id":   config.InstanceID,
		"dial_strategy": strategy.Name(),
		"test_mode":     config.TestMode,
		"events":        s.rdb != nil,
	}).Info("Service components initialized")

	return s, nil
}

func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting outbound intake relay")

	if err := s.startHTTPServer(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	go s.cleanupRoutine(ctx)

	s.logger.WithField("instance_id", s.config.InstanceID).Info("Outbound intake relay started successfully")
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping outbound intake relay")

	s.stopOnce.Do(func() { close(s.stopCh) })
	s.scheduler.Stop()
	s.hub.Shutdown()
	s.agents.Shutdown()

	var shutdownErr error
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Error("Failed to shutdown HTTP server gracefully")
			shutdownErr = err
		}
	}

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.WithError(err).Warn("Failed to close Redis client")
		}
	}

	s.logger.Info("Outbound intake relay stopped")
	return shutdownErr
}

// Handler is the HTTP surface, websocket endpoint included
func (s *Service) Handler() http.Handler {
	return s.handler
}

func (s *Service) Dialer() *calls.Dialer {
	return s.dialer
}

func (s *Service) Registry() *calls.Registry {
	return s.registry
}

func (s *Service) startHTTPServer(ctx context.Context) error {
	s.server = server.NewHTTPServer(s.config, s.handler)

	go func() {
		s.logger.WithField("port", s.config.Port).Info("Starting HTTP server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	return nil
}

func (s *Service) cleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep closes live sessions whose telephony leg vanished, then purges expired sessions.
func (s *Service) sweep(now time.Time) {
	closed := s.hub.Sweep(now)
	purged := s.registry.Sweep(now)

	s.logger.WithFields(logrus.Fields{
		"closed_legs":     closed,
		"purged_sessions": purged,
		"relay_bridges":   s.hub.Active(),
		"agent_sessions":  s.agents.ActiveCount(),
	}).Debug("Cleanup sweep finished")
}

func (s *Service) runtimeStatus() map[string]int {
	return map[string]int{
		"relay_bridges":  s.hub.Active(),
		"agent_sessions": s.agents.ActiveCount(),
	}
}

// recordDTMF keeps keypad input with the patient's responses.
func (s *Service) recordDTMF(sessionID, digit string) {
	_, _ = s.tools.Execute(context.Background(), tools.ToolSavePatientResponse, sessionID, map[string]interface{}{
		"field": "dtmf",
		"value": digit,
	})
}
