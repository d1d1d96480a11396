// Package server assembles the process: storage, presence, the event
// bus, the orchestration worker, the chat gateway, and the REST API on
// one echo instance.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/codeforge-ai/codeforge/ai/classifier"
	"github.com/codeforge-ai/codeforge/ai/llm"
	"github.com/codeforge-ai/codeforge/ai/orchestrator"
	"github.com/codeforge-ai/codeforge/bus"
	"github.com/codeforge-ai/codeforge/internal/metrics"
	"github.com/codeforge-ai/codeforge/internal/profile"
	"github.com/codeforge-ai/codeforge/presence"
	"github.com/codeforge-ai/codeforge/server/auth"
	"github.com/codeforge-ai/codeforge/server/gateway"
	apiv1 "github.com/codeforge-ai/codeforge/server/router/api/v1"
	"github.com/codeforge-ai/codeforge/store"
)

type Server struct {
	Profile *profile.Profile
	Store   *store.Store

	echoServer    *echo.Echo
	eventBus      bus.EventBus
	presenceStore presence.Store
	gateway       *gateway.Gateway
	worker        *orchestrator.Worker
	metrics       *metrics.Metrics
}

func NewServer(ctx context.Context, p *profile.Profile, st *store.Store) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: corsOrigins(p),
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType},
	}))

	m := metrics.New()
	authenticator := auth.NewAuthenticator(p.Secret)

	presenceStore, err := newPresenceStore(ctx, p)
	if err != nil {
		return nil, err
	}

	eventBus, err := newEventBus(p, st, m)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Profile:       p,
		Store:         st,
		echoServer:    e,
		eventBus:      eventBus,
		presenceStore: presenceStore,
		metrics:       m,
	}

	llmService, err := newLLMService(p)
	if err != nil {
		return nil, err
	}
	cl, err := classifier.New(classifier.Config{
		HeuristicThreshold: p.ClassifierHeuristicThreshold,
		LearnedThreshold:   p.ClassifierLearnedThreshold,
		LLMTimeout:         time.Duration(p.ClassifierTimeout) * time.Second,
		ModelPath:          p.ClassifierModelPath,
	}, llmService, m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create classifier")
	}

	s.gateway = gateway.New(p, st, presenceStore, eventBus, authenticator, m)
	s.gateway.RegisterRoutes(e)
	s.gateway.RegisterConsumers()

	delivery, err := newDelivery(p, eventBus)
	if err != nil {
		return nil, err
	}
	s.worker = orchestrator.NewWorker(orchestrator.Config{
		HistoryDepth:   p.HistoryDepth,
		MaxConcurrency: int64(p.BusConsumerWorkers),
		TurnTimeout:    time.Duration(p.LLMTimeout+30) * time.Second,
	}, st, cl, llmService, delivery, m)
	s.worker.Register(eventBus)

	apiService := apiv1.NewAPIV1Service(p, st, authenticator, s.gateway)
	apiService.Register(e)

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": p.Version})
	})
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	return s, nil
}

// Start begins bus consumption and serves HTTP in the background.
func (s *Server) Start(ctx context.Context) error {
	if err := s.eventBus.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start event bus")
	}
	go func() {
		address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
		if err := s.echoServer.Start(address); err != nil && err != http.ErrServerClosed {
			slog.Error("server.http.failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting connections, drains in-flight bus work, and
// closes storage.
func (s *Server) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.echoServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("server.http.shutdown_failed", "error", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(s.Profile.BusDrainSeconds)*time.Second)
	defer drainCancel()
	if err := s.eventBus.Stop(drainCtx); err != nil {
		slog.Error("server.bus.drain_failed", "error", err)
	}

	if err := s.presenceStore.Close(); err != nil {
		slog.Error("server.presence.close_failed", "error", err)
	}
	if err := s.Store.Close(); err != nil {
		slog.Error("server.store.close_failed", "error", err)
	}
	slog.Info("server.stopped")
}

func corsOrigins(p *profile.Profile) []string {
	if len(p.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return p.AllowedOrigins
}

func newPresenceStore(ctx context.Context, p *profile.Profile) (presence.Store, error) {
	if p.RedisAddr == "" {
		slog.Info("server.presence.memory")
		return presence.NewMemoryStore(time.Duration(p.PresenceTTL) * time.Second), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     p.RedisAddr,
		Password: p.RedisPassword,
		DB:       p.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		// Presence is a degradable concern; a dead redis at boot only
		// logs, the store reports everyone offline until it recovers.
		slog.Warn("server.presence.redis_unreachable", "addr", p.RedisAddr, "error", err)
	}
	return presence.NewRedisStore(client, time.Duration(p.PresenceTTL)*time.Second), nil
}

func newEventBus(p *profile.Profile, st *store.Store, m *metrics.Metrics) (bus.EventBus, error) {
	config := bus.Config{
		MaxAttempts:    p.BusMaxAttempts,
		InitialBackoff: time.Duration(p.BusBackoffSeconds) * time.Second,
		PollInterval:   time.Duration(p.BusPollMillis) * time.Millisecond,
		Workers:        p.BusConsumerWorkers,
	}
	switch p.BusMode {
	case "memory":
		return bus.NewMemoryBus(config, m), nil
	case "store":
		return bus.NewStoreBus(st, config, m), nil
	default:
		return nil, errors.Errorf("unknown bus mode %q", p.BusMode)
	}
}

func newLLMService(p *profile.Profile) (llm.Service, error) {
	if !p.IsLLMEnabled() {
		slog.Warn("server.llm.disabled")
		return nil, nil
	}
	service, err := llm.NewService(&llm.Config{
		Provider:    p.LLMProvider,
		Model:       p.LLMModel,
		APIKey:      p.LLMAPIKey,
		BaseURL:     p.LLMBaseURL,
		MaxTokens:   p.LLMMaxTokens,
		Temperature: float32(p.LLMTemperature),
		Timeout:     p.LLMTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create llm service")
	}
	go service.Warmup(context.Background())
	return service, nil
}

func newDelivery(p *profile.Profile, eventBus bus.EventBus) (orchestrator.Delivery, error) {
	switch p.DeliveryMode {
	case "bus":
		return orchestrator.NewBusDelivery(eventBus), nil
	case "callback":
		if p.CallbackBaseURL == "" {
			return nil, errors.New("callback delivery requires a base url")
		}
		return orchestrator.NewCallbackDelivery(p.CallbackBaseURL, p.CallbackToken, time.Duration(p.CallbackTimeout)*time.Second), nil
	default:
		return nil, errors.Errorf("unknown delivery mode %q", p.DeliveryMode)
	}
}
