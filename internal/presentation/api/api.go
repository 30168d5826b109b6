package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/talkline/relay/internal/infrastructure/configs"
	"github.com/talkline/relay/internal/infrastructure/logging"
	"github.com/talkline/relay/internal/infrastructure/ratelimiter"
	healthHandler "github.com/talkline/relay/internal/presentation/handler/health"
	messagesHandler "github.com/talkline/relay/internal/presentation/handler/messages"
	presenceHandler "github.com/talkline/relay/internal/presentation/handler/presence"
	websocketHandler "github.com/talkline/relay/internal/presentation/handler/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Application struct {
	config           configs.Config
	healthHandler    healthHandler.Handler
	messagesHandler  messagesHandler.Handler
	presenceHandler  presenceHandler.Handler
	websocketHandler websocketHandler.Handler
	registry         *prometheus.Registry
	logger           logging.Logger
	ratelimiter      ratelimiter.Limiter

	// onShutdown runs after the HTTP server stops accepting requests and
	// before Run returns; the relay closes live connections here.
	onShutdown func()
}

func NewApplication(
	config configs.Config,
	healthHandler healthHandler.Handler,
	messagesHandler messagesHandler.Handler,
	presenceHandler presenceHandler.Handler,
	websocketHandler websocketHandler.Handler,
	registry *prometheus.Registry,
	logger logging.Logger,
	ratelimiter ratelimiter.Limiter,
	onShutdown func(),
) *Application {
	return &Application{
		config:           config,
		healthHandler:    healthHandler,
		messagesHandler:  messagesHandler,
		presenceHandler:  presenceHandler,
		websocketHandler: websocketHandler,
		registry:         registry,
		logger:           logger,
		ratelimiter:      ratelimiter,
		onShutdown:       onShutdown,
	}
}

func (app *Application) Mount() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Use(app.enableCors)

	// The websocket route carries no request timeout: connections are
	// long-lived and bounded by their own keepalive deadlines.
	r.Get("/ws", app.websocketHandler.ServeWS)

	r.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(app.loggerMiddleware)
		r.Use(app.rateLimiterMiddleware)

		r.Post("/internal/messages", app.messagesHandler.IngestMessageHandler)

		r.Route("/presence", func(r chi.Router) {
			r.Get("/{userId}", app.presenceHandler.GetPresenceHandler)
			r.Post("/{userId}/away", app.presenceHandler.SetAwayHandler)
		})

		r.Get("/health", app.healthHandler.GetHealth)
		r.Get("/healthz", app.healthHandler.GetHealth)
		r.Get("/ready", app.healthHandler.GetHealth)
		r.Get("/live", app.healthHandler.GetHealth)
	})

	return otelhttp.NewHandler(r, "relay")
}

func (app *Application) Run(mux http.Handler) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", app.config.HTTP.Host, app.config.HTTP.Port),
		Handler:      mux,
		WriteTimeout: app.config.HTTP.WriteTimeout,
		ReadTimeout:  app.config.HTTP.ReadTimeout,
		IdleTimeout:  time.Minute,
	}

	shutdown := make(chan error)

	go func() {
		quit := make(chan os.Signal, 1)

		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		s := <-quit

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		app.logger.Info(logging.General, logging.Shutdown, "signal caught", map[logging.ExtraKey]any{
			"signal": s.String(),
		})

		shutdown <- srv.Shutdown(ctx)
	}()

	app.logger.Info(logging.General, logging.Startup, "server has started", map[logging.ExtraKey]any{
		HostAddr: srv.Addr,
	})

	err := srv.ListenAndServe()
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	err = <-shutdown
	if err != nil {
		return err
	}

	if app.onShutdown != nil {
		app.onShutdown()
	}

	app.logger.Info(logging.General, logging.Shutdown, "server has stopped", map[logging.ExtraKey]any{
		HostAddr: srv.Addr,
	})

	return nil
}

const HostAddr logging.ExtraKey = "Addr"
