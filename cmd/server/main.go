// wabot - self-healing messaging session with AI auto-replies
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/wabot/internal/ai"
	"github.com/ashureev/wabot/internal/ai/providers"
	"github.com/ashureev/wabot/internal/api"
	"github.com/ashureev/wabot/internal/config"
	"github.com/ashureev/wabot/internal/credentials"
	"github.com/ashureev/wabot/internal/identity"
	"github.com/ashureev/wabot/internal/live"
	"github.com/ashureev/wabot/internal/middleware"
	"github.com/ashureev/wabot/internal/pipeline"
	"github.com/ashureev/wabot/internal/session"
	"github.com/ashureev/wabot/internal/stats"
	"github.com/ashureev/wabot/internal/store"
	"github.com/ashureev/wabot/internal/transport/bridge"
	"github.com/ashureev/wabot/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"
)

var sessionActivity = map[session.State]string{
	session.StateQRPending: "Nuevo código QR generado",
	session.StateConnected: "WhatsApp conectado",
	session.StateClosed:    "Conexión cerrada",
	session.StateLoggedOut: "Sesión cerrada desde el teléfono",
}

func main() {
	flags := pflag.NewFlagSet("wabot", pflag.ExitOnError)
	configPath := flags.String("config", os.Getenv("WABOT_CONFIG"), "path to a TOML config file (env WABOT_CONFIG)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "ai_provider", cfg.AI.Provider, "history_backend", cfg.History.Backend)

	repo, err := openHistory(cfg)
	if err != nil {
		slog.Error("Failed to initialize history store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close history store", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("History store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("History store ready")

	var credOpts []credentials.Option
	credOpts = append(credOpts, credentials.WithLogger(logger))
	if cfg.CredentialsKeyFile != "" {
		id, err := credentials.LoadIdentityFile(cfg.CredentialsKeyFile)
		if err != nil {
			slog.Error("Failed to load credentials key", "error", err)
			os.Exit(1)
		}
		credOpts = append(credOpts, credentials.WithIdentity(id))
		slog.Info("Credentials encrypted at rest", "recipient", id.Recipient().String())
	}
	creds, err := credentials.NewFileStore(cfg.AuthDir, credOpts...)
	if err != nil {
		slog.Error("Failed to initialize credential store", "error", err)
		os.Exit(1)
	}

	// AI is optional: a provider that fails to initialize is replaced by one
	// that always answers with the error fallback.
	provider, closeProvider, err := providers.New(cfg.AI, logger)
	if err != nil {
		slog.Warn("Failed to initialize AI provider, auto-replies will use the fallback", "provider", cfg.AI.Provider, "error", err)
		provider = providers.Disabled{Reason: err.Error()}
	}
	defer func() {
		if closeErr := closeProvider(); closeErr != nil {
			slog.Warn("Failed to close AI provider", "error", closeErr)
		}
	}()
	replier := ai.NewReplier(provider,
		ai.WithSystemPrompt(cfg.AI.SystemPrompt),
		ai.WithTimeout(cfg.AI.Timeout.Duration),
		ai.WithLogger(logger),
	)

	collector := stats.New(stats.DefaultActivityCapacity)
	hub := live.NewHub(logger)

	var baseHandler *api.Handler
	lastState := session.StateIdle
	observer := func(st session.Status) {
		if st.State != lastState {
			lastState = st.State
			if desc, ok := sessionActivity[st.State]; ok {
				collector.RecordSession(desc)
			}
		}
		if baseHandler != nil {
			hub.Broadcast(baseHandler.StatusPayload(st))
		}
	}

	transport := bridge.New(cfg.Bridge.URL, cfg.Bridge.Token, bridge.WithLogger(logger))
	mgr := session.NewManager(transport, creds, session.Config{
		WatchdogTimeout: cfg.Session.WatchdogTimeout.Duration,
		ReconnectDelay:  cfg.Session.ReconnectDelay.Duration,
		LogoutTimeout:   cfg.Session.LogoutTimeout.Duration,
	}, session.WithLogger(logger), session.WithObserver(observer))

	pipe := pipeline.New(pipeline.Config{
		Workers:      cfg.Pipeline.Workers,
		QueueSize:    cfg.Pipeline.QueueSize,
		HistoryLimit: cfg.History.Limit,
		MaxTextLen:   cfg.History.MaxTextLen,
	}, repo, replier, mgr, collector, logger)
	mgr.OnMessage(func(msg session.InboundMessage) { pipe.Enqueue(msg) })

	limiter := rate.NewLimiter(rate.Limit(cfg.SendRate.PerSecond), cfg.SendRate.Burst)
	baseHandler = api.NewHandler(mgr, pipe, collector, replier.ProviderName(), limiter, logger)
	healthHandler := api.NewHealthHandler(repo, mgr)
	origins := cfg.AllowedOrigins()
	liveHandler := live.NewHandler(hub, func() any { return baseHandler.StatusPayload(mgr.Status()) }, origins)

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(origins))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Operator routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.ControlToken))
		baseHandler.RegisterRoutes(r)
		r.Get("/ws/status", liveHandler.ServeHTTP)
	})

	r.Handle("/*", web.SPAHandler())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket streams stay open
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionCtx, cancelSession := context.WithCancel(context.Background())
	sessionDone := make(chan struct{})
	go func() {
		defer close(sessionDone)
		_ = mgr.Run(sessionCtx)
	}()

	go func() {
		if err := mgr.Start(ctx); err != nil {
			slog.Warn("Initial session start interrupted", "error", err)
		}
	}()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	cancelSession()
	<-sessionDone

	if err := pipe.Close(); err != nil {
		slog.Warn("Message pipeline did not drain", "error", err)
	}

	slog.Info("Server stopped successfully")
}

func openHistory(cfg *config.Config) (store.HistoryRepository, error) {
	if cfg.History.Backend == "memory" {
		return store.NewMemory(cfg.History.Limit), nil
	}
	return store.NewSQLite(cfg.History.DBPath)
}
