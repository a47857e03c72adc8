// Package app wires the pairchat server together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"pairchat/internal/api"
	"pairchat/internal/config"
	"pairchat/internal/database"
	"pairchat/internal/dispatch"
	"pairchat/internal/id"
	"pairchat/internal/identity"
	"pairchat/internal/push"
	"pairchat/internal/store"
	"pairchat/internal/telemetry"
	"pairchat/internal/websocket"
	pkgdatabase "pairchat/pkg/database"
	"pairchat/pkg/interfaces"
)

const sweepInterval = time.Minute

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config     *config.Config
	store      interfaces.Store
	telemetry  *telemetry.Telemetry
	verifier   *identity.HMACVerifier
	registry   *websocket.Registry
	relay      *push.RedisRelay
	redis      *redis.Client
	dispatcher *dispatch.Dispatcher
	httpServer *http.Server
	listener   net.Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Telemetry → Store → Identity → Registry → Push → Dispatcher → HTTP
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &Application{config: cfg}
	ok := false
	defer func() {
		if !ok {
			app.closeResources(context.Background())
		}
	}()

	tel, err := telemetry.Setup(ctx, *cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	app.telemetry = tel

	// STEP 1: Store (foundation layer)
	st, err := openStore(cfg.Database)
	if err != nil {
		return nil, err
	}
	app.store = st

	gen, err := id.NewGenerator(cfg.NodeID)
	if err != nil {
		return nil, err
	}

	// STEP 2: Identity
	verifier, err := identity.NewHMACVerifier(cfg.Auth.Secret, cfg.Auth.TokenTTL.Std())
	if err != nil {
		return nil, fmt.Errorf("failed to create token verifier: %w", err)
	}
	app.verifier = verifier

	// STEP 3: Connection registry and push path
	app.registry = websocket.NewRegistry()
	local := websocket.NewLocalPush(app.registry)
	var pushChannel interfaces.PushChannel = local
	if cfg.Redis.Enabled() {
		client, err := push.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		app.redis = client
		app.relay = push.NewRedisRelay(client, local, push.Config{
			ChannelPrefix: cfg.Redis.ChannelPrefix,
			NodeID:        strconv.FormatInt(cfg.NodeID, 10),
		})
		pushChannel = app.relay
		slog.InfoContext(ctx, "redis push relay enabled", "node_id", cfg.NodeID)
	}

	// STEP 4: Dispatcher
	app.dispatcher = dispatch.New(app.store, pushChannel, dispatch.Options{
		MaxQuestionIndex:  cfg.Barrier.MaxQuestionIndex,
		MessagesPerMinute: cfg.Messaging.MessagesPerMinute,
		NewChatID:         gen.ChatID,
	})

	// STEP 5: HTTP surface, REST and socket on one engine
	wsHandler := websocket.NewHandler(app.registry, app.dispatcher, verifier, gen, websocket.HandlerConfig{
		RequireMessageToken: cfg.WebSocket.RequireMessageToken,
		PingInterval:        cfg.WebSocket.PingInterval.Std(),
		ReadTimeout:         cfg.WebSocket.ReadTimeout.Std(),
		MaxMessageBytes:     cfg.WebSocket.MaxMessageBytes,
	})
	if app.relay != nil {
		wsHandler.SetTracker(app.relay)
	}

	apiOpts := api.Options{}
	if cfg.Telemetry.Enabled() {
		apiOpts.TracingService = cfg.Telemetry.ServiceName
	}
	apiServer := api.NewServer(app.dispatcher, app.store, app.registry, verifier, apiOpts)
	apiServer.Engine().GET("/ws", gin.WrapF(wsHandler.HandleWebSocket))

	app.httpServer = &http.Server{
		Addr:        cfg.HTTP.Addr(),
		Handler:     apiServer.Handler(),
		ReadTimeout: cfg.HTTP.ReadTimeout.Std(),
		// WriteTimeout is left to the socket writer, which sets its own deadlines
		// on hijacked connections.
	}

	ok = true
	return app, nil
}

func openStore(cfg *config.DatabaseConfig) (interfaces.Store, error) {
	if cfg.Driver == "memory" {
		slog.Warn("using in-memory store; state is lost on restart")
		return store.NewMemory(), nil
	}

	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Path
	dbConfig.MaxConnections = cfg.MaxConnections
	dbConfig.WriteTimeout = cfg.WriteTimeout.Std()
	dbConfig.WriteRetryDelay = cfg.WriteRetryDelay.Std()
	if err := dbConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	manager, err := database.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	migrations := pkgdatabase.NewMigrationManager(manager.GetDB())
	if err := migrations.ApplyMigrations(); err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	slog.Info("database ready", "path", cfg.Path)
	return manager, nil
}

// Start begins serving. It returns once the listener is bound.
func (app *Application) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = ln

	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	app.cancel = cancel

	if app.relay != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			if err := app.relay.Run(bg); err != nil {
				slog.ErrorContext(bg, "push relay stopped", "error", err)
			}
		}()
	}

	app.wg.Add(1)
	go app.sweepLimiter(bg)

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(bg, "HTTP server error", "error", err)
		}
	}()

	slog.InfoContext(ctx, "pairchat started", "addr", ln.Addr().String())
	return nil
}

// sweepLimiter drops rate-limit state for users idle longer than the configured window.
func (app *Application) sweepLimiter(ctx context.Context) {
	defer app.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	idle := app.config.Messaging.LimiterIdle.Std()
	for {
		select {
		case <-ticker.C:
			if removed := app.dispatcher.RateLimiter().Cleanup(idle); removed > 0 {
				slog.DebugContext(ctx, "rate limiter swept", "removed", removed)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → sockets → background → store
func (app *Application) Stop(ctx context.Context) error {
	slog.InfoContext(ctx, "shutting down pairchat")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	// Hijacked sockets are not tracked by Shutdown.
	app.registry.CloseAll()

	if app.cancel != nil {
		app.cancel()
	}
	app.wg.Wait()

	app.closeResources(ctx)
	slog.InfoContext(ctx, "pairchat shutdown complete")
	return errors.Join(errs...)
}

func (app *Application) closeResources(ctx context.Context) {
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			slog.ErrorContext(ctx, "store close error", "error", err)
		}
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			slog.ErrorContext(ctx, "redis close error", "error", err)
		}
	}
	if err := app.telemetry.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "telemetry shutdown error", "error", err)
	}
}

// GetAddr returns the bound address once started, else the configured one.
func (app *Application) GetAddr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Verifier issues and checks tokens with the configured secret.
func (app *Application) Verifier() *identity.HMACVerifier {
	return app.verifier
}

// Store exposes the backing store, mainly for tests and admin tooling.
func (app *Application) Store() interfaces.Store {
	return app.store
}
