package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"cmail-server-go/internal/domain/auth"
	"cmail-server-go/internal/domain/auth/client"
	"cmail-server-go/internal/domain/auth/model"
	oauthsrv "cmail-server-go/internal/domain/auth/oauth"
	"cmail-server-go/internal/domain/auth/store"
	"cmail-server-go/internal/domain/eventbus"
	"cmail-server-go/internal/domain/verification"
	platformconfig "cmail-server-go/internal/platform/config"
	platformerrors "cmail-server-go/internal/platform/errors"
	platformlogging "cmail-server-go/internal/platform/logging"
	platformobservability "cmail-server-go/internal/platform/observability"
	platformstorage "cmail-server-go/internal/platform/storage"
	httptransport "cmail-server-go/internal/transport/http"
	httpoauth "cmail-server-go/internal/transport/http/oauth"
	httpverification "cmail-server-go/internal/transport/http/verification"
)

const (
	bootTag             = "Boot"
	eventBusWorkers     = 4
	eventBusQueueSize   = 256
	shutdownGracePeriod = 15 * time.Second
)

// Options selects where configuration comes from. A nil Environ reads the
// process environment and the .env file.
type Options struct {
	ConfigPath string
	Environ    map[string]string
}

type stepFn func(context.Context, *appState) error

type initStep struct {
	ID        string
	Title     string
	DependsOn []string
	Kind      platformerrors.Kind
	Execute   stepFn
}

type appState struct {
	opts Options

	config     *platformconfig.Config
	configPath string
	logger     *platformlogging.Logger

	observabilityShutdown platformobservability.ShutdownFunc

	db          *gorm.DB
	migrated    []string
	redis       *redis.Client
	authCodes   store.CodeStore[model.AuthorizationCode]
	verifyCodes store.CodeStore[model.VerificationCode]
	clients     store.ClientStore
	tokens      store.TokenStore
	users       *platformstorage.UserRepository
	registry    *client.Registry
	sessions    *auth.SessionToken

	oauth        *oauthsrv.Server
	verification *verification.Service
	bus          *eventbus.AsyncEventBus
	notifier     *verification.Notifier

	router *httptransport.Router
}

// Run builds the application and serves until ctx is cancelled or the process
// receives SIGINT or SIGTERM.
func Run(ctx context.Context, opts Options) error {
	state := &appState{opts: opts}
	steps := InitGraph()
	if err := executeInitSteps(ctx, steps, state); err != nil {
		state.close(context.Background())
		return err
	}
	logger := state.logger
	logBootstrapGraph(steps, logger)

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		state.close(shutdownCtx)
	}()

	rootCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	signalCtx, stop := signal.NotifyContext(rootCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)

	state.bus.Start()
	if err := startHTTPServer(state, group, groupCtx); err != nil {
		cancel()
		return err
	}
	startMaintenance(state, group, groupCtx)

	return waitForShutdown(groupCtx, cancel, logger, group)
}

// Migrate applies pending schema migrations and returns the versions applied.
func Migrate(ctx context.Context, opts Options) ([]string, error) {
	state, err := openStorage(ctx, opts, initStep{
		ID: "storage:init-database", Title: "Open database and apply migrations", Execute: initDatabaseStep,
	})
	if err != nil {
		return nil, err
	}
	defer state.close(context.Background())
	return state.migrated, nil
}

// MigrationStatus lists every known migration with the time it was applied.
func MigrationStatus(ctx context.Context, opts Options) ([]platformstorage.MigrationStatus, error) {
	state, err := openStorage(ctx, opts, initStep{
		ID: "storage:open-database", Title: "Open database", Execute: openDatabaseStep,
	})
	if err != nil {
		return nil, err
	}
	defer state.close(context.Background())
	return platformstorage.NewMigrationManager(state.db, platformstorage.Migrations()...).Status(ctx)
}

// Rollback reverts one applied migration.
func Rollback(ctx context.Context, opts Options, version string) error {
	state, err := openStorage(ctx, opts, initStep{
		ID: "storage:open-database", Title: "Open database", Execute: openDatabaseStep,
	})
	if err != nil {
		return err
	}
	defer state.close(context.Background())

	if err := platformstorage.NewMigrationManager(state.db, platformstorage.Migrations()...).RollbackMigration(ctx, version); err != nil {
		return err
	}
	state.logger.InfoTag(bootTag, "rolled back migration %s", version)
	return nil
}

// openStorage runs config, logging and the given database step. The caller
// closes the returned state.
func openStorage(ctx context.Context, opts Options, database initStep) (*appState, error) {
	state := &appState{opts: opts}
	database.DependsOn = []string{"logging:init-provider"}
	database.Kind = platformerrors.KindStorage

	steps := []initStep{
		{ID: "config:load", Title: "Load configuration", Kind: platformerrors.KindConfig, Execute: loadConfigStep},
		{ID: "logging:init-provider", Title: "Initialise logging provider", DependsOn: []string{"config:load"}, Execute: initLoggingStep},
		database,
	}
	if err := executeInitSteps(ctx, steps, state); err != nil {
		state.close(context.Background())
		return nil, err
	}
	return state, nil
}

func logBootstrapGraph(steps []initStep, logger *platformlogging.Logger) {
	if logger == nil {
		return
	}
	logger.InfoTag(bootTag, "initialisation graph")
	for _, step := range steps {
		if len(step.DependsOn) == 0 {
			logger.InfoTag(bootTag, "  %s: %s", step.ID, step.Title)
			continue
		}
		logger.InfoTag(bootTag, "  %s: %s (after %s)", step.ID, step.Title, strings.Join(step.DependsOn, ", "))
	}
}

func executeInitSteps(ctx context.Context, steps []initStep, state *appState) error {
	if state == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"execute init steps",
			"nil bootstrap state",
		)
	}

	completed := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, ok := completed[dep]; !ok {
				return platformerrors.New(
					platformerrors.KindBootstrap,
					step.ID,
					fmt.Sprintf("dependency %s not satisfied", dep),
				)
			}
		}
		if step.Execute == nil {
			return platformerrors.New(
				platformerrors.KindBootstrap,
				step.ID,
				"missing execute function",
			)
		}
		if err := step.Execute(ctx, state); err != nil {
			var typed *platformerrors.Error
			if errors.As(err, &typed) {
				return err
			}

			kind := step.Kind
			if kind == "" {
				kind = platformerrors.KindBootstrap
			}
			return platformerrors.Wrap(kind, step.ID, "bootstrap step failed", err)
		}
		completed[step.ID] = struct{}{}
	}
	return nil
}

// InitGraph lists the startup steps in execution order.
func InitGraph() []initStep {
	return []initStep{
		{
			ID:      "config:load",
			Title:   "Load configuration",
			Kind:    platformerrors.KindConfig,
			Execute: loadConfigStep,
		},
		{
			ID:        "logging:init-provider",
			Title:     "Initialise logging provider",
			DependsOn: []string{"config:load"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   initLoggingStep,
		},
		{
			ID:        "observability:setup-hooks",
			Title:     "Setup observability hooks",
			DependsOn: []string{"logging:init-provider"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   setupObservabilityStep,
		},
		{
			ID:        "storage:init-database",
			Title:     "Open database and apply migrations",
			DependsOn: []string{"logging:init-provider"},
			Kind:      platformerrors.KindStorage,
			Execute:   initDatabaseStep,
		},
		{
			ID:        "store:init-code-stores",
			Title:     "Initialise code stores",
			DependsOn: []string{"storage:init-database"},
			Kind:      platformerrors.KindStorage,
			Execute:   initCodeStoresStep,
		},
		{
			ID:        "auth:init-registry",
			Title:     "Initialise client registry and token store",
			DependsOn: []string{"storage:init-database"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   initRegistryStep,
		},
		{
			ID:        "oauth:init-server",
			Title:     "Initialise authorization server",
			DependsOn: []string{"observability:setup-hooks", "store:init-code-stores", "auth:init-registry"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   initOAuthStep,
		},
		{
			ID:        "verification:init-service",
			Title:     "Initialise verification service",
			DependsOn: []string{"store:init-code-stores"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   initVerificationStep,
		},
		{
			ID:        "http:init-router",
			Title:     "Initialise HTTP router",
			DependsOn: []string{"oauth:init-server", "verification:init-service"},
			Kind:      platformerrors.KindTransport,
			Execute:   initRouterStep,
		},
	}
}

func loadConfigStep(_ context.Context, state *appState) error {
	loader := platformconfig.NewLoader().WithPath(state.opts.ConfigPath)
	if state.opts.Environ != nil {
		loader = loader.WithDotEnv(false).WithEnvironment(state.opts.Environ)
	}
	result, err := loader.Load()
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindConfig, "config:load", "failed to load configuration", err)
	}
	state.config = result.Config
	state.configPath = result.Path
	if state.configPath == "" {
		state.configPath = "defaults"
	}
	return nil
}

func initLoggingStep(_ context.Context, state *appState) error {
	if state.config == nil {
		return platformerrors.New(platformerrors.KindBootstrap, "logging:init-provider", "config not loaded")
	}

	logger, err := platformlogging.New(platformlogging.Config{
		Level:    state.config.Log.Level,
		Dir:      state.config.Log.Dir,
		Filename: state.config.Log.File,
	})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "logging:init-provider", "failed to initialize logging provider", err)
	}
	state.logger = logger
	logger.InfoTag(bootTag, "logging ready [%s] config from %s", state.config.Log.Level, state.configPath)
	return nil
}

func setupObservabilityStep(ctx context.Context, state *appState) error {
	cfg := platformobservability.Config{
		Enabled: state.config.Observability.Enabled || strings.EqualFold(state.config.Log.Level, "debug"),
	}
	shutdown, err := platformobservability.Setup(ctx, cfg, state.logger.Slog())
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "observability:setup-hooks", "failed to setup observability hooks", err)
	}
	state.observabilityShutdown = shutdown
	return nil
}

func openDatabaseStep(_ context.Context, state *appState) error {
	db, err := platformstorage.Open(state.config.Database.DSN)
	if err != nil {
		return err
	}
	state.db = db
	return nil
}

func initDatabaseStep(ctx context.Context, state *appState) error {
	if err := openDatabaseStep(ctx, state); err != nil {
		return err
	}

	applied, err := platformstorage.Migrate(ctx, state.db)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindStorage, "storage:init-database", "failed to migrate database", err)
	}
	state.migrated = applied
	if len(applied) > 0 {
		state.logger.InfoTag(bootTag, "applied migrations: %s", strings.Join(applied, ", "))
	}
	return nil
}

func initCodeStoresStep(_ context.Context, state *appState) error {
	cfg := state.config.CodeStore
	driver := strings.ToLower(strings.TrimSpace(cfg.Type))

	base := store.Config{Driver: driver}
	deps := store.Dependencies{SQLiteDB: state.db}

	switch driver {
	case store.DriverMemory:
		base.Memory = &store.MemoryConfig{GCInterval: cfg.Cleanup}
	case store.DriverSQLite:
	case store.DriverRedis:
		base.Redis = &store.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}
		rdb, err := store.NewRedisClient(base.Redis)
		if err != nil {
			return platformerrors.Wrap(platformerrors.KindStorage, "store:init-code-stores", "failed to connect to redis", err)
		}
		state.redis = rdb
		deps.Redis = rdb
	default:
		return platformerrors.New(platformerrors.KindConfig, "store:init-code-stores", fmt.Sprintf("unsupported code store %q", cfg.Type))
	}

	authCfg := base
	authCfg.Namespace = "oauth_codes"
	authCodes, err := store.NewCodeStore[model.AuthorizationCode](authCfg, deps)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindStorage, "store:init-code-stores", "failed to create authorization code store", err)
	}
	state.authCodes = authCodes

	verifyCfg := base
	verifyCfg.Namespace = "verification"
	verifyCodes, err := store.NewCodeStore[model.VerificationCode](verifyCfg, deps)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindStorage, "store:init-code-stores", "failed to create verification code store", err)
	}
	state.verifyCodes = verifyCodes

	state.logger.InfoTag(bootTag, "code stores ready [%s]", driver)
	return nil
}

func initRegistryStep(_ context.Context, state *appState) error {
	cfg := state.config

	clients, err := store.NewSQLiteClients(state.db)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindStorage, "auth:init-registry", "failed to create client store", err)
	}
	state.clients = clients

	tokens, err := store.NewSQLiteTokens(state.db, store.TokenConfig{
		AccessTTL:  cfg.OAuth.AccessTokenTTL,
		RefreshTTL: cfg.OAuth.RefreshTokenTTL,
	})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindStorage, "auth:init-registry", "failed to create token store", err)
	}
	state.tokens = tokens
	state.users = platformstorage.NewUserRepository(state.db)

	registry, err := client.NewRegistry(client.Options{
		Store:                   clients,
		Logger:                  state.logger.Tagged("Clients"),
		RestrictPublicRedirects: cfg.OAuth.RestrictPublicClientRedirects,
		PublicRedirectURIs:      cfg.OAuth.PublicClientRedirectURIs,
	})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "auth:init-registry", "failed to create client registry", err)
	}
	state.registry = registry
	state.sessions = auth.NewSessionToken(cfg.Session.Secret)
	return nil
}

func initOAuthStep(_ context.Context, state *appState) error {
	server, err := oauthsrv.NewServer(oauthsrv.Options{
		Registry:            state.registry,
		Codes:               state.authCodes,
		Tokens:              state.tokens,
		Users:               state.users,
		Logger:              state.logger.Tagged("OAuth"),
		CodeTTL:             state.config.OAuth.CodeTTL,
		RotateRefreshTokens: state.config.OAuth.RotateRefreshTokens,
	})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "oauth:init-server", "failed to create authorization server", err)
	}
	state.oauth = server
	return nil
}

func initVerificationStep(_ context.Context, state *appState) error {
	cfg := state.config.Verification
	logger := state.logger.Tagged("Verify")

	bus := eventbus.NewAsyncEventBus(eventBusWorkers, eventBusQueueSize, state.logger.Tagged("Events"))
	notifier := verification.NewNotifier(verification.LogSender{Logger: state.logger.Tagged("Delivery")}, logger)
	if err := notifier.Attach(bus); err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "verification:init-service", "failed to attach code notifier", err)
	}
	state.bus = bus
	state.notifier = notifier

	service, err := verification.NewService(verification.Options{
		Codes:         state.verifyCodes,
		Publisher:     bus,
		Logger:        logger,
		Digits:        cfg.CodeDigits,
		EmailTTL:      cfg.EmailTTL,
		SMSTTL:        cfg.SMSTTL,
		SweepInterval: cfg.SweepInterval,
		MaxAttempts:   cfg.MaxAttempts,
		DevEcho:       cfg.DevEcho,
	})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "verification:init-service", "failed to create verification service", err)
	}
	if cfg.DevEcho {
		logger.Warn("dev echo is enabled: verification codes are returned in API responses")
	}
	state.verification = service
	return nil
}

func initRouterStep(ctx context.Context, state *appState) error {
	router, err := httptransport.Build(httptransport.Options{
		Config:         state.config,
		Logger:         state.logger,
		AuthMiddleware: httptransport.SessionAuth(state.sessions),
	})
	if err != nil {
		return err
	}

	oauthHandler, err := httpoauth.NewHandler(state.oauth, state.registry, state.logger)
	if err != nil {
		return err
	}
	oauthHandler.Register(ctx, router.Public, router.Secured)

	verifyHandler, err := httpverification.NewHandler(state.verification, state.users, state.oauth, state.logger)
	if err != nil {
		return err
	}
	verifyHandler.Register(ctx, router.Public, router.Secured)

	httptransport.NewHealthHandler(map[string]httptransport.StatsFunc{
		"oauth_codes":  state.authCodes.Stats,
		"verification": state.verifyCodes.Stats,
		"tokens":       state.tokens.Stats,
	}).Register(router.Public)

	state.router = router
	return nil
}

func startHTTPServer(state *appState, g *errgroup.Group, groupCtx context.Context) error {
	if state.router == nil {
		return platformerrors.New(platformerrors.KindTransport, "http:start", "router not initialised")
	}
	cfg := state.config.Server
	logger := state.logger

	httpServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.IP, strconv.Itoa(cfg.Port)),
		Handler:           state.router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.InfoTag("HTTP", "listening on http://%s", httpServer.Addr)

		go func() {
			<-groupCtx.Done()
			timeout := cfg.ShutdownTimeout
			if timeout <= 0 {
				timeout = 10 * time.Second
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.ErrorTag("HTTP", "shutdown failed: %v", err)
			} else {
				logger.InfoTag("HTTP", "server stopped")
			}
		}()

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorTag("HTTP", "server failed: %v", err)
			return platformerrors.Wrap(platformerrors.KindTransport, "http:start", "http server failed", err)
		}
		return nil
	})
	return nil
}

func startMaintenance(state *appState, g *errgroup.Group, groupCtx context.Context) {
	g.Go(func() error {
		return state.oauth.RunTokenCleanup(groupCtx, state.config.OAuth.TokenCleanupInterval)
	})
	g.Go(func() error {
		return state.verification.Run(groupCtx)
	})
}

func waitForShutdown(
	ctx context.Context,
	cancel context.CancelFunc,
	logger *platformlogging.Logger,
	g *errgroup.Group,
) error {
	<-ctx.Done()
	logger.InfoTag(bootTag, "shutting down: %v", context.Cause(ctx))

	cancel()

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.ErrorTag(bootTag, "shutdown finished with error: %v", err)
			return err
		}
		logger.InfoTag(bootTag, "all services stopped")
	case <-time.After(shutdownGracePeriod):
		logger.ErrorTag(bootTag, "shutdown timed out")
		return platformerrors.New(platformerrors.KindBootstrap, "shutdown", "timed out waiting for services")
	}
	return nil
}

// close releases everything the init steps acquired, in reverse order. It is
// safe on a partially initialised state.
func (s *appState) close(ctx context.Context) {
	if s.bus != nil {
		s.bus.Stop()
		if s.notifier != nil {
			_ = s.notifier.Detach(s.bus)
		}
	}
	if s.verifyCodes != nil {
		_ = s.verifyCodes.Close(ctx)
	}
	if s.authCodes != nil {
		_ = s.authCodes.Close(ctx)
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		if err := platformstorage.Close(s.db); err != nil && s.logger != nil {
			s.logger.WarnTag(bootTag, "close database: %v", err)
		}
	}
	if s.observabilityShutdown != nil {
		_ = s.observabilityShutdown(ctx)
	}
	if s.logger != nil {
		_ = s.logger.Close()
	}
}
