package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	grpchealth "google.golang.org/grpc/health"

	"wavefed/backend/internal/accountgroup"
	"wavefed/backend/internal/audit"
	auditrepo "wavefed/backend/internal/audit/repository"
	"wavefed/backend/internal/config"
	"wavefed/backend/internal/db"
	"wavefed/backend/internal/db/migrate"
	"wavefed/backend/internal/exchange"
	exchangerepo "wavefed/backend/internal/exchange/repository"
	"wavefed/backend/internal/health"
	httpserver "wavefed/backend/internal/http"
	"wavefed/backend/internal/http/handler"
	"wavefed/backend/internal/http/middleware"
	"wavefed/backend/internal/identity"
	identityrepo "wavefed/backend/internal/identity/repository"
	"wavefed/backend/internal/identity/service"
	"wavefed/backend/internal/janitor"
	"wavefed/backend/internal/oauth/flow"
	flowrepo "wavefed/backend/internal/oauth/flow/repository"
	"wavefed/backend/internal/oauth/provider"
	"wavefed/backend/internal/policy/engine"
	"wavefed/backend/internal/refresh"
	"wavefed/backend/internal/resource"
	"wavefed/backend/internal/security"
	"wavefed/backend/internal/server"
	"wavefed/backend/internal/session"
	sessionrepo "wavefed/backend/internal/session/repository"
	"wavefed/backend/internal/telemetry"
	otelsetup "wavefed/backend/internal/telemetry/otel"
	"wavefed/backend/internal/telemetry/producer"
	"wavefed/backend/internal/upgrade"
)

const serviceName = "wavefed-backend"

func newLogger(env string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if env == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return zap.NewExample()
	}
	return logger
}

// repositories groups the storage backends, Postgres or in-memory.
type repositories struct {
	sessions sessionrepo.Repository
	exchange exchangerepo.Repository
	flows    flowrepo.Repository
	identity identityrepo.PreferencesRepository
	audit    auditrepo.Repository
}

func openRepositories(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*repositories, *sql.DB, error) {
	if cfg.DatabaseURL == "" {
		if cfg.Env == "production" {
			return nil, nil, errors.New("DATABASE_URL is required in production")
		}
		logger.Warn("DATABASE_URL not set; using in-memory storage, sessions will not survive a restart")
		return &repositories{
			sessions: sessionrepo.NewMemoryRepository(),
			exchange: exchangerepo.NewMemoryRepository(),
			flows:    flowrepo.NewMemoryRepository(),
			identity: identityrepo.NewMemoryRepository(),
			audit:    auditrepo.NewMemoryRepository(),
		}, nil, nil
	}
	if err := migrate.Run(cfg.DatabaseURL, migrate.Up); err != nil {
		return nil, nil, err
	}
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return &repositories{
		sessions: sessionrepo.NewPostgresRepository(conn),
		exchange: exchangerepo.NewPostgresRepository(conn),
		flows:    flowrepo.NewPostgresRepository(conn),
		identity: identityrepo.NewPostgresRepository(conn),
		audit:    auditrepo.NewPostgresRepository(conn),
	}, conn, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config", zap.Error(err))
	}
	logger := newLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otelsetup.NewProviders(ctx, otelsetup.Options{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: serviceName,
		Insecure:    cfg.OTLPInsecure,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("telemetry providers", zap.Error(err))
	}
	providers.SetGlobal()

	emitters := telemetry.Fanout{otelsetup.NewEventEmitter(providers.LoggerProvider)}
	kafkaProducer := producer.NewKafkaProducer(cfg.TelemetryKafkaBrokersList(), cfg.TelemetryKafkaTopic, logger)
	if kafkaProducer != nil {
		emitters = append(emitters, kafkaProducer)
		logger.Info("session events also published to kafka", zap.String("topic", cfg.TelemetryKafkaTopic))
	}
	var events telemetry.EventEmitter = emitters

	repos, conn, err := openRepositories(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("storage", zap.Error(err))
	}
	if conn != nil {
		defer conn.Close()
	}

	masterKey, err := cfg.EncryptionKey()
	if err != nil {
		logger.Fatal("encryption key", zap.Error(err))
	}
	sessionCipher, err := security.NewCipher(masterKey, security.PurposeSessionCredentials)
	if err != nil {
		logger.Fatal("session cipher", zap.Error(err))
	}
	pendingCipher, err := security.NewCipher(masterKey, security.PurposePendingSecrets)
	if err != nil {
		logger.Fatal("pending cipher", zap.Error(err))
	}

	var assertion *security.ClientAssertionSigner
	if cfg.Confidential() {
		key, err := cfg.ClientSigningKey()
		if err != nil {
			logger.Fatal("client signing key", zap.Error(err))
		}
		assertion, err = security.NewClientAssertionSigner(key, cfg.OAuthClientKeyID, cfg.ClientID())
		if err != nil {
			logger.Fatal("client assertion signer", zap.Error(err))
		}
	}

	outbound := &http.Client{Timeout: cfg.OutboundTimeout()}
	providerClient := provider.NewClient(provider.Options{
		HTTPClient: outbound,
		ClientID:   cfg.ClientID(),
		Assertion:  assertion,
		Timeout:    cfg.OutboundTimeout(),
		Logger:     logger.Named("provider"),
	})
	resolver := identity.NewResolver(outbound, cfg.ResourceServerURL, cfg.OAuthIssuer, cfg.PLCDirectoryURL, providerClient, repos.identity, cfg.OutboundTimeout(), logger.Named("resolver"))
	orchestrator := flow.NewOrchestrator(providerClient, resolver, repos.flows, pendingCipher, flow.Options{
		RedirectURI:   cfg.RedirectURI(),
		BaseScope:     cfg.OAuthBaseScope,
		ExtendedScope: cfg.OAuthExtendedScope,
		PendingTTL:    cfg.PendingFlowTTL(),
	}, logger.Named("flow"))
	store := session.NewStore(repos.sessions, sessionCipher, logger.Named("session"))
	broker := exchange.NewBroker(repos.exchange, cfg.ExchangeTokenTTL())

	var rdb redis.UniversalClient
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("REDIS_URL", zap.Error(err))
		}
		client := redis.NewClient(opts)
		defer client.Close()
		rdb = client
	}
	refreshOpts := refresh.Options{
		RetryPause: cfg.RefreshRetryPause(),
		Events:     events,
		Logger:     logger.Named("refresh"),
	}
	if cfg.RefreshDistributedLock {
		refreshOpts.Locker = refresh.NewRedisLocker(rdb, 2*cfg.OutboundTimeout(), cfg.OutboundTimeout())
	}
	coordinator := refresh.NewCoordinator(store, providerClient, refreshOpts)

	policy, err := engine.NewOPAEvaluator(ctx, engine.Options{
		PolicyPath:     cfg.ScopePolicyPath,
		ExtendedScope:  cfg.OAuthExtendedScope,
		ExtendedPrefix: cfg.OAuthExtendedCollectionPrefix,
		Logger:         logger.Named("policy"),
	})
	if err != nil {
		logger.Fatal("scope policy", zap.Error(err))
	}

	auditLogger := audit.NewLogger(repos.audit, logger.Named("audit"))
	sessionTTL := cfg.SessionTTLDays()
	authService := service.NewAuthService(service.Deps{
		Flows:       orchestrator,
		Sessions:    store,
		Exchange:    broker,
		Groups:      accountgroup.NewManager(store, events, logger.Named("accountgroup")),
		Upgrades:    upgrade.NewCoordinator(orchestrator, store, broker, sessionTTL, events, logger.Named("upgrade")),
		Refresh:     coordinator,
		Preferences: resolver,
		Audit:       auditLogger,
		Events:      events,
	}, service.Options{SessionTTLDays: sessionTTL, DevTokenMaxTTLDays: cfg.DevTokenMaxTTLDays}, logger.Named("auth"))

	checker := &health.Checker{Redis: rdb, Policy: policy}
	if conn != nil {
		checker.DB = conn
	}

	cookie := middleware.CookieConfig{Name: cfg.CookieName, Secure: cfg.CookieSecure}
	throttle := middleware.NewThrottle(cfg.RateLimitPerMinute)
	router := httpserver.NewRouter(httpserver.RouterDeps{
		ServiceName: serviceName,
		Auth:        handler.NewAuthHandler(authService, auditLogger, cookie, sessionTTL, cfg.FrontendURL, logger.Named("http")),
		WellKnown: &handler.WellKnownHandler{Meta: handler.ClientMetadata{
			ClientID:    cfg.ClientID(),
			ClientName:  "Wavefed",
			ClientURI:   cfg.PublicURL,
			RedirectURI: cfg.RedirectURI(),
			Scope:       strings.TrimSpace(cfg.OAuthBaseScope + " " + cfg.OAuthExtendedScope),
			JWKSURI:     cfg.JWKSURI(),
			Assertion:   assertion,
		}},
		Proxy: &handler.ProxyHandler{
			Client:     resource.NewClient(outbound, coordinator, cfg.OutboundTimeout(), logger.Named("resource")),
			CookieName: cfg.CookieName,
			Logger:     logger.Named("proxy"),
		},
		Health:   &handler.HealthHandler{Checker: checker},
		Sessions: &middleware.SessionAuth{Sessions: store, CookieName: cfg.CookieName, Logger: logger},
		Policy:   policy,
		Audit:    auditLogger,
		Throttle: throttle,
		Logger:   logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthSrv := grpchealth.NewServer()
	grpcSrv := server.NewGRPCServer(healthSrv, logger.Named("grpc"))
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("listen", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
	}

	sweeper := janitor.New(map[string]janitor.Purger{
		"sessions":        store,
		"exchange_tokens": broker,
		"pending_flows":   orchestrator,
		"auth_throttle":   throttle,
	}, cfg.JanitorInterval(), logger.Named("janitor"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc server listening", zap.String("addr", cfg.GRPCAddr))
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		health.Watch(gctx, checker, healthSrv, 10*time.Second, logger.Named("health"))
		return nil
	})
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		healthSrv.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		grpcSrv.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", zap.Error(err))
	}

	// In-flight async emits finish before the exporters and the kafka writer close.
	time.Sleep(telemetry.ShutdownDrainDuration)
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := kafkaProducer.Close(); err != nil {
		logger.Warn("kafka producer close", zap.Error(err))
	}
	if err := providers.Shutdown(drainCtx); err != nil {
		logger.Warn("telemetry shutdown", zap.Error(err))
	}
	logger.Info("stopped")
}
