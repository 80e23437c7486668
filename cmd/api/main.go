package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/glebarez/sqlite"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/agents"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/auth"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/catalog"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/config"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/dispatch"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/events"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/federation"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/handlers"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/hooks"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/invocation"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/lease"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/client"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/manager"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/metrics"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/server"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/servers"
	"github.com/d4l-data4life/go-svc/pkg/logging"
)

func main() {
	config.LoadDotEnv()
	config.SetupEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logging.LogErrorf(err, "%s stopped with error", config.Name)
		os.Exit(1)
	}
	logging.LogInfof("%s stopped", config.Name)
}

// openDatabase connects to the configured database and migrates the schema
func openDatabase() (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver := viper.GetString("DB_DRIVER"); driver {
	case "postgres":
		dialector = postgres.Open(config.PostgresDSN())
	case "sqlite":
		dialector = sqlite.Open(viper.GetString("DB_SQLITE_PATH") + "?_pragma=foreign_keys(1)")
	default:
		return nil, errors.Errorf("unsupported DB_DRIVER %q", driver)
	}
	logLevel := logger.Warn
	if viper.GetBool("DB_DEBUG") {
		logLevel = logger.Info
	}
	conn, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logLevel)})
	if err != nil {
		return nil, errors.Wrap(err, "failed connecting to database")
	}
	if err := models.MigrationFunc(conn); err != nil {
		return nil, errors.Wrap(err, "failed migrating database")
	}
	return conn, nil
}

// newAuthenticator prefers a local JWT secret over a remote key set
func newAuthenticator(ctx context.Context, cfg config.AuthConfig) (*auth.Service, error) {
	var validator auth.TokenValidator
	switch {
	case cfg.JWTSecret != "":
		local, err := auth.NewLocalJWTValidator([]byte(cfg.JWTSecret))
		if err != nil {
			return nil, err
		}
		validator = local
	case cfg.JWKSURL != "":
		remote, err := auth.NewRemoteKeyStore(ctx, cfg.JWKSURL)
		if err != nil {
			return nil, err
		}
		validator = remote
	}
	if validator == nil && cfg.BasicUser == "" && cfg.Required {
		logging.LogWarningf(nil, "authentication is required but no credentials are configured, all requests will be rejected")
	}
	return auth.NewService(cfg, validator), nil
}

func run(ctx context.Context) error {
	conn, err := openDatabase()
	if err != nil {
		return err
	}
	if sqlDB, err := conn.DB(); err == nil {
		defer sqlDB.Close()
	}
	store := catalog.NewStore(conn)

	hub := events.NewHub(config.GetEventConfig().BufferSize)
	sink := events.NewAsyncSink(config.GetEventConfig().BufferSize, events.LogSubscriber, hub.Deliver)

	dispatcher := dispatch.NewDispatcher(config.GetDispatcherConfig())
	fedCfg := config.GetFederationConfig()
	peers := manager.NewManager(client.NewFactory(dispatcher, config.Name, config.Version), fedCfg.SessionTimeout)

	hookCfg := config.GetHookConfig()
	var hookManager *hooks.Manager
	if hookCfg.Enabled {
		hookManager, err = hooks.NewManager(ctx, hookCfg, sink)
		if err != nil {
			return errors.Wrap(err, "failed loading plugins")
		}
	}

	authn, err := newAuthenticator(ctx, config.GetAuthConfig())
	if err != nil {
		return errors.Wrap(err, "failed setting up authentication")
	}

	fed := federation.NewService(store, peers, hookManager, sink, fedCfg)
	invoker := invocation.NewService(store, dispatcher, peers, agents.NewService(dispatcher, config.GetAgentConfig()), hookManager, sink)

	hostname, _ := os.Hostname()
	leaseCfg := config.GetLeaseConfig()
	leaderLease, err := lease.New(ctx, leaseCfg, hostname+"-"+uuid.NewString())
	if err != nil {
		return errors.Wrap(err, "failed setting up leader election")
	}
	elector := federation.NewElector(leaderLease, leaseCfg, sink)

	srv := server.NewServer(config.Name,
		cors.New(config.CorsConfig(config.CorsHosts())),
		viper.GetInt("HTTP_MAX_PARALLEL_REQUESTS"),
		viper.GetDuration("HTTP_REQUEST_TIMEOUT"),
	)
	srv.SetupRoutes(handlers.Dependencies{
		Store:          store,
		Invoker:        invoker,
		Federation:     fed,
		Servers:        servers.NewService(store, sink),
		Hooks:          hookManager,
		Hub:            hub,
		Sink:           sink,
		Authenticator:  authn,
		ServiceSecret:  viper.GetString("SERVICE_SECRET"),
		AllowedOrigins: config.CorsHosts(),
	})
	metrics.AddBuildInfoMetric()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sink.Run(gctx)
		return nil
	})
	g.Go(func() error {
		peers.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return elector.Run(gctx)
	})
	g.Go(func() error {
		return fed.RunHealthLoop(gctx, elector)
	})
	if hookManager != nil {
		g.Go(func() error {
			// without a watcher plugins are still reloadable through the admin API
			if err := hooks.NewWatcher(hookCfg.ConfigPath, hookCfg.WatchDebounce, hookManager).Run(gctx); err != nil {
				logging.LogWarningf(err, "plugin configuration is not watched")
			}
			return nil
		})
	}
	g.Go(func() error {
		return srv.ListenAndServe(gctx, ":"+viper.GetString("PORT"), viper.GetDuration("SHUTDOWN_TIMEOUT"))
	})

	err = g.Wait()
	if hookManager != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), viper.GetDuration("SHUTDOWN_TIMEOUT"))
		defer cancel()
		hookManager.Shutdown(shutdownCtx)
	}
	<-sink.Done()
	return err
}
