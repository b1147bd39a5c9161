// Command chequierd serves the chequebook request API.
//
// Configuration is read from config/app.json relative to the working
// directory, see config/app.json in the repository for a complete sample.
// Two switches change business rules and are off by default:
//
//	app.allow_agent_registration  lets /auth/register create AGENT users
//	app.permissive_status_change  lets agents change a request in any status
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	chequier "github.com/goliatone/go-chequier"
	"github.com/goliatone/go-chequier/config"
	gconfig "github.com/goliatone/go-config/config"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-print"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/schema"
	"golang.org/x/sync/errgroup"
)

type App struct {
	config *gconfig.Container[*config.BaseConfig]
	logger *glog.BaseLogger
	db     *sql.DB
	repo   chequier.RepositoryManager
	audit  *chequier.AsyncAuditSink
	srv    *fiber.App
}

func (a *App) Config() *config.BaseConfig {
	return a.config.Raw()
}

func (a *App) GetLogger(name string) glog.Logger {
	return a.logger.GetLogger(name)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chequierd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx)
	if err != nil {
		return err
	}

	if err := WithPersistence(ctx, app); err != nil {
		return err
	}

	if err := WithHTTPServer(app); err != nil {
		return err
	}

	return Serve(ctx, app)
}

// NewApp loads the configuration and builds the root logger.
func NewApp(ctx context.Context) (*App, error) {
	lgr := glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithLevel(glog.Trace),
		glog.WithName("chequier"),
		glog.WithAddSource(false),
		glog.WithRichErrorHandler(errors.ToSlogAttributes),
	)

	cfg := gconfig.New(&config.BaseConfig{}).
		WithLogger(lgr.GetLogger("config"))

	if err := cfg.Load(ctx); err != nil {
		return nil, err
	}

	raw := cfg.Raw().ApplyDefaults()
	if err := raw.Validate(); err != nil {
		return nil, err
	}

	if raw.GetApp().GetDebug() {
		fmt.Println("============")
		fmt.Println(print.MaybeHighlightJSON(raw))
		fmt.Println("============")
	}

	return &App{config: cfg, logger: lgr}, nil
}

// WithPersistence opens the database, applies migrations and wires the
// repositories together with the async audit writer.
func WithPersistence(ctx context.Context, app *App) error {
	cfg := app.Config().GetPersistence()
	logger := app.GetLogger("persistence")

	var (
		sqldb   *sql.DB
		err     error
		dialect schema.Dialect
	)
	switch cfg.GetDriver() {
	case "postgres", "pgx":
		sqldb, err = sql.Open(cfg.GetDriver(), cfg.GetDSN())
		dialect = pgdialect.New()
	default:
		sqldb, err = sql.Open(sqliteshim.ShimName, cfg.GetDSN())
		dialect = sqlitedialect.New()
	}
	if err != nil {
		return err
	}
	if !cfg.IsPostgres() {
		sqldb.SetMaxOpenConns(1)
	}

	client, err := chequier.NewPersistence(cfg, sqldb, dialect)
	if err != nil {
		_ = sqldb.Close()
		return errors.Wrap(err, errors.CategoryOperation, "database unreachable").
			WithMetadata(map[string]any{"driver": cfg.GetDriver()})
	}
	client.SetLogger(func(format string, a ...any) {
		logger.Debug(strings.TrimSpace(fmt.Sprintf(format, a...)))
	})

	if err := client.Migrate(ctx); err != nil {
		_ = sqldb.Close()
		return err
	}
	if report := client.Report(); report != nil && !report.IsZero() {
		logger.Info("migrations applied", "driver", cfg.GetDriver(), "report", report.String())
	}

	repo := chequier.NewRepositoryManager(client.DB())
	if err := repo.Validate(); err != nil {
		_ = sqldb.Close()
		return err
	}

	app.db = sqldb
	app.repo = repo
	app.audit = chequier.NewAsyncAuditSink(
		chequier.NewStoreAuditSink(repo.Audit()),
		chequier.WithAuditQueueSize(cfg.GetAuditQueueSize()),
		chequier.WithAuditQueueLogger(app.GetLogger("audit")),
	)
	return nil
}

// WithHTTPServer builds the services and mounts the JSON API.
func WithHTTPServer(app *App) error {
	cfg := app.Config()
	authCfg := cfg.GetAuth()

	tokens := chequier.NewTokenServiceFromConfig(authCfg)

	userOpts := []chequier.UserServiceOption{
		chequier.WithUserAuditSink(app.audit),
		chequier.WithUserLogger(app.GetLogger("users")),
		chequier.WithAgentRegistration(cfg.GetApp().AllowAgentRegistration),
	}
	users := chequier.NewUserService(app.repo, tokens, userOpts...)
	if cfg.GetApp().AllowAgentRegistration {
		app.GetLogger("users").Warn("agent self registration is enabled", "setting", "app.allow_agent_registration")
	}

	gate := chequier.NewAuthGate(tokens, users,
		chequier.WithAuthScheme(authCfg.GetAuthScheme()),
		chequier.WithAuthGateLogger(app.GetLogger("auth:gate")),
	)

	accounts := chequier.NewAccountManager(app.repo,
		chequier.WithAccountAuditSink(app.audit),
		chequier.WithAccountLogger(app.GetLogger("accounts")),
	)

	lifecycleOpts := []chequier.RequestLifecycleOption{
		chequier.WithLifecycleAuditSink(app.audit),
		chequier.WithLifecycleLogger(app.GetLogger("requests")),
	}
	if cfg.GetApp().PermissiveStatusChange {
		lifecycleOpts = append(lifecycleOpts, chequier.WithPermissiveStatusChange())
	}
	requests := chequier.NewRequestLifecycle(app.repo, lifecycleOpts...)

	httpAuth := chequier.NewHTTPAuthenticator(gate, authCfg)
	httpAuth.Logger = app.GetLogger("auth:http")

	srv := fiber.New(fiber.Config{
		AppName:               cfg.GetApp().GetName(),
		DisableStartupMessage: !cfg.GetApp().GetDebug(),
		ErrorHandler:          chequier.NewFiberErrorHandler(app.GetLogger("http")),
	})
	srv.Use(recover.New())
	srv.Use(requestid.New())
	srv.Use(cors.New(cors.Config{
		AllowOrigins: cfg.GetApp().GetCorsOrigins(),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
	}))

	ctrl := chequier.NewHTTPController(users, accounts, requests, app.repo.Audit(), httpAuth,
		chequier.WithControllerLogger(app.GetLogger("http:ctrl")),
	)
	ctrl.RegisterRoutes(srv)

	app.srv = srv
	return nil
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down the
// server, drains the audit queue and closes the database, in that order.
func Serve(ctx context.Context, app *App) error {
	logger := app.GetLogger("server")
	cfg := app.Config().GetApp()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.GetListen())
		return app.srv.Listen(cfg.GetListen())
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
		defer cancel()

		if err := app.srv.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
		if err := app.audit.Close(shutdownCtx); err != nil {
			logger.Error("audit queue drain", "error", err, "dropped", app.audit.Dropped())
		}
		return app.db.Close()
	})

	return g.Wait()
}
