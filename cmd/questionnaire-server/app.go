package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ehr/questionnaires/internal/config"
	"github.com/ehr/questionnaires/internal/domain/questionnaire"
	"github.com/ehr/questionnaires/internal/platform/auth"
	"github.com/ehr/questionnaires/internal/platform/db"
	"github.com/ehr/questionnaires/internal/platform/docstore"
	"github.com/ehr/questionnaires/internal/platform/idempotency"
	"github.com/ehr/questionnaires/internal/platform/metrics"
	"github.com/ehr/questionnaires/internal/platform/middleware"
	"github.com/ehr/questionnaires/internal/platform/notification"
)

const version = "0.1.0"

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		logger = logger.Level(lvl)
	}
	return logger
}

// app holds the process-wide dependencies shared by every command.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	store    docstore.Store
	ledger   idempotency.Ledger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	closers  []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	switch cfg.StoreBackend {
	case config.StoreMemory:
		a.store = docstore.NewMemoryStore()
		logger.Warn().Msg("using in-memory document store; data is lost on exit")
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.closers = append(a.closers, pool.Close)
		a.store = docstore.NewPostgresStore(pool)
		logger.Info().Msg("connected to database")
	}

	switch cfg.LedgerBackend {
	case config.LedgerRedis:
		l, err := idempotency.NewRedisLedger(ctx, cfg.RedisURL, cfg.LedgerRetention)
		if err != nil {
			a.Close()
			return nil, err
		}
		l.SetLease(cfg.LedgerLease)
		a.closers = append(a.closers, func() { l.Close() })
		a.ledger = l
	default:
		l := idempotency.NewDocstoreLedger(a.store)
		l.SetLease(cfg.LedgerLease)
		a.ledger = l
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) notifier() notification.Notifier {
	if a.cfg.SMTPAddr == "" {
		return notification.NewLogNotifier(a.logger)
	}
	from := a.cfg.SMTPFrom
	if from == "" {
		from = "no-reply@localhost"
	}
	return notification.NewEmailNotifier(
		notification.NewSMTPSender(a.cfg.SMTPAddr, from, nil),
		notification.NewTemplateEngine(),
		a.cfg.NotifyEmailTo,
	)
}

func (a *app) manager() *questionnaire.Manager {
	mgr := questionnaire.NewManager(a.store, a.ledger, questionnaire.DefaultCatalog(), a.logger, questionnaire.Options{
		MaxResponseKeys:                a.cfg.MaxResponseKeys,
		RequireSubmittedBeforeComplete: a.cfg.RequireSubmittedBeforeComplete,
	})
	mgr.SetNotifier(a.notifier())
	mgr.SetMetrics(a.metrics)
	return mgr
}

func (a *app) reconciler() *questionnaire.Reconciler {
	r := questionnaire.NewReconciler(a.store, questionnaire.DefaultCatalog(), a.logger)
	r.SetMetrics(a.metrics)
	return r
}

func (a *app) authMiddleware() echo.MiddlewareFunc {
	if a.cfg.ResolvedAuthMode() == config.AuthDevelopment {
		a.logger.Warn().Str("subject", a.cfg.DevSubject).Msg("development auth is active; requests run as a fixed practitioner")
		return auth.DevAuthMiddleware(a.cfg.DevSubject, []string{auth.RolePractitioner})
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     a.cfg.AuthIssuer,
		Audience:   a.cfg.AuthAudience,
		JWKSURL:    a.cfg.AuthJWKSURL,
		SigningKey: []byte(a.cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	})
}

func newServer(a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  a.cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader, questionnaire.IdempotencyKeyHeader},
		ExposeHeaders: []string{questionnaire.ReplayedHeader, middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	if a.pool != nil {
		pool := a.pool
		e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

	api := e.Group("/api/v1",
		middleware.BodyLimit(a.cfg.BodyLimit),
		middleware.RequestTimeout(a.cfg.RequestTimeout),
		a.authMiddleware(),
	)
	questionnaire.NewHandler(a.manager()).RegisterRoutes(api)
	return e
}

func printReport(w io.Writer, r *questionnaire.BackfillReport) {
	mode := "applied"
	if r.DryRun {
		mode = "dry run"
	}
	fmt.Fprintf(w, "Backfill (%s): processed=%d created=%d merged=%d repaired=%d errors=%d\n",
		mode, r.Processed, r.Created, r.Merged, r.Repaired, len(r.Errors))
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  %s\n", strings.TrimSpace(e))
	}
	if r.Remaining > 0 {
		fmt.Fprintf(w, "%d patients left; continue with --start-after=%s\n", r.Remaining, r.LastPatient)
	}
}
