package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	fielddispatch "field-service-dispatch-system"
	"field-service-dispatch-system/api/internal/admin"
	"field-service-dispatch-system/api/internal/dispatch"
	"field-service-dispatch-system/api/internal/geo"
	"field-service-dispatch-system/api/internal/handlers"
	"field-service-dispatch-system/api/internal/identity"
	"field-service-dispatch-system/api/internal/ledger"
	"field-service-dispatch-system/api/internal/middleware"
	"field-service-dispatch-system/api/internal/report"
	"field-service-dispatch-system/api/internal/repos"
	"field-service-dispatch-system/api/internal/revenue"
	"field-service-dispatch-system/shared/authx"
	"field-service-dispatch-system/shared/cachex"
	identityclient "field-service-dispatch-system/shared/clients/identity"
	"field-service-dispatch-system/shared/clients/storage"
	"field-service-dispatch-system/shared/config"
	"field-service-dispatch-system/shared/dbx"
	"field-service-dispatch-system/shared/errx"
	"field-service-dispatch-system/shared/httpx"
	"field-service-dispatch-system/shared/logx"
	"field-service-dispatch-system/shared/metricsx"
	"field-service-dispatch-system/shared/observability"
)

type statusResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Env     string            `json:"env,omitempty"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("api", 8080)
	logger := logx.New(cfg.ServiceName, cfg.Env, cfg.Version, cfg.LogLevel)
	ctx := context.Background()

	metricsx.Register()
	shutdownTracer, err := observability.Start(ctx, cfg)
	if err != nil {
		logger.Warn(ctx, "otel_init_failed", "tracing disabled", slog.String("error", err.Error()))
	}

	if cfg.DatabaseURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		if cfg.MigrationsEnabled {
			version, err := dbx.RunMigrations(cfg.DatabaseURL, fielddispatch.MigrationsFS, "migrations")
			if err != nil {
				readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "migrations failed"})
				logger.Error(ctx, "migrations_failed", "database migrations failed",
					slog.String("error_code", "FAILED_PRECONDITION"),
					slog.String("error", err.Error()),
				)
			} else {
				logger.Info(ctx, "migrations_applied", "database schema is current", slog.Uint64("version", uint64(version)))
			}
		}
		dbPool, err = dbx.NewPool(ctx, cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(ctx, "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	var cache *cachex.Client
	if cfg.RedisAddr != "" {
		cache, err = cachex.New(cfg)
		if err != nil {
			logger.Warn(ctx, "cache_init_failed", "worker cache disabled", slog.String("error", err.Error()))
			cache = nil
		}
	}

	// A nil client fails each call as upstream unavailable.
	storageClient, err := storage.New(cfg, logger)
	if err != nil {
		readyProblems = append(readyProblems, config.Problem{Field: "STORAGE_URL", Message: err.Error()})
	}

	directory, err := newDirectory(cfg, dbPool, cache, logger)
	if err != nil {
		readyProblems = append(readyProblems, config.Problem{Field: "IDENTITY_SOURCE", Message: err.Error()})
	}

	var verifier authx.Verifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		v, err := authx.NewJWTVerifier(authx.VerifierConfig{
			Issuer:      cfg.OIDCIssuer,
			Audience:    cfg.OIDCAudience,
			JWKSURL:     cfg.OIDCJWKSURL,
			JWKSTTL:     time.Duration(cfg.JWKSTTLSeconds) * time.Second,
			Skew:        time.Duration(cfg.JWTClockSkewSec) * time.Second,
			WorkerClaim: cfg.OIDCWorkerClaim,
		})
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		} else {
			verifier = v
		}
	}

	tasksRepo := repos.NewTasksRepo(dbPool)
	eventsRepo := repos.NewEventsRepo(dbPool)
	ledgerSvc := ledger.NewService(eventsRepo, logger)

	api := &handlers.Server{
		Dispatch: &dispatch.Service{
			Tasks:          tasksRepo,
			Storage:        storageClient,
			Ledger:         ledgerSvc,
			GPS:            geo.Verifier{ThresholdMeters: cfg.GPSThresholdMeters, LowAccuracyMeters: cfg.GPSLowAccuracyMeters},
			MaxAttachments: cfg.MaxAttachments,
			Logger:         logger,
		},
		Corrections: &admin.Service{
			Tasks:     tasksRepo,
			Payments:  repos.NewPaymentsRepo(dbPool),
			Storage:   storageClient,
			Ledger:    ledgerSvc,
			ReasonMin: cfg.PaymentEditReasonMin,
			Logger:    logger,
		},
		Events: ledgerSvc,
		Tasks:  tasksRepo,
		Reports: &report.Engine{
			Workers:         directory,
			Store:           repos.NewReportsRepo(dbPool),
			Splitter:        revenue.Splitter{Scale: cfg.RevenueScale},
			DefaultTimezone: cfg.ReportTimezone,
			MaxRangeDays:    cfg.ReportMaxRangeDays,
			Logger:          logger,
		},
		Validate:       handlers.NewValidator(),
		AdminRole:      cfg.AdminRole,
		MaxUploadBytes: int64(cfg.MaxUploadMB) << 20,
		Logger:         logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: cfg.Version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			details := make(map[string]string, len(readyProblems))
			for _, p := range readyProblems {
				details[p.Field] = p.Message
			}
			httpx.WriteError(w, r, errx.KindUnavailable, "service not ready: invalid configuration", details)
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(w, r, errx.KindUnavailable, "service not ready: database unavailable",
				map[string]string{"database": "db_ping_failed"},
			)
			return
		}
		checks := map[string]string{"database": "ok", "cache": "disabled"}
		if cache != nil {
			// The cache is optional; a failed ping degrades reports to direct reads.
			checks["cache"] = "ok"
			if err := cache.Ping(r.Context()); err != nil {
				checks["cache"] = "unavailable"
			}
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: cfg.Version,
			Checks:  checks,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	api.Routes(mux)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, errx.KindNotFound, "route not found", nil)
	})
	probe := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.DBRequiredMiddleware{Available: dbPool != nil, Skip: probe}.Wrap(handler)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewKeyedLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 5*time.Minute),
		Skip:    probe,
	}.Wrap(handler)
	handler = middleware.AuthMiddleware{Verifier: verifier, Skip: probe}.Wrap(handler)
	handler = middleware.AuditMiddleware{
		Enabled: cfg.AuditEnabled && dbPool != nil,
		Repo:    repos.NewAuditRepo(dbPool),
		Logger:  logger,
		Skip:    probe,
	}.Wrap(handler)
	handler = middleware.CORSMiddleware{AllowedOrigins: cfg.CORSAllowedOrigins, MaxAge: 10 * time.Minute}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = httpx.WithRequestID(handler)
	handler = otelhttp.NewHandler(handler, cfg.ServiceName,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + metricsx.RouteLabel(r.URL.Path)
		}),
	)

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
			slog.String("identity_source", cfg.IdentitySource),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(ctx, "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	_ = shutdownTracer(shutdownCtx)
	if cache != nil {
		_ = cache.Close()
	}
	if dbPool != nil {
		dbPool.Close()
	}
	logger.Info(ctx, "service_stop", "service stopped")
}

// newDirectory picks the worker source and puts the Redis cache in front of
// it when one is configured.
func newDirectory(cfg config.Config, pool *pgxpool.Pool, cache *cachex.Client, logger logx.Logger) (identity.Directory, error) {
	var source identity.Directory
	switch strings.ToLower(cfg.IdentitySource) {
	case "http":
		client, err := identityclient.New(cfg, logger)
		if err != nil {
			return nil, err
		}
		source = identity.Remote{Client: client}
	default:
		source = repos.NewWorkersRepo(pool)
	}
	if cache == nil {
		return source, nil
	}
	return &identity.Cached{
		Source: source,
		Cache:  cache,
		TTL:    time.Duration(cfg.WorkerCacheTTLSec) * time.Second,
		Logger: logger,
	}, nil
}
