package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/equiplan/equiplan/internal/actors"
	"github.com/equiplan/equiplan/internal/app"
	"github.com/equiplan/equiplan/internal/audit"
	"github.com/equiplan/equiplan/internal/authz"
	"github.com/equiplan/equiplan/internal/capability"
	"github.com/equiplan/equiplan/internal/grants"
	"github.com/equiplan/equiplan/internal/observability"
	"github.com/equiplan/equiplan/internal/org"
	"github.com/equiplan/equiplan/internal/pfa"
	"github.com/equiplan/equiplan/internal/platform/cache"
	"github.com/equiplan/equiplan/internal/platform/db"
	"github.com/equiplan/equiplan/internal/shared"
	"github.com/equiplan/equiplan/internal/tenant"
	"github.com/equiplan/equiplan/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "equiplan_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	metrics := observability.NewMetrics()
	ledger := audit.NewLedger()

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	orgRepo := org.NewRepository(dbpool)
	orgService := org.NewService(orgRepo, ledger, jobClient, logger)

	grantRepo := grants.NewRepository(dbpool)
	grantService := grants.NewService(grantRepo, orgRepo, ledger)

	actorRepo := actors.NewRepository(dbpool)
	actorService := actors.NewService(actorRepo, grantRepo, ledger)

	resolver := authz.NewResolver(actorRepo, orgRepo, grantRepo, nil, metrics)
	authzMW := authz.Middleware{Resolver: resolver, Logger: logger}

	guard := tenant.NewGuard(grantRepo)
	tenantMW := tenant.Middleware{Guard: guard, Logger: logger}

	pfaRepo := pfa.NewRepository(dbpool)
	pfaService := pfa.NewService(pfaRepo, guard, ledger)

	auditRepo := audit.NewRepository(dbpool)
	auditService := audit.NewService(auditRepo)
	reverter := audit.NewReverter(auditRepo, ledger, grantRepo,
		grants.NewRevertApplier(grantRepo),
		pfa.NewRevertApplier(pfaRepo),
	)

	authHandler := actors.NewAuthHandler(logger, actorService, sessionManager, csrfManager)
	actorsHandler := actors.NewHandler(logger, actorService, authzMW.RequireCapability(capability.ManageUsers))
	orgHandler := org.NewHandler(logger, orgService, guard, authzMW.RequireCapability(capability.ManageSettings))
	grantsHandler := grants.NewHandler(logger, grantService, guard, authzMW.RequireCapability(capability.ManageRoles))
	authzHandler := authz.NewHandler(logger, resolver)
	auditHandler := audit.NewHandler(logger, auditService, reverter, resolver, pfaRepo,
		authzMW.RequireCapability(capability.ViewAudit),
		authzMW.RequireCapability(capability.RevertAudit),
	)
	pfaHandler := pfa.NewHandler(logger, pfaService, resolver,
		authzMW.RequireCapability(capability.ViewRecords),
		authzMW.RequireCapability(capability.EditRecords),
	)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		CSRFManager:    csrfManager,
		AuthHandler:    authHandler,
		ActorsHandler:  actorsHandler,
		OrgHandler:     orgHandler,
		GrantsHandler:  grantsHandler,
		AuthzHandler:   authzHandler,
		AuditHandler:   auditHandler,
		PFAHandler:     pfaHandler,
		JobHandler:     jobHandler,
		TenantContext:  tenantMW,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
