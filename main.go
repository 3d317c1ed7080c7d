package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/procflow-io/procflow/pkg/auth"
	"github.com/procflow-io/procflow/pkg/config"
	"github.com/procflow-io/procflow/pkg/database"
	"github.com/procflow-io/procflow/pkg/handlers"
	"github.com/procflow-io/procflow/pkg/middleware"
	"github.com/procflow-io/procflow/pkg/repositories"
	"github.com/procflow-io/procflow/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("base_url", cfg.BaseURL),
		zap.String("database", cfg.Database.Database),
		zap.String("database_host", cfg.Database.Host))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewConnection(ctx, &database.Config{
		URL:             cfg.Database.URL(),
		MaxConnections:  cfg.Database.MaxConnections,
		ConnMaxLifetime: cfg.Database.ConnLifetime(),
		ConnMaxIdleTime: cfg.Database.ConnIdleTime(),
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	migrationDB := stdlib.OpenDBFromPool(db.Pool)
	if err := database.RunMigrations(migrationDB, cfg.MigrationsPath, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Repositories. All except the tenant repository read their
	// connection from the request's tenant scope.
	tenantRepo := repositories.NewTenantRepository(db)
	workflowRepo := repositories.NewWorkflowRepository()
	instanceRepo := repositories.NewInstanceRepository()
	userTaskRepo := repositories.NewUserTaskRepository()
	serviceTaskRepo := repositories.NewServiceTaskRepository()
	catalogRepo := repositories.NewCatalogRepository()
	discoveryRepo := repositories.NewDiscoveryRepository()
	auditRepo := repositories.NewAuditRepository()
	userTaskIdemRepo := repositories.NewUserTaskIdempotencyRepository()
	serviceTaskIdemRepo := repositories.NewServiceTaskIdempotencyRepository()

	// Services.
	auditService := services.NewAuditService(auditRepo, logger)
	notificationService := services.NewNotificationService(logger)
	workflowService := services.NewWorkflowService(workflowRepo, auditService, logger)
	instanceService := services.NewInstanceService(workflowRepo, instanceRepo, userTaskRepo,
		serviceTaskRepo, catalogRepo, auditService, notificationService, logger)
	userTaskService := services.NewUserTaskService(userTaskRepo, userTaskIdemRepo, auditService, logger)
	serviceTaskService := services.NewServiceTaskService(serviceTaskRepo, instanceRepo, workflowRepo,
		catalogRepo, serviceTaskIdemRepo, instanceService, auditService, cfg, logger)
	discoveryService := services.NewDiscoveryService(discoveryRepo, catalogRepo, logger)

	authMiddleware := auth.NewMiddleware(tenantRepo, db, logger)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg.Version).RegisterRoutes(mux)
	handlers.NewWorkflowHandler(workflowService, instanceService, logger).RegisterRoutes(mux, authMiddleware)
	handlers.NewInstanceHandler(instanceService, logger).RegisterRoutes(mux, authMiddleware)
	handlers.NewTaskHandler(userTaskService, logger).RegisterRoutes(mux, authMiddleware)
	handlers.NewServiceTaskHandler(serviceTaskService, tenantRepo, db, logger).RegisterRoutes(mux, authMiddleware)
	handlers.NewDiscoveryHandler(discoveryService, logger).RegisterRoutes(mux, authMiddleware)
	handlers.NewAuditHandler(auditService, logger).RegisterRoutes(mux, authMiddleware)

	handler := middleware.RequestLogger(logger)(mux)

	server := &http.Server{
		Addr:              cfg.BindAddr + ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting procflow",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
