package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/parish-admin-api/api/swagger"
	"github.com/noah-isme/parish-admin-api/internal/handler"
	"github.com/noah-isme/parish-admin-api/internal/middleware"
	"github.com/noah-isme/parish-admin-api/internal/migrations"
	"github.com/noah-isme/parish-admin-api/internal/models"
	"github.com/noah-isme/parish-admin-api/internal/repository"
	"github.com/noah-isme/parish-admin-api/internal/service"
	"github.com/noah-isme/parish-admin-api/pkg/cache"
	"github.com/noah-isme/parish-admin-api/pkg/config"
	"github.com/noah-isme/parish-admin-api/pkg/credential"
	"github.com/noah-isme/parish-admin-api/pkg/database"
	"github.com/noah-isme/parish-admin-api/pkg/jobs"
	"github.com/noah-isme/parish-admin-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/parish-admin-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/parish-admin-api/pkg/middleware/requestid"
)

// @title Parish Admin API
// @version 1.0.0
// @description Authentication and session lifecycle for the parish administration backend.
// @BasePath /api
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Fatal("server failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db.DB, migrations.FS); err != nil {
			return err
		}
		logr.Info("database migrations applied")
	}

	checks := []handler.DependencyCheck{{Name: "postgres", Check: db.PingContext}}

	var redisClient *redis.Client
	if cfg.Session.ActivityBackend == config.ActivityBackendRedis {
		redisClient, err = cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
		checks = append(checks, handler.DependencyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return cache.Ping(ctx, redisClient)
		}})
	}

	var metricsSvc *service.MetricsService
	if cfg.Metrics.Enabled {
		metricsSvc = service.NewMetricsService()
	}

	codec, err := credential.NewCodec(credential.Config{
		Secret:   cfg.JWT.Secret,
		Issuer:   cfg.JWT.Issuer,
		Audience: cfg.JWT.Audience,
		Leeway:   cfg.JWT.Leeway,
	})
	if err != nil {
		return err
	}

	userRepo := repository.NewUserRepository(db)
	sessionRepo := repository.NewRefreshTokenRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	auditSvc := startAuditService(ctx, auditRepo, cfg.Audit, logr)
	defer auditSvc.Stop()

	activitySvc := service.NewActivityService(
		activityStore(cfg, redisClient, userRepo),
		cfg.Session.IdleTimeout,
		logr,
		service.WithActivityMetrics(metricsSvc),
	)

	authSvc := service.NewAuthService(userRepo, sessionRepo, activitySvc, codec, validator.New(), logr, service.AuthConfig{
		AccessTokenExpiry:  cfg.JWT.AccessTTL,
		RefreshTokenExpiry: cfg.JWT.RefreshTTL,
	}, service.WithAuditRecorder(auditSvc), service.WithAuthMetrics(metricsSvc))

	router := newRouter(cfg, logr, authSvc, metricsSvc, checks)
	logr.Info("session policy",
		zap.Duration("access_ttl", cfg.JWT.AccessTTL),
		zap.Duration("refresh_ttl", cfg.JWT.RefreshTTL),
		zap.Duration("idle_timeout", activitySvc.IdleTimeout()),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "activity_backend", cfg.Session.ActivityBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logr.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type auditStore interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// startAuditService runs the audit queue detached from ctx cancellation so
// requests still draining during Shutdown keep their audit rows; the caller's
// Stop flushes it afterwards.
func startAuditService(ctx context.Context, repo auditStore, cfg config.AuditConfig, logr *zap.Logger) *service.AuditService {
	svc := service.NewAuditService(repo, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.Buffer,
		Logger:     logr,
	})
	svc.Start(context.WithoutCancel(ctx))
	return svc
}

func activityStore(cfg *config.Config, client *redis.Client, users *repository.UserRepository) service.ActivityStore {
	if cfg.Session.ActivityBackend == config.ActivityBackendRedis && client != nil {
		return repository.NewActivityRepository(client, cfg.Session.ActivityMarkTTL)
	}
	return users
}

func newRouter(cfg *config.Config, logr *zap.Logger, authSvc *service.AuthService, metricsSvc *service.MetricsService, checks []handler.DependencyCheck) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	metricsHandler := handler.NewMetricsHandler(metricsSvc, checks...)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	if metricsSvc != nil {
		r.GET("/metrics", metricsHandler.Prometheus)
	}
	if !cfg.IsProduction() {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	authHandler := handler.NewAuthHandler(authSvc)
	api := r.Group(cfg.APIPrefix)
	{
		auth := api.Group("/auth")
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", middleware.RefreshJWT(authSvc), authHandler.Refresh)
		auth.POST("/logout", authHandler.Logout)
		auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)
	}

	return r
}
