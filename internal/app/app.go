package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/talha-yousuf/gatekeep-backend/internal/config"
	"github.com/talha-yousuf/gatekeep-backend/internal/database"
	"github.com/talha-yousuf/gatekeep-backend/internal/http/handler"
	"github.com/talha-yousuf/gatekeep-backend/internal/http/middleware"
	"github.com/talha-yousuf/gatekeep-backend/internal/observability"
	"github.com/talha-yousuf/gatekeep-backend/internal/repository"
	"github.com/talha-yousuf/gatekeep-backend/internal/security"
	"github.com/talha-yousuf/gatekeep-backend/internal/service"
)

type App struct {
	Config *config.Config
	Logger *slog.Logger
	Server *http.Server
	Cache  *service.FlagCache
}

// New wires the whole service. The initial cache rebuild runs synchronously;
// startup fails rather than serving an empty snapshot against a reachable
// store that could not be read.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(cfg.LogLevel)

	db, err := database.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	repo := repository.NewFlagRepository(db)
	cache := service.NewFlagCache(repo, logger, service.FlagCacheConfig{
		RefreshInterval: cfg.CacheRefreshInterval,
		StoreTimeout:    cfg.StoreTimeout,
		NotFoundPolicy:  service.NotFoundPolicy(cfg.NotFoundPolicy),
	})
	if err := cache.Rebuild(context.Background()); err != nil {
		return nil, fmt.Errorf("initial flag cache rebuild: %w", err)
	}
	cache.StartRefresher()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	var evalCache service.EvaluationCacheStore = service.NewNoopEvaluationCacheStore()
	if cfg.EvalCacheTTL > 0 {
		if redisClient != nil {
			evalCache = service.NewRedisEvaluationCacheStore(redisClient, "")
		} else {
			evalCache = service.NewInMemoryEvaluationCacheStore()
		}
	}

	// The evaluation endpoints are public and read-only, so a redis-backed
	// limiter fails open while the in-process one fails closed.
	var evalLimiter *middleware.RateLimiter
	if cfg.EvalRateLimit > 0 {
		var limiter middleware.Limiter = middleware.NewLocalFixedWindowLimiter()
		mode := middleware.FailClosed
		if redisClient != nil {
			limiter = middleware.NewRedisFixedWindowLimiter(redisClient, "")
			mode = middleware.FailOpen
		}
		evalLimiter = middleware.NewRateLimiter(limiter, cfg.EvalRateLimit, cfg.EvalRateWindow, mode, logger)
	}

	svc := service.NewFlagService(repo, cache, evalCache, cfg.EvalCacheTTL, logger)
	jwtMgr := security.NewJWTManager(cfg.AdminJWTIssuer, cfg.AdminJWTAudience, cfg.AdminJWTSecret)
	flagHandler := handler.NewFlagHandler(svc)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           NewRouter(flagHandler, jwtMgr, evalLimiter),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return &App{Config: cfg, Logger: logger, Server: server, Cache: cache}, nil
}

func NewRouter(h *handler.FlagHandler, jwtMgr *security.JWTManager, evalLimiter *middleware.RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Route("/api/v1/flags", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if evalLimiter != nil {
				r.Use(evalLimiter.Middleware())
			}
			r.Get("/evaluate", h.EvaluateAll)
			r.Get("/evaluate/{key}", h.EvaluateOne)
		})
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin(jwtMgr))
			r.Get("/", h.ListFlags)
			r.Post("/", h.CreateFlag)
			r.Put("/{id}", h.UpdateFlag)
			r.Delete("/{id}", h.DeleteFlag)
			r.Post("/{id}/target", h.AddTargetedUser)
			r.Delete("/{id}/target/{user_id}", h.RemoveTargetedUser)
			r.Get("/{id}/audit", h.GetAuditLog)
		})
	})
	return r
}

// RunMigrationOnly opens the database, applies the schema and exits.
func RunMigrationOnly() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	db, err := database.Open(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	return database.Migrate(db)
}

// Shutdown stops the cache refresher and drains the HTTP server.
func (a *App) Shutdown(ctx context.Context) error {
	a.Cache.Stop()
	return a.Server.Shutdown(ctx)
}
