package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voicecast/internal/audit"
	"voicecast/internal/auth"
	"voicecast/internal/broadcast"
	"voicecast/internal/config"
	"voicecast/internal/dispatch"
	"voicecast/internal/httpapi"
	"voicecast/internal/reconcile"
	"voicecast/internal/registry"
	"voicecast/internal/reporting"
	"voicecast/internal/schedule"
	"voicecast/internal/snapshot"
	"voicecast/internal/telephony"
	"voicecast/pkg/logger"
	"voicecast/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotEnv(); err != nil {
		slog.Error("env file load failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(logger.Options{Env: cfg.App.Env, Level: cfg.Log.Level, Format: cfg.Log.Format})
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	var db *sql.DB
	if cfg.UsesPostgres() {
		db, err = utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{
			MaxOpenConns:    cfg.DB.MaxOpenConns,
			MaxIdleConns:    cfg.DB.MaxIdleConns,
			ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.DB.ConnMaxIdleTime,
			PingTimeout:     cfg.DB.PingTimeout,
		})
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
	}

	var rdb *redis.Client
	if cfg.RedisAddr() != "" {
		rdb, err = utils.OpenRedis(rootCtx, utils.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
	}

	eng := buildEngine(cfg, db, rdb, log)

	restored, err := eng.controller.Restore(rootCtx)
	if err != nil {
		log.Error("broadcast restore failed", "err", err)
	} else {
		log.Info("broadcasts restored", "count", restored)
	}
	if cfg.Scheduler.Enabled {
		if err := eng.scheduler.Start(); err != nil {
			log.Error("scheduler start failed", "err", err)
			os.Exit(1)
		}
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, httpapi.Handlers{
		Auth:       authManager,
		Broadcasts: eng.controller,
		Schedules:  eng.scheduler,
		Reports:    reporting.NewService(reporting.NewLiveRepo(eng.controller)),
		Audit:      eng.audit,
	}, auth.RequireAccessToken(authManager), readiness(db, rdb))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	if err := eng.scheduler.Stop(shutdownCtx); err != nil {
		log.Error("scheduler shutdown failed", "err", err)
	}
	if err := eng.controller.Shutdown(shutdownCtx); err != nil {
		log.Error("broadcast shutdown failed", "err", err)
	}
}

type engine struct {
	controller *broadcast.Controller
	scheduler  *schedule.Service
	audit      *audit.Service
}

// buildEngine wires the broadcast pipeline: provider, registry, dispatcher,
// reconciler, controller, then the scheduler and audit subscribers.
func buildEngine(cfg config.Config, db *sql.DB, rdb *redis.Client, log *slog.Logger) engine {
	provider := telephony.NewHTTPProvider(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout)
	reg := registry.New()

	dcfg := dispatch.DefaultConfig()
	if cfg.Broadcast.InterBatchDelay > 0 {
		dcfg.InterBatchDelay = cfg.Broadcast.InterBatchDelay
	}
	if cfg.Broadcast.MaxRetries > 0 {
		dcfg.Retry.MaxRetries = cfg.Broadcast.MaxRetries
	}
	if cfg.Broadcast.RetryBackoff > 0 {
		dcfg.Retry.BaseDelay = cfg.Broadcast.RetryBackoff
	}
	applyVoice(&dcfg.Voice, cfg.Voice)

	rcfg := reconcile.DefaultConfig()
	if cfg.Broadcast.PollConcurrency > 0 {
		rcfg.Concurrency = cfg.Broadcast.PollConcurrency
	}
	if cfg.Broadcast.PollTimeout > 0 {
		rcfg.Timeout = cfg.Broadcast.PollTimeout
	}
	if cfg.Broadcast.ConnectivityWarnAfter > 0 {
		rcfg.WarnAfter = cfg.Broadcast.ConnectivityWarnAfter
	}

	bcfg := broadcast.DefaultConfig()
	if cfg.Broadcast.BatchSize > 0 {
		bcfg.BatchSize = cfg.Broadcast.BatchSize
	}
	if cfg.Broadcast.PollInterval > 0 {
		bcfg.PollInterval = cfg.Broadcast.PollInterval
	}

	var (
		snaps     snapshot.Store
		schedRepo schedule.Repository
		setRepo   schedule.ContactSetRepository
		auditRepo audit.Repository
		lease     schedule.Lease
	)
	switch cfg.Storage.SnapshotDriver {
	case "postgres":
		snaps = snapshot.NewPostgresStore(db)
	case "redis":
		snaps = snapshot.NewRedisStore(rdb, "")
	default:
		snaps = snapshot.NewMemoryStore()
	}
	if cfg.Storage.StoreDriver == "postgres" {
		pg := schedule.NewPostgresRepo(db)
		schedRepo, setRepo = pg, pg
		auditRepo = audit.NewPostgresRepo(db)
	} else {
		mem := schedule.NewMemoryRepo()
		schedRepo, setRepo = mem, mem
		auditRepo = audit.NewMemoryRepo()
	}
	if rdb != nil {
		lease = utils.NewRedisLease(rdb, "voicecast:lease:")
	}

	rec := reconcile.New(provider, reg, rcfg, log)
	ctrl := broadcast.NewController(reg, dispatch.New(provider, reg, dcfg, log), rec, provider, snaps, bcfg, log)

	auditSvc := audit.NewService(auditRepo, log)
	sched := schedule.NewService(schedRepo, setRepo, ctrl, rec, lease, schedule.Config{
		ScanInterval:     cfg.Scheduler.ScanInterval,
		RecoveryInterval: cfg.Scheduler.RecoveryInterval,
		Location:         cfg.Location(),
		Retention:        cfg.Broadcast.Retention,
	}, log).WithNotifier(auditSvc).WithPruner(ctrl)

	ctrl.Subscribe(sched.HandleEvent)
	ctrl.Subscribe(auditSvc.HandleBroadcastEvent)

	return engine{controller: ctrl, scheduler: sched, audit: auditSvc}
}

func applyVoice(v *telephony.Voice, c config.VoiceConfig) {
	if c.VoiceID != "" {
		v.VoiceID = c.VoiceID
	}
	if c.Stability > 0 {
		v.Stability = c.Stability
	}
	if c.SimilarityBoost > 0 {
		v.SimilarityBoost = c.SimilarityBoost
	}
	if c.StyleExaggeration > 0 {
		v.StyleExaggeration = c.StyleExaggeration
	}
	if c.AIProfile != "" {
		v.AIProfile = c.AIProfile
	}
}

// readiness checks the backing stores that are configured.
func readiness(db *sql.DB, rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if db != nil {
			if err := utils.HealthCheck(ctx, db, time.Second); err != nil {
				return err
			}
		}
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return err
			}
		}
		return nil
	}
}
