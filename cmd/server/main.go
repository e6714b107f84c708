package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"RapidResponse/internal/dispatch"
	handlers "RapidResponse/internal/handler"
	"RapidResponse/internal/listeners"
	"RapidResponse/internal/models"
	"RapidResponse/internal/realtime"
	"RapidResponse/internal/store"
	"RapidResponse/pkg/cache"
	"RapidResponse/pkg/config"
	"RapidResponse/pkg/logger"
	"RapidResponse/pkg/metrics"
	"RapidResponse/pkg/middleware"
	"RapidResponse/pkg/notification"
	"RapidResponse/pkg/scheduler"
	"RapidResponse/pkg/search"
	"RapidResponse/pkg/sse"
	"RapidResponse/pkg/util"
	"RapidResponse/pkg/websocket"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

func main() {
	if err := config.Load(); err != nil {
		panic(err)
	}
	cfg := config.GlobalConfig
	if err := logger.Init(cfg.Log, cfg.Mode); err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics(nil)

	st, err := openStore(cfg, m)
	if err != nil {
		return err
	}
	defer st.Close()

	var rdb *redis.Client
	if cfg.RealtimeRedis || cfg.CacheType == "redis" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
	}

	var idem cache.Cache
	if rdb != nil && cfg.CacheType == "redis" {
		idem = cache.NewRedisCacheWithClient(rdb)
	} else {
		idem, err = cache.NewCache(cache.Config{Type: cfg.CacheType})
		if err != nil {
			return err
		}
	}
	defer idem.Close()

	feed := realtime.NewFeed().WithObserver(m)
	defer feed.Close()

	opts := dispatch.Options{Cache: idem, IdempotencyTTL: cfg.IdempotencyTTL, Metrics: m}
	if cfg.RealtimeRedis {
		bridge := realtime.NewRedisBridge(rdb, cfg.RealtimeChannel, feed)
		opts.Publisher = bridge
		go bridge.Run(ctx)
		logger.Info("realtime redis bridge enabled", zap.String("channel", cfg.RealtimeChannel), zap.String("origin", bridge.Origin()))
	}
	svc := dispatch.NewService(st, feed, opts)

	var limiterStore limiter.Store
	if rdb != nil {
		limiterStore, err = sredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: "rapidresponse:limiter"})
		if err != nil {
			return err
		}
	}
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:          cfg.RateLimit,
		PerRouteRates: map[string]string{cfg.APIPrefix + "/requests": "30-M"},
		SkipPaths:     []string{cfg.APIPrefix + "/system/health", cfg.APIPrefix + "/ws", cfg.APIPrefix + "/stream"},
		AddHeaders:    true,
	}, limiterStore).WithObserver(middleware.NewPrometheusObserver(m.Registry()))

	var idx search.Engine
	if cfg.SearchEnabled {
		idx, err = search.New(search.Config{IndexPath: cfg.SearchPath}, search.BuildIndexMapping(""))
		if err != nil {
			return err
		}
		defer idx.Close()
	}

	wsHub := websocket.NewHub(websocket.LoadConfigFromEnv())
	defer wsHub.Close()
	sseHub := sse.NewHub(30 * time.Second)

	var notifier notification.Notifier
	if cfg.SMSEnabled {
		notifier = notification.NewSMS(notification.SMSConfig{SignName: "RapidResponse", TemplateCode: cfg.SMSTemplate}, notification.LogSMSClient{})
	}
	listener := listeners.NewChangeListener(feed, listeners.Options{WSHub: wsHub, SSEHub: sseHub, Search: idx, Notifier: notifier})
	go func() {
		if err := listener.Run(ctx); err != nil {
			logger.Error("change listener stopped", zap.Error(err))
		}
	}()

	monitor := metrics.NewSystemMonitor(m, 15*time.Second)
	go monitor.Run(ctx)

	cron := scheduler.NewCron(time.UTC)
	if _, err := cron.AddFunc(cfg.SweepSchedule, func(ctx context.Context) {
		if _, err := svc.SweepPending(ctx, cfg.StalePendingAfter); err != nil {
			logger.Warn("sweep pending requests failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	cron.Start()
	defer cron.Stop()

	var fallback *models.Location
	if cfg.UseDefaultLocation {
		fallback = &models.Location{Lat: cfg.DefaultLat, Lng: cfg.DefaultLng}
	}

	gin.SetMode(cfg.Mode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	handlers.NewHandlers(handlers.Deps{
		Service:          svc,
		WSHub:            wsHub,
		SSEHub:           sseHub,
		Search:           idx,
		Metrics:          m,
		Monitor:          monitor,
		Limiter:          rl,
		Auth:             middleware.AuthConfig{Secret: cfg.JWTSecret, AllowDevHeader: cfg.AllowDevID},
		APIPrefix:        cfg.APIPrefix,
		FallbackLocation: fallback,
	}).Register(engine)

	srv := &http.Server{Addr: cfg.Addr, Handler: engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Addr), zap.String("backend", cfg.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openStore gorm 为默认后端，supabase 走 PostgREST
func openStore(cfg *config.Config, m *metrics.Metrics) (store.Store, error) {
	if cfg.Backend == "supabase" {
		client, err := store.NewSupabaseClient(cfg.SupabaseURL, cfg.SupabaseServiceKey)
		if err != nil {
			return nil, err
		}
		return store.NewSupabaseStore(client), nil
	}
	db, err := util.InitDatabase(cfg.DBDriver, cfg.DSN, cfg.DBDebug)
	if err != nil {
		return nil, err
	}
	if err := db.Use(metrics.NewGormPlugin(m, 200*time.Millisecond)); err != nil {
		return nil, err
	}
	st := store.NewGormStore(db)
	if err := st.Migrate(); err != nil {
		return nil, err
	}
	return st, nil
}
