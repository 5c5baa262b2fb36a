package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"autotrader/internal/calendar"
	"autotrader/internal/client/broker"
	"autotrader/internal/config"
	cronrunner "autotrader/internal/cron"
	"autotrader/internal/db"
	"autotrader/internal/handler"
	"autotrader/internal/lock"
	"autotrader/internal/logger"
	"autotrader/internal/notify"
	"autotrader/internal/pricefeed"
	"autotrader/internal/report"
	gormrepository "autotrader/internal/repository/gorm"
	"autotrader/internal/service"

	_ "autotrader/docs"
)

func main() {
	cfgPath := os.Getenv("AT_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("AT_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}
	store := gormrepository.New(dbConn.Gorm)

	cal, err := calendar.FromConfig(cfg.Instruments)
	if err != nil {
		logger.Fatal("trading calendar invalid", zap.Error(err))
	}
	reportingLoc, err := time.LoadLocation(cfg.Broker.ReportingTimezone)
	if err != nil {
		logger.Fatal("broker reporting timezone invalid", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	brokerClient := broker.NewClient(cfg.Broker, &http.Client{Timeout: cfg.Broker.Timeout}, logger)
	if err := brokerClient.Login(ctx); err != nil {
		// the client logs in again on first use
		logger.Warn("broker login failed", zap.Error(err))
	}
	go brokerClient.RunSessionRefresh(ctx, cfg.Broker.SessionRefresh)

	notifier := notify.FromConfig(cfg.Notify, logger)

	generator, err := report.New(cfg.Report)
	if err != nil {
		logger.Fatal("report generator invalid", zap.Error(err))
	}
	performance := &service.PerformanceService{
		Repo:      store,
		Generator: generator,
		Logger:    logger,
		MinClosed: cfg.Reconcile.ReportMinClosed,
		Window:    cfg.Reconcile.ReportWindow,
	}
	if notifier != nil {
		performance.Notifier = notifier
	}
	if cfg.Report.Archive.Enabled {
		archiver, err := report.NewS3Archiver(ctx, cfg.Report.Archive)
		if err != nil {
			logger.Warn("report archive disabled", zap.Error(err))
		} else {
			performance.Archiver = archiver
		}
	}

	reconciler := &service.Reconciler{
		Repo:              store,
		Broker:            brokerClient,
		Locations:         cal,
		Performance:       performance,
		Logger:            logger,
		ReportingLocation: reportingLoc,
	}
	if notifier != nil {
		reconciler.Notifier = notifier
	}
	positions := &service.PositionService{
		Repo:     store,
		Broker:   brokerClient,
		Logger:   logger,
		SizeStep: decimal.NewFromFloat(cfg.Broker.SizeStep),
		MinSize:  decimal.NewFromFloat(cfg.Broker.MinSize),
	}

	registry := pricefeed.NewRegistry(logger)
	stream := handler.NewStreamHub(logger)
	keys, err := subscriptionKeys(cfg.Subscriptions)
	if err != nil {
		logger.Fatal("subscriptions invalid", zap.Error(err))
	}
	registry.Subscribe(stream, keys...)

	collector := &pricefeed.Collector{
		Source:      brokerClient,
		Store:       store,
		Registry:    registry,
		Calendar:    cal,
		Logger:      logger,
		MaxAttempts: cfg.Collector.MaxAttempts,
		RetryDelays: cfg.Collector.RetryDelays,
	}
	if notifier != nil {
		collector.OnFailure = func(ctx context.Context, key pricefeed.Key, err error) {
			_ = notifier.Notify(ctx, "Price snapshot missing", fmt.Sprintf("%s %s: %v", key.Instrument, key.Resolution, err))
		}
	}

	cronRunner := cronrunner.New(logger, ctx)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		cronRunner.UseLocker(lock.NewRedis(rdb, ""), cfg.Redis.LockTTL)
	} else {
		cronRunner.UseLocker(lock.NewLocal(), cfg.Redis.LockTTL)
	}
	if notifier != nil {
		cronRunner.OnFailure(func(ctx context.Context, name string, err error) {
			_ = notifier.Notify(ctx, "Job failed: "+name, err.Error())
		})
	}

	collectorSpec, reconcileSpec := cfg.Cron.Collector, cfg.Cron.Reconcile
	if !cfg.Cron.Enabled {
		collectorSpec, reconcileSpec = "", ""
	}
	if err := cronRunner.AddJob("collector", collectorSpec, func(ctx context.Context) error {
		collector.Tick(ctx, time.Now())
		return nil
	}); err != nil {
		logger.Fatal("cron register collector failed", zap.Error(err))
	}
	if err := cronRunner.AddJob("reconcile", reconcileSpec, func(ctx context.Context) error {
		_, err := reconciler.Reconcile(ctx)
		return err
	}); err != nil {
		logger.Fatal("cron register reconcile failed", zap.Error(err))
	}
	cronRunner.Start()

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(handler.CORS())
	engine.Use(handler.AccessLog(logger))
	engine.Use(handler.RequireBearer(cfg.Server.APIToken))

	(&handler.HealthHandler{Ping: func(ctx context.Context) error { return db.Ping(ctx, dbConn) }}).Register(engine)
	(&handler.PositionHandler{Repo: store, Service: positions, Logger: logger}).Register(engine)
	(&handler.ReportHandler{Repo: store, Performance: performance}).Register(engine)
	(&handler.MarketHandler{Registry: registry, Calendar: cal, Snapshots: store}).Register(engine)
	(&handler.JobHandler{Runner: cronRunner}).Register(engine)
	stream.Register(engine)
	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}
	stop()

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	cronRunner.Stop()
	collector.Wait()
}

func subscriptionKeys(subs []config.SubscriptionConfig) ([]pricefeed.Key, error) {
	var keys []pricefeed.Key
	for _, sub := range subs {
		for _, raw := range sub.Resolutions {
			res, err := pricefeed.ParseResolution(raw)
			if err != nil {
				return nil, fmt.Errorf("subscription %s: %w", sub.Instrument, err)
			}
			keys = append(keys, pricefeed.Key{Instrument: strings.TrimSpace(sub.Instrument), Resolution: res})
		}
	}
	return keys, nil
}
