package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"marketpulse/internal/collector"
	"marketpulse/internal/config"
	"marketpulse/internal/database"
	"marketpulse/internal/dispatcher"
	"marketpulse/internal/handler"
	"marketpulse/internal/middleware"
	"marketpulse/internal/monitor"
	"marketpulse/internal/processor"
	"marketpulse/internal/redis"
	"marketpulse/internal/repository"
	"marketpulse/pkg/limiter"
	"marketpulse/pkg/log"
	"marketpulse/pkg/queue"
	"marketpulse/pkg/snowflake"
)

func main() {
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := log.Init(log.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxAge:     cfg.Log.MaxAge,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// Pick up log-level changes without a restart. Component settings
	// (pool sizes, windows) are read once at construction and need a
	// restart to change.
	if cfg.ConfigFile != "" {
		config.WatchConfig(cfg.ConfigFile, func(next *config.Config) {
			log.SetLevel(next.Log.Level)
			log.WithFields(map[string]interface{}{
				"file":  next.ConfigFile,
				"level": next.Log.Level,
			}).Info("Configuration reloaded")
		})
	}

	db, err := database.Open(cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect database")
	}
	defer database.Close(db)

	if err := database.AutoMigrate(db); err != nil {
		log.WithError(err).Fatal("Failed to migrate database")
	}

	cache, err := redis.Open(cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect redis")
	}
	defer cache.Close()

	if cfg.Admin.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	bus := queue.NewMemoryBus(&queue.MemoryBusConfig{
		Partitions:     cfg.Bus.Partitions,
		BufferSize:     cfg.Bus.BufferSize,
		PublishTimeout: cfg.Bus.PublishTimeout,
	})

	registry := prometheus.NewRegistry()
	metrics := monitor.New(registry)

	listingRepo := repository.NewListingRepository(db)
	alertRepo := repository.NewAlertRepository(db)
	matchRepo := repository.NewMatchRepository(db)
	attemptRepo := repository.NewAttemptRepository(db)

	idGenerator, err := snowflake.NewIDGenerator(1)
	if err != nil {
		log.WithError(err).Fatal("Failed to create ID generator")
	}

	col := collector.New(
		cfg.Collector,
		collector.NewRotator(cfg.Collector),
		collector.NewClient(cfg.Collector),
		bus,
		metrics,
	)

	proc, err := processor.New(cfg.Processor, bus, listingRepo, alertRepo, matchRepo, metrics, idGenerator)
	if err != nil {
		log.WithError(err).Fatal("Failed to create processor")
	}

	disp := dispatcher.New(
		cfg.Dispatcher,
		bus,
		alertRepo,
		attemptRepo,
		metrics,
		idGenerator,
		dispatcher.NewWebhookSender(cfg.Dispatcher.Webhook),
		dispatcher.NewEmailSender(cfg.Dispatcher.SMTP),
		dispatcher.NewLogSender("sms"),
		dispatcher.NewLogSender("push"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	col.Start(ctx)
	proc.Start(ctx)
	disp.Start(ctx)

	router := setupRouter(cfg, db, cache, col, registry)

	server := &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Admin.Host, cfg.Admin.Port),
		Handler:        router,
		ReadTimeout:    cfg.Admin.ReadTimeout,
		WriteTimeout:   cfg.Admin.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	go func() {
		log.WithFields(map[string]interface{}{
			"addr": server.Addr,
			"mode": cfg.Admin.Mode,
		}).Info("Starting admin server")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down pipeline...")

	cancel()
	col.Wait()
	proc.Wait()
	disp.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	if err := bus.Close(); err != nil {
		log.WithError(err).Error("Failed to close bus")
	}

	log.Info("Pipeline exited")
}

func setupRouter(cfg *config.Config, db *gorm.DB, cache *goredis.Client, col *collector.Collector, registry *prometheus.Registry) *gin.Engine {
	router := gin.New()

	router.Use(middleware.Logger())
	router.Use(middleware.Recovery())

	healthHandler := handler.NewHealthHandler(db, cache)
	taskHandler := handler.NewTaskHandler(col)

	router.GET("/health", healthHandler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	// Task submission shares one sliding window across instances, so a
	// burst against any replica cannot flood the collection queue.
	submitLimiter := limiter.NewSlidingWindowLimiter(cache, 60, time.Minute)

	api := router.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			tasks := v1.Group("/tasks")
			tasks.Use(middleware.RateLimit(submitLimiter))
			{
				tasks.POST("", taskHandler.SubmitTask)
				tasks.GET("/:id", taskHandler.GetTaskStatus)
			}
		}
	}

	return router
}
