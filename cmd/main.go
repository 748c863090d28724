package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/darsavelidze/safe-school/internal/detection"
	"github.com/darsavelidze/safe-school/internal/handler"
	"github.com/darsavelidze/safe-school/internal/hub"
	"github.com/darsavelidze/safe-school/internal/ingest"
	"github.com/darsavelidze/safe-school/internal/middleware"
	"github.com/darsavelidze/safe-school/internal/persistence"
	"github.com/darsavelidze/safe-school/internal/spatial"
	"github.com/darsavelidze/safe-school/internal/telemetry"
	"github.com/darsavelidze/safe-school/internal/tenant"
	"github.com/darsavelidze/safe-school/pkg/config"
	"github.com/darsavelidze/safe-school/pkg/database"
	"github.com/darsavelidze/safe-school/pkg/jwtutil"
	"github.com/darsavelidze/safe-school/pkg/logger"
	"github.com/darsavelidze/safe-school/prometheus"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration from .env file and environment variables
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger with config
	logger.InitLogger(cfg)
	log := logger.GetLogger()
	defer log.Sync()

	log.Info("Starting safe-school service", cfg.LogFields()...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Core state
	tokens := jwtutil.NewJWTUtil(&cfg.JWT)
	directory := tenant.NewDirectory(tokens, log, cfg.Auth.BcryptCost)
	sensors := telemetry.NewStore(cfg.Telemetry.HistoryCapacity)
	cameras := telemetry.NewCameraStore()
	spatialStore := spatial.NewStore(nil, log)
	events := hub.New(cfg.Hub.SubscriberBuffer, log)

	// Persistence
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open snapshot store", zap.Error(err))
	}
	gateway := persistence.NewGateway(store, log)
	gateway.Bind(directory, spatialStore)
	directory.SetSnapshotRequester(gateway)
	spatialStore.SetSnapshotter(gateway)

	if _, err := gateway.Restore(ctx); err != nil {
		log.Fatal("Failed to restore snapshot", zap.Error(err))
	}

	// Detection
	var analyzer detection.Analyzer = detection.NopAnalyzer{}
	if cfg.Detection.AnalyzerURL != "" {
		analyzer = detection.NewRemoteAnalyzer(cfg.Detection.AnalyzerURL, cfg.Detection.AnalyzerTimeout, log)
		log.Info("Using remote analyzer", zap.String("url", cfg.Detection.AnalyzerURL))
	} else {
		log.Warn("ANALYZER_URL not set, every frame will report zero people")
	}
	dispatcher := detection.NewDispatcher(analyzer, cameras, events, log, detection.Config{
		QueueCapacity:  cfg.Detection.QueueCapacity,
		RequestTimeout: cfg.Detection.RequestTimeout,
		Coalesce:       cfg.Detection.Coalesce,
		JPEGQuality:    cfg.Detection.JPEGQuality,
	})
	dispatcher.Start()

	ingestor := ingest.NewSensorIngestor(sensors, events, log)

	// Initialize Echo framework
	e := echo.New()
	e.HideBanner = true

	// Apply global middleware - order matters
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())
	e.Use(echomiddleware.BodyLimit(handler.FrameBodyLimit))
	e.Use(middleware.RequestIDMiddleware)
	e.Use(logger.Middleware(log))
	e.Use(prometheus.MetricsMiddleware())

	if cfg.Auth.BootstrapTokenEnabled {
		log.Warn("Bootstrap token endpoint enabled, tokens are issued without credentials")
	}

	handler.RegisterRoutes(e, handler.Handlers{
		Auth:    handler.NewAuthHandler(directory, cfg.Auth.BootstrapTokenEnabled),
		Sensors: handler.NewSensorHandler(ingestor, sensors),
		Spatial: handler.NewSpatialHandler(spatialStore),
		Cameras: handler.NewCameraHandler(dispatcher, cameras, events),
		Stream:  handler.NewStreamHandler(events, cfg.Hub.PingInterval),
	}, middleware.Auth(directory, false), middleware.Auth(directory, true))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return gateway.Run(gctx)
	})

	if cfg.MQTT.Enabled() {
		bridge := ingest.NewMQTTBridge(cfg.MQTT, directory, ingestor, log)
		g.Go(func() error {
			return bridge.Run(gctx)
		})
	}

	g.Go(func() error {
		port := cfg.Server.Port
		log.Info("Starting server", zap.String("port", port))
		if err := e.Start(":" + port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// live subscribers hold their requests open, so close the hub first
		events.Close()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown failed", zap.Error(err))
		}
		if err := dispatcher.Stop(shutdownCtx); err != nil {
			log.Error("Dispatcher shutdown failed", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("Service stopped with error", zap.Error(err))
	}

	finalCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := gateway.SnapshotNow(finalCtx); err != nil {
		log.Error("Final snapshot failed", zap.Error(err))
	}
	log.Info("Service stopped")
}

// openStore selects the snapshot backend
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (persistence.Store, error) {
	switch cfg.Persistence.Backend {
	case config.BackendRedis:
		store := persistence.NewRedisStore(persistence.NewRedisClient(&cfg.Persistence), cfg.Persistence.RedisKey)
		if err := store.Ping(ctx); err != nil {
			return nil, err
		}
		log.Info("Snapshot store ready", zap.String("backend", store.Name()), zap.String("addr", cfg.Persistence.RedisAddr))
		return store, nil

	case config.BackendPostgres:
		db, err := database.InitDB(&cfg.Persistence.DB)
		if err != nil {
			return nil, err
		}
		store := persistence.NewGormStore(db)
		if err := store.Migrate(); err != nil {
			return nil, err
		}
		log.Info("Snapshot store ready",
			zap.String("backend", store.Name()),
			zap.String("db_host", cfg.Persistence.DB.Host),
			zap.String("db_name", cfg.Persistence.DB.DBName))
		return store, nil

	default:
		store := persistence.NewFileStore(cfg.Persistence.FilePath)
		log.Info("Snapshot store ready", zap.String("backend", store.Name()), zap.String("path", cfg.Persistence.FilePath))
		return store, nil
	}
}
