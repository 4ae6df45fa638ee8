package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/ekko-capture/internal/auth"
	"github.com/example/ekko-capture/internal/config"
	"github.com/example/ekko-capture/internal/events"
	"github.com/example/ekko-capture/internal/gate"
	"github.com/example/ekko-capture/internal/handlers"
	"github.com/example/ekko-capture/internal/logging"
	"github.com/example/ekko-capture/internal/lookup"
	"github.com/example/ekko-capture/internal/preprocess"
	"github.com/example/ekko-capture/internal/recognition/backend"
	"github.com/example/ekko-capture/internal/repository"
	"github.com/example/ekko-capture/internal/session"
	"github.com/example/ekko-capture/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.Database, logger)
	repo := repository.NewCaptureRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.Redis, logger)
	defer redisClient.Close()

	recognizer, closeRecognizer, err := backend.Open(ctx, cfg.Recognition, logger)
	if err != nil {
		logger.Fatal("failed to open recognition backend", zap.Error(err))
	}
	defer closeRecognizer() //nolint:errcheck

	store := session.NewStore()
	decoder := lookup.NewCachedDecoder(
		lookup.NewGraphQLDecoder(cfg.Lookup.Endpoint, &http.Client{Timeout: cfg.Lookup.Timeout}, forwardedToken(cfg.Lookup.ServiceToken), logger),
		lookup.NewRedisCache(redisClient),
		cfg.Redis.VehicleTTL,
		logger,
	)
	hub := events.NewHub(nil, logger)

	uc := usecase.NewCaptureUseCase(usecase.Deps{
		Preprocessor: preprocess.New(cfg.Capture.JPEGQuality, logger),
		Recognizer:   recognizer,
		Gate:         gate.New(store, decoder, logger, gate.WithCountry(cfg.Lookup.Country)),
		Contexts:     store,
		Attempts:     repo,
		Publisher:    hub,
		SpoolDir:     cfg.Capture.SpoolDir,
		IdleTTL:      cfg.Capture.IdleTTL,
	}, logger)
	defer uc.Close()

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go uc.RunSweeper(sweepCtx, time.Minute)

	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = handlers.MaxUploadSize

	authMiddleware := auth.JWTMiddleware(auth.Config{
		Secret:     cfg.Auth.JWTSecret,
		Audience:   cfg.Auth.JWTAudience,
		Issuer:     cfg.Auth.JWTIssuer,
		Leeway:     cfg.Auth.Leeway,
		QueryParam: "access_token",
	})
	handlers.RegisterRoutes(r, uc, hub, authMiddleware, logger)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("capture API listening", zap.String("addr", cfg.Server.Addr), zap.String("recognition_backend", cfg.Recognition.Backend))
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// forwardedToken passes the caller's bearer token on to decodePlate, falling back
// to the service token.
func forwardedToken(serviceToken string) lookup.TokenSource {
	return func(ctx context.Context) string {
		if token, ok := auth.GetToken(ctx); ok {
			return token
		}
		return serviceToken
	}
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	if signalCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		signalCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-signalCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
