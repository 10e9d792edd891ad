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
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/faceverify-gateway/internal/auth"
	"github.com/example/faceverify-gateway/internal/cache"
	"github.com/example/faceverify-gateway/internal/comparator"
	"github.com/example/faceverify-gateway/internal/config"
	"github.com/example/faceverify-gateway/internal/grpcclient"
	"github.com/example/faceverify-gateway/internal/handlers"
	"github.com/example/faceverify-gateway/internal/lifecycle"
	"github.com/example/faceverify-gateway/internal/logging"
	"github.com/example/faceverify-gateway/internal/repository"
	"github.com/example/faceverify-gateway/internal/retry"
	"github.com/example/faceverify-gateway/internal/usecase"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.Auth.APIKey == "" && os.Getenv(auth.EnvAPIKey) == "" {
		logger.Warn("API_KEY is not set; protected routes will answer 500 until it is")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, conn, err := grpcclient.DialComparator(ctx, grpcclient.Config{
		Addr:        cfg.Model.Addr,
		Secret:      cfg.Model.Secret,
		CallTimeout: cfg.Model.CallTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("failed to connect to comparison service", zap.Error(err))
	}
	defer conn.Close()

	retrier := retry.New(cfg.Retry.Policy, logger)
	opts := []usecase.Option{}

	var flags cache.Cache
	if cfg.Redis.Addr != "" {
		redisClient, err := cache.Open(ctx, cfg.Redis.Addr)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisClient.Close()
		redisCache := cache.NewRedisCache(redisClient, "faceverify:")
		flags = redisCache
		opts = append(opts, usecase.WithCache(redisCache, cfg.Redis.ResultTTL))
	}

	if cfg.Database.DSN != "" {
		db := initDatabase(ctx, cfg.Database.DSN, logger)
		repo := repository.NewVerificationRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		opts = append(opts, usecase.WithRepository(repo))
	}

	if cfg.Fly.App != "" {
		fly := lifecycle.NewFlyClient(lifecycle.FlyConfig{APIURL: cfg.Fly.APIURL, App: cfg.Fly.App, Token: cfg.Fly.Token}, logger)
		poller := lifecycle.NewPoller(fly, cfg.Poll.PollerConfig(), logger)
		opts = append(opts, usecase.WithReadiness(lifecycle.NewGate(poller, flags, cfg.Poll.ReadyTTL, nil, logger)))
	} else {
		logger.Info("FLY_APP_NAME not set; readiness gating disabled")
	}

	router := newRouter(cfg, client, retrier, logger, opts...)

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	logger.Info("verification gateway listening", zap.String("addr", cfg.Server.Addr), zap.String("version", cfg.Server.Version))
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newRouter(cfg *config.Config, client comparator.Client, retrier *retry.Retrier, logger *zap.Logger, opts ...usecase.Option) *gin.Engine {
	uc := usecase.NewVerificationUseCase(client, retrier, logger, opts...)

	r := gin.Default()
	handlers.RegisterRoutes(r, uc, auth.APIKeyMiddleware(cfg.Auth.APIKey, logger), handlers.Options{
		Version:    cfg.Server.Version,
		RetryAfter: cfg.Poll.Interval,
		Logger:     logger,
	})
	return r
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
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

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
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
