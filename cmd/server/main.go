package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iliyamo/token-issuance/internal/config"
	"github.com/iliyamo/token-issuance/internal/database"
	"github.com/iliyamo/token-issuance/internal/handler"
	"github.com/iliyamo/token-issuance/internal/logger"
	"github.com/iliyamo/token-issuance/internal/middleware"
	"github.com/iliyamo/token-issuance/internal/queue"
	"github.com/iliyamo/token-issuance/internal/repository"
	"github.com/iliyamo/token-issuance/internal/router"
	"github.com/iliyamo/token-issuance/internal/service"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}
	cfg := config.Load()
	lg := logger.New(cfg.LogLevel, cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg)
	if err != nil {
		lg.Error("database unavailable", slog.Any("err", err))
		os.Exit(1)
	}
	defer db.Close()
	if cfg.DBAutoMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			lg.Error("schema bootstrap failed", slog.Any("err", err))
			os.Exit(1)
		}
	}

	rdb := config.NewRedisClient(lg)
	if rdb != nil {
		defer rdb.Close()
	}

	opts := []service.Option{service.WithLogger(lg)}
	if cfg.Queue.Enabled {
		if cfg.Queue.URL == "" {
			lg.Error("QUEUE_ENABLED is set but RABBITMQ_URL is empty")
			os.Exit(1)
		}
		pub := queue.NewPublisher(cfg.Queue.URL, lg)
		defer pub.Close()
		opts = append(opts, service.WithPublisher(pub))

		if cfg.Queue.ConsumerEnabled {
			go func() {
				if err := queue.StartTokenUsageConsumer(ctx, cfg.Queue.URL, cfg.Queue.LogDir, lg); err != nil && !errors.Is(err, context.Canceled) {
					lg.Error("usage consumer stopped", slog.Any("err", err))
				}
			}()
		}
	}

	tokens := service.NewTokenService(repository.NewTokenStore(db), cfg.Token, opts...)
	authH := handler.NewAuthHandler(cfg, repository.NewUserRepo(db), repository.NewRefreshTokenRepo(db), lg)
	tokenH := handler.NewTokenHandler(tokens, cfg.RequestTimeout, lg)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(lg))

	router.RegisterRoutes(e)
	router.RegisterAuth(e, authH, cfg.JWTSecret)
	router.RegisterTokens(e, tokenH, router.TokenDeps{
		JWTSecret: cfg.JWTSecret,
		Redis:     rdb,
		RateLimit: config.LoadRateLimitConfig(),
		Cache:     config.LoadCacheConfig(),
		Log:       lg,
	})

	addr := ":" + cfg.Port
	go func() {
		lg.Info("listening", slog.String("addr", addr), slog.String("env", cfg.Env))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("server failed", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		lg.Error("shutdown", slog.Any("err", err))
	}
}
