package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/RichardoC/chatrooms/internal/api"
	"github.com/RichardoC/chatrooms/internal/config"
	"github.com/RichardoC/chatrooms/internal/db"
	"github.com/RichardoC/chatrooms/internal/llm"
	"github.com/RichardoC/chatrooms/internal/paramstore"
	"github.com/RichardoC/chatrooms/internal/relay"
)

func main() {
	cfg := config.Load()

	logger, err := newLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(ctx, db.Options{
		Driver:         cfg.StoreDriver,
		SQLitePath:     cfg.SQLitePath,
		DatabaseURL:    cfg.DatabaseURL,
		RedisURL:       cfg.RedisURL,
		RedisKeyPrefix: cfg.RedisKeyPrefix,
		DynamoTable:    cfg.DynamoTable,
	})
	if err != nil {
		logger.Fatal("failed to open store",
			zap.Error(err),
			zap.String("driver", cfg.StoreDriver))
	}
	defer store.Close()

	apiKey, err := completionAPIKey(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to resolve completion API key",
			zap.Error(err),
			zap.String("param", cfg.CompletionAPIKeyParam))
	}

	var echoDelay time.Duration
	if cfg.CompletionProvider == llm.ProviderEcho {
		echoDelay = 50 * time.Millisecond
	}
	client, err := llm.New(ctx, llm.Config{
		Provider:  cfg.CompletionProvider,
		APIKey:    apiKey,
		BaseURL:   cfg.CompletionBaseURL,
		Model:     cfg.CompletionModel,
		EchoDelay: echoDelay,
	})
	if err != nil {
		logger.Fatal("failed to initialize completion client", zap.Error(err))
	}
	if closer, ok := client.(io.Closer); ok {
		defer closer.Close()
	}

	rl, err := relay.New(store, client, logger.Named("relay"),
		relay.WithIdleTimeout(cfg.IdleTimeout),
		relay.WithPersistTimeout(cfg.PersistTimeout),
		relay.WithMaxHistory(cfg.MaxHistoryMessages),
		relay.WithSystemPrompt(cfg.SystemPrompt),
	)
	if err != nil {
		logger.Fatal("failed to initialize relay", zap.Error(err))
	}

	handler, err := api.NewHandler(store, rl, logger.Named("api"), cfg.DefaultRoomTitle)
	if err != nil {
		logger.Fatal("failed to initialize HTTP handler", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           api.NewRouter(handler, logger.Named("http"), cfg.StaticDir),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		logger.Info("Starting server",
			zap.String("addr", srv.Addr),
			zap.String("store", cfg.StoreDriver),
			zap.String("provider", cfg.CompletionProvider),
			zap.String("model", client.Model()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	if cfg.IsProduction() {
		zcfg = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func completionAPIKey(ctx context.Context, cfg *config.Config) (string, error) {
	if cfg.CompletionAPIKeyParam == "" {
		return cfg.CompletionAPIKey, nil
	}
	ps, err := paramstore.NewFromEnvironment(ctx)
	if err != nil {
		return "", err
	}
	return paramstore.ResolveSecret(ctx, ps, cfg.CompletionAPIKeyParam, cfg.CompletionAPIKey)
}
