package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/museumquest/grantrelay/internal/grantrelay"
	"github.com/museumquest/grantrelay/internal/httpapi"
)

func main() {
	_ = godotenv.Load()

	logger := buildLogger()
	slog.SetDefault(logger)

	addr := os.Getenv("GRANTRELAY_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	client, stopWatcher, err := buildClientFromEnv(logger)
	if err != nil {
		logger.Error("client setup failed", "error", err)
		os.Exit(1)
	}
	if stopWatcher != nil {
		defer func() { _ = stopWatcher() }()
	}

	journal, err := grantrelay.BuildJournalFromDSN(os.Getenv("GRANTRELAY_JOURNAL_DSN"))
	if err != nil {
		logger.Error("journal setup failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = journal.Close() }()

	pipeline := grantrelay.NewPipeline(grantrelay.PipelineOptions{
		Queue:       grantrelay.NewDebounceQueue(logger),
		Resolver:    grantrelay.NewResolver(client, logger),
		Engine:      grantrelay.NewEngine(client, logger),
		Journal:     journal,
		Feed:        grantrelay.NewFeed(),
		Logger:      logger,
		PassTimeout: durationEnv("GRANTRELAY_PASS_TIMEOUT", 0),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	pipeline.StartSweeper(ctx,
		durationEnv("GRANTRELAY_SWEEP_INTERVAL", time.Minute),
		durationEnv("GRANTRELAY_STALE_THRESHOLD", 5*time.Minute))

	server := httpapi.NewServerWithConfig(pipeline, httpapi.ServerConfig{
		AdminToken:      os.Getenv("GRANTRELAY_ADMIN_TOKEN"),
		RateLimitMax:    intEnv("GRANTRELAY_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("GRANTRELAY_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("GRANTRELAY_MAX_BODY_BYTES", 0),
	})
	defer server.Close()

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("grantrelay listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	pipeline.Wait()
}

func buildLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(os.Getenv("GRANTRELAY_LOG_LEVEL"))) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// buildClientFromEnv wires the privileged CMS client. When a key file is
// configured the key is read from it and watched for rotation; otherwise the
// key comes straight from the environment.
func buildClientFromEnv(logger *slog.Logger) (*grantrelay.Client, func() error, error) {
	keyFile := strings.TrimSpace(os.Getenv("GRANTRELAY_ENTU_KEY_FILE"))
	apiKey := strings.TrimSpace(os.Getenv("GRANTRELAY_ENTU_KEY"))
	if keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, nil, err
		}
		apiKey = strings.TrimSpace(string(data))
	}

	client, err := grantrelay.NewClient(grantrelay.ClientOptions{
		BaseURL:       os.Getenv("GRANTRELAY_ENTU_URL"),
		Account:       os.Getenv("GRANTRELAY_ENTU_ACCOUNT"),
		APIKey:        apiKey,
		TokenLifetime: durationEnv("GRANTRELAY_TOKEN_LIFETIME", 0),
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, err
	}

	if keyFile == "" {
		return client, nil, nil
	}
	stop, err := grantrelay.WatchAPIKeyFile(client, keyFile, logger)
	if err != nil {
		return nil, nil, err
	}
	return client, stop, nil
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid env value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid env value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid env value, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}
