// Package main is the entry point for the simple-authz authorization server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tendant/simple-authz/internal/auth"
	"github.com/tendant/simple-authz/internal/clock"
	"github.com/tendant/simple-authz/internal/config"
	"github.com/tendant/simple-authz/internal/crypto"
	authzhttp "github.com/tendant/simple-authz/internal/http"
	"github.com/tendant/simple-authz/internal/metrics"
	"github.com/tendant/simple-authz/internal/oauth"
	"github.com/tendant/simple-authz/internal/store"
	"github.com/tendant/simple-authz/internal/store/file"
	"github.com/tendant/simple-authz/internal/store/memory"
	"github.com/tendant/simple-authz/internal/store/postgres"
	"github.com/tendant/simple-authz/internal/token"
	"github.com/tendant/simple-authz/internal/tracing"
)

const janitorInterval = time.Minute

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLogLevel(cfg.LogLevel),
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLogLevel(cfg.LogLevel),
		})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if cfg.CookieSecretGenerated {
		logger.Warn("AUTHZ_COOKIE_SECRET not set, using a random secret; pending prompts will not survive a restart")
	}

	ctx := context.Background()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		ServiceName:    "simple-authz",
		ServiceVersion: version,
		Enabled:        cfg.TracingEnabled,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize store", "store", cfg.Store, "error", err)
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("initialized store", "store", cfg.Store)

	keyService := crypto.NewKeyService(st.SigningKeys(), crypto.WithKeyLogger(logger))
	signingKey, err := loadSigningKey(ctx, cfg, keyService)
	if err != nil {
		logger.Error("failed to load signing key", "error", err)
		os.Exit(1)
	}
	logger.Info("using signing key", "kid", signingKey.Kid)

	clk := clock.System{}
	codec := crypto.NewTokenCodec(signingKey, crypto.WithKeyService(keyService))
	issuer := token.NewIssuer(codec, clk, cfg.TokenConfig())

	authService := auth.NewService(st.Users(), st.Clients(), auth.WithLogger(logger))
	if err := authService.Bootstrap(ctx, cfg.BootstrapUserSpecs(), cfg.BootstrapClientSpecs()); err != nil {
		logger.Error("failed to bootstrap users and clients", "error", err)
		os.Exit(1)
	}

	orchestrator := oauth.NewOrchestrator(oauth.Deps{
		Clients:  st.Clients(),
		Users:    st.Users(),
		Requests: st.Requests(),
		Issuer:   issuer,
		Codec:    codec,
		Hasher:   auth.Hasher{},
		Clock:    clk,
	}, cfg.OAuthConfig(),
		oauth.WithLogger(logger),
		oauth.WithLockout(auth.NewLockout(cfg.LockoutMaxAttempts, cfg.LockoutDuration)),
	)

	health := authzhttp.NewHealthHandler()
	health.AddCheck("store", st.Ping)

	server := authzhttp.NewServer(cfg.Addr(),
		authzhttp.WithLogger(logger),
		authzhttp.WithHealth(health),
		authzhttp.WithRateLimit(cfg.RateLimit),
	)
	server.Mount(
		authzhttp.NewOAuthHandler(orchestrator, auth.NewCSRF(cfg.CookieSecret, cfg.CookieSecure), logger),
		authzhttp.NewDiscoveryHandler(cfg.IssuerURL),
		authzhttp.NewJWKSHandler(keyService, logger),
	)

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go runJanitor(janitorCtx, logger, st, keyService, clk, cfg.AuthCodeTTL)

	// Start server in goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("server started", "addr", cfg.Addr(), "issuer", cfg.IssuerURL)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	stopJanitor()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("failed to flush spans", "error", err)
	}

	logger.Info("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return memory.NewStore(), nil
	case config.StoreFile:
		return file.NewStore(cfg.DataDir)
	case config.StorePostgres:
		return postgres.Connect(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// loadSigningKey imports the configured PEM key, or falls back to the
// store's active key, generating one on first start.
func loadSigningKey(ctx context.Context, cfg *config.Config, ks *crypto.KeyService) (*crypto.KeyPair, error) {
	if cfg.SigningKeyFile == "" {
		return ks.EnsureActiveKey(ctx)
	}

	kp, err := crypto.LoadKeyPairFromFile(cfg.SigningKeyFile)
	if err != nil {
		return nil, err
	}
	if err := ks.Import(ctx, kp); err != nil {
		return nil, err
	}
	return kp, nil
}

// runJanitor purges expired authorization requests and signing keys until
// ctx is done.
func runJanitor(ctx context.Context, logger *slog.Logger, st store.Store, ks *crypto.KeyService, clk clock.Clock, codeTTL time.Duration) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.Requests().DeleteExpired(ctx, clk.NowAsSecondsSinceEpoch(), codeTTL)
			if err != nil {
				logger.Warn("failed to purge expired authorization requests", "error", err)
			} else if n > 0 {
				metrics.RecordRequestsPurged(n)
				logger.Debug("purged expired authorization requests", "count", n)
			}

			if err := ks.CleanupExpiredKeys(ctx); err != nil {
				logger.Warn("failed to clean up expired signing keys", "error", err)
			}
		}
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
