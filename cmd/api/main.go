// Package main provides the entry point for the evidence plane API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/sealvault/evidence-plane/internal/api"
	"github.com/sealvault/evidence-plane/internal/api/health"
	"github.com/sealvault/evidence-plane/internal/api/middleware"
	"github.com/sealvault/evidence-plane/internal/archive"
	"github.com/sealvault/evidence-plane/internal/auth"
	"github.com/sealvault/evidence-plane/internal/envelope"
	"github.com/sealvault/evidence-plane/internal/evidence"
	"github.com/sealvault/evidence-plane/internal/metrics"
	"github.com/sealvault/evidence-plane/internal/seal"
	"github.com/sealvault/evidence-plane/internal/shutdown"
	"github.com/sealvault/evidence-plane/internal/store"
	"github.com/sealvault/evidence-plane/internal/store/memory"
	pgstore "github.com/sealvault/evidence-plane/internal/store/postgres"
	"github.com/sealvault/evidence-plane/internal/timestamp"
	"github.com/sealvault/evidence-plane/pkg/config"
	"github.com/sealvault/evidence-plane/pkg/logger"
)

func main() {
	// A missing .env is fine; real deployments use the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogJSON)
	os.Exit(run(cfg, log.Logger))
}

func run(cfg *config.Config, log *slog.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	closers := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log),
	)
	defer closers.Shutdown()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store", "error", err)
		return 1
	}
	closers.Register(shutdown.Closer("store", st))

	primary, qualified, err := newAuthorities(cfg.TSA, log)
	if err != nil {
		log.Error("failed to configure timestamp authority", "error", err)
		return 1
	}

	bundles, err := archive.New(ctx, archive.Config{
		Backend:  cfg.Archive.Backend,
		Dir:      cfg.Archive.Dir,
		Bucket:   cfg.Archive.Bucket,
		Region:   cfg.Archive.Region,
		Endpoint: cfg.Archive.Endpoint,
		Prefix:   cfg.Archive.Prefix,
	})
	if err != nil {
		log.Error("failed to configure evidence archive", "error", err)
		return 1
	}
	if c, ok := bundles.(interface{ Close() error }); ok {
		closers.Register(shutdown.Closer("archive", c))
	}

	sealer, err := envelope.NewSealer(cfg.Export.AgeRecipients, log)
	if err != nil {
		log.Error("failed to parse age recipients", "error", err)
		return 1
	}

	m := metrics.New()

	sealService := seal.NewService(seal.Config{
		MaxAttempts: cfg.Seal.MaxAttempts,
		Qualified:   qualified,
		Metrics:     m,
	}, st, primary, log)

	exporter, err := evidence.NewExporter(evidence.Config{
		Archive:        bundles,
		Sealer:         sealer,
		EncryptArchive: cfg.Export.EncryptArchive,
		Metrics:        m,
	}, st, log)
	if err != nil {
		log.Error("failed to create evidence exporter", "error", err)
		return 1
	}

	authService := auth.NewService(&auth.Config{
		JWTSecret:   []byte(cfg.JWTSecret),
		TokenExpiry: cfg.JWTExpiry,
		Issuer:      "evidence-plane",
	}, log)

	checker := health.NewChecker(st, api.Version)
	deps := api.Deps{
		Store:    st,
		Auth:     authService,
		Sealer:   sealService,
		Exporter: exporter,
		Metrics:  m,
		Health:   checker,
	}

	if cfg.RateLimit.Enabled {
		local := middleware.NewLocalLimiter(cfg.RateLimit.RequestsPerMin)
		deps.Limiter = local
		if cfg.RateLimit.RedisAddr != "" {
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.RateLimit.RedisAddr,
				Password: cfg.RateLimit.RedisPassword,
				DB:       cfg.RateLimit.RedisDB,
			})
			closers.Register(shutdown.Closer("redis", rdb))
			checker.Register("redis", health.PingFunc(func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			}), false)
			deps.Limiter = middleware.NewRedisLimiter(rdb, cfg.RateLimit.RequestsPerMin)
			deps.Fallback = local
		}
	}

	server := api.NewServer(cfg, deps, log)

	log.Info("evidence plane configured",
		"env", cfg.Env,
		"store", cfg.StoreType,
		"tsa", primary.Name(),
		"archive", cfg.Archive.Backend,
	)

	if err := server.Start(ctx); err != nil {
		log.Error("server error", "error", err)
		return 1
	}

	closers.Shutdown()
	log.Info("server stopped")
	return closers.ExitCode()
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, error) {
	if cfg.StoreType == config.StoreTypeMemory {
		log.Warn("using in-memory store; sealed versions are lost on restart")
		return memory.New(), nil
	}

	pg, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), log)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("migrating schema: %w", err)
		}
	}
	return pg, nil
}

// newAuthorities builds the primary authority and, when configured, the
// secondary qualified one.
func newAuthorities(cfg config.TSAConfig, log *slog.Logger) (timestamp.Authority, timestamp.Authority, error) {
	var primary timestamp.Authority
	var err error
	switch cfg.Mode {
	case config.TSAModeGateway:
		primary, err = timestamp.NewGatewayClient(timestamp.GatewayConfig{
			URL:      cfg.URL,
			Name:     cfg.Name,
			Username: cfg.Username,
			Password: cfg.Password,
			Timeout:  cfg.Timeout,
		}, log)
	case config.TSAModeStatic:
		log.Warn("using static timestamp authority; proofs are not independently verifiable")
		primary = timestamp.NewStatic("", nil)
	default:
		primary, err = timestamp.NewRFC3161Client(timestamp.RFC3161Config{
			URL:       cfg.URL,
			Name:      cfg.Name,
			Username:  cfg.Username,
			Password:  cfg.Password,
			PolicyOID: cfg.Policy,
			Timeout:   cfg.Timeout,
		}, log)
	}
	if err != nil {
		return nil, nil, err
	}

	if cfg.QualifiedURL == "" {
		return primary, nil, nil
	}
	qualified, err := timestamp.NewRFC3161Client(timestamp.RFC3161Config{
		URL:     cfg.QualifiedURL,
		Name:    cfg.QualifiedName,
		Timeout: cfg.Timeout,
	}, log)
	if err != nil {
		return nil, nil, fmt.Errorf("qualified authority: %w", err)
	}
	return primary, qualified, nil
}
