package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/wanderstay/creditledger/internal/metrics"
	"github.com/wanderstay/creditledger/internal/oplog"
	"github.com/wanderstay/creditledger/internal/store/gormstore"
	"github.com/wanderstay/creditledger/internal/store/pgstore"
	"github.com/wanderstay/creditledger/internal/sweeper"
	"github.com/wanderstay/creditledger/pkg/credits"
	"github.com/wanderstay/creditledger/pkg/distlock"
)

const (
	flagDatabaseURL    = "database-url"
	flagStoreBackend   = "store-backend"
	flagRedisURL       = "redis-url"
	flagMetricsAddr    = "metrics-addr"
	flagSweepHourUTC   = "sweep-hour-utc"
	flagHorizonDays    = "expiration-horizon-days"
	configDatabaseURL  = "database_url"
	configStoreBackend = "store_backend"
	configRedisURL     = "redis_url"
	configMetricsAddr  = "metrics_addr"
	configSweepHour    = "sweep_hour_utc"
	configHorizonDays  = "expiration_horizon_days"

	defaultDatabaseURL = "sqlite:///tmp/creditledger.db"
	defaultMetricsAddr = ":9090"
	defaultHorizonDays = 180

	backendGorm = "gorm"
	backendPgx  = "pgx"
)

type runtimeConfig struct {
	DatabaseURL  string
	StoreBackend string
	RedisURL     string
	MetricsAddr  string
	SweepHourUTC int
	HorizonDays  int
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Timeshare credit ledger daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg)
		},
	}

	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.PersistentFlags().String(flagStoreBackend, backendGorm, "Storage backend for postgres: gorm or pgx")
	cmd.PersistentFlags().String(flagRedisURL, "", "Redis URL for the lock coordinator (empty = in-process locks)")
	cmd.PersistentFlags().String(flagMetricsAddr, defaultMetricsAddr, "Prometheus metrics listen address")
	cmd.PersistentFlags().Int(flagSweepHourUTC, sweeper.DefaultRunHourUTC, "UTC hour of the daily expiration sweep")
	cmd.PersistentFlags().Int(flagHorizonDays, defaultHorizonDays, "Days until a deposited batch expires")

	cmd.AddCommand(newSweepCommand(cfg))

	return cmd
}

func newSweepCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiration pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSweepOnce(ctx, cfg)
		},
	}
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configDatabaseURL:  "DATABASE_URL",
		configStoreBackend: "STORE_BACKEND",
		configRedisURL:     "REDIS_URL",
		configMetricsAddr:  "METRICS_ADDR",
		configSweepHour:    "SWEEP_HOUR_UTC",
		configHorizonDays:  "EXPIRATION_HORIZON_DAYS",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flags := map[string]string{
		configDatabaseURL:  flagDatabaseURL,
		configStoreBackend: flagStoreBackend,
		configRedisURL:     flagRedisURL,
		configMetricsAddr:  flagMetricsAddr,
		configSweepHour:    flagSweepHourUTC,
		configHorizonDays:  flagHorizonDays,
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configDatabaseURL)
	cfg.StoreBackend = viper.GetString(configStoreBackend)
	cfg.RedisURL = viper.GetString(configRedisURL)
	cfg.MetricsAddr = viper.GetString(configMetricsAddr)
	cfg.SweepHourUTC = viper.GetInt(configSweepHour)
	cfg.HorizonDays = viper.GetInt(configHorizonDays)

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = defaultMetricsAddr
	}
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = defaultHorizonDays
	}
	if cfg.SweepHourUTC < 0 || cfg.SweepHourUTC > 23 {
		return fmt.Errorf("sweep hour must be 0..23, got %d", cfg.SweepHourUTC)
	}
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = backendGorm
	}
	if cfg.StoreBackend != backendGorm && cfg.StoreBackend != backendPgx {
		return fmt.Errorf("store backend must be %q or %q, got %q", backendGorm, backendPgx, cfg.StoreBackend)
	}
	return nil
}

type runtime struct {
	logger  *zap.Logger
	sweep   *sweeper.Sweeper
	cleanup func() error
}

func buildRuntime(ctx context.Context, cfg *runtimeConfig) (*runtime, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}

	opLogger := oplog.New(logger)
	coordinator, err := buildCoordinator(cfg.RedisURL, opLogger)
	if err != nil {
		_ = cleanup()
		return nil, err
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := credits.NewService(store, coordinator, clock,
		credits.WithOperationLogger(opLogger),
		credits.WithExpirationHorizon(time.Duration(cfg.HorizonDays)*24*time.Hour),
	)
	if err != nil {
		_ = cleanup()
		return nil, fmt.Errorf("credit service init: %w", err)
	}

	sweep := sweeper.New(store, service, logger,
		sweeper.WithRunHourUTC(cfg.SweepHourUTC),
	)

	return &runtime{
		logger:  logger,
		sweep:   sweep,
		cleanup: cleanup,
	}, nil
}

// openStore resolves the DSN scheme and backend choice into a credits.Store.
// The pgx backend only applies to postgres DSNs; sqlite always runs on gorm.
func openStore(ctx context.Context, cfg *runtimeConfig) (credits.Store, func() error, error) {
	driver, _, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if driver == "postgres" && cfg.StoreBackend == backendPgx {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.New(pool), cleanup, nil
	}

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if driver == "sqlite" {
		if err := gormstore.Migrate(gormDB); err != nil {
			_ = cleanup()
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return gormstore.New(gormDB), cleanup, nil
}

func buildCoordinator(redisURL string, observer distlock.Observer) (distlock.Coordinator, error) {
	if redisURL == "" {
		return distlock.NewMemoryCoordinator(distlock.WithObserver(observer)), nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return distlock.NewRedisCoordinator(redis.NewClient(opts), distlock.WithObserver(observer))
}

func runDaemon(ctx context.Context, cfg *runtimeConfig) error {
	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = rt.cleanup() }()
	defer func() { _ = rt.logger.Sync() }()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux()}
	metricsErr := make(chan error, 1)
	go func() {
		rt.logger.Info("metrics listener starting", zap.String("addr", cfg.MetricsAddr))
		metricsErr <- metricsServer.ListenAndServe()
	}()

	sweepErr := make(chan error, 1)
	go func() {
		sweepErr <- rt.sweep.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		rt.logger.Info("shutdown requested")
	case err := <-metricsErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics listener: %w", err)
		}
	case err := <-sweepErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("sweeper: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return metricsServer.Shutdown(shutdownCtx)
}

func runSweepOnce(ctx context.Context, cfg *runtimeConfig) error {
	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = rt.cleanup() }()
	defer func() { _ = rt.logger.Sync() }()

	report := rt.sweep.Run(ctx)
	rt.logger.Info("sweep finished",
		zap.Int("users_processed", report.UsersProcessed),
		zap.Int("users_failed", report.UsersFailed),
		zap.Int("batches_expired", report.BatchesExpired),
		zap.Int64("credits_expired", report.CreditsExpired),
	)
	if report.UsersFailed > 0 {
		return fmt.Errorf("sweep left %d users unprocessed", report.UsersFailed)
	}
	return ctx.Err()
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "creditledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
