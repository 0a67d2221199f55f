package main

import (
	"context"
	"fmt"
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

	"github.com/GreenLoopResearchLab/wallet/internal/catalog"
	"github.com/GreenLoopResearchLab/wallet/internal/jobs"
	"github.com/GreenLoopResearchLab/wallet/internal/otp/memotp"
	"github.com/GreenLoopResearchLab/wallet/internal/otp/redisotp"
	"github.com/GreenLoopResearchLab/wallet/internal/payments/anchorpay"
	"github.com/GreenLoopResearchLab/wallet/internal/store/gormstore"
	"github.com/GreenLoopResearchLab/wallet/internal/store/pgstore"
	"github.com/GreenLoopResearchLab/wallet/internal/walletapi"
	"github.com/GreenLoopResearchLab/wallet/pkg/wallet"
)

const (
	flagDatabaseURL     = "database-url"
	flagListenAddr      = "listen-addr"
	flagAllowedOrigins  = "allowed-origins"
	flagAuthSigningKey  = "auth-signing-key"
	flagAuthIssuer      = "auth-issuer"
	flagWebhookSecret   = "webhook-secret"
	flagRedisAddr       = "redis-addr"
	flagProviderBaseURL = "provider-base-url"
	flagProviderAPIKey  = "provider-api-key"
	flagCatalogPath     = "catalog-path"
	flagConversionRate  = "conversion-rate"
	flagWelcomeBonus    = "welcome-bonus"
	flagStoreBackend    = "store-backend"

	configKeyDatabaseURL     = "database_url"
	configKeyListenAddr      = "listen_addr"
	configKeyAllowedOrigins  = "allowed_origins"
	configKeyAuthSigningKey  = "auth_signing_key"
	configKeyAuthIssuer      = "auth_issuer"
	configKeyWebhookSecret   = "webhook_secret"
	configKeyRedisAddr       = "redis_addr"
	configKeyProviderBaseURL = "provider_base_url"
	configKeyProviderAPIKey  = "provider_api_key"
	configKeyCatalogPath     = "catalog_path"
	configKeyConversionRate  = "conversion_rate"
	configKeyWelcomeBonus    = "welcome_bonus"
	configKeyStoreBackend    = "store_backend"

	storeBackendGorm = "gorm"
	storeBackendPgx  = "pgx"

	defaultDatabaseURL = "sqlite:///tmp/wallet.db"
	defaultListenAddr  = ":9090"
)

type runtimeConfig struct {
	DatabaseURL     string
	ListenAddr      string
	AllowedOrigins  string
	AuthSigningKey  string
	AuthIssuer      string
	WebhookSecret   string
	RedisAddr       string
	ProviderBaseURL string
	ProviderAPIKey  string
	CatalogPath     string
	ConversionRate  int64
	WelcomeBonus    int64
	StoreBackend    string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "walletd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "walletd",
		Short:         "Wallet and settlement HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagAuthSigningKey, "", "HS256 key validating bearer tokens")
	cmd.Flags().String(flagAuthIssuer, "", "expected token issuer")
	cmd.Flags().String(flagWebhookSecret, "", "shared secret for payout webhooks")
	cmd.Flags().String(flagRedisAddr, "", "Redis address for challenge storage (in-memory when empty)")
	cmd.Flags().String(flagProviderBaseURL, "", "payment provider base URL")
	cmd.Flags().String(flagProviderAPIKey, "", "payment provider API key")
	cmd.Flags().String(flagCatalogPath, "", "path to the marketplace catalog JSON")
	cmd.Flags().Int64(flagConversionRate, wallet.DefaultConversionRate, "credits per currency unit")
	cmd.Flags().Int64(flagWelcomeBonus, wallet.DefaultWelcomeBonus, "credits granted on registration")
	cmd.Flags().String(flagStoreBackend, storeBackendGorm, "ledger store backend: gorm or pgx (pgx needs a postgres:// url)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:     "DATABASE_URL",
		configKeyListenAddr:      "LISTEN_ADDR",
		configKeyAllowedOrigins:  "ALLOWED_ORIGINS",
		configKeyAuthSigningKey:  "AUTH_SIGNING_KEY",
		configKeyAuthIssuer:      "AUTH_ISSUER",
		configKeyWebhookSecret:   "WEBHOOK_SECRET",
		configKeyRedisAddr:       "REDIS_ADDR",
		configKeyProviderBaseURL: "PROVIDER_BASE_URL",
		configKeyProviderAPIKey:  "PROVIDER_API_KEY",
		configKeyCatalogPath:     "CATALOG_PATH",
		configKeyConversionRate:  "CONVERSION_RATE",
		configKeyWelcomeBonus:    "WELCOME_BONUS",
		configKeyStoreBackend:    "STORE_BACKEND",
	}
	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:     flagDatabaseURL,
		configKeyListenAddr:      flagListenAddr,
		configKeyAllowedOrigins:  flagAllowedOrigins,
		configKeyAuthSigningKey:  flagAuthSigningKey,
		configKeyAuthIssuer:      flagAuthIssuer,
		configKeyWebhookSecret:   flagWebhookSecret,
		configKeyRedisAddr:       flagRedisAddr,
		configKeyProviderBaseURL: flagProviderBaseURL,
		configKeyProviderAPIKey:  flagProviderAPIKey,
		configKeyCatalogPath:     flagCatalogPath,
		configKeyConversionRate:  flagConversionRate,
		configKeyWelcomeBonus:    flagWelcomeBonus,
		configKeyStoreBackend:    flagStoreBackend,
	}
	for key, flag := range flagBindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.AuthSigningKey = viper.GetString(configKeyAuthSigningKey)
	cfg.AuthIssuer = viper.GetString(configKeyAuthIssuer)
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.RedisAddr = viper.GetString(configKeyRedisAddr)
	cfg.ProviderBaseURL = viper.GetString(configKeyProviderBaseURL)
	cfg.ProviderAPIKey = viper.GetString(configKeyProviderAPIKey)
	cfg.CatalogPath = viper.GetString(configKeyCatalogPath)
	cfg.ConversionRate = viper.GetInt64(configKeyConversionRate)
	cfg.WelcomeBonus = viper.GetInt64(configKeyWelcomeBonus)
	cfg.StoreBackend = viper.GetString(configKeyStoreBackend)
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = storeBackendGorm
	}

	if cfg.AuthSigningKey == "" {
		return fmt.Errorf("auth signing key is required")
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if cfg.StoreBackend != storeBackendGorm && cfg.StoreBackend != storeBackendPgx {
		return fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer closeStore()

	clock := func() int64 { return time.Now().UTC().Unix() }

	challenger, sweeper, closeChallenger, err := buildChallenger(cfg, clock)
	if err != nil {
		return err
	}
	defer closeChallenger()

	serviceOptions := []wallet.ServiceOption{
		wallet.WithConversionRate(cfg.ConversionRate),
		wallet.WithWelcomeBonus(cfg.WelcomeBonus),
		wallet.WithOperationLogger(newZapOperationLogger(logger)),
	}
	if cfg.ProviderBaseURL != "" {
		provider := anchorpay.NewClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey)
		serviceOptions = append(serviceOptions,
			wallet.WithPaymentCapturer(provider),
			wallet.WithPayoutProvider(provider))
	}
	if cfg.CatalogPath != "" {
		inventory, err := catalog.LoadFile(cfg.CatalogPath)
		if err != nil {
			return err
		}
		serviceOptions = append(serviceOptions, wallet.WithInventory(inventory))
	}

	service, err := wallet.NewService(store, challenger, clock, serviceOptions...)
	if err != nil {
		return fmt.Errorf("wallet service init: %w", err)
	}

	scheduler, err := jobs.New(logger, jobs.Config{}, service, sweeper, clock)
	if err != nil {
		return fmt.Errorf("scheduler init: %w", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer func() { <-scheduler.Stop().Done() }()

	apiConfig := walletapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: walletapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		AuthSigningKey: cfg.AuthSigningKey,
		AuthIssuer:     cfg.AuthIssuer,
		WebhookSecret:  cfg.WebhookSecret,
	}

	return walletapi.Run(ctx, logger, apiConfig, service)
}

// buildStore opens the configured ledger store. The pgx backend expects its
// schema to be managed externally; the gorm backend auto-migrates sqlite
// databases.
func buildStore(ctx context.Context, cfg *runtimeConfig) (wallet.Store, func(), error) {
	if cfg.StoreBackend == storeBackendPgx {
		if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
			return nil, nil, fmt.Errorf("pgx store backend requires a postgres:// database url")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pgstore.New(pool), pool.Close, nil
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
	return gormstore.New(gormDB), func() { _ = cleanup() }, nil
}

// buildChallenger picks Redis-backed challenge storage when an address is
// configured, the in-memory store otherwise. Only the in-memory store needs
// the sweep job.
func buildChallenger(cfg *runtimeConfig, clock func() int64) (wallet.Challenger, jobs.Sweeper, func(), error) {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		manager, err := redisotp.New(client, clock)
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		return manager, nil, func() { _ = client.Close() }, nil
	}
	manager, err := memotp.New(clock)
	if err != nil {
		return nil, nil, nil, err
	}
	return manager, manager, func() {}, nil
}

type zapOperationLogger struct {
	logger *zap.Logger
}

func newZapOperationLogger(logger *zap.Logger) wallet.OperationLogger {
	return &zapOperationLogger{logger: logger}
}

func (operationLogger *zapOperationLogger) LogOperation(_ context.Context, entry wallet.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("status", entry.Status),
	}
	if entry.Kind != "" {
		fields = append(fields, zap.String("kind", entry.Kind.String()))
	}
	if entry.Amount.Int64() > 0 {
		fields = append(fields, zap.Int64("amount_credits", entry.Amount.Int64()))
	}
	if entry.Reference != "" {
		fields = append(fields, zap.String("reference", entry.Reference))
	}
	if entry.EntryID != "" {
		fields = append(fields, zap.String("entry_id", entry.EntryID))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	operationLogger.logger.Info("wallet operation", fields...)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
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
			path = "wallet.db"
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
