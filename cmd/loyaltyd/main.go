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

	"github.com/MarkoPoloResearchLab/loyalty/internal/cache"
	"github.com/MarkoPoloResearchLab/loyalty/internal/catalog"
	"github.com/MarkoPoloResearchLab/loyalty/internal/httpapi"
	"github.com/MarkoPoloResearchLab/loyalty/internal/notify"
	"github.com/MarkoPoloResearchLab/loyalty/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/loyalty/pkg/loyalty"
	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL         = "database-url"
	flagListenAddr          = "listen-addr"
	flagRedisAddr           = "redis-addr"
	flagKafkaBrokers        = "kafka-brokers"
	flagKafkaTopic          = "kafka-topic"
	flagAllowedOrigins      = "allowed-origins"
	flagSessionSigningKey   = "session-signing-key"
	flagSessionIssuer       = "session-issuer"
	flagSessionCookie       = "session-cookie"
	flagPOSSigningKey       = "pos-signing-key"
	flagLowBalance          = "low-balance-threshold"
	flagReconcileInterval   = "reconcile-interval"
	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyRedisAddr      = "redis_addr"
	configKeyKafkaBrokers   = "kafka_brokers"
	configKeyKafkaTopic     = "kafka_topic"
	configKeyOrigins        = "allowed_origins"
	configKeySessionKey     = "session_signing_key"
	configKeySessionIssuer  = "session_issuer"
	configKeySessionCookie  = "session_cookie"
	configKeyPOSKey         = "pos_signing_key"
	configKeyLowBalance     = "low_balance_threshold"
	configKeyReconcileEvery = "reconcile_interval"
	defaultDatabaseURL      = "sqlite:///tmp/loyalty.db"
	defaultListenAddr       = ":8080"
	defaultKafkaTopic       = "loyalty-events"
	defaultReconcileEvery   = time.Hour
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	RedisAddr         string
	KafkaBrokers      []string
	KafkaTopic        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookie     string
	POSSigningKey     string
	LowBalance        int64
	ReconcileEvery    time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "loyaltyd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "loyaltyd",
		Short:         "Loyalty points ledger server",
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
	cmd.Flags().String(flagRedisAddr, "", "Redis address for the reward cache (empty: in-memory)")
	cmd.Flags().String(flagKafkaBrokers, "", "Comma-separated Kafka brokers for event publishing (empty: log only)")
	cmd.Flags().String(flagKafkaTopic, defaultKafkaTopic, "Kafka topic for ledger events")
	cmd.Flags().String(flagAllowedOrigins, "", "Comma-separated CORS origins")
	cmd.Flags().String(flagSessionSigningKey, "", "Session JWT signing key")
	cmd.Flags().String(flagSessionIssuer, "", "Session JWT issuer")
	cmd.Flags().String(flagSessionCookie, "", "Session cookie name")
	cmd.Flags().String(flagPOSSigningKey, "", "POS terminal JWT signing key")
	cmd.Flags().Int64(flagLowBalance, 0, "Balance below which LowBalanceWarning fires (0: disabled)")
	cmd.Flags().Duration(flagReconcileInterval, defaultReconcileEvery, "Interval between reconciliation passes (0: startup only)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeyRedisAddr:      "REDIS_ADDR",
		configKeyKafkaBrokers:   "KAFKA_BROKERS",
		configKeyKafkaTopic:     "KAFKA_TOPIC",
		configKeyOrigins:        "ALLOWED_ORIGINS",
		configKeySessionKey:     "SESSION_SIGNING_KEY",
		configKeySessionIssuer:  "SESSION_ISSUER",
		configKeySessionCookie:  "SESSION_COOKIE",
		configKeyPOSKey:         "POS_SIGNING_KEY",
		configKeyLowBalance:     "LOW_BALANCE_THRESHOLD",
		configKeyReconcileEvery: "RECONCILE_INTERVAL",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flags := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeyRedisAddr:      flagRedisAddr,
		configKeyKafkaBrokers:   flagKafkaBrokers,
		configKeyKafkaTopic:     flagKafkaTopic,
		configKeyOrigins:        flagAllowedOrigins,
		configKeySessionKey:     flagSessionSigningKey,
		configKeySessionIssuer:  flagSessionIssuer,
		configKeySessionCookie:  flagSessionCookie,
		configKeyPOSKey:         flagPOSSigningKey,
		configKeyLowBalance:     flagLowBalance,
		configKeyReconcileEvery: flagReconcileInterval,
	}
	for key, flag := range flags {
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
	cfg.RedisAddr = viper.GetString(configKeyRedisAddr)
	cfg.KafkaBrokers = splitNonEmpty(viper.GetString(configKeyKafkaBrokers))
	cfg.KafkaTopic = viper.GetString(configKeyKafkaTopic)
	if cfg.KafkaTopic == "" {
		cfg.KafkaTopic = defaultKafkaTopic
	}
	cfg.AllowedOrigins = httpapi.ParseAllowedOrigins(viper.GetString(configKeyOrigins))
	cfg.SessionSigningKey = viper.GetString(configKeySessionKey)
	cfg.SessionIssuer = viper.GetString(configKeySessionIssuer)
	cfg.SessionCookie = viper.GetString(configKeySessionCookie)
	cfg.POSSigningKey = viper.GetString(configKeyPOSKey)
	cfg.LowBalance = viper.GetInt64(configKeyLowBalance)
	cfg.ReconcileEvery = viper.GetDuration(configKeyReconcileEvery)
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	store := gormstore.New(gormDB)
	tierTable, err := loadTierTable(ctx, store)
	if err != nil {
		return fmt.Errorf("tier table init: %w", err)
	}

	rewardCache, closeCache, err := openCache(cfg.RedisAddr, logger)
	if err != nil {
		return fmt.Errorf("cache init: %w", err)
	}
	defer closeCache()

	rewardCatalog := catalog.New(store, rewardCache)

	options := []loyalty.EngineOption{
		loyalty.WithOperationLogger(notify.NewOperationLogger(logger)),
		loyalty.WithEventSink(notify.NewLogSink(logger)),
	}
	if cfg.LowBalance > 0 {
		options = append(options, loyalty.WithLowBalanceThreshold(loyalty.Points(cfg.LowBalance)))
	}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink, err := notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		if err != nil {
			return fmt.Errorf("kafka sink init: %w", err)
		}
		defer func() { _ = kafkaSink.Close() }()
		options = append(options, loyalty.WithEventSink(kafkaSink))
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	engine, err := loyalty.NewEngine(store, tierTable, rewardCatalog, clock, options...)
	if err != nil {
		return fmt.Errorf("engine init: %w", err)
	}

	runReconciliation(ctx, engine, logger)
	if cfg.ReconcileEvery > 0 {
		go reconcileLoop(ctx, engine, logger, cfg.ReconcileEvery)
	}

	apiConfig := httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    cfg.AllowedOrigins,
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookie,
		POSSigningKey:     cfg.POSSigningKey,
	}
	if err := apiConfig.Validate(); err != nil {
		return fmt.Errorf("api config: %w", err)
	}
	return httpapi.Run(ctx, apiConfig, httpapi.Dependencies{
		Logger:    logger,
		Ledger:    engine,
		Tiers:     tierTable,
		TierStore: store,
		Rewards:   rewardCatalog,
	})
}

// loadTierTable builds the in-memory snapshot from the stored tier set,
// seeding the default ladder on an empty database.
func loadTierTable(ctx context.Context, store *gormstore.Store) (*loyalty.TierTable, error) {
	tiers, err := store.ListTiers(ctx)
	if err != nil {
		return nil, err
	}
	if len(tiers) == 0 {
		tiers = defaultTiers()
		if err := store.ReplaceTiers(ctx, tiers); err != nil {
			return nil, err
		}
	}
	return loyalty.NewTierTable(tiers)
}

func defaultTiers() []loyalty.Tier {
	return []loyalty.Tier{
		{Name: "bronze", Threshold: 0, Benefits: `{"multiplier":1.0}`},
		{Name: "silver", Threshold: 1000, Benefits: `{"multiplier":1.1}`},
		{Name: "gold", Threshold: 5000, Benefits: `{"multiplier":1.25}`},
	}
}

func openCache(redisAddr string, logger *zap.Logger) (cache.Cache, func(), error) {
	if redisAddr == "" {
		return cache.NewInMemoryCache(), func() {}, nil
	}
	redisCache, err := cache.NewRedisCache(redisAddr, "", 0)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("reward cache on redis", zap.String("addr", redisAddr))
	return redisCache, func() { _ = redisCache.Close() }, nil
}

func runReconciliation(ctx context.Context, engine *loyalty.Engine, logger *zap.Logger) {
	corrected, err := engine.ReconcileAll(ctx)
	if err != nil {
		logger.Warn("reconciliation pass failed", zap.Error(err))
		return
	}
	for _, report := range corrected {
		logger.Warn("projection drift corrected",
			zap.String("member_id", report.MemberID.String()),
			zap.Int64("balance", report.Balance.Int64()),
			zap.Int64("previous_balance", report.PreviousBalance.Int64()),
			zap.String("tier", report.Tier.Name),
			zap.String("previous_tier", report.PreviousTier),
		)
	}
}

func reconcileLoop(ctx context.Context, engine *loyalty.Engine, logger *zap.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runReconciliation(ctx, engine, logger)
		}
	}
}

func splitNonEmpty(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
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
			path = "loyalty.db"
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

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
