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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/nirmallyakoner/interviewscreener-nursing-sub000/internal/httpapi"
	"github.com/nirmallyakoner/interviewscreener-nursing-sub000/internal/oplog"
	"github.com/nirmallyakoner/interviewscreener-nursing-sub000/internal/payments"
	"github.com/nirmallyakoner/interviewscreener-nursing-sub000/internal/session"
	"github.com/nirmallyakoner/interviewscreener-nursing-sub000/internal/store/gormstore"
	"github.com/nirmallyakoner/interviewscreener-nursing-sub000/internal/store/pgstore"
	"github.com/nirmallyakoner/interviewscreener-nursing-sub000/internal/sweeper"
	"github.com/nirmallyakoner/interviewscreener-nursing-sub000/pkg/metering"
)

const (
	flagDatabaseURL          = "database-url"
	flagListenAddr           = "listen-addr"
	flagAllowedOrigins       = "allowed-origins"
	flagSessionSigningKey    = "session-signing-key"
	flagSessionIssuer        = "session-issuer"
	flagSessionCookieName    = "session-cookie-name"
	flagProviderEndpoint     = "provider-endpoint"
	flagProviderToken        = "provider-token"
	flagCallWebhookSecret    = "call-webhook-secret"
	flagPaymentWebhookSecret = "payment-webhook-secret"
	flagSweepInterval        = "sweep-interval"
	flagReservationTTL       = "reservation-ttl"

	defaultDatabaseURL = "sqlite:///tmp/meterd.db"
	defaultListenAddr  = ":9090"
)

type runtimeConfig struct {
	DatabaseURL          string
	ListenAddr           string
	AllowedOrigins       string
	SessionSigningKey    string
	SessionIssuer        string
	SessionCookieName    string
	ProviderEndpoint     string
	ProviderToken        string
	CallWebhookSecret    string
	PaymentWebhookSecret string
	SweepInterval        time.Duration
	ReservationTTL       time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "meterd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "meterd",
		Short:         "Interview credit metering service",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagSessionSigningKey, "", "session cookie signing key")
	cmd.Flags().String(flagSessionIssuer, "", "session token issuer")
	cmd.Flags().String(flagSessionCookieName, "", "session cookie name")
	cmd.Flags().String(flagProviderEndpoint, "", "call provider dial endpoint")
	cmd.Flags().String(flagProviderToken, "", "call provider bearer token")
	cmd.Flags().String(flagCallWebhookSecret, "", "HMAC secret for call-ended webhooks")
	cmd.Flags().String(flagPaymentWebhookSecret, "", "HMAC secret for payment webhooks")
	cmd.Flags().Duration(flagSweepInterval, 5*time.Minute, "how often stale reservations are swept")
	cmd.Flags().Duration(flagReservationTTL, sweeper.DefaultTTL, "how long a pending reservation may sit before release")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		flagDatabaseURL:          "DATABASE_URL",
		flagListenAddr:           "LISTEN_ADDR",
		flagAllowedOrigins:       "ALLOWED_ORIGINS",
		flagSessionSigningKey:    "SESSION_SIGNING_KEY",
		flagSessionIssuer:        "SESSION_ISSUER",
		flagSessionCookieName:    "SESSION_COOKIE_NAME",
		flagProviderEndpoint:     "PROVIDER_ENDPOINT",
		flagProviderToken:        "PROVIDER_TOKEN",
		flagCallWebhookSecret:    "CALL_WEBHOOK_SECRET",
		flagPaymentWebhookSecret: "PAYMENT_WEBHOOK_SECRET",
		flagSweepInterval:        "SWEEP_INTERVAL",
		flagReservationTTL:       "RESERVATION_TTL",
	}
	for flagName, envName := range bindings {
		key := strings.ReplaceAll(flagName, "-", "_")
		if err := viper.BindEnv(key, envName); err != nil {
			return err
		}
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString("database_url")
	cfg.ListenAddr = viper.GetString("listen_addr")
	cfg.AllowedOrigins = viper.GetString("allowed_origins")
	cfg.SessionSigningKey = viper.GetString("session_signing_key")
	cfg.SessionIssuer = viper.GetString("session_issuer")
	cfg.SessionCookieName = viper.GetString("session_cookie_name")
	cfg.ProviderEndpoint = viper.GetString("provider_endpoint")
	cfg.ProviderToken = viper.GetString("provider_token")
	cfg.CallWebhookSecret = viper.GetString("call_webhook_secret")
	cfg.PaymentWebhookSecret = viper.GetString("payment_webhook_secret")
	cfg.SweepInterval = viper.GetDuration("sweep_interval")
	cfg.ReservationTTL = viper.GetDuration("reservation_ttl")

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	if cfg.ProviderEndpoint == "" {
		return fmt.Errorf("provider endpoint is required")
	}
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

	ledgerStore, storeCleanup, err := openLedgerStore(ctx, cfg.DatabaseURL, driver, gormDB)
	if err != nil {
		return err
	}
	defer storeCleanup()

	if err := session.Migrate(gormDB); err != nil {
		return fmt.Errorf("migrate sessions: %w", err)
	}
	if err := payments.Migrate(gormDB); err != nil {
		return fmt.Errorf("migrate payments: %w", err)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := metering.NewService(ledgerStore, clock,
		metering.WithOperationLogger(oplog.New(logger)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	provider, err := session.NewHTTPProvider(cfg.ProviderEndpoint, cfg.ProviderToken, 0)
	if err != nil {
		return fmt.Errorf("provider init: %w", err)
	}
	sessionService, err := session.NewService(session.NewRepository(gormDB), ledgerService, provider, logger)
	if err != nil {
		return fmt.Errorf("session service init: %w", err)
	}
	paymentService, err := payments.NewService(payments.NewRepository(gormDB), ledgerService, logger)
	if err != nil {
		return fmt.Errorf("payment service init: %w", err)
	}

	sweep := sweeper.New(sessionService, logger, cfg.SweepInterval, cfg.ReservationTTL, 0)
	go sweep.Start(ctx)

	apiConfig := httpapi.Config{
		ListenAddr:           cfg.ListenAddr,
		AllowedOrigins:       httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey:    cfg.SessionSigningKey,
		SessionIssuer:        cfg.SessionIssuer,
		SessionCookieName:    cfg.SessionCookieName,
		CallWebhookSecret:    cfg.CallWebhookSecret,
		PaymentWebhookSecret: cfg.PaymentWebhookSecret,
	}
	if err := apiConfig.Validate(); err != nil {
		return fmt.Errorf("api config: %w", err)
	}
	return httpapi.Run(ctx, apiConfig, httpapi.Services{
		Ledger:   ledgerService,
		Sessions: sessionService,
		Payments: paymentService,
	}, logger)
}

// openLedgerStore picks the balance/transaction store for the ledger itself:
// pgx with row locks on postgres, the gorm store on sqlite.
func openLedgerStore(ctx context.Context, dsn string, driver string, gormDB *gorm.DB) (metering.Store, func(), error) {
	if driver == "postgres" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("pgx pool: %w", err)
		}
		store := pgstore.New(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ledger schema: %w", err)
		}
		return store, pool.Close, nil
	}
	if err := gormstore.Migrate(gormDB); err != nil {
		return nil, nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return gormstore.New(gormDB), func() {}, nil
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
			path = "meterd.db"
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
