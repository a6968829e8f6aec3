package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Config struct {
	WalletAPIURL string
	WalletToken  string
	WalletPhone  string
	WalletPIN    string

	Port     string
	Env      string
	LogLevel logrus.Level

	StoreDriver string // "bolt" or "postgres"
	BoltPath    string
	DBSource    string
	RoutesFile  string

	NATSURL string

	TopUpInterval    time.Duration
	TopUpAttempts    int
	TopUpEpsilon     decimal.Decimal
	RequestTimeout   time.Duration
	PeakWindows      string
	Timezone         *time.Location
	RefreshInterval  time.Duration
	ReconcileWindow  time.Duration
	ReconcileGrace   time.Duration
	FareSettlement   bool
	SettleTimeout    time.Duration
	SessionRetention time.Duration
}

func Load() (*Config, error) {
	walletURL := os.Getenv("WALLET_API_URL")
	if walletURL == "" {
		return nil, fmt.Errorf("WALLET_API_URL environment variable is required")
	}

	cfg := &Config{
		WalletAPIURL: walletURL,
		WalletToken:  os.Getenv("WALLET_TOKEN"),
		WalletPhone:  os.Getenv("WALLET_PHONE"),
		WalletPIN:    os.Getenv("WALLET_PIN"),
		Port:         getEnv("SERVER_PORT", "8080"),
		Env:          getEnv("ENVIRONMENT", "development"),
		StoreDriver:  strings.ToLower(getEnv("STORE_DRIVER", "bolt")),
		BoltPath:     getEnv("BOLT_PATH", "farepay.db"),
		DBSource:     os.Getenv("DB_SOURCE"),
		RoutesFile:   os.Getenv("ROUTES_FILE"),
		NATSURL:      os.Getenv("NATS_URL"),
		PeakWindows:  os.Getenv("PEAK_WINDOWS"),
	}

	var err error
	if cfg.LogLevel, err = logrus.ParseLevel(getEnv("LOG_LEVEL", "info")); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	switch cfg.StoreDriver {
	case "bolt":
	case "postgres":
		if cfg.DBSource == "" {
			return nil, fmt.Errorf("DB_SOURCE environment variable is required when STORE_DRIVER=postgres")
		}
	default:
		return nil, fmt.Errorf("STORE_DRIVER must be bolt or postgres, got %q", cfg.StoreDriver)
	}

	durations := []struct {
		name string
		def  time.Duration
		dst  *time.Duration
	}{
		{"TOPUP_POLL_INTERVAL", 3 * time.Second, &cfg.TopUpInterval},
		{"REQUEST_TIMEOUT", 10 * time.Second, &cfg.RequestTimeout},
		{"REFRESH_INTERVAL", 30 * time.Second, &cfg.RefreshInterval},
		{"RECONCILE_WINDOW", 5 * time.Minute, &cfg.ReconcileWindow},
		{"RECONCILE_GRACE", 2 * time.Minute, &cfg.ReconcileGrace},
		{"SETTLE_TIMEOUT", 15 * time.Second, &cfg.SettleTimeout},
		{"SESSION_RETENTION", 30 * time.Minute, &cfg.SessionRetention},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.name, d.def); err != nil {
			return nil, err
		}
	}

	if cfg.TopUpAttempts, err = strconv.Atoi(getEnv("TOPUP_MAX_ATTEMPTS", "10")); err != nil || cfg.TopUpAttempts < 1 {
		return nil, fmt.Errorf("TOPUP_MAX_ATTEMPTS must be a positive integer")
	}
	if cfg.TopUpEpsilon, err = decimal.NewFromString(getEnv("TOPUP_EPSILON", "0.01")); err != nil || cfg.TopUpEpsilon.IsNegative() {
		return nil, fmt.Errorf("TOPUP_EPSILON must be a non-negative decimal")
	}
	if cfg.FareSettlement, err = strconv.ParseBool(getEnv("FARE_SETTLEMENT", "false")); err != nil {
		return nil, fmt.Errorf("FARE_SETTLEMENT: %w", err)
	}
	if cfg.Timezone, err = time.LoadLocation(getEnv("TZ_NAME", "Africa/Nairobi")); err != nil {
		return nil, fmt.Errorf("TZ_NAME: %w", err)
	}

	return cfg, nil
}

func (c *Config) Production() bool { return c.Env == "production" }

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, v)
	}
	return d, nil
}
