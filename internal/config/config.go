package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds every runtime setting of the service.
type Config struct {
	AppEnv           string
	LogLevel         string
	HTTPListenAddr   string
	PublicBasePath   string
	MetricsNamespace string

	DatabaseDriver string
	DatabaseURL    string
	SupabaseSchema string
	SQLitePath     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	SupabaseJWTSecret string
	OperatorKeyHash   string

	WelcomeBonus  int64
	ReferralBonus int64

	CoinPrice          decimal.Decimal
	RechargeBonusPct   int64
	RechargeBonusMin   int64
	OperatorPhone      string
	OperatorWAJIDs     []string
	PaymentPollEvery   time.Duration
	PaymentWaitTimeout time.Duration
	SubmitRateLimit    int
	SubmitRateWindow   time.Duration

	PresenceChannel    string
	PresenceHeartbeat  time.Duration
	PresenceSessionTTL time.Duration
	PresenceMaxRetries int

	WhatsAppEnabled   bool
	WhatsAppStorePath string
	WhatsAppLogLevel  string

	TelegramBotToken    string
	TelegramOperatorIDs []int64
}

var (
	ErrDatabaseURLEmpty = errors.New("DATABASE_URL is required for the postgres driver")
	ErrSQLitePathEmpty  = errors.New("SQLITE_PATH is required for the sqlite driver")
	ErrUnknownDriver    = errors.New("DATABASE_DRIVER must be postgres or sqlite")
	ErrJWTSecretEmpty   = errors.New("SUPABASE_JWT_SECRET is required")
	ErrCoinPrice        = errors.New("COIN_PRICE must be positive")
)

// Load reads configuration from the environment. Call godotenv before it to honour a .env file.
func Load() (*Config, error) {
	var errs []error

	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		HTTPListenAddr:   getEnv("HTTP_LISTEN_ADDR", ":8080"),
		PublicBasePath:   getEnv("PUBLIC_BASE_PATH", ""),
		MetricsNamespace: getEnv("METRICS_NAMESPACE", "ellio"),

		DatabaseDriver: strings.ToLower(getEnv("DATABASE_DRIVER", "postgres")),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		SupabaseSchema: getEnv("SUPABASE_SCHEMA", "public"),
		SQLitePath:     getEnv("SQLITE_PATH", "data/ellio.db"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		SupabaseJWTSecret: getEnv("SUPABASE_JWT_SECRET", ""),
		OperatorKeyHash:   getEnv("OPERATOR_KEY_HASH", ""),

		OperatorPhone:   getEnv("OPERATOR_PHONE", ""),
		OperatorWAJIDs:  splitList(getEnv("OPERATOR_WA_JIDS", "")),
		PresenceChannel: getEnv("PRESENCE_CHANNEL", "online-users"),

		WhatsAppStorePath: getEnv("WHATSAPP_STORE_PATH", "data/whatsapp.db"),
		WhatsAppLogLevel:  getEnv("WHATSAPP_LOG_LEVEL", "INFO"),
		TelegramBotToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
	}

	cfg.RedisDB = getInt(&errs, "REDIS_DB", 0)
	cfg.RedisTLS = getBool(&errs, "REDIS_TLS", false)
	cfg.WelcomeBonus = int64(getInt(&errs, "WELCOME_BONUS_COINS", 50))
	cfg.ReferralBonus = int64(getInt(&errs, "REFERRAL_BONUS_COINS", 25))
	cfg.RechargeBonusPct = int64(getInt(&errs, "RECHARGE_BONUS_PERCENT", 10))
	cfg.RechargeBonusMin = int64(getInt(&errs, "RECHARGE_BONUS_MIN_COINS", 200))
	cfg.PaymentPollEvery = getDuration(&errs, "PAYMENT_POLL_INTERVAL", 5*time.Second)
	cfg.PaymentWaitTimeout = getDuration(&errs, "PAYMENT_WAIT_TIMEOUT", 30*time.Second)
	cfg.SubmitRateLimit = getInt(&errs, "PAYMENT_SUBMIT_LIMIT", 5)
	cfg.SubmitRateWindow = getDuration(&errs, "PAYMENT_SUBMIT_WINDOW", 10*time.Minute)
	cfg.PresenceHeartbeat = getDuration(&errs, "PRESENCE_HEARTBEAT", 60*time.Second)
	cfg.PresenceSessionTTL = getDuration(&errs, "PRESENCE_SESSION_TTL", 150*time.Second)
	cfg.PresenceMaxRetries = getInt(&errs, "PRESENCE_MAX_RETRIES", 5)
	cfg.WhatsAppEnabled = getBool(&errs, "WHATSAPP_ENABLED", false)

	price, err := decimal.NewFromString(getEnv("COIN_PRICE", "1"))
	if err != nil {
		errs = append(errs, fmt.Errorf("parse COIN_PRICE: %w", err))
	} else if !price.IsPositive() {
		errs = append(errs, ErrCoinPrice)
	}
	cfg.CoinPrice = price

	for _, raw := range splitList(getEnv("TELEGRAM_OPERATOR_IDS", "")) {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("parse TELEGRAM_OPERATOR_IDS %q: %w", raw, err))
			continue
		}
		cfg.TelegramOperatorIDs = append(cfg.TelegramOperatorIDs, id)
	}

	errs = append(errs, cfg.check()...)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) check() []error {
	var errs []error
	switch cfg.DatabaseDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			errs = append(errs, ErrDatabaseURLEmpty)
		}
	case "sqlite":
		if cfg.SQLitePath == "" {
			errs = append(errs, ErrSQLitePathEmpty)
		}
	default:
		errs = append(errs, ErrUnknownDriver)
	}
	if cfg.SupabaseJWTSecret == "" {
		errs = append(errs, ErrJWTSecretEmpty)
	}
	return errs
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getInt(errs *[]error, key string, fallback int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("parse %s: %w", key, err))
		return fallback
	}
	return v
}

func getBool(errs *[]error, key string, fallback bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("parse %s: %w", key, err))
		return fallback
	}
	return v
}

func getDuration(errs *[]error, key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("parse %s: %w", key, err))
		return fallback
	}
	return v
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
