package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string `mapstructure:"PORT"`
	Env           string `mapstructure:"APP_ENV"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`
	AllowedOrigin string `mapstructure:"ALLOWED_ORIGIN"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`

	RedisAddr           string `mapstructure:"REDIS_ADDR"`
	RedisPassword       string `mapstructure:"REDIS_PASSWORD"`
	RedisDB             int    `mapstructure:"REDIS_DB"`
	RuleCacheTTLSeconds int    `mapstructure:"RULE_CACHE_TTL_SECONDS"`

	KafkaBrokers    string `mapstructure:"KAFKA_BROKERS"`
	KafkaEventTopic string `mapstructure:"KAFKA_EVENT_TOPIC"`
	KafkaAlertTopic string `mapstructure:"KAFKA_ALERT_TOPIC"`

	AuthSecret            string `mapstructure:"AUTH_SECRET"`
	AccessTokenTTLMinutes int    `mapstructure:"ACCESS_TOKEN_TTL_MINUTES"`
	ManagerPIN            string `mapstructure:"MANAGER_PIN"`

	TaxRatePercent        float64 `mapstructure:"TAX_RATE_PERCENT"`
	Currency              string  `mapstructure:"CURRENCY"`
	StoreTimezone         string  `mapstructure:"STORE_TIMEZONE"`
	BOGOPolicy            string  `mapstructure:"BOGO_POLICY"`
	PaymentTimeoutSeconds int     `mapstructure:"PAYMENT_TIMEOUT_SECONDS"`
	PaymentServiceURL     string  `mapstructure:"PAYMENT_SERVICE_URL"`

	FraudHighValueCents        int64 `mapstructure:"FRAUD_HIGH_VALUE_CENTS"`
	FraudQuickRemovalSeconds   int   `mapstructure:"FRAUD_QUICK_REMOVAL_SECONDS"`
	FraudMaxRemovals           int   `mapstructure:"FRAUD_MAX_REMOVALS"`
	FraudRepeatedCancellations int   `mapstructure:"FRAUD_REPEATED_CANCELLATIONS"`
	FraudItemLookbackHours     int   `mapstructure:"FRAUD_ITEM_LOOKBACK_HOURS"`
}

// Load reads the environment and an optional .env file in the working
// directory. Every key has a default registered so AutomaticEnv can see it.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("RULE_CACHE_TTL_SECONDS", 30)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_EVENT_TOPIC", "tillpoint.checkout.events")
	v.SetDefault("KAFKA_ALERT_TOPIC", "tillpoint.fraud.alerts")
	v.SetDefault("AUTH_SECRET", "")
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("MANAGER_PIN", "")
	v.SetDefault("TAX_RATE_PERCENT", 10)
	v.SetDefault("CURRENCY", "usd")
	v.SetDefault("STORE_TIMEZONE", "UTC")
	v.SetDefault("BOGO_POLICY", "pair_per_line")
	v.SetDefault("PAYMENT_TIMEOUT_SECONDS", 15)
	v.SetDefault("PAYMENT_SERVICE_URL", "")
	v.SetDefault("FRAUD_HIGH_VALUE_CENTS", 10000)
	v.SetDefault("FRAUD_QUICK_REMOVAL_SECONDS", 30)
	v.SetDefault("FRAUD_MAX_REMOVALS", 3)
	v.SetDefault("FRAUD_REPEATED_CANCELLATIONS", 2)
	v.SetDefault("FRAUD_ITEM_LOOKBACK_HOURS", 0)

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.AuthSecret = strings.TrimSpace(c.AuthSecret)
	c.ManagerPIN = strings.TrimSpace(c.ManagerPIN)
	c.Currency = strings.ToLower(strings.TrimSpace(c.Currency))
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	if c.AccessTokenTTLMinutes < 1 {
		c.AccessTokenTTLMinutes = 480
	}
	if c.RuleCacheTTLSeconds < 1 {
		c.RuleCacheTTLSeconds = 30
	}
	if c.PaymentTimeoutSeconds < 1 {
		c.PaymentTimeoutSeconds = 15
	}
}

func (c Config) validate() error {
	if c.TaxRatePercent < 0 || c.TaxRatePercent > 100 {
		return fmt.Errorf("TAX_RATE_PERCENT must be within [0, 100], got %v", c.TaxRatePercent)
	}
	if _, err := time.LoadLocation(c.StoreTimezone); err != nil {
		return fmt.Errorf("STORE_TIMEZONE: %w", err)
	}
	if c.FraudHighValueCents < 0 || c.FraudQuickRemovalSeconds < 0 || c.FraudMaxRemovals < 0 ||
		c.FraudRepeatedCancellations < 0 || c.FraudItemLookbackHours < 0 {
		return fmt.Errorf("fraud thresholds must not be negative")
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// Location is the store's wall clock; Load already rejected unknown zones.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.StoreTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func (c Config) RuleCacheTTL() time.Duration {
	return time.Duration(c.RuleCacheTTLSeconds) * time.Second
}

func (c Config) PaymentTimeout() time.Duration {
	return time.Duration(c.PaymentTimeoutSeconds) * time.Second
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}
