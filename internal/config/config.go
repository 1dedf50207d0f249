/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the escrow-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                    string `mapstructure:"SERVER_PORT"`
	DatabaseURL                   string `mapstructure:"DATABASE_URL"`
	RedisURL                      string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix          string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                   string `mapstructure:"RABBITMQ_URL"`
	AdminJWKSURL                  string `mapstructure:"ADMIN_JWKS_URL"`
	MerchantCity                  string `mapstructure:"MERCHANT_CITY"`
	WebhookRateLimitPerMinute     int    `mapstructure:"WEBHOOK_RATE_LIMIT_PER_MINUTE"`
	PaymentCodeRateLimitPerMinute int    `mapstructure:"PAYMENT_CODE_RATE_LIMIT_PER_MINUTE"`
	StaleReleaseSweepSchedule     string `mapstructure:"STALE_RELEASE_SWEEP_SCHEDULE"`
	StaleReleaseThresholdMinutes  int    `mapstructure:"STALE_RELEASE_THRESHOLD_MINUTES"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "cotafacil:rate_limit")
	viper.SetDefault("MERCHANT_CITY", "SAO PAULO")
	viper.SetDefault("WEBHOOK_RATE_LIMIT_PER_MINUTE", 120)
	viper.SetDefault("PAYMENT_CODE_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("STALE_RELEASE_SWEEP_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("STALE_RELEASE_THRESHOLD_MINUTES", 30)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "ESCROW_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("ADMIN_JWKS_URL")
	_ = viper.BindEnv("MERCHANT_CITY")
	_ = viper.BindEnv("WEBHOOK_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("PAYMENT_CODE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("STALE_RELEASE_SWEEP_SCHEDULE")
	_ = viper.BindEnv("STALE_RELEASE_THRESHOLD_MINUTES")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "cotafacil:rate_limit"
	}
	config.MerchantCity = strings.TrimSpace(config.MerchantCity)
	if config.MerchantCity == "" {
		config.MerchantCity = "SAO PAULO"
	}

	if config.WebhookRateLimitPerMinute <= 0 {
		config.WebhookRateLimitPerMinute = 120
	}
	if config.PaymentCodeRateLimitPerMinute <= 0 {
		config.PaymentCodeRateLimitPerMinute = 60
	}
	if strings.TrimSpace(config.StaleReleaseSweepSchedule) == "" {
		config.StaleReleaseSweepSchedule = "*/15 * * * *"
	}
	if config.StaleReleaseThresholdMinutes <= 0 {
		config.StaleReleaseThresholdMinutes = 30
	}

	return
}
