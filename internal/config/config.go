/**
 * @description
 * This package handles the configuration management for the
 * verification-service. It uses the Viper library to read configuration from
 * environment variables, providing a centralized and straightforward way to
 * manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the verification-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	RabbitMQURL string `mapstructure:"RABBITMQ_URL"`

	EventExchange string `mapstructure:"EVENT_EXCHANGE"`

	DiscordBotToken string `mapstructure:"DISCORD_TOKEN"`

	SendGridAPIKey         string `mapstructure:"SENDGRID_API_KEY"`
	MailFromEmail          string `mapstructure:"MAIL_FROM_EMAIL"`
	MailFromName           string `mapstructure:"MAIL_FROM_NAME"`
	ConfirmationTemplateID string `mapstructure:"CONFIRMATION_TEMPLATE_ID"`
	RejectionTemplateID    string `mapstructure:"REJECTION_TEMPLATE_ID"`

	GoogleClientID string `mapstructure:"GOOGLE_CLIENT_ID"`
	GoogleJWKSURL  string `mapstructure:"GOOGLE_JWKS_URL"`

	ReviewerJWTSecret string `mapstructure:"REVIEWER_JWT_SECRET"`

	VerificationBaseURL string `mapstructure:"VERIFICATION_URL"`
	ReviewPanelURL      string `mapstructure:"REVIEW_PANEL_URL"`

	OAuthAttemptLimit         int `mapstructure:"OAUTH_ATTEMPT_LIMIT"`
	OAuthAttemptWindowSeconds int `mapstructure:"OAUTH_ATTEMPT_WINDOW_SECONDS"`

	OutboxStaleSeconds int    `mapstructure:"OUTBOX_STALE_SECONDS"`
	SweepSchedule      string `mapstructure:"SWEEP_SCHEDULE"`
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in the given path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("EVENT_EXCHANGE", "verification.events")
	viper.SetDefault("MAIL_FROM_EMAIL", "gadoneko@free.itny.me")
	viper.SetDefault("MAIL_FROM_NAME", "gadoneko")
	viper.SetDefault("CONFIRMATION_TEMPLATE_ID", "d-409b6361287f46a7949f030b399b4817")
	viper.SetDefault("REJECTION_TEMPLATE_ID", "d-774ffd7fe61e457b85b6674cc1d0e001")
	viper.SetDefault("GOOGLE_JWKS_URL", "https://www.googleapis.com/oauth2/v3/certs")
	viper.SetDefault("OAUTH_ATTEMPT_LIMIT", 5)
	viper.SetDefault("OAUTH_ATTEMPT_WINDOW_SECONDS", 60)
	viper.SetDefault("OUTBOX_STALE_SECONDS", 120)
	viper.SetDefault("SWEEP_SCHEDULE", "@every 1m")

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("DISCORD_TOKEN")
	_ = viper.BindEnv("SENDGRID_API_KEY")
	_ = viper.BindEnv("MAIL_FROM_EMAIL")
	_ = viper.BindEnv("MAIL_FROM_NAME")
	_ = viper.BindEnv("CONFIRMATION_TEMPLATE_ID")
	_ = viper.BindEnv("REJECTION_TEMPLATE_ID")
	_ = viper.BindEnv("GOOGLE_CLIENT_ID")
	_ = viper.BindEnv("GOOGLE_JWKS_URL")
	_ = viper.BindEnv("REVIEWER_JWT_SECRET")
	_ = viper.BindEnv("VERIFICATION_URL")
	_ = viper.BindEnv("REVIEW_PANEL_URL")
	_ = viper.BindEnv("OAUTH_ATTEMPT_LIMIT")
	_ = viper.BindEnv("OAUTH_ATTEMPT_WINDOW_SECONDS")
	_ = viper.BindEnv("OUTBOX_STALE_SECONDS")
	_ = viper.BindEnv("SWEEP_SCHEDULE")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	config.VerificationBaseURL = strings.TrimSuffix(strings.TrimSpace(config.VerificationBaseURL), "/")
	if config.OAuthAttemptLimit < 0 {
		log.Printf("level=warn component=config msg=\"negative oauth attempt limit; disabling cooldown\" limit=%d", config.OAuthAttemptLimit)
		config.OAuthAttemptLimit = 0
	}
	if config.OAuthAttemptWindowSeconds <= 0 {
		config.OAuthAttemptWindowSeconds = 60
	}

	return
}
