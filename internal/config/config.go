package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Env  string `envconfig:"ENV" default:"development"`
	Port string `envconfig:"PORT" default:"8080"`

	// Database. DATABASE_URL wins over the discrete DB_* variables.
	DatabaseURL string `envconfig:"DATABASE_URL"`
	DBUser      string `envconfig:"DB_USER" default:"postgres"`
	DBPassword  string `envconfig:"DB_PASSWORD"`
	DBHost      string `envconfig:"DB_HOST" default:"localhost"`
	DBPort      string `envconfig:"DB_PORT" default:"5432"`
	DBName      string `envconfig:"DB_NAME" default:"strathshare"`

	JWTSecret string        `envconfig:"JWT_SECRET" required:"true"`
	JWTTTL    time.Duration `envconfig:"JWT_TTL" default:"72h"`

	// Empty allows any domain.
	SignupEmailDomain    string `envconfig:"SIGNUP_EMAIL_DOMAIN"`
	AdminBootstrapSecret string `envconfig:"ADMIN_BOOTSTRAP_SECRET"`

	RedisAddr      string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	RabbitURL      string `envconfig:"RABBIT_URL"`
	EventsExchange string `envconfig:"EVENTS_EXCHANGE" default:"strathshare.events"`
	OTLPEndpoint   string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AppURL         string `envconfig:"APP_URL" default:"http://localhost:3000"`
	AdminEmail     string `envconfig:"ADMIN_ALERT_EMAIL"`

	PaymentMode string `envconfig:"PAYMENT_MODE" default:"demo"`
	MPesa       MPesa

	Mail Mail

	// Zero disables the sweeper.
	StuckRequestAfter  time.Duration `envconfig:"STUCK_REQUEST_AFTER" default:"0"`
	StuckSweepInterval time.Duration `envconfig:"STUCK_SWEEP_INTERVAL" default:"5m"`
	NotifyTimeout      time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"5s"`

	// Gateway payments with no callback after this long are failed.
	// Zero disables expiry.
	PaymentExpireAfter  time.Duration `envconfig:"PAYMENT_EXPIRE_AFTER" default:"15m"`
	PaymentExpiryPeriod time.Duration `envconfig:"PAYMENT_EXPIRY_INTERVAL" default:"1m"`
}

type MPesa struct {
	ConsumerKey    string        `envconfig:"MPESA_CONSUMER_KEY"`
	ConsumerSecret string        `envconfig:"MPESA_CONSUMER_SECRET"`
	Passkey        string        `envconfig:"MPESA_PASSKEY"`
	Shortcode      string        `envconfig:"MPESA_SHORTCODE" default:"174379"`
	Environment    string        `envconfig:"MPESA_ENV" default:"sandbox"`
	CallbackURL    string        `envconfig:"MPESA_CALLBACK_URL"`
	Timeout        time.Duration `envconfig:"MPESA_TIMEOUT" default:"15s"`
	RatePerSecond  float64       `envconfig:"MPESA_RATE_PER_SECOND" default:"5"`
}

type Mail struct {
	Provider     string `envconfig:"MAIL_PROVIDER" default:"log"`
	From         string `envconfig:"MAIL_FROM" default:"noreply@strathshare.com"`
	ReplyTo      string `envconfig:"MAIL_REPLY_TO"`
	SMTPHost     string `envconfig:"SMTP_HOST"`
	SMTPPort     string `envconfig:"SMTP_PORT" default:"465"`
	SMTPUsername string `envconfig:"SMTP_USERNAME"`
	SMTPPassword string `envconfig:"SMTP_PASSWORD"`
	PlunkAPIKey  string `envconfig:"PLUNK_API_KEY"`
	PlunkAPIURL  string `envconfig:"PLUNK_API_URL" default:"https://api.useplunk.com/v1/send"`
	ResendAPIKey string `envconfig:"RESEND_API_KEY"`
}

// Load reads .env (if present) and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, relying on system environment")
	}
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}
	if c.PaymentMode != "demo" && c.PaymentMode != "mpesa" {
		return c, fmt.Errorf("load config: PAYMENT_MODE must be demo or mpesa, got %q", c.PaymentMode)
	}
	return c, nil
}

// DSN returns the Postgres connection string.
func (c Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// MPesaBaseURL picks the Daraja host for the configured environment.
func (c Config) MPesaBaseURL() string {
	if c.MPesa.Environment == "live" {
		return "https://api.safaricom.co.ke"
	}
	return "https://sandbox.safaricom.co.ke"
}
