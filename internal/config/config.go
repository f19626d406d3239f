package config // package config loads application configuration from environment variables

import (
	"log" // log is used to report configuration errors and halt execution
	"os"  // os provides access to environment variables
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.
type Config struct {
	Env         string // application environment (e.g. "dev", "prod")
	Port        string // HTTP port to listen on
	StoreDriver string // "mysql" or "memory"
	DBUser      string // database username
	DBPass      string // database password (optional)
	DBHost      string // database host address
	DBPort      string // database port number
	DBName      string // database name
	JWTSecret   string // secret used to verify JWTs

	RabbitURL       string // AMQP URL; empty disables event publishing
	BookingExchange string // topic exchange for booking events
	NotifyQueue     string // queue consumed by the notification worker

	ReclaimInterval time.Duration // time between expiration sweeps
	ReclaimBatch    int           // max bookings expired per sweep
	ReclaimLeaseTTL time.Duration // how long one instance owns a sweep

	PayOS PayOSConfig
}

// PayOSConfig carries the payment gateway credentials and redirect URLs.
type PayOSConfig struct {
	BaseURL     string
	ClientID    string
	APIKey      string
	ChecksumKey string // HMAC key for request and webhook signatures
	ReturnURL   string
	CancelURL   string
	Timeout     time.Duration
}

// Load reads configuration values from environment variables and returns a
// Config.  A .env file in the working directory is loaded first when
// present; real environment variables win over it.  Required variables are
// enforced by must() and missing values cause the program to exit with a
// fatal log message.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: .env not loaded: %v", err)
	}
	cfg := Config{
		Env:         must("APP_ENV"),                 // environment (dev/test/prod)
		Port:        must("APP_PORT"),                // port to bind the HTTP server
		StoreDriver: envStr("STORE_DRIVER", "mysql"), // persistence backend
		JWTSecret:   must("JWT_SECRET"),              // secret used for verifying JWTs

		RabbitURL:       os.Getenv("RABBITMQ_URL"),
		BookingExchange: envStr("BOOKING_EXCHANGE", "booking.events"),
		NotifyQueue:     envStr("NOTIFY_QUEUE", "booking.notifications"),

		ReclaimInterval: envDur("RECLAIM_INTERVAL", 20*time.Second),
		ReclaimBatch:    envInt("RECLAIM_BATCH", 100),
		ReclaimLeaseTTL: envDur("RECLAIM_LEASE_TTL", 15*time.Second),

		PayOS: PayOSConfig{
			BaseURL:     envStr("PAYOS_BASE_URL", "https://api-merchant.payos.vn"),
			ClientID:    os.Getenv("PAYOS_CLIENT_ID"),
			APIKey:      os.Getenv("PAYOS_API_KEY"),
			ChecksumKey: must("PAYOS_CHECKSUM_KEY"),
			ReturnURL:   envStr("PAYOS_RETURN_URL", "http://localhost:3000/payment/success"),
			CancelURL:   envStr("PAYOS_CANCEL_URL", "http://localhost:3000/payment/cancel"),
			Timeout:     envDur("PAYOS_TIMEOUT", 10*time.Second),
		},
	}
	if cfg.StoreDriver == "mysql" {
		cfg.DBUser = must("DB_USER")
		cfg.DBPass = os.Getenv("DB_PASS")
		cfg.DBHost = must("DB_HOST")
		cfg.DBPort = must("DB_PORT")
		cfg.DBName = must("DB_NAME")
	}
	if cfg.ReclaimInterval <= 0 || cfg.ReclaimInterval >= time.Minute {
		log.Fatalf("RECLAIM_INTERVAL must be between 0 and 1m, got %s", cfg.ReclaimInterval)
	}
	if cfg.ReclaimBatch < 1 {
		cfg.ReclaimBatch = 1
	}
	return cfg
}

// DefaultHoldMinutes is used when HOLD_DURATION_MINUTES is unset or invalid.
const DefaultHoldMinutes = 15

// HoldSettings reads the hold duration from the environment at every call,
// so an operator can change it without restarting the service.
type HoldSettings struct{}

// HoldDuration returns HOLD_DURATION_MINUTES as a duration.
func (HoldSettings) HoldDuration() time.Duration {
	m := envInt("HOLD_DURATION_MINUTES", DefaultHoldMinutes)
	if m < 1 {
		m = DefaultHoldMinutes
	}
	return time.Duration(m) * time.Minute
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}
