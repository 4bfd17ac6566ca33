// Package config loads application configuration from environment variables.
package config

import (
	"log"
	"os"
	"strings"
	"time"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.  Database credentials and the JWT secret have no
// defaults: the process refuses to start without them.
type Config struct {
	Env            string        // application environment (e.g. "dev", "prod")
	Port           string        // HTTP port to listen on
	LogLevel       string        // debug | info | warn | error
	DBUser         string        // database username
	DBPass         string        // database password (optional)
	DBHost         string        // database host address
	DBPort         string        // database port number
	DBName         string        // database name
	DBAutoMigrate  bool          // create tables on startup when missing
	JWTSecret      string        // secret used to sign JWTs
	AccessTTLMin   int           // access token time-to-live in minutes
	RefreshTTLDays int           // refresh token time-to-live in days
	BcryptCost     int           // bcrypt cost for password hashing
	AdminEmails    []string      // emails that receive the ADMIN role on registration
	RequestTimeout time.Duration // upper bound for a single handler's store work
	Token          TokenConfig
	Queue          QueueConfig
}

// TokenConfig controls redeemable token generation.  CodePrefix and
// CodeLength define the shape of generated codes; CreateRetries and
// RetryBackoff bound the retry loop used when a generated code collides
// with an existing one.
type TokenConfig struct {
	CodePrefix     string
	CodeLength     int
	CreateRetries  int
	RetryBackoff   time.Duration
	DefaultPurpose string
}

// QueueConfig describes the RabbitMQ connection used for token usage events.
type QueueConfig struct {
	Enabled         bool
	URL             string
	ConsumerEnabled bool
	LogDir          string
}

// Load reads configuration values from environment variables and returns a
// Config.  Required variables are enforced by must() and missing values
// cause the program to exit with a fatal log message.
func Load() Config {
	return Config{
		Env:            envStr("APP_ENV", "dev"),
		Port:           envStr("APP_PORT", "8080"),
		LogLevel:       envStr("LOG_LEVEL", "info"),
		DBUser:         must("DB_USER"),
		DBPass:         os.Getenv("DB_PASS"), // empty allowed
		DBHost:         must("DB_HOST"),
		DBPort:         must("DB_PORT"),
		DBName:         must("DB_NAME"),
		DBAutoMigrate:  envBool("DB_AUTO_MIGRATE", true),
		JWTSecret:      must("JWT_SECRET"),
		AccessTTLMin:   envInt("ACCESS_TOKEN_TTL_MIN", 60*24*7),
		RefreshTTLDays: envInt("REFRESH_TOKEN_TTL_DAYS", 30),
		BcryptCost:     envInt("BCRYPT_COST", 10),
		AdminEmails:    parseList(os.Getenv("ADMIN_EMAILS")),
		RequestTimeout: envDur("REQUEST_TIMEOUT", 5*time.Second),
		Token:          LoadTokenConfig(),
		Queue:          LoadQueueConfig(),
	}
}

// LoadTokenConfig reads token generation settings.  Values below their
// minimum fall back to the defaults.
func LoadTokenConfig() TokenConfig {
	tc := TokenConfig{
		CodePrefix:     envStr("TOKEN_CODE_PREFIX", "TKN-"),
		CodeLength:     envInt("TOKEN_CODE_LENGTH", 8),
		CreateRetries:  envInt("TOKEN_CREATE_RETRIES", 5),
		RetryBackoff:   envDur("TOKEN_RETRY_BACKOFF", 20*time.Millisecond),
		DefaultPurpose: envStr("TOKEN_DEFAULT_PURPOSE", "General use"),
	}
	if tc.CodeLength < 8 {
		tc.CodeLength = 8
	}
	if tc.CreateRetries < 1 {
		tc.CreateRetries = 1
	}
	if tc.RetryBackoff <= 0 {
		tc.RetryBackoff = 20 * time.Millisecond
	}
	return tc
}

// LoadQueueConfig reads RabbitMQ settings.  RABBITMQ_URL falls back to
// AMQP_URL; there is no built-in broker address.
func LoadQueueConfig() QueueConfig {
	url := os.Getenv("RABBITMQ_URL")
	if url == "" {
		url = os.Getenv("AMQP_URL")
	}
	return QueueConfig{
		Enabled:         envBool("QUEUE_ENABLED", false),
		URL:             url,
		ConsumerEnabled: envBool("QUEUE_CONSUMER_ENABLED", false),
		LogDir:          envStr("QUEUE_LOG_DIR", "logs"),
	}
}

// IsAdminEmail reports whether email is listed in ADMIN_EMAILS.
func (c Config) IsAdminEmail(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, a := range c.AdminEmails {
		if a == email {
			return true
		}
	}
	return false
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

func parseList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
