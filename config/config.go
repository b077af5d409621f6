package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
)

type Config struct {
	HTTPHost    string
	HTTPPort    string
	GRPCHost    string
	GRPCPort    string
	MetricsAddr string

	LogLevel  string
	LogFormat string

	// Broker
	AMQPURL            string
	AMQPConnectTimeout time.Duration
	AMQPPublishTimeout time.Duration

	// Database
	MySQLDSN     string
	MySQLMaxOpen int
	MySQLMaxIdle int
	MySQLMaxLife time.Duration

	// Redis backs the delay scheduler and, by default, the delivery lock.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SchedulerKey  string
	LockBackend   string
	LockKeyPrefix string

	// Delivery
	EmailProvider          string
	SenderAddress          string
	SenderName             string
	AWSRegion              string
	SESConfigurationSet    string
	SMTPHost               string
	SMTPPort               int
	SMTPUsername           string
	SMTPPassword           string
	SMTPImplicitTLS        bool
	SMTPInsecureSkipVerify bool
	SMTPRateLimit          float64
	SMTPRateBurst          int
	DKIMDomain             string
	DKIMSelector           string
	DKIMPrivateKeyPath     string

	// Consumer retry policy. MailMaxAttempts == 0 requeues forever.
	MailMaxAttempts       int
	MailRetryBase         time.Duration
	MailRetryMax          time.Duration
	ConsumerReconnectMin  time.Duration
	ConsumerReconnectMax  time.Duration
	ConsumerHandleTimeout time.Duration

	// Delay scheduler
	NotificationDelay    time.Duration
	SchedulerInterval    time.Duration
	SchedulerBatch       int
	SchedulerLease       time.Duration
	SchedulerMaxAttempts int
	SchedulerRetryBase   time.Duration
	SchedulerRetryMax    time.Duration
}

// Load reads configuration from the environment after applying the given
// dotenv files, or ./.env when none are named. Values already present in the
// environment win over file values. Callers that deliver mail run Validate
// on the result.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		_ = godotenv.Load()
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}

	cfg := &Config{
		HTTPHost:    getEnv("HTTP_HOST", "0.0.0.0"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		GRPCHost:    getEnv("GRPC_HOST", "0.0.0.0"),
		GRPCPort:    getEnv("GRPC_PORT", "9090"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9100"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		AMQPURL:            amqpURL(),
		AMQPConnectTimeout: getDuration("AMQP_CONNECT_TIMEOUT", 5*time.Second),
		AMQPPublishTimeout: getDuration("AMQP_PUBLISH_TIMEOUT", 10*time.Second),

		MySQLDSN:     getEnv("MYSQL_DSN", "notifications:notifications@tcp(localhost:3306)/notifications?parseTime=true"),
		MySQLMaxOpen: getInt("MYSQL_MAX_OPEN", 10),
		MySQLMaxIdle: getInt("MYSQL_MAX_IDLE", 5),
		MySQLMaxLife: getDuration("MYSQL_MAX_LIFETIME", 5*time.Minute),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),
		SchedulerKey:  getEnv("SCHEDULER_KEY_PREFIX", "notifications:scheduler"),
		LockBackend:   strings.ToLower(getEnv("LOCK_BACKEND", "redis")),
		LockKeyPrefix: getEnv("LOCK_KEY_PREFIX", "notifications:lock:"),

		EmailProvider:          strings.ToLower(getEnv("EMAIL_PROVIDER", "smtp")),
		SenderAddress:          getEnv("SENDER_ADDRESS", ""),
		SenderName:             getEnv("SENDER_NAME", ""),
		AWSRegion:              getEnv("AWS_REGION", "eu-central-1"),
		SESConfigurationSet:    getEnv("SES_CONFIGURATION_SET", ""),
		SMTPHost:               getEnv("SMTP_HOST", ""),
		SMTPPort:               getInt("SMTP_PORT", 587),
		SMTPUsername:           getEnv("SMTP_USERNAME", ""),
		SMTPPassword:           getEnv("SMTP_PASSWORD", ""),
		SMTPImplicitTLS:        getBool("SMTP_IMPLICIT_TLS", false),
		SMTPInsecureSkipVerify: getBool("SMTP_INSECURE_SKIP_VERIFY", false),
		SMTPRateLimit:          getFloat("SMTP_RATE_LIMIT", 0),
		SMTPRateBurst:          getInt("SMTP_RATE_BURST", 1),
		DKIMDomain:             getEnv("DKIM_DOMAIN", ""),
		DKIMSelector:           getEnv("DKIM_SELECTOR", ""),
		DKIMPrivateKeyPath:     getEnv("DKIM_PRIVATE_KEY_PATH", ""),

		MailMaxAttempts:       getInt("MAIL_MAX_ATTEMPTS", 5),
		MailRetryBase:         getDuration("MAIL_RETRY_BASE", 10*time.Second),
		MailRetryMax:          getDuration("MAIL_RETRY_MAX", 10*time.Minute),
		ConsumerReconnectMin:  getDuration("CONSUMER_RECONNECT_MIN", time.Second),
		ConsumerReconnectMax:  getDuration("CONSUMER_RECONNECT_MAX", 30*time.Second),
		ConsumerHandleTimeout: getDuration("CONSUMER_HANDLE_TIMEOUT", 30*time.Second),

		NotificationDelay:    getDuration("NOTIFICATION_DELAY", 5*time.Second),
		SchedulerInterval:    getDuration("SCHEDULER_INTERVAL", time.Second),
		SchedulerBatch:       getInt("SCHEDULER_BATCH", 10),
		SchedulerLease:       getDuration("SCHEDULER_LEASE", time.Minute),
		SchedulerMaxAttempts: getInt("SCHEDULER_MAX_ATTEMPTS", 10),
		SchedulerRetryBase:   getDuration("SCHEDULER_RETRY_BASE", 2*time.Second),
		SchedulerRetryMax:    getDuration("SCHEDULER_RETRY_MAX", 5*time.Minute),
	}

	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error

	switch c.EmailProvider {
	case "smtp":
		if c.SMTPHost == "" {
			errs = append(errs, errors.New("SMTP_HOST is required when EMAIL_PROVIDER=smtp"))
		}
		// STARTTLS is only used when the relay offers it. Authentication
		// refuses an unencrypted session, so credentials make TLS mandatory.
		if !c.SMTPImplicitTLS && c.SMTPPort != 465 && c.SMTPUsername == "" {
			errs = append(errs, errors.New("SMTP_USERNAME is required unless SMTP_IMPLICIT_TLS is set"))
		}
	case "ses", "noop":
	default:
		errs = append(errs, fmt.Errorf("unsupported EMAIL_PROVIDER: %s", c.EmailProvider))
	}
	if c.SenderAddress == "" && c.EmailProvider != "noop" {
		errs = append(errs, errors.New("SENDER_ADDRESS is required"))
	}

	switch c.LockBackend {
	case "redis", "mysql":
	default:
		errs = append(errs, fmt.Errorf("unsupported LOCK_BACKEND: %s", c.LockBackend))
	}

	if (c.DKIMDomain != "" || c.DKIMSelector != "" || c.DKIMPrivateKeyPath != "") &&
		(c.DKIMDomain == "" || c.DKIMSelector == "" || c.DKIMPrivateKeyPath == "") {
		errs = append(errs, errors.New("DKIM_DOMAIN, DKIM_SELECTOR and DKIM_PRIVATE_KEY_PATH must be set together"))
	}

	if c.MailMaxAttempts < 0 {
		errs = append(errs, errors.New("MAIL_MAX_ATTEMPTS must not be negative"))
	}
	if c.SchedulerBatch <= 0 {
		errs = append(errs, errors.New("SCHEDULER_BATCH must be positive"))
	}
	if c.NotificationDelay < 0 {
		errs = append(errs, errors.New("NOTIFICATION_DELAY must not be negative"))
	}

	return errors.Join(errs...)
}

// DKIMEnabled reports whether outgoing mail is signed.
func (c *Config) DKIMEnabled() bool {
	return c.DKIMDomain != "" && c.DKIMSelector != "" && c.DKIMPrivateKeyPath != ""
}

// amqpURL prefers AMQP_URL and otherwise assembles the URI from its parts.
func amqpURL() string {
	if url := os.Getenv("AMQP_URL"); url != "" {
		return url
	}
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     getEnv("AMQP_HOST", "localhost"),
		Port:     getInt("AMQP_PORT", 5672),
		Username: getEnv("AMQP_USER", "guest"),
		Password: getEnv("AMQP_PASSWORD", "guest"),
		Vhost:    getEnv("AMQP_VHOST", "/"),
	}
	return uri.String()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
