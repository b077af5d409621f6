package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-account-notifications/app/lock"
	"github.com/vibast-solutions/ms-go-account-notifications/app/logging"
	"github.com/vibast-solutions/ms-go-account-notifications/app/preparer"
	"github.com/vibast-solutions/ms-go-account-notifications/app/provider"
	"github.com/vibast-solutions/ms-go-account-notifications/app/repository"
	"github.com/vibast-solutions/ms-go-account-notifications/app/service"
	"github.com/vibast-solutions/ms-go-account-notifications/config"
)

// mustLoad loads configuration and the logger or exits. Commands that
// deliver or schedule mail pass validate.
func mustLoad(validate bool) (*config.Config, *logrus.Logger) {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			logrus.Fatalf("Invalid configuration: %v", err)
		}
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.Fatalf("Failed to configure logging: %v", err)
	}
	return cfg, logger
}

func openMySQL(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MySQLMaxOpen)
	db.SetMaxIdleConns(cfg.MySQLMaxIdle)
	db.SetConnMaxLifetime(cfg.MySQLMaxLife)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func buildEmailProvider(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (provider.EmailProvider, error) {
	var p provider.EmailProvider
	switch cfg.EmailProvider {
	case "smtp":
		p = provider.NewSMTPProvider(provider.SMTPConfig{
			Host:               cfg.SMTPHost,
			Port:               cfg.SMTPPort,
			Username:           cfg.SMTPUsername,
			Password:           cfg.SMTPPassword,
			From:               cfg.SenderAddress,
			InsecureSkipVerify: cfg.SMTPInsecureSkipVerify,
			ImplicitTLS:        cfg.SMTPImplicitTLS,
		})
	case "ses":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, err
		}
		p = provider.NewSESProvider(awsCfg, provider.SESConfig{From: cfg.SenderAddress, ConfigurationSet: cfg.SESConfigurationSet})
	case "noop":
		p = provider.NewNoopProvider(logger)
	default:
		return nil, fmt.Errorf("unsupported EMAIL_PROVIDER: %s", cfg.EmailProvider)
	}
	return provider.NewRateLimited(p, cfg.SMTPRateLimit, cfg.SMTPRateBurst), nil
}

func buildPreparer(cfg *config.Config) (preparer.EmailPreparer, error) {
	steps := []preparer.Step{preparer.NewRawPreparer(cfg.SenderAddress, cfg.SenderName)}
	if cfg.DKIMEnabled() {
		key, err := os.ReadFile(cfg.DKIMPrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read DKIM key: %w", err)
		}
		signer, err := preparer.NewDKIMSigner(cfg.DKIMDomain, cfg.DKIMSelector, key)
		if err != nil {
			return nil, err
		}
		steps = append(steps, signer)
	}
	return preparer.NewChain(steps...), nil
}

func buildLocker(cfg *config.Config, db *sql.DB, rdb *redis.Client) lock.Locker {
	if cfg.LockBackend == "mysql" {
		return lock.NewMySQLLocker(db)
	}
	return lock.NewRedisLocker(rdb, cfg.LockKeyPrefix)
}

func buildEmailService(ctx context.Context, cfg *config.Config, db *sql.DB, rdb *redis.Client, logger logrus.FieldLogger) (*service.EmailService, error) {
	emailProvider, err := buildEmailProvider(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build email provider: %w", err)
	}
	emailPreparer, err := buildPreparer(cfg)
	if err != nil {
		return nil, fmt.Errorf("build email preparer: %w", err)
	}
	history := repository.NewNotificationHistoryRepository(db)
	return service.NewEmailService(emailPreparer, emailProvider, history, buildLocker(cfg, db, rdb), logger), nil
}

// newRegistry returns a registry with the Go runtime and process collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
