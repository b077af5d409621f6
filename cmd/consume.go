package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vibast-solutions/ms-go-account-notifications/app/metrics"
	"github.com/vibast-solutions/ms-go-account-notifications/app/queue"
	"github.com/vibast-solutions/ms-go-account-notifications/app/retry"
	"github.com/vibast-solutions/ms-go-account-notifications/app/service"
	"github.com/vibast-solutions/ms-go-account-notifications/config"
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Consume queued messages",
	Long:  "Consume notification messages from RabbitMQ.",
}

func init() {
	consumeCmd.AddCommand(consumeEmailsCmd)
	rootCmd.AddCommand(consumeCmd)
}

var consumeEmailsCmd = &cobra.Command{
	Use:   "emails [consumer_name]",
	Short: "Start the email queue consumer",
	Long:  "Start a worker that reads notification messages from the mail queue and sends them by email.",
	Args:  cobra.ExactArgs(1),
	Run:   runConsumeEmails,
}

func consumerConfig(cfg *config.Config, m *metrics.Metrics, notifications *service.NotificationService) queue.ConsumerConfig {
	return queue.ConsumerConfig{
		Retry: retry.Policy{
			MaxAttempts: cfg.MailMaxAttempts,
			BaseDelay:   cfg.MailRetryBase,
			MaxDelay:    cfg.MailRetryMax,
		},
		ReconnectMin:  cfg.ConsumerReconnectMin,
		ReconnectMax:  cfg.ConsumerReconnectMax,
		HandleTimeout: cfg.ConsumerHandleTimeout,
		Hooks:         m.ConsumerHooks(notifications.DeadLettered),
	}
}

// runConsumeEmails starts the email queue consumer worker.
func runConsumeEmails(_ *cobra.Command, args []string) {
	consumerName := args[0]
	cfg, logger := mustLoad(true)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openMySQL(ctx, cfg)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	rdb, err := openRedis(ctx, cfg)
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()

	emailService, err := buildEmailService(ctx, cfg, db, rdb, logger)
	if err != nil {
		logger.Fatalf("Failed to build email service: %v", err)
	}

	reg := newRegistry()
	m := metrics.New(reg)

	// The consumer never schedules or publishes on its own.
	notifications := service.NewNotificationService(emailService, nil, nil, cfg.NotificationDelay, logger)
	consumer := queue.NewEmailConsumer(
		queue.NewDialer(cfg.AMQPURL, cfg.AMQPConnectTimeout),
		notifications,
		consumerName,
		consumerConfig(cfg, m, notifications),
		logger,
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler(reg))
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("Serving metrics on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Metrics server error: %v", err)
		}
	}()

	runErr := consumer.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	if runErr != nil {
		logger.Fatalf("Consumer error: %v", runErr)
	}
	logger.Info("Consumer stopped")
}
