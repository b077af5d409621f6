package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vibast-solutions/ms-go-account-notifications/app/controller"
	grpcserver "github.com/vibast-solutions/ms-go-account-notifications/app/grpc"
	"github.com/vibast-solutions/ms-go-account-notifications/app/metrics"
	"github.com/vibast-solutions/ms-go-account-notifications/app/queue"
	"github.com/vibast-solutions/ms-go-account-notifications/app/retry"
	"github.com/vibast-solutions/ms-go-account-notifications/app/scheduler"
	"github.com/vibast-solutions/ms-go-account-notifications/app/service"
	"github.com/vibast-solutions/ms-go-account-notifications/config"
	"google.golang.org/grpc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and gRPC servers and the scheduler worker",
	Long:  "Start the HTTP (Echo) and gRPC submission endpoints together with the worker that publishes due notifications to RabbitMQ.",
	Run:   runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// runServe wires dependencies and starts the servers and the scheduler worker.
func runServe(_ *cobra.Command, _ []string) {
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

	producer := queue.NewEmailProducer(queue.NewDialer(cfg.AMQPURL, cfg.AMQPConnectTimeout), cfg.AMQPPublishTimeout, logger)
	producer.OnPublish = m.PublishHook()

	jobs := scheduler.New(scheduler.NewRedisStore(rdb, cfg.SchedulerKey), scheduler.Config{
		Interval: cfg.SchedulerInterval,
		Batch:    cfg.SchedulerBatch,
		Lease:    cfg.SchedulerLease,
		Retry: retry.Policy{
			MaxAttempts: cfg.SchedulerMaxAttempts,
			BaseDelay:   cfg.SchedulerRetryBase,
			MaxDelay:    cfg.SchedulerRetryMax,
		},
		Hooks: m.SchedulerHooks(),
	}, logger)

	notifications := service.NewNotificationService(emailService, jobs, producer, cfg.NotificationDelay, logger)
	jobs.Register(service.PublishJobType, scheduler.HandlerFunc(notifications.HandlePublishJob))

	e := setupHTTPServer(controller.NewNotificationController(notifications), reg, logger)
	grpcServer, lis, err := setupGRPCServer(cfg, grpcserver.NewServer(notifications))
	if err != nil {
		logger.Fatalf("Failed to listen on gRPC port: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := jobs.Run(ctx); err != nil {
			logger.WithError(err).Error("scheduler stopped")
		}
	}()

	go func() {
		httpAddr := net.JoinHostPort(cfg.HTTPHost, cfg.HTTPPort)
		logger.Infof("Starting HTTP server on %s", httpAddr)
		if err := e.Start(httpAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	go func() {
		logger.Infof("Starting gRPC server on %s", lis.Addr())
		if err := grpcServer.Serve(lis); err != nil {
			logger.Fatalf("gRPC server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP shutdown error: %v", err)
	}
	grpcServer.GracefulStop()
	wg.Wait()

	logger.Info("Server stopped")
}

// setupHTTPServer configures the Echo HTTP server and routes.
func setupHTTPServer(notifications *controller.NotificationController, reg *prometheus.Registry, logger logrus.FieldLogger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v echomiddleware.RequestLoggerValues) error {
			entry := logger.WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
			})
			if v.Error != nil {
				entry.WithError(v.Error).Warn("request failed")
				return nil
			}
			entry.Debug("request")
			return nil
		},
	}))
	e.Use(echomiddleware.Recover())

	group := e.Group("/notifications")
	group.POST("/email", notifications.SubmitEmail)
	group.POST("/account-opened", notifications.SubmitAccountOpened)
	group.GET("/:request_id", notifications.Status)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(metricsHandler(reg)))

	return e
}

// setupGRPCServer builds the gRPC server and listener.
func setupGRPCServer(cfg *config.Config, server *grpcserver.Server) (*grpc.Server, net.Listener, error) {
	lis, err := net.Listen("tcp", net.JoinHostPort(cfg.GRPCHost, cfg.GRPCPort))
	if err != nil {
		return nil, nil, err
	}

	grpcServer := grpc.NewServer()
	grpcserver.RegisterNotificationsServiceServer(grpcServer, server)
	return grpcServer, lis, nil
}
