package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/hearthly/hearth/internal/notification"
	"github.com/hearthly/hearth/pkg/database"
	"github.com/hearthly/hearth/pkg/messaging"
	"github.com/hearthly/hearth/pkg/observability"
)

func main() {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "notifyd",
		Short: "Runs the notification engine's periodic sweeps",
		Long: "notifyd drives the household notification engine's background work:\n" +
			"the scheduled-notification sweep and the failed-delivery retry sweep,\n" +
			"plus the worker pool that executes channel sends.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return run(cfg)
		},
	}
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default: ./notifyd.yaml)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *Config) error {
	log := observability.NewLogger("notifyd")

	db, err := database.Connect(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	if err := database.ApplySchema(db, notification.Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	log.Info("schema applied")

	repo := notification.NewRepository(db)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Warn("redis unreachable, preference caching disabled", slog.String("error", err.Error()))
			redisClient = nil
		}
	}

	var events notification.Publisher
	if cfg.RabbitURL != "" {
		pub, err := messaging.NewPublisher(cfg.RabbitURL, cfg.RabbitExchange)
		if err != nil {
			log.Warn("rabbitmq unreachable, event feed disabled", slog.String("error", err.Error()))
		} else {
			defer pub.Close()
			events = pub
		}
	}

	senders := notification.NewSenderRegistry()
	senders.Register(notification.NewInAppSender())
	senders.Register(notification.NewPushSender(notification.NewLogPushTransport(log), repo))
	senders.Register(notification.NewChatSender(&http.Client{Timeout: 15 * time.Second}))
	if cfg.ResendAPIKey != "" {
		transport := notification.NewResendTransport(cfg.ResendAPIKey, cfg.EmailFrom)
		senders.Register(notification.NewEmailSender(transport, repo))
	} else {
		log.Warn("no resend api key configured, email channel will fail deliveries")
	}

	queue := notification.NewWorkerQueue(cfg.QueueBuffer, log)
	prefs := notification.NewPreferenceResolver(repo, redisClient, log)
	policy := notification.RetryPolicy{MaxAttempts: cfg.RetryMaxAttempts, BaseDelay: cfg.RetryBaseDelay}
	dispatcher := notification.NewDispatcher(repo, prefs, senders, repo, queue, events, log, policy)
	svc := notification.NewService(repo, prefs, dispatcher, repo, events, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		queue.Run(ctx, cfg.QueueWorkers)
	}()

	c := cron.New()
	for _, tenant := range cfg.Tenants {
		tenant := tenant
		if _, err := c.AddFunc(fmt.Sprintf("@every %s", cfg.ScheduledSweepInterval), func() {
			count, err := svc.ProcessScheduledNotifications(context.Background(), tenant)
			if err != nil {
				log.Error("scheduled sweep failed", slog.String("tenant", tenant), slog.String("error", err.Error()))
				return
			}
			if count > 0 {
				log.Info("scheduled sweep", slog.String("tenant", tenant), slog.Int("dispatched", count))
			}
		}); err != nil {
			return fmt.Errorf("register scheduled sweep: %w", err)
		}

		if _, err := c.AddFunc(fmt.Sprintf("@every %s", cfg.RetrySweepInterval), func() {
			count, err := svc.ProcessPendingRetries(context.Background(), tenant)
			if err != nil {
				log.Error("retry sweep failed", slog.String("tenant", tenant), slog.String("error", err.Error()))
				return
			}
			if count > 0 {
				log.Info("retry sweep", slog.String("tenant", tenant), slog.Int("resubmitted", count))
			}
		}); err != nil {
			return fmt.Errorf("register retry sweep: %w", err)
		}
	}
	c.Start()
	log.Info("sweeps started",
		slog.Int("tenants", len(cfg.Tenants)),
		slog.String("scheduled_interval", cfg.ScheduledSweepInterval.String()),
		slog.String("retry_interval", cfg.RetrySweepInterval.String()))

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	log.Info("metrics listening", slog.String("addr", cfg.MetricsAddr))

	<-ctx.Done()
	log.Info("shutting down")

	cronCtx := c.Stop()
	<-cronCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	metricsSrv.Shutdown(shutdownCtx)

	// queue.Run drains submitted sends before returning.
	<-queueDone
	log.Info("shutdown complete")
	return nil
}
