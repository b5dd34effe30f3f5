// Package engine собирает основное приложение: хранилище, кэш, брокер,
// платёжный шлюз, бота, фоновые обходы и HTTP-сервер.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/streadway/amqp"

	botpkg "github.com/dentalclub/subscription-engine/internal/bot"
	"github.com/dentalclub/subscription-engine/internal/config"
	"github.com/dentalclub/subscription-engine/internal/lib/clock"
	"github.com/dentalclub/subscription-engine/internal/migrations"
	"github.com/dentalclub/subscription-engine/internal/notifier"
	"github.com/dentalclub/subscription-engine/internal/paymentprovider"
	"github.com/dentalclub/subscription-engine/internal/rabbitmq"
	"github.com/dentalclub/subscription-engine/internal/services/reconciler"
	subservice "github.com/dentalclub/subscription-engine/internal/services/subscription"
	"github.com/dentalclub/subscription-engine/internal/services/sweeper"
	"github.com/dentalclub/subscription-engine/internal/storage/cache"
	"github.com/dentalclub/subscription-engine/internal/storage/repository"
)

type App struct {
	server  *http.Server
	bot     *botpkg.Bot
	sweeper *sweeper.Service
	db      *repository.Storage
	conn    *amqp.Connection
	ch      *amqp.Channel
	logger  *slog.Logger
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		return nil, err
	}
	if err = migrations.Run(db.DB, cfg.MigrationsPath); err != nil {
		return nil, err
	}

	cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		return nil, err
	}

	conn, err := rabbitmq.Connect(cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay)
	if err != nil {
		return nil, err
	}
	ch, err := rabbitmq.SetupChannel(conn, rabbitmq.GetNotificationQueues())
	if err != nil {
		conn.Close()
		return nil, err
	}

	clk := clock.System{}
	subscriptionService := subservice.New(db, cacheRedis, clk, logger)

	bot, err := botpkg.New(cfg.Telegram, subscriptionService, logger)
	if err != nil {
		return nil, err
	}

	tgNotifier := notifier.New(bot.Telebot(), cfg.Telegram.OperatorChatID, logger)

	providerClient := paymentprovider.NewClient(cfg.YooKassa.ShopID, cfg.YooKassa.SecretKey)
	reconcilerService := reconciler.New(db, providerClient, tgNotifier, clk,
		cfg.Billing.SubscriptionPeriod, cfg.Billing.GatewayTimeout, cfg.YooKassa.ReturnURL, logger)
	bot.SetReconciler(reconcilerService)

	sweeperService := sweeper.New(db, tgNotifier, &rabbitmq.ChannelPublisher{Ch: ch}, clk,
		sweeper.Intervals{
			Expiry:            cfg.Billing.ExpiryInterval,
			Reminder:          cfg.Billing.ReminderInterval,
			Report:            cfg.Billing.ReportInterval,
			ReminderWindowMin: cfg.Billing.ReminderWindowMin,
			ReminderWindowMax: cfg.Billing.ReminderWindowMax,
			ReportHorizon:     cfg.Billing.ReportHorizon,
		}, logger)

	router := chi.NewRouter()
	RegisterRoutes(router, logger, db, reconcilerService, cfg.YooKassa.WebhookSecret)

	srv := &http.Server{
		Addr:         cfg.AddressHTTP,
		Handler:      router,
		ReadTimeout:  cfg.TimeoutHTTP,
		WriteTimeout: cfg.TimeoutHTTP,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &App{
		server:  srv,
		bot:     bot,
		sweeper: sweeperService,
		db:      db,
		conn:    conn,
		ch:      ch,
		logger:  logger,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	go a.sweeper.RunExpirySweep(ctx)
	go a.sweeper.RunReminderSweep(ctx)
	go a.sweeper.RunDailyReport(ctx)

	go func() {
		a.logger.Info("bot polling starting")
		a.bot.StartPolling(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server starting on", slog.String("address", a.server.Addr))
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		timeoutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.logger.Info("shutting down gracefully")
		err := a.server.Shutdown(timeoutCtx)
		if chErr := a.ch.Close(); chErr != nil {
			a.logger.Error("failed to close channel", slog.Any("err", chErr))
		}
		if connErr := a.conn.Close(); connErr != nil {
			a.logger.Error("failed to close connection", slog.Any("err", connErr))
		}
		a.db.DB.Close()
		return err
	}
}
