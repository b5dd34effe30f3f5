// Package sender собирает приложение доставки уведомлений из очереди.
package sender

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"
	tele "gopkg.in/telebot.v3"

	"github.com/dentalclub/subscription-engine/internal/config"
	"github.com/dentalclub/subscription-engine/internal/notifier"
	"github.com/dentalclub/subscription-engine/internal/rabbitmq"
	senderservice "github.com/dentalclub/subscription-engine/internal/services/sender"
)

type App struct {
	conn          *amqp.Connection
	ch            *amqp.Channel
	senderService *senderservice.SenderService
	logger        *slog.Logger
}

func New(_ context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	conn, err := rabbitmq.Connect(cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay)
	if err != nil {
		return nil, err
	}

	ch, err := rabbitmq.SetupChannel(conn, rabbitmq.GetNotificationQueues())
	if err != nil {
		conn.Close()
		return nil, err
	}

	// Бот без поллинга: используется только для отправки сообщений.
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Telegram.BotToken})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	tgNotifier := notifier.New(bot, cfg.Telegram.OperatorChatID, logger)
	senderService := senderservice.NewSenderService(tgNotifier, logger)

	return &App{
		conn:          conn,
		ch:            ch,
		senderService: senderService,
		logger:        logger,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	err := rabbitmq.ConsumerMessage(ctx, a.ch, "notifications.reminder", a.senderService.SendReminder(ctx), a.logger)
	if err != nil {
		a.logger.Error("failed to start reminder consumer", slog.Any("err", err))
		return err
	}

	<-ctx.Done()
	a.logger.Info("sender service shutting down gracefully")

	if err := a.ch.Close(); err != nil {
		a.logger.Error("failed to close channel", slog.Any("err", err))
	}
	if err := a.conn.Close(); err != nil {
		a.logger.Error("failed to close connection", slog.Any("err", err))
	}

	return nil
}
