// Package sender содержит обработчик напоминаний из очереди уведомлений.
package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dentalclub/subscription-engine/internal/lib/sl"
	"github.com/dentalclub/subscription-engine/internal/models"
)

// Notifier доставляет сообщения пользователям.
type Notifier interface {
	NotifyUser(ctx context.Context, telegramID int64, text string) error
}

// SenderService превращает сообщения очереди в доставку пользователю.
// Возврат ошибки ведёт к nack с повторной постановкой в очередь.
type SenderService struct {
	notifier Notifier
	log      *slog.Logger
}

// NewSenderService создает новый экземпляр SenderService.
func NewSenderService(notifier Notifier, log *slog.Logger) *SenderService {
	return &SenderService{
		notifier: notifier,
		log:      log,
	}
}

// SendReminder обрабатывает сообщение о скором окончании подписки.
func (s *SenderService) SendReminder(ctx context.Context) func([]byte) error {
	return func(body []byte) error {
		var message models.ReminderInfo
		if err := json.Unmarshal(body, &message); err != nil {
			s.log.Error("failed to unmarshal reminder message", sl.Err(err))
			return fmt.Errorf("error unmarshalling message: %w", err)
		}

		text := fmt.Sprintf(
			"⏳ <b>Подписка скоро закончится</b>\n\n"+
				"💳 Тариф: %s\n"+
				"📅 Действует до: %s\n\n"+
				"Продлите подписку заранее, чтобы не потерять доступ к контенту.",
			message.PlanName, message.EndDate.Format("02.01.2006"))

		if err := s.notifier.NotifyUser(ctx, message.TelegramID, text); err != nil {
			s.log.Error("failed to deliver reminder",
				slog.Int64("telegram_id", message.TelegramID), sl.Err(err))
			return err
		}

		s.log.Info("reminder delivered", slog.Int64("telegram_id", message.TelegramID))
		return nil
	}
}
