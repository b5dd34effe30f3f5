// Package notifier доставляет уведомления пользователям и оператору через Telegram.
// Доставка best-effort: ошибки оборачиваются в DeliveryError и не должны
// откатывать переходы статусов у вызывающего кода.
package notifier

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v3"

	"github.com/dentalclub/subscription-engine/internal/lib/sl"
)

// DeliveryError сигнализирует о неудачной доставке сообщения получателю.
type DeliveryError struct {
	Recipient int64
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %d failed: %v", e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Sender отправляет сообщение получателю Telegram.
// Реализуется *tele.Bot.
type Sender interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

// TelegramNotifier отправляет сообщения через Bot API с ограничением частоты.
type TelegramNotifier struct {
	sender         Sender
	operatorChatID int64
	limiter        *rate.Limiter
	log            *slog.Logger
}

// New создаёт нотификатор. Лимит 25 сообщений в секунду держит отправку
// ниже порога Bot API.
func New(sender Sender, operatorChatID int64, log *slog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		sender:         sender,
		operatorChatID: operatorChatID,
		limiter:        rate.NewLimiter(rate.Limit(25), 5),
		log:            log,
	}
}

// NotifyUser отправляет сообщение пользователю по его telegram_id.
func (n *TelegramNotifier) NotifyUser(ctx context.Context, telegramID int64, text string) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return &DeliveryError{Recipient: telegramID, Err: err}
	}
	if _, err := n.sender.Send(tele.ChatID(telegramID), text, tele.ModeHTML); err != nil {
		n.log.Warn("failed to send message", slog.Int64("telegram_id", telegramID), sl.Err(err))
		return &DeliveryError{Recipient: telegramID, Err: err}
	}
	return nil
}

// NotifyOperator отправляет сообщение в канал оператора.
func (n *TelegramNotifier) NotifyOperator(ctx context.Context, text string) error {
	return n.NotifyUser(ctx, n.operatorChatID, text)
}
