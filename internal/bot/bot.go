// Package bot реализует командную поверхность движка в Telegram:
// регистрацию, покупку подписки, проверку оплаты и статус.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v3"

	"github.com/dentalclub/subscription-engine/internal/config"
	"github.com/dentalclub/subscription-engine/internal/lib/sl"
	"github.com/dentalclub/subscription-engine/internal/models"
	"github.com/dentalclub/subscription-engine/internal/services/reconciler"
	"github.com/dentalclub/subscription-engine/internal/services/subscription"
)

// Bot обслуживает команды пользователей.
type Bot struct {
	bot        *tele.Bot
	subService *subscription.Service
	reconciler *reconciler.Service
	log        *slog.Logger
}

// New создает бота и регистрирует обработчики команд.
// Реконсилер подключается позже через SetReconciler: ему нужен
// нотификатор, который строится поверх клиента этого бота.
func New(cfg config.Telegram, subService *subscription.Service, log *slog.Logger) (*Bot, error) {
	pref := tele.Settings{
		Token:  cfg.BotToken,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	}

	bot, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := &Bot{
		bot:        bot,
		subService: subService,
		log:        log,
	}
	b.registerHandlers()

	return b, nil
}

// SetReconciler подключает сервис покупки и подтверждения оплаты.
// Должен быть вызван до StartPolling.
func (b *Bot) SetReconciler(rec *reconciler.Service) {
	b.reconciler = rec
}

// Telebot возвращает нижележащий клиент для отправки уведомлений.
func (b *Bot) Telebot() *tele.Bot {
	return b.bot
}

func (b *Bot) registerHandlers() {
	b.bot.Handle("/start", b.handleStart)
	b.bot.Handle("/status", b.handleStatus)
	b.bot.Handle("/buy", b.handleBuy)
	b.bot.Handle("/help", b.handleHelp)

	b.bot.Handle(tele.OnCallback, b.handleCallback)
}

// StartPolling запускает long polling до отмены контекста.
func (b *Bot) StartPolling(ctx context.Context) {
	go func() {
		<-ctx.Done()
		b.bot.Stop()
	}()
	b.bot.Start()
}

func (b *Bot) resolveUser(ctx context.Context, c tele.Context) (*models.User, error) {
	sender := c.Sender()
	fullName := strings.TrimSpace(sender.FirstName + " " + sender.LastName)
	return b.subService.GetOrCreateUser(ctx, sender.ID, sender.Username, fullName)
}

func (b *Bot) handleStart(c tele.Context) error {
	ctx := context.Background()
	if _, err := b.resolveUser(ctx, c); err != nil {
		b.log.Error("failed to resolve user", sl.Err(err))
		return c.Send("Что-то пошло не так, попробуйте позже.")
	}

	text := fmt.Sprintf(`Привет, %s! 👋

🦷 <b>Dental Club</b> — закрытый канал о стоматологии

✅ Разборы клинических случаев
✅ Записи вебинаров
✅ Ответы на вопросы подписчиков

Оформите подписку, чтобы получить доступ к контенту.`, c.Sender().FirstName)

	return c.Send(text, plansKeyboard(), tele.ModeHTML)
}

func (b *Bot) handleStatus(c tele.Context) error {
	ctx := context.Background()
	user, err := b.resolveUser(ctx, c)
	if err != nil {
		b.log.Error("failed to resolve user", sl.Err(err))
		return c.Send("Что-то пошло не так, попробуйте позже.")
	}

	sub, err := b.subService.ActiveSubscription(ctx, user)
	if err != nil {
		if errors.Is(err, subscription.ErrNoActiveSubscription) {
			// Незавершённая покупка: предлагаем проверить оплату вместо нового тарифа.
			if pending, pendErr := b.subService.LatestPendingSubscription(ctx, user); pendErr == nil &&
				pending.Status == models.StatusAwaitingPayment {
				text := fmt.Sprintf(`⏳ <b>Оплата не завершена</b>

Тариф: %s
Сумма: %d ₽

Если вы уже оплатили, нажмите «Я оплатил».`, pending.PlanName, pending.Price)
				keyboard := &tele.ReplyMarkup{}
				keyboard.Inline(
					keyboard.Row(keyboard.Data("✅ Я оплатил", fmt.Sprintf("check:%d", pending.ID))),
					keyboard.Row(keyboard.Data("❌ Отменить", fmt.Sprintf("cancel:%d", pending.ID))),
				)
				return c.Send(text, keyboard, tele.ModeHTML)
			}

			text := `❌ <b>У вас нет активной подписки</b>

Выберите тариф, чтобы оформить подписку.`
			return c.Send(text, plansKeyboard(), tele.ModeHTML)
		}
		b.log.Error("failed to load active subscription", sl.Err(err))
		return c.Send("Что-то пошло не так, попробуйте позже.")
	}

	text := fmt.Sprintf(`✅ <b>Подписка активна</b>

💳 Тариф: %s
📅 Действует до: %s
⏳ Осталось: %d дней`,
		sub.PlanName,
		sub.EndDate.Format("02.01.2006"),
		b.subService.DaysRemaining(sub),
	)
	return c.Send(text, tele.ModeHTML)
}

func (b *Bot) handleBuy(c tele.Context) error {
	ctx := context.Background()
	user, err := b.resolveUser(ctx, c)
	if err != nil {
		b.log.Error("failed to resolve user", sl.Err(err))
		return c.Send("Что-то пошло не так, попробуйте позже.")
	}

	if _, err := b.subService.ActiveSubscription(ctx, user); err == nil {
		return c.Send(`У вас уже есть активная подписка. Используйте /status для проверки.`, tele.ModeHTML)
	}

	text := fmt.Sprintf(`Выберите тариф:

💳 <b>Обычный</b> — %d ₽ / 30 дней
🎓 <b>Студенческий</b> — %d ₽ / 30 дней`,
		models.PlanPrices[models.PlanRegular],
		models.PlanPrices[models.PlanStudent])

	return c.Send(text, plansKeyboard(), tele.ModeHTML)
}

func (b *Bot) handleHelp(c tele.Context) error {
	text := `📖 <b>Команды</b>

/start — Главное меню
/buy — Оформить подписку
/status — Статус подписки
/help — Помощь

По вопросам оплаты напишите @dentalclub_support.`
	return c.Send(text, tele.ModeHTML)
}

// handleCallback разбирает нажатия inline-кнопок: выбор тарифа,
// проверку оплаты и отмену неоплаченной подписки.
func (b *Bot) handleCallback(c tele.Context) error {
	defer func() {
		if err := c.Respond(); err != nil {
			b.log.Warn("failed to respond to callback", sl.Err(err))
		}
	}()

	data := strings.TrimPrefix(c.Callback().Data, "\f")
	switch {
	case data == "buy:regular":
		return b.startPurchase(c, models.PlanRegular)
	case data == "buy:student":
		return b.startPurchase(c, models.PlanStudent)
	case strings.HasPrefix(data, "check:"):
		return b.checkPayment(c, strings.TrimPrefix(data, "check:"))
	case strings.HasPrefix(data, "cancel:"):
		return b.cancelPurchase(c, strings.TrimPrefix(data, "cancel:"))
	default:
		b.log.Warn("unknown callback data", slog.String("data", data))
	}
	return nil
}

func (b *Bot) startPurchase(c tele.Context, plan models.Plan) error {
	ctx := context.Background()
	user, err := b.resolveUser(ctx, c)
	if err != nil {
		b.log.Error("failed to resolve user", sl.Err(err))
		return c.Send("Что-то пошло не так, попробуйте позже.")
	}

	if _, err := b.subService.ActiveSubscription(ctx, user); err == nil {
		return c.Send(`У вас уже есть активная подписка. Используйте /status для проверки.`, tele.ModeHTML)
	}

	sub, payURL, err := b.reconciler.StartPurchase(ctx, user, plan)
	if err != nil {
		b.log.Error("failed to start purchase", sl.Err(err))
		return c.Send("Не удалось создать платёж. Попробуйте позже.")
	}

	text := fmt.Sprintf(`💳 <b>Оплата подписки</b>

Тариф: %s
Сумма: %d ₽

Перейдите по ссылке для оплаты, затем нажмите «Я оплатил».`,
		sub.PlanName, sub.Price)

	keyboard := &tele.ReplyMarkup{}
	keyboard.Inline(
		keyboard.Row(keyboard.URL("💳 Оплатить", payURL)),
		keyboard.Row(keyboard.Data("✅ Я оплатил", fmt.Sprintf("check:%d", sub.ID))),
		keyboard.Row(keyboard.Data("❌ Отменить", fmt.Sprintf("cancel:%d", sub.ID))),
	)
	return c.Send(text, keyboard, tele.ModeHTML)
}

func (b *Bot) checkPayment(c tele.Context, rawID string) error {
	ctx := context.Background()

	subID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		b.log.Warn("malformed subscription id in callback", slog.String("data", rawID))
		return nil
	}

	result, err := b.reconciler.ConfirmPayment(ctx, subID)
	if err != nil {
		b.log.Error("failed to confirm payment",
			slog.Int64("subscription_id", subID), sl.Err(err))
		return c.Send("Не удалось проверить оплату. Попробуйте позже.")
	}

	switch result {
	case reconciler.ResultActivated:
		b.subService.InvalidateActive(c.Sender().ID)
		return c.Send("✅ Оплата получена, подписка активна! Используйте /status для деталей.", tele.ModeHTML)
	case reconciler.ResultStillPending:
		return c.Send("⏳ Оплата ещё не поступила. Подождите минуту и нажмите «Я оплатил» ещё раз.", tele.ModeHTML)
	case reconciler.ResultFailed:
		return c.Send("❌ Платёж не прошёл. Оформите подписку заново: /buy.", tele.ModeHTML)
	case reconciler.ResultNotFound:
		return c.Send("Подписка не найдена. Начните заново: /buy.", tele.ModeHTML)
	}
	return nil
}

func (b *Bot) cancelPurchase(c tele.Context, rawID string) error {
	ctx := context.Background()

	subID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		b.log.Warn("malformed subscription id in callback", slog.String("data", rawID))
		return nil
	}

	if err := b.reconciler.Cancel(ctx, subID); err != nil {
		if errors.Is(err, reconciler.ErrNotCancelable) {
			return c.Send("Эту подписку уже нельзя отменить.", tele.ModeHTML)
		}
		b.log.Error("failed to cancel subscription",
			slog.Int64("subscription_id", subID), sl.Err(err))
		return c.Send("Что-то пошло не так, попробуйте позже.")
	}

	b.subService.InvalidateActive(c.Sender().ID)
	return c.Send("Подписка отменена. Вы всегда можете оформить новую: /buy.", tele.ModeHTML)
}

func plansKeyboard() *tele.ReplyMarkup {
	keyboard := &tele.ReplyMarkup{}
	keyboard.Inline(
		keyboard.Row(keyboard.Data("💳 Обычный", "buy:regular")),
		keyboard.Row(keyboard.Data("🎓 Студенческий", "buy:student")),
	)
	return keyboard
}
