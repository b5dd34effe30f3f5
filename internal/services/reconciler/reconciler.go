// Package reconciler содержит ядро движка подписок: машину состояний,
// протокол подтверждения оплаты и отмену. Активация выполняется ровно один
// раз: запись в хранилище условная, привязана к ранее прочитанному статусу,
// и проигравший гонку вызов не отправляет уведомлений.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dentalclub/subscription-engine/internal/lib/clock"
	"github.com/dentalclub/subscription-engine/internal/lib/sl"
	"github.com/dentalclub/subscription-engine/internal/metrics"
	"github.com/dentalclub/subscription-engine/internal/models"
	"github.com/dentalclub/subscription-engine/internal/paymentprovider"
	"github.com/dentalclub/subscription-engine/internal/storage/repository"
)

// Result — исход подтверждения оплаты.
type Result string

const (
	// ResultActivated — подписка активна (этим вызовом или ранее).
	ResultActivated Result = "activated"
	// ResultStillPending — оплата ещё не прошла, вызывающему стоит повторить позже.
	ResultStillPending Result = "still_pending"
	// ResultFailed — платёж отклонён, подписка отменена.
	ResultFailed Result = "failed"
	// ResultNotFound — подписка не найдена.
	ResultNotFound Result = "not_found"
)

// ErrNotCancelable возвращается при попытке отменить терминальную подписку.
var ErrNotCancelable = errors.New("subscription is not cancelable")

// SubscriptionRepository определяет методы хранилища, нужные движку.
// Методы переходов возвращают количество затронутых строк: ноль означает,
// что условная запись проиграла гонку.
type SubscriptionRepository interface {
	CreateSubscription(ctx context.Context, sub models.Subscription) (int64, error)
	DeleteSubscription(ctx context.Context, id int64) (int, error)
	FindSubscription(ctx context.Context, id int64) (*models.Subscription, error)
	FindSubscriptionByPaymentID(ctx context.Context, paymentID string) (*models.Subscription, error)
	FindUser(ctx context.Context, id int64) (*models.User, error)
	AttachPaymentID(ctx context.Context, id int64, paymentID string) (int, error)
	ActivateSubscription(ctx context.Context, id int64, start, end time.Time) (int, error)
	MarkPaymentFailed(ctx context.Context, id int64) (int, error)
	CancelSubscription(ctx context.Context, id int64) (int, error)
}

// PaymentProvider определяет операции платёжного шлюза.
type PaymentProvider interface {
	CreatePayment(ctx context.Context, req paymentprovider.CreatePaymentRequest, idempotenceKey string) (*paymentprovider.CreatePaymentResponse, error)
	GetPayment(ctx context.Context, paymentID string) (*paymentprovider.PaymentInfo, error)
}

// Notifier доставляет уведомления. Ошибки доставки не откатывают переходы.
type Notifier interface {
	NotifyUser(ctx context.Context, telegramID int64, text string) error
	NotifyOperator(ctx context.Context, text string) error
}

// Service реализует протокол жизненного цикла подписки.
type Service struct {
	repo           SubscriptionRepository
	provider       PaymentProvider
	notifier       Notifier
	clk            clock.Clock
	period         time.Duration
	gatewayTimeout time.Duration
	returnURL      string
	log            *slog.Logger
}

// New создает новый экземпляр Service.
func New(repo SubscriptionRepository, provider PaymentProvider, notifier Notifier,
	clk clock.Clock, period, gatewayTimeout time.Duration, returnURL string, log *slog.Logger) *Service {
	return &Service{
		repo:           repo,
		provider:       provider,
		notifier:       notifier,
		clk:            clk,
		period:         period,
		gatewayTimeout: gatewayTimeout,
		returnURL:      returnURL,
		log:            log,
	}
}

// StartPurchase создает подписку выбранного тарифа и регистрирует платёж
// в шлюзе. При сбое шлюза pending-строка удаляется, чтобы не оставлять
// осиротевших записей без платежа. Возвращает подписку и ссылку на оплату.
func (s *Service) StartPurchase(ctx context.Context, user *models.User, plan models.Plan) (*models.Subscription, string, error) {
	const op = "reconciler.StartPurchase"

	if !plan.Valid() {
		return nil, "", fmt.Errorf("%s: unknown plan %q", op, plan)
	}

	sub := models.Subscription{
		UserID:        user.ID,
		Plan:          plan,
		PlanName:      plan.Name(),
		Price:         models.PlanPrices[plan],
		Currency:      "RUB",
		Status:        models.StatusPending,
		PaymentStatus: models.PaymentPending,
	}

	id, err := s.repo.CreateSubscription(ctx, sub)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}
	sub.ID = id
	s.log.Info("created pending subscription",
		slog.Int64("subscription_id", id), slog.String("plan", string(plan)))

	req := paymentprovider.CreatePaymentRequest{
		Amount: paymentprovider.Amount{
			Value:    fmt.Sprintf("%d.00", sub.Price),
			Currency: sub.Currency,
		},
		Confirmation: paymentprovider.Confirmation{
			Type:      "redirect",
			ReturnURL: s.returnURL,
		},
		Capture:     true,
		Description: fmt.Sprintf("Подписка на канал, тариф %q", sub.PlanName),
		Metadata: map[string]string{
			"subscription_id": fmt.Sprintf("%d", id),
			"user_id":         fmt.Sprintf("%d", user.ID),
		},
	}

	resp, err := s.createPayment(ctx, req)
	if err != nil {
		s.log.Error("failed to create payment, discarding subscription",
			slog.Int64("subscription_id", id), sl.Err(err))
		if _, delErr := s.repo.DeleteSubscription(ctx, id); delErr != nil {
			s.log.Error("failed to delete orphaned subscription",
				slog.Int64("subscription_id", id), sl.Err(delErr))
		}
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}

	rows, err := s.repo.AttachPaymentID(ctx, id, resp.ID)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}
	if rows == 0 {
		return nil, "", fmt.Errorf("%s: subscription %d is no longer pending", op, id)
	}

	sub.Status = models.StatusAwaitingPayment
	sub.PaymentID = &resp.ID
	s.log.Info("payment registered",
		slog.Int64("subscription_id", id), slog.String("payment_id", resp.ID))

	return &sub, resp.Confirmation.ConfirmationURL, nil
}

// ConfirmPayment сверяет состояние платежа со шлюзом и активирует подписку.
// Повторные вызовы идемпотентны: уже активная подписка возвращает
// ResultActivated без побочных эффектов, терминальная — ResultFailed без
// запроса к шлюзу.
func (s *Service) ConfirmPayment(ctx context.Context, id int64) (Result, error) {
	const op = "reconciler.ConfirmPayment"

	sub, err := s.repo.FindSubscription(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			return ResultNotFound, nil
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return s.reconcile(ctx, sub)
}

// ConfirmByPaymentID — вариант подтверждения для вебхука шлюза,
// где известен только внешний идентификатор платежа.
func (s *Service) ConfirmByPaymentID(ctx context.Context, paymentID string) (Result, error) {
	const op = "reconciler.ConfirmByPaymentID"

	sub, err := s.repo.FindSubscriptionByPaymentID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			return ResultNotFound, nil
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return s.reconcile(ctx, sub)
}

func (s *Service) reconcile(ctx context.Context, sub *models.Subscription) (Result, error) {
	const op = "reconciler.reconcile"

	switch sub.Status {
	case models.StatusActive:
		return ResultActivated, nil
	case models.StatusExpired, models.StatusCanceled:
		return ResultFailed, nil
	case models.StatusPending:
		// Платёж ещё не зарегистрирован: подтверждать нечего.
		return ResultStillPending, nil
	}

	if sub.PaymentID == nil {
		return ResultStillPending, nil
	}

	info, err := s.getPayment(ctx, *sub.PaymentID)
	if err != nil {
		s.log.Warn("payment provider unavailable, deferring confirmation",
			slog.Int64("subscription_id", sub.ID), sl.Err(err))
		return ResultStillPending, nil
	}

	switch info.Status {
	case paymentprovider.StatusSucceeded:
		return s.activate(ctx, sub)
	case paymentprovider.StatusCanceled:
		rows, err := s.repo.MarkPaymentFailed(ctx, sub.ID)
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		if rows > 0 {
			s.log.Info("payment rejected, subscription canceled",
				slog.Int64("subscription_id", sub.ID))
		}
		return ResultFailed, nil
	default:
		return ResultStillPending, nil
	}
}

func (s *Service) activate(ctx context.Context, sub *models.Subscription) (Result, error) {
	const op = "reconciler.activate"

	start := s.clk.Now()
	end := start.Add(s.period)
	rows, err := s.repo.ActivateSubscription(ctx, sub.ID, start, end)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if rows == 0 {
		// Другой вызов успел первым: подписка уже активирована,
		// уведомления отправил победитель.
		return ResultActivated, nil
	}

	metrics.ActivationsTotal.Inc()
	s.log.Info("subscription activated",
		slog.Int64("subscription_id", sub.ID),
		slog.Time("end_date", end))

	s.notifyActivated(ctx, sub, end)
	return ResultActivated, nil
}

// notifyActivated отправляет по одному уведомлению пользователю и оператору.
// Ошибки доставки логируются и не откатывают состоявшуюся активацию.
func (s *Service) notifyActivated(ctx context.Context, sub *models.Subscription, end time.Time) {
	user, err := s.repo.FindUser(ctx, sub.UserID)
	if err != nil {
		s.log.Error("failed to load user for activation notice",
			slog.Int64("user_id", sub.UserID), sl.Err(err))
		metrics.NotifyFailuresTotal.Inc()
		return
	}

	userText := fmt.Sprintf(
		"🎉 <b>Подписка активирована!</b>\n\n"+
			"📅 Действует до: %s\n"+
			"💳 Тариф: %s\n"+
			"💰 Сумма: %d ₽\n\n"+
			"Теперь вам доступен эксклюзивный контент!",
		end.Format("02.01.2006"), sub.PlanName, sub.Price)
	if err := s.notifier.NotifyUser(ctx, user.TelegramID, userText); err != nil {
		s.log.Warn("failed to notify user about activation",
			slog.Int64("telegram_id", user.TelegramID), sl.Err(err))
		metrics.NotifyFailuresTotal.Inc()
	}

	operatorText := fmt.Sprintf(
		"💸 Новая подписка!\n"+
			"👤 Пользователь: %s\n"+
			"📧 @%s\n"+
			"🆔 ID: %d\n"+
			"💳 Тариф: %s\n"+
			"💰 Сумма: %d ₽",
		user.FullName, user.Username, user.ID, sub.PlanName, sub.Price)
	if err := s.notifier.NotifyOperator(ctx, operatorText); err != nil {
		s.log.Warn("failed to notify operator about activation", sl.Err(err))
		metrics.NotifyFailuresTotal.Inc()
	}
}

// Cancel отменяет подписку по требованию пользователя или оператора.
func (s *Service) Cancel(ctx context.Context, id int64) error {
	const op = "reconciler.Cancel"

	rows, err := s.repo.CancelSubscription(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotCancelable)
	}
	s.log.Info("subscription canceled", slog.Int64("subscription_id", id))
	return nil
}

// createPayment вызывает шлюз с таймаутом и одним повтором на нестабильной
// ошибке. Ключ идемпотентности общий для обеих попыток, поэтому повтор
// не создаст в шлюзе второй платёж.
func (s *Service) createPayment(ctx context.Context, req paymentprovider.CreatePaymentRequest) (*paymentprovider.CreatePaymentResponse, error) {
	key := uuid.NewString()

	callCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	resp, err := s.provider.CreatePayment(callCtx, req, key)
	cancel()
	if err == nil || !errors.Is(err, paymentprovider.ErrUnavailable) {
		return resp, err
	}

	callCtx, cancel = context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	return s.provider.CreatePayment(callCtx, req, key)
}

// getPayment запрашивает состояние платежа с таймаутом и одним повтором.
func (s *Service) getPayment(ctx context.Context, paymentID string) (*paymentprovider.PaymentInfo, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	info, err := s.provider.GetPayment(callCtx, paymentID)
	cancel()
	if err == nil || !errors.Is(err, paymentprovider.ErrUnavailable) {
		return info, err
	}

	callCtx, cancel = context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	return s.provider.GetPayment(callCtx, paymentID)
}
