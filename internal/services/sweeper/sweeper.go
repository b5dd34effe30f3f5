// Package sweeper содержит фоновые обходы движка: истечение подписок,
// напоминания об окончании и ежедневный отчёт оператору.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dentalclub/subscription-engine/internal/lib/clock"
	"github.com/dentalclub/subscription-engine/internal/lib/sl"
	"github.com/dentalclub/subscription-engine/internal/metrics"
	"github.com/dentalclub/subscription-engine/internal/models"
	"github.com/dentalclub/subscription-engine/internal/rabbitmq"
)

// SubscriptionRepository определяет запросы хранилища для обходов.
type SubscriptionRepository interface {
	ListExpired(ctx context.Context, asOf time.Time) ([]*models.ExpiryInfo, error)
	ExpireSubscription(ctx context.Context, id int64, asOf time.Time) (int, error)
	ListActiveExpiring(ctx context.Context, from, to time.Time) ([]*models.ReminderInfo, error)
	CountActive(ctx context.Context, asOf time.Time) (int, error)
	CountActiveExpiring(ctx context.Context, asOf, until time.Time) (int, error)
}

// Notifier доставляет уведомления пользователям и оператору.
type Notifier interface {
	NotifyUser(ctx context.Context, telegramID int64, text string) error
	NotifyOperator(ctx context.Context, text string) error
}

// Intervals задает периоды обходов и окна выборок.
type Intervals struct {
	Expiry            time.Duration
	Reminder          time.Duration
	Report            time.Duration
	ReminderWindowMin time.Duration
	ReminderWindowMax time.Duration
	ReportHorizon     time.Duration
}

// Service выполняет периодические обходы подписок.
type Service struct {
	repo      SubscriptionRepository
	notifier  Notifier
	publisher rabbitmq.Publisher
	clk       clock.Clock
	intervals Intervals
	log       *slog.Logger
}

// New создает новый экземпляр Service.
func New(repo SubscriptionRepository, notifier Notifier, publisher rabbitmq.Publisher,
	clk clock.Clock, intervals Intervals, log *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		notifier:  notifier,
		publisher: publisher,
		clk:       clk,
		intervals: intervals,
		log:       log,
	}
}

// RunExpirySweep запускает обход истечения: сразу и далее по тикеру.
func (s *Service) RunExpirySweep(ctx context.Context) {
	s.runExpirySweep(ctx)

	ticker := time.NewTicker(s.intervals.Expiry)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runExpirySweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// runExpirySweep переводит просроченные активные подписки в expired.
// Каждая строка переводится условной записью: ноль затронутых строк
// означает, что подписку успел перевести кто-то другой, и уведомление
// не отправляется. Ошибка на одной строке не прерывает обход.
func (s *Service) runExpirySweep(ctx context.Context) {
	now := s.clk.Now()
	s.log.Info("starting expiry sweep")

	expired, err := s.repo.ListExpired(ctx, now)
	if err != nil {
		s.log.Error("failed to list expired subscriptions", sl.Err(err))
		metrics.SweepErrorsTotal.WithLabelValues("expiry").Inc()
		return
	}
	if len(expired) == 0 {
		s.log.Info("no expired subscriptions found")
		return
	}
	s.log.Info("found expired subscriptions", slog.Int("count", len(expired)))

	for _, info := range expired {
		rows, err := s.repo.ExpireSubscription(ctx, info.SubscriptionID, now)
		if err != nil {
			s.log.Error("failed to expire subscription",
				slog.Int64("subscription_id", info.SubscriptionID), sl.Err(err))
			metrics.SweepErrorsTotal.WithLabelValues("expiry").Inc()
			continue
		}
		if rows == 0 {
			continue
		}
		metrics.ExpirationsTotal.Inc()

		text := fmt.Sprintf(
			"⌛ <b>Подписка завершена</b>\n\n"+
				"Срок действия вашей подписки истёк %s.\n"+
				"Чтобы вернуть доступ к контенту, оформите подписку заново.",
			info.EndDate.Format("02.01.2006"))
		if err := s.notifier.NotifyUser(ctx, info.TelegramID, text); err != nil {
			s.log.Warn("failed to notify user about expiry",
				slog.Int64("telegram_id", info.TelegramID), sl.Err(err))
			metrics.NotifyFailuresTotal.Inc()
		}
	}
}

// RunReminderSweep запускает обход напоминаний: сразу и далее по тикеру.
func (s *Service) RunReminderSweep(ctx context.Context) {
	s.runReminderSweep(ctx)

	ticker := time.NewTicker(s.intervals.Reminder)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runReminderSweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// runReminderSweep публикует напоминания для подписок, истекающих
// в завтрашнем окне. Доставка at-least-once: повторный обход может
// опубликовать напоминание ещё раз.
func (s *Service) runReminderSweep(ctx context.Context) {
	now := s.clk.Now()
	from := now.Add(s.intervals.ReminderWindowMin)
	to := now.Add(s.intervals.ReminderWindowMax)
	s.log.Info("starting reminder sweep")

	expiring, err := s.repo.ListActiveExpiring(ctx, from, to)
	if err != nil {
		s.log.Error("failed to list expiring subscriptions", sl.Err(err))
		metrics.SweepErrorsTotal.WithLabelValues("reminder").Inc()
		return
	}
	if len(expiring) == 0 {
		s.log.Info("no expiring subscriptions found")
		return
	}
	s.log.Info("found expiring subscriptions", slog.Int("count", len(expiring)))

	for _, info := range expiring {
		if err := s.publisher.Publish("notifications", "reminder", info); err != nil {
			s.log.Error("failed to publish reminder",
				slog.Int64("subscription_id", info.SubscriptionID), sl.Err(err))
			metrics.SweepErrorsTotal.WithLabelValues("reminder").Inc()
			continue
		}
		metrics.RemindersPublishedTotal.Inc()
	}
}

// RunDailyReport запускает ежедневный отчёт: сразу и далее по тикеру.
func (s *Service) RunDailyReport(ctx context.Context) {
	s.runDailyReport(ctx)

	ticker := time.NewTicker(s.intervals.Report)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runDailyReport(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// runDailyReport отправляет оператору сводку по активным подпискам.
func (s *Service) runDailyReport(ctx context.Context) {
	now := s.clk.Now()
	s.log.Info("starting daily report")

	active, err := s.repo.CountActive(ctx, now)
	if err != nil {
		s.log.Error("failed to count active subscriptions", sl.Err(err))
		metrics.SweepErrorsTotal.WithLabelValues("report").Inc()
		return
	}
	expiring, err := s.repo.CountActiveExpiring(ctx, now, now.Add(s.intervals.ReportHorizon))
	if err != nil {
		s.log.Error("failed to count expiring subscriptions", sl.Err(err))
		metrics.SweepErrorsTotal.WithLabelValues("report").Inc()
		return
	}

	horizonDays := int(s.intervals.ReportHorizon.Hours() / 24)
	text := fmt.Sprintf(
		"📊 <b>Ежедневный отчёт</b>\n\n"+
			"✅ Активных подписок: %d\n"+
			"⏳ Истекают в ближайшие %d дн.: %d",
		active, horizonDays, expiring)
	if err := s.notifier.NotifyOperator(ctx, text); err != nil {
		s.log.Warn("failed to send daily report", sl.Err(err))
		metrics.NotifyFailuresTotal.Inc()
	}
}
