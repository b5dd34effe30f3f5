// Package subscription содержит сервис чтения: регистрацию пользователей
// и поиск активной подписки с кэшем поверх хранилища.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dentalclub/subscription-engine/internal/lib/clock"
	"github.com/dentalclub/subscription-engine/internal/lib/sl"
	"github.com/dentalclub/subscription-engine/internal/models"
	"github.com/dentalclub/subscription-engine/internal/storage/repository"
)

// ErrNoActiveSubscription возвращается, когда активной подписки нет.
var ErrNoActiveSubscription = errors.New("no active subscription")

const activeSubTTL = 10 * time.Minute

// Repository определяет методы хранилища для сервиса.
type Repository interface {
	CreateUser(ctx context.Context, user models.User) (*models.User, error)
	FindUserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error)
	FindActiveSubscription(ctx context.Context, userID int64, asOf time.Time) (*models.Subscription, error)
	FindLatestPendingSubscription(ctx context.Context, userID int64) (*models.Subscription, error)
}

// Cache — кэш чтения активных подписок.
type Cache interface {
	Get(key string, result any) (bool, error)
	Set(key string, value any, expiration time.Duration) error
	Invalidate(key string) error
}

// Service обслуживает чтение пользователей и подписок.
type Service struct {
	repo  Repository
	cache Cache
	clk   clock.Clock
	log   *slog.Logger
}

// New создает новый экземпляр Service.
func New(repo Repository, cache Cache, clk clock.Clock, log *slog.Logger) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
		clk:   clk,
		log:   log,
	}
}

func activeSubKey(telegramID int64) string {
	return fmt.Sprintf("active_sub:%d", telegramID)
}

// GetOrCreateUser находит пользователя по Telegram ID или регистрирует нового.
func (s *Service) GetOrCreateUser(ctx context.Context, telegramID int64, username, fullName string) (*models.User, error) {
	const op = "subscription.GetOrCreateUser"

	user, err := s.repo.FindUserByTelegramID(ctx, telegramID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	user, err = s.repo.CreateUser(ctx, models.User{
		TelegramID: telegramID,
		Username:   username,
		FullName:   fullName,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.log.Info("registered new user",
		slog.Int64("telegram_id", telegramID), slog.String("username", username))
	return user, nil
}

// ActiveSubscription возвращает активную подписку пользователя.
// Сначала смотрит в кэш, срок действия перепроверяется по часам движка:
// кэш может хранить запись, истёкшую между обходами.
func (s *Service) ActiveSubscription(ctx context.Context, user *models.User) (*models.Subscription, error) {
	const op = "subscription.ActiveSubscription"

	now := s.clk.Now()
	key := activeSubKey(user.TelegramID)

	var cached models.Subscription
	found, err := s.cache.Get(key, &cached)
	if err != nil {
		s.log.Warn("cache read failed", slog.String("key", key), sl.Err(err))
	}
	if found && cached.IsActive(now) {
		return &cached, nil
	}

	sub, err := s.repo.FindActiveSubscription(ctx, user.ID, now)
	if err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			return nil, ErrNoActiveSubscription
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.cache.Set(key, sub, activeSubTTL); err != nil {
		s.log.Warn("cache write failed", slog.String("key", key), sl.Err(err))
	}
	return sub, nil
}

// DaysRemaining возвращает число полных дней до окончания подписки
// по часам движка.
func (s *Service) DaysRemaining(sub *models.Subscription) int {
	return sub.DaysRemaining(s.clk.Now())
}

// LatestPendingSubscription возвращает последнюю неоплаченную подписку
// пользователя, если она есть.
func (s *Service) LatestPendingSubscription(ctx context.Context, user *models.User) (*models.Subscription, error) {
	const op = "subscription.LatestPendingSubscription"

	sub, err := s.repo.FindLatestPendingSubscription(ctx, user.ID)
	if err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			return nil, repository.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

// InvalidateActive сбрасывает кэш активной подписки после смены статуса.
func (s *Service) InvalidateActive(telegramID int64) {
	key := activeSubKey(telegramID)
	if err := s.cache.Invalidate(key); err != nil {
		s.log.Warn("cache invalidate failed", slog.String("key", key), sl.Err(err))
	}
}
