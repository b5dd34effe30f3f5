package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dentalclub/subscription-engine/internal/models"
)

const subscriptionColumns = `id, user_id, plan, plan_name, price, currency, status,
	payment_status, payment_id, start_date, end_date, created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (*models.Subscription, error) {
	var sub models.Subscription
	var paymentID sql.NullString
	var startDate, endDate sql.NullTime
	if err := row.Scan(&sub.ID, &sub.UserID, &sub.Plan, &sub.PlanName, &sub.Price,
		&sub.Currency, &sub.Status, &sub.PaymentStatus, &paymentID,
		&startDate, &endDate, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	if paymentID.Valid {
		sub.PaymentID = &paymentID.String
	}
	if startDate.Valid {
		sub.StartDate = &startDate.Time
	}
	if endDate.Valid {
		sub.EndDate = &endDate.Time
	}
	return &sub, nil
}

// CreateSubscription вставляет новую подписку в статусе pending и возвращает её ID.
func (s *Storage) CreateSubscription(ctx context.Context, sub models.Subscription) (int64, error) {
	const op = "storage.CreateSubscription"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO subscriptions (user_id, plan, plan_name, price, currency,
			      status, payment_status)
			  VALUES ($1, $2, $3, $4, $5, $6, $7)
			  RETURNING id`
	var newID int64
	err := s.DB.QueryRowContext(ctx, query,
		sub.UserID, sub.Plan, sub.PlanName, sub.Price, sub.Currency,
		sub.Status, sub.PaymentStatus).Scan(&newID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return newID, nil
}

// DeleteSubscription удаляет подписку по ID и возвращает количество удалённых строк.
// Используется только для pending-строк, оставшихся после сбоя шлюза.
func (s *Storage) DeleteSubscription(ctx context.Context, id int64) (int, error) {
	const op = "storage.DeleteSubscription"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `DELETE FROM subscriptions WHERE id = $1`
	result, err := s.DB.ExecContext(ctx, query, id)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(rowsAffected), nil
}

// FindSubscription возвращает подписку по её ID.
// Возвращает ErrSubscriptionNotFound, если записи нет.
func (s *Storage) FindSubscription(ctx context.Context, id int64) (*models.Subscription, error) {
	const op = "storage.FindSubscription"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	sub, err := scanSubscription(s.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrSubscriptionNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

// FindSubscriptionByPaymentID возвращает подписку по внешнему идентификатору платежа.
func (s *Storage) FindSubscriptionByPaymentID(ctx context.Context, paymentID string) (*models.Subscription, error) {
	const op = "storage.FindSubscriptionByPaymentID"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE payment_id = $1`
	sub, err := scanSubscription(s.DB.QueryRowContext(ctx, query, paymentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrSubscriptionNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

// FindActiveSubscription возвращает действующую на момент asOf подписку пользователя.
func (s *Storage) FindActiveSubscription(ctx context.Context, userID int64, asOf time.Time) (*models.Subscription, error) {
	const op = "storage.FindActiveSubscription"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + subscriptionColumns + `
			  FROM subscriptions
			  WHERE user_id = $1 AND status = 'active' AND end_date > $2
			  ORDER BY created_at DESC
			  LIMIT 1`
	sub, err := scanSubscription(s.DB.QueryRowContext(ctx, query, userID, asOf))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrSubscriptionNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

// FindLatestPendingSubscription возвращает последнюю неоплаченную подписку пользователя
// (pending или awaiting_payment). Используется командой "проверить оплату".
func (s *Storage) FindLatestPendingSubscription(ctx context.Context, userID int64) (*models.Subscription, error) {
	const op = "storage.FindLatestPendingSubscription"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + subscriptionColumns + `
			  FROM subscriptions
			  WHERE user_id = $1 AND status IN ('pending', 'awaiting_payment')
			  ORDER BY created_at DESC
			  LIMIT 1`
	sub, err := scanSubscription(s.DB.QueryRowContext(ctx, query, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrSubscriptionNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

// AttachPaymentID привязывает внешний платёж к pending-подписке и переводит её
// в awaiting_payment. Ноль затронутых строк означает, что подписка уже ушла
// из pending.
func (s *Storage) AttachPaymentID(ctx context.Context, id int64, paymentID string) (int, error) {
	const op = "storage.AttachPaymentID"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE subscriptions
			  SET payment_id = $2, status = 'awaiting_payment', updated_at = now()
			  WHERE id = $1 AND status = 'pending'`
	result, err := s.DB.ExecContext(ctx, query, id, paymentID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(rowsAffected), nil
}

// ActivateSubscription переводит подписку awaiting_payment -> active и ставит
// даты начала и окончания. Условие на статус гарантирует, что активация
// произойдёт ровно один раз: проигравший гонку вызов получит ноль строк.
func (s *Storage) ActivateSubscription(ctx context.Context, id int64, start, end time.Time) (int, error) {
	const op = "storage.ActivateSubscription"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE subscriptions
			  SET status = 'active', payment_status = 'completed',
			      start_date = $2, end_date = $3, updated_at = now()
			  WHERE id = $1 AND status = 'awaiting_payment'`
	result, err := s.DB.ExecContext(ctx, query, id, start, end)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(rowsAffected), nil
}

// MarkPaymentFailed переводит подписку awaiting_payment -> canceled после отказа шлюза.
func (s *Storage) MarkPaymentFailed(ctx context.Context, id int64) (int, error) {
	const op = "storage.MarkPaymentFailed"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE subscriptions
			  SET status = 'canceled', payment_status = 'failed', updated_at = now()
			  WHERE id = $1 AND status = 'awaiting_payment'`
	result, err := s.DB.ExecContext(ctx, query, id)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(rowsAffected), nil
}

// CancelSubscription переводит нетерминальную подписку в canceled.
// Истекшую подписку отменить нельзя.
func (s *Storage) CancelSubscription(ctx context.Context, id int64) (int, error) {
	const op = "storage.CancelSubscription"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE subscriptions
			  SET status = 'canceled', updated_at = now()
			  WHERE id = $1 AND status NOT IN ('expired', 'canceled')`
	result, err := s.DB.ExecContext(ctx, query, id)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(rowsAffected), nil
}

// ExpireSubscription переводит подписку active -> expired, если её срок
// действительно вышел. Повторный вызов по той же строке вернёт ноль строк.
func (s *Storage) ExpireSubscription(ctx context.Context, id int64, asOf time.Time) (int, error) {
	const op = "storage.ExpireSubscription"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE subscriptions
			  SET status = 'expired', updated_at = now()
			  WHERE id = $1 AND status = 'active' AND end_date <= $2`
	result, err := s.DB.ExecContext(ctx, query, id, asOf)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(rowsAffected), nil
}

// ListExpired возвращает активные подписки, срок которых вышел к моменту asOf,
// вместе с telegram-идентификаторами владельцев.
func (s *Storage) ListExpired(ctx context.Context, asOf time.Time) ([]*models.ExpiryInfo, error) {
	const op = "storage.ListExpired"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT s.id, u.telegram_id, u.full_name, s.end_date
			  FROM subscriptions s
			  JOIN users u ON u.id = s.user_id
			  WHERE s.status = 'active' AND s.end_date <= $1
			  ORDER BY s.id`
	rows, err := s.DB.QueryContext(ctx, query, asOf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []*models.ExpiryInfo
	for rows.Next() {
		var info models.ExpiryInfo
		if err := rows.Scan(&info.SubscriptionID, &info.TelegramID,
			&info.FullName, &info.EndDate); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, &info)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// ListActiveExpiring возвращает активные подписки с датой окончания
// в полуинтервале [from, to).
func (s *Storage) ListActiveExpiring(ctx context.Context, from, to time.Time) ([]*models.ReminderInfo, error) {
	const op = "storage.ListActiveExpiring"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT s.id, u.telegram_id, u.full_name, s.plan_name, s.end_date
			  FROM subscriptions s
			  JOIN users u ON u.id = s.user_id
			  WHERE s.status = 'active' AND s.end_date >= $1 AND s.end_date < $2
			  ORDER BY s.end_date`
	rows, err := s.DB.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []*models.ReminderInfo
	for rows.Next() {
		var info models.ReminderInfo
		if err := rows.Scan(&info.SubscriptionID, &info.TelegramID,
			&info.FullName, &info.PlanName, &info.EndDate); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, &info)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// CountActive подсчитывает действующие на момент asOf подписки.
func (s *Storage) CountActive(ctx context.Context, asOf time.Time) (int, error) {
	const op = "storage.CountActive"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT COUNT(*) FROM subscriptions
			  WHERE status = 'active' AND end_date > $1`
	var count int
	if err := s.DB.QueryRowContext(ctx, query, asOf).Scan(&count); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return count, nil
}

// CountActiveExpiring подсчитывает действующие подписки,
// срок которых выйдет не позднее until.
func (s *Storage) CountActiveExpiring(ctx context.Context, asOf, until time.Time) (int, error) {
	const op = "storage.CountActiveExpiring"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT COUNT(*) FROM subscriptions
			  WHERE status = 'active' AND end_date > $1 AND end_date <= $2`
	var count int
	if err := s.DB.QueryRowContext(ctx, query, asOf, until).Scan(&count); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return count, nil
}
