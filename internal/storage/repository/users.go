package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dentalclub/subscription-engine/internal/models"
)

// CreateUser сохраняет нового пользователя и возвращает его с заполненным ID.
func (s *Storage) CreateUser(ctx context.Context, user models.User) (*models.User, error) {
	const op = "storage.CreateUser"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO users (telegram_id, username, full_name)
			  VALUES ($1, $2, $3)
			  RETURNING id, created_at, updated_at`
	if err := s.DB.QueryRowContext(ctx, query,
		user.TelegramID, user.Username, user.FullName).
		Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &user, nil
}

// FindUserByTelegramID возвращает пользователя по его telegram_id.
// Возвращает ErrUserNotFound, если пользователь ещё не зарегистрирован.
func (s *Storage) FindUserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	const op = "storage.FindUserByTelegramID"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, telegram_id, username, full_name, created_at, updated_at
			  FROM users
			  WHERE telegram_id = $1`
	u := &models.User{}
	row := s.DB.QueryRowContext(ctx, query, telegramID)

	var username sql.NullString
	if err := row.Scan(&u.ID, &u.TelegramID, &username, &u.FullName,
		&u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if username.Valid {
		u.Username = username.String
	}
	return u, nil
}

// FindUser возвращает пользователя по внутреннему ID.
func (s *Storage) FindUser(ctx context.Context, id int64) (*models.User, error) {
	const op = "storage.FindUser"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, telegram_id, username, full_name, created_at, updated_at
			  FROM users
			  WHERE id = $1`
	u := &models.User{}
	row := s.DB.QueryRowContext(ctx, query, id)

	var username sql.NullString
	if err := row.Scan(&u.ID, &u.TelegramID, &username, &u.FullName,
		&u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if username.Valid {
		u.Username = username.String
	}
	return u, nil
}
