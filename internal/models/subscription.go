// Package models содержит доменные структуры подписочного движка:
// пользователей, подписки, тарифные планы и статусы жизненного цикла.
package models

import "time"

// Status описывает состояние подписки в машине состояний.
// Переходы разрешены только вперёд: pending -> awaiting_payment -> active -> expired.
// Статусы expired и canceled терминальные.
type Status string

const (
	// StatusPending — подписка создана, платёж ещё не зарегистрирован в шлюзе.
	StatusPending Status = "pending"
	// StatusAwaitingPayment — платёж создан в шлюзе, ожидается подтверждение оплаты.
	StatusAwaitingPayment Status = "awaiting_payment"
	// StatusActive — оплата подтверждена, доступ к каналу открыт.
	StatusActive Status = "active"
	// StatusExpired — срок действия подписки истёк.
	StatusExpired Status = "expired"
	// StatusCanceled — подписка отменена пользователем, оператором или шлюзом.
	StatusCanceled Status = "canceled"
)

// PaymentStatus описывает состояние оплаты подписки.
type PaymentStatus string

const (
	// PaymentPending — оплата ещё не подтверждена.
	PaymentPending PaymentStatus = "pending"
	// PaymentCompleted — оплата подтверждена шлюзом.
	PaymentCompleted PaymentStatus = "completed"
	// PaymentFailed — оплата отклонена или отменена шлюзом.
	PaymentFailed PaymentStatus = "failed"
)

// Plan — тарифный план подписки.
type Plan string

const (
	// PlanRegular — обычный тариф.
	PlanRegular Plan = "regular"
	// PlanStudent — тариф для студентов и ординаторов.
	PlanStudent Plan = "student"
)

// PlanPrices содержит цены тарифов в рублях за период подписки.
var PlanPrices = map[Plan]int{
	PlanRegular: 8000,
	PlanStudent: 5000,
}

// Name возвращает человекочитаемое название тарифа.
func (p Plan) Name() string {
	switch p {
	case PlanStudent:
		return "Студенческий"
	default:
		return "Обычный"
	}
}

// Valid сообщает, известен ли тариф.
func (p Plan) Valid() bool {
	_, ok := PlanPrices[p]
	return ok
}

// Terminal сообщает, является ли статус терминальным.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusCanceled
}

// Subscription представляет одну попытку покупки доступа к каналу.
// StartDate и EndDate либо оба nil (подписка не активирована),
// либо оба заполнены (EndDate = StartDate + период подписки).
// PaymentID — внешний идентификатор платежа в шлюзе, уникален среди непустых.
type Subscription struct {
	ID            int64          `json:"id"`
	UserID        int64          `json:"user_id"`
	Plan          Plan           `json:"plan"`
	PlanName      string         `json:"plan_name"`
	Price         int            `json:"price"`
	Currency      string         `json:"currency"`
	Status        Status         `json:"status"`
	PaymentStatus PaymentStatus  `json:"payment_status"`
	PaymentID     *string        `json:"payment_id,omitempty"`
	StartDate     *time.Time     `json:"start_date,omitempty"`
	EndDate       *time.Time     `json:"end_date,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// IsActive сообщает, действует ли подписка на момент now.
func (s *Subscription) IsActive(now time.Time) bool {
	return s.Status == StatusActive && s.EndDate != nil && s.EndDate.After(now)
}

// DaysRemaining возвращает количество полных дней до окончания подписки.
func (s *Subscription) DaysRemaining(now time.Time) int {
	if !s.IsActive(now) {
		return 0
	}
	return int(s.EndDate.Sub(now).Hours() / 24)
}

// ExpiryInfo — строка выборки для свипа истечения: подписка вместе
// с telegram-идентификатором владельца.
type ExpiryInfo struct {
	SubscriptionID int64
	TelegramID     int64
	FullName       string
	EndDate        time.Time
}

// ReminderInfo — сообщение о скором окончании подписки,
// публикуемое в очередь уведомлений.
type ReminderInfo struct {
	SubscriptionID int64     `json:"subscription_id"`
	TelegramID     int64     `json:"telegram_id"`
	FullName       string    `json:"full_name"`
	PlanName       string    `json:"plan_name"`
	EndDate        time.Time `json:"end_date"`
}
