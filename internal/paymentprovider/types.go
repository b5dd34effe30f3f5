package paymentprovider

import "time"

// Статусы платежа в ЮKassa.
const (
	StatusPending           = "pending"
	StatusWaitingForCapture = "waiting_for_capture"
	StatusSucceeded         = "succeeded"
	StatusCanceled          = "canceled"
)

// Amount представляет денежную сумму.
type Amount struct {
	Value    string `json:"value"`    // сумма, например "5000.00"
	Currency string `json:"currency"` // валюта, например "RUB"
}

// Confirmation описывает способ подтверждения платежа пользователем.
type Confirmation struct {
	Type            string `json:"type"`                       // "redirect"
	ReturnURL       string `json:"return_url,omitempty"`       // куда вернуть после оплаты
	ConfirmationURL string `json:"confirmation_url,omitempty"` // ссылка на оплату (в ответе)
}

// CreatePaymentRequest представляет запрос на создание платежа.
type CreatePaymentRequest struct {
	Amount       Amount            `json:"amount"`
	Confirmation Confirmation      `json:"confirmation"`
	Capture      bool              `json:"capture"`
	Description  string            `json:"description,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"` // subscription_id, user_id
}

// CreatePaymentResponse представляет ответ на создание платежа.
type CreatePaymentResponse struct {
	ID           string       `json:"id"`     // ID платежа в ЮKassa
	Status       string       `json:"status"` // начальный статус, обычно "pending"
	Amount       Amount       `json:"amount"`
	Confirmation Confirmation `json:"confirmation"`
	CreatedAt    time.Time    `json:"created_at"`
}

// PaymentInfo представляет текущее состояние платежа.
type PaymentInfo struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Paid     bool              `json:"paid"`
	Amount   Amount            `json:"amount"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
