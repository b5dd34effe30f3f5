// Package paymentwebhook содержит обработчик вебхуков платёжного шлюза.
// Вебхук — лишь сигнал к сверке: состояние платежа перепроверяется у шлюза,
// поэтому повторные и устаревшие уведомления безопасны.
package paymentwebhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/dentalclub/subscription-engine/internal/http-server/response"
	"github.com/dentalclub/subscription-engine/internal/lib/sl"
	"github.com/dentalclub/subscription-engine/internal/services/reconciler"
)

// maxWebhookBody ограничивает размер тела вебхука.
const maxWebhookBody = 64 << 10

// Confirmer запускает сверку платежа по его внешнему идентификатору.
type Confirmer interface {
	ConfirmByPaymentID(ctx context.Context, paymentID string) (reconciler.Result, error)
}

type Handler struct {
	log           *slog.Logger
	confirmer     Confirmer
	webhookSecret string
}

func New(log *slog.Logger, confirmer Confirmer, secret string) *Handler {
	return &Handler{
		log:           log,
		confirmer:     confirmer,
		webhookSecret: secret,
	}
}

type Payload struct {
	Event  string `json:"event" validate:"required"`
	Object struct {
		ID     string `json:"id" validate:"required"`
		Status string `json:"status"`
		Amount struct {
			Value    string `json:"value"`
			Currency string `json:"currency"`
		} `json:"amount"`
		Metadata map[string]string `json:"metadata"`
	} `json:"object"`
}

// Проверка подписи webhook (X-Api-Signature).
func (h *Handler) verifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(h.webhookSecret))
	mac.Write(body)
	expectedSig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expectedSig), []byte(signature))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.paymentwebhook"
	log := h.log.With(slog.String("op", op))

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Error("failed to read webhook body", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	signature := r.Header.Get("X-Api-Signature")
	if signature == "" || !h.verifySignature(body, signature) {
		log.Error("invalid or missing webhook signature")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Error("failed to unmarshal webhook payload", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := validator.New().Struct(payload); err != nil {
		validateErr := err.(validator.ValidationErrors)
		log.Error("invalid webhook payload", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.ValidationError(validateErr))
		return
	}

	const (
		PaymentSucceeded = "payment.succeeded"
		PaymentCanceled  = "payment.canceled"
	)

	switch strings.ToLower(payload.Event) {
	case PaymentSucceeded, PaymentCanceled:
		result, err := h.confirmer.ConfirmByPaymentID(r.Context(), payload.Object.ID)
		if err != nil {
			log.Error("failed to process webhook event", sl.Err(err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		log.Info("webhook processed",
			slog.String("event", payload.Event),
			slog.String("payment_id", payload.Object.ID),
			slog.String("result", string(result)))
	default:
		log.Info("ignored webhook event", slog.String("event", payload.Event))
	}

	render.JSON(w, r, response.OK())
}
