package paymentwebhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/dentalclub/subscription-engine/internal/services/reconciler"
)

type MockConfirmer struct {
	mock.Mock
}

func (m *MockConfirmer) ConfirmByPaymentID(ctx context.Context, paymentID string) (reconciler.Result, error) {
	args := m.Called(ctx, paymentID)
	return args.Get(0).(reconciler.Result), args.Error(1)
}

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

const testSecret = "test-secret"

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestHandler_ServeHTTP(t *testing.T) {
	succeededBody := []byte(`{"event":"payment.succeeded","object":{"id":"pay-1","status":"succeeded"}}`)
	canceledBody := []byte(`{"event":"payment.canceled","object":{"id":"pay-2","status":"canceled"}}`)
	refundBody := []byte(`{"event":"payment.refunded","object":{"id":"pay-3","status":"refunded"}}`)

	tests := []struct {
		name           string
		body           []byte
		signature      string
		setupMocks     func(*MockConfirmer)
		expectedStatus int
		bodyContains   string
	}{
		{
			name:      "payment succeeded - confirmed",
			body:      succeededBody,
			signature: sign(succeededBody),
			setupMocks: func(c *MockConfirmer) {
				c.On("ConfirmByPaymentID", mock.Anything, "pay-1").
					Return(reconciler.ResultActivated, nil).Once()
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:      "payment canceled - confirmed",
			body:      canceledBody,
			signature: sign(canceledBody),
			setupMocks: func(c *MockConfirmer) {
				c.On("ConfirmByPaymentID", mock.Anything, "pay-2").
					Return(reconciler.ResultFailed, nil).Once()
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "unknown event ignored",
			body:           refundBody,
			signature:      sign(refundBody),
			setupMocks:     func(_ *MockConfirmer) {},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "missing signature",
			body:           succeededBody,
			signature:      "",
			setupMocks:     func(_ *MockConfirmer) {},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "wrong signature",
			body:           succeededBody,
			signature:      sign([]byte("tampered")),
			setupMocks:     func(_ *MockConfirmer) {},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "malformed payload",
			body:           []byte("not json"),
			signature:      sign([]byte("not json")),
			setupMocks:     func(_ *MockConfirmer) {},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "missing event field",
			body:           []byte(`{"object":{"id":"pay-1","status":"succeeded"}}`),
			signature:      sign([]byte(`{"object":{"id":"pay-1","status":"succeeded"}}`)),
			setupMocks:     func(_ *MockConfirmer) {},
			expectedStatus: http.StatusBadRequest,
			bodyContains:   "field Event is a required field",
		},
		{
			name:           "missing payment id",
			body:           []byte(`{"event":"payment.succeeded","object":{"status":"succeeded"}}`),
			signature:      sign([]byte(`{"event":"payment.succeeded","object":{"status":"succeeded"}}`)),
			setupMocks:     func(_ *MockConfirmer) {},
			expectedStatus: http.StatusBadRequest,
			bodyContains:   "field ID is a required field",
		},
		{
			name:           "oversized body rejected",
			body:           bytes.Repeat([]byte("a"), 64<<10+1),
			signature:      "whatever",
			setupMocks:     func(_ *MockConfirmer) {},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:      "confirmer error",
			body:      succeededBody,
			signature: sign(succeededBody),
			setupMocks: func(c *MockConfirmer) {
				c.On("ConfirmByPaymentID", mock.Anything, "pay-1").
					Return(reconciler.Result(""), errors.New("db error")).Once()
			},
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			confirmer := new(MockConfirmer)
			handler := New(newNoopLogger(), confirmer, testSecret)

			tt.setupMocks(confirmer)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", bytes.NewReader(tt.body))
			if tt.signature != "" {
				req.Header.Set("X-Api-Signature", tt.signature)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.expectedStatus, rec.Code)
			if tt.bodyContains != "" {
				assert.Contains(t, rec.Body.String(), tt.bodyContains)
			}
			confirmer.AssertExpectations(t)
		})
	}
}
