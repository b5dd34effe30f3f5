package reconciler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/dentalclub/subscription-engine/internal/lib/clock"
	"github.com/dentalclub/subscription-engine/internal/models"
	"github.com/dentalclub/subscription-engine/internal/paymentprovider"
	"github.com/dentalclub/subscription-engine/internal/storage/repository"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) CreateSubscription(ctx context.Context, sub models.Subscription) (int64, error) {
	args := m.Called(ctx, sub)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) DeleteSubscription(ctx context.Context, id int64) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) FindSubscription(ctx context.Context, id int64) (*models.Subscription, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Subscription), args.Error(1)
}

func (m *MockRepository) FindSubscriptionByPaymentID(ctx context.Context, paymentID string) (*models.Subscription, error) {
	args := m.Called(ctx, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Subscription), args.Error(1)
}

func (m *MockRepository) FindUser(ctx context.Context, id int64) (*models.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockRepository) AttachPaymentID(ctx context.Context, id int64, paymentID string) (int, error) {
	args := m.Called(ctx, id, paymentID)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) ActivateSubscription(ctx context.Context, id int64, start, end time.Time) (int, error) {
	args := m.Called(ctx, id, start, end)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) MarkPaymentFailed(ctx context.Context, id int64) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) CancelSubscription(ctx context.Context, id int64) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) CreatePayment(ctx context.Context, req paymentprovider.CreatePaymentRequest, idempotenceKey string) (*paymentprovider.CreatePaymentResponse, error) {
	args := m.Called(ctx, req, idempotenceKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*paymentprovider.CreatePaymentResponse), args.Error(1)
}

func (m *MockProvider) GetPayment(ctx context.Context, paymentID string) (*paymentprovider.PaymentInfo, error) {
	args := m.Called(ctx, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*paymentprovider.PaymentInfo), args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyUser(ctx context.Context, telegramID int64, text string) error {
	args := m.Called(ctx, telegramID, text)
	return args.Error(0)
}

func (m *MockNotifier) NotifyOperator(ctx context.Context, text string) error {
	args := m.Called(ctx, text)
	return args.Error(0)
}

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService(repo *MockRepository, provider *MockProvider, notifier *MockNotifier) *Service {
	return New(repo, provider, notifier, clock.Fixed{T: testNow},
		720*time.Hour, time.Second, "https://t.me/dentalclub_bot", newNoopLogger())
}

func strPtr(s string) *string { return &s }

func TestService_StartPurchase(t *testing.T) {
	user := &models.User{ID: 7, TelegramID: 100500, Username: "testuser", FullName: "Test User"}

	tests := []struct {
		name          string
		plan          models.Plan
		setupMocks    func(*MockRepository, *MockProvider)
		expectedURL   string
		expectedError bool
		errorMessage  string
	}{
		{
			name: "success - payment registered",
			plan: models.PlanRegular,
			setupMocks: func(r *MockRepository, p *MockProvider) {
				r.On("CreateSubscription", mock.Anything, mock.AnythingOfType("models.Subscription")).
					Return(int64(42), nil).Once()
				p.On("CreatePayment", mock.Anything, mock.AnythingOfType("paymentprovider.CreatePaymentRequest"), mock.AnythingOfType("string")).
					Return(&paymentprovider.CreatePaymentResponse{
						ID:     "pay-1",
						Status: paymentprovider.StatusPending,
						Confirmation: paymentprovider.Confirmation{
							ConfirmationURL: "https://yookassa.ru/checkout/pay-1",
						},
					}, nil).Once()
				r.On("AttachPaymentID", mock.Anything, int64(42), "pay-1").Return(1, nil).Once()
			},
			expectedURL: "https://yookassa.ru/checkout/pay-1",
		},
		{
			name:          "unknown plan",
			plan:          models.Plan("vip"),
			setupMocks:    func(_ *MockRepository, _ *MockProvider) {},
			expectedError: true,
			errorMessage:  "unknown plan",
		},
		{
			name: "gateway failure - pending row deleted",
			plan: models.PlanStudent,
			setupMocks: func(r *MockRepository, p *MockProvider) {
				r.On("CreateSubscription", mock.Anything, mock.AnythingOfType("models.Subscription")).
					Return(int64(43), nil).Once()
				p.On("CreatePayment", mock.Anything, mock.AnythingOfType("paymentprovider.CreatePaymentRequest"), mock.AnythingOfType("string")).
					Return(nil, errors.New("invalid credentials")).Once()
				r.On("DeleteSubscription", mock.Anything, int64(43)).Return(1, nil).Once()
			},
			expectedError: true,
			errorMessage:  "invalid credentials",
		},
		{
			name: "gateway unavailable - retried once with same key",
			plan: models.PlanRegular,
			setupMocks: func(r *MockRepository, p *MockProvider) {
				r.On("CreateSubscription", mock.Anything, mock.AnythingOfType("models.Subscription")).
					Return(int64(44), nil).Once()
				var firstKey string
				p.On("CreatePayment", mock.Anything, mock.AnythingOfType("paymentprovider.CreatePaymentRequest"), mock.AnythingOfType("string")).
					Run(func(args mock.Arguments) { firstKey = args.String(2) }).
					Return(nil, paymentprovider.ErrUnavailable).Once()
				p.On("CreatePayment", mock.Anything, mock.AnythingOfType("paymentprovider.CreatePaymentRequest"), mock.MatchedBy(func(key string) bool {
					return key == firstKey
				})).Return(&paymentprovider.CreatePaymentResponse{
					ID: "pay-2",
					Confirmation: paymentprovider.Confirmation{
						ConfirmationURL: "https://yookassa.ru/checkout/pay-2",
					},
				}, nil).Once()
				r.On("AttachPaymentID", mock.Anything, int64(44), "pay-2").Return(1, nil).Once()
			},
			expectedURL: "https://yookassa.ru/checkout/pay-2",
		},
		{
			name: "create subscription error",
			plan: models.PlanRegular,
			setupMocks: func(r *MockRepository, _ *MockProvider) {
				r.On("CreateSubscription", mock.Anything, mock.AnythingOfType("models.Subscription")).
					Return(int64(0), errors.New("db error")).Once()
			},
			expectedError: true,
			errorMessage:  "db error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockRepository)
			provider := new(MockProvider)
			notifier := new(MockNotifier)
			service := newTestService(repo, provider, notifier)

			tt.setupMocks(repo, provider)

			sub, url, err := service.StartPurchase(context.Background(), user, tt.plan)

			if tt.expectedError {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMessage)
				assert.Nil(t, sub)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.expectedURL, url)
				assert.Equal(t, models.StatusAwaitingPayment, sub.Status)
				assert.NotNil(t, sub.PaymentID)
			}

			repo.AssertExpectations(t)
			provider.AssertExpectations(t)
		})
	}
}

func TestService_ConfirmPayment(t *testing.T) {
	awaiting := func() *models.Subscription {
		return &models.Subscription{
			ID:        42,
			UserID:    7,
			Plan:      models.PlanRegular,
			PlanName:  models.PlanRegular.Name(),
			Price:     8000,
			Currency:  "RUB",
			Status:    models.StatusAwaitingPayment,
			PaymentID: strPtr("pay-1"),
		}
	}
	user := &models.User{ID: 7, TelegramID: 100500, Username: "testuser", FullName: "Test User"}

	tests := []struct {
		name           string
		setupMocks     func(*MockRepository, *MockProvider, *MockNotifier)
		expectedResult Result
		expectedError  bool
	}{
		{
			name: "not found",
			setupMocks: func(r *MockRepository, _ *MockProvider, _ *MockNotifier) {
				r.On("FindSubscription", mock.Anything, int64(42)).
					Return(nil, repository.ErrSubscriptionNotFound).Once()
			},
			expectedResult: ResultNotFound,
		},
		{
			name: "already active - no side effects",
			setupMocks: func(r *MockRepository, _ *MockProvider, _ *MockNotifier) {
				sub := awaiting()
				sub.Status = models.StatusActive
				r.On("FindSubscription", mock.Anything, int64(42)).Return(sub, nil).Once()
			},
			expectedResult: ResultActivated,
		},
		{
			name: "canceled - failed without gateway call",
			setupMocks: func(r *MockRepository, _ *MockProvider, _ *MockNotifier) {
				sub := awaiting()
				sub.Status = models.StatusCanceled
				r.On("FindSubscription", mock.Anything, int64(42)).Return(sub, nil).Once()
			},
			expectedResult: ResultFailed,
		},
		{
			name: "expired - failed without gateway call",
			setupMocks: func(r *MockRepository, _ *MockProvider, _ *MockNotifier) {
				sub := awaiting()
				sub.Status = models.StatusExpired
				r.On("FindSubscription", mock.Anything, int64(42)).Return(sub, nil).Once()
			},
			expectedResult: ResultFailed,
		},
		{
			name: "pending without payment - still pending",
			setupMocks: func(r *MockRepository, _ *MockProvider, _ *MockNotifier) {
				sub := awaiting()
				sub.Status = models.StatusPending
				sub.PaymentID = nil
				r.On("FindSubscription", mock.Anything, int64(42)).Return(sub, nil).Once()
			},
			expectedResult: ResultStillPending,
		},
		{
			name: "succeeded - activated with notifications",
			setupMocks: func(r *MockRepository, p *MockProvider, n *MockNotifier) {
				r.On("FindSubscription", mock.Anything, int64(42)).Return(awaiting(), nil).Once()
				p.On("GetPayment", mock.Anything, "pay-1").
					Return(&paymentprovider.PaymentInfo{ID: "pay-1", Status: paymentprovider.StatusSucceeded, Paid: true}, nil).Once()
				r.On("ActivateSubscription", mock.Anything, int64(42), testNow, testNow.Add(720*time.Hour)).
					Return(1, nil).Once()
				r.On("FindUser", mock.Anything, int64(7)).Return(user, nil).Once()
				n.On("NotifyUser", mock.Anything, int64(100500), mock.AnythingOfType("string")).Return(nil).Once()
				n.On("NotifyOperator", mock.Anything, mock.AnythingOfType("string")).Return(nil).Once()
			},
			expectedResult: ResultActivated,
		},
		{
			name: "succeeded - lost activation race, no notifications",
			setupMocks: func(r *MockRepository, p *MockProvider, _ *MockNotifier) {
				r.On("FindSubscription", mock.Anything, int64(42)).Return(awaiting(), nil).Once()
				p.On("GetPayment", mock.Anything, "pay-1").
					Return(&paymentprovider.PaymentInfo{ID: "pay-1", Status: paymentprovider.StatusSucceeded, Paid: true}, nil).Once()
				r.On("ActivateSubscription", mock.Anything, int64(42), testNow, testNow.Add(720*time.Hour)).
					Return(0, nil).Once()
			},
			expectedResult: ResultActivated,
		},
		{
			name: "succeeded - notify failure does not roll back activation",
			setupMocks: func(r *MockRepository, p *MockProvider, n *MockNotifier) {
				r.On("FindSubscription", mock.Anything, int64(42)).Return(awaiting(), nil).Once()
				p.On("GetPayment", mock.Anything, "pay-1").
					Return(&paymentprovider.PaymentInfo{ID: "pay-1", Status: paymentprovider.StatusSucceeded, Paid: true}, nil).Once()
				r.On("ActivateSubscription", mock.Anything, int64(42), testNow, testNow.Add(720*time.Hour)).
					Return(1, nil).Once()
				r.On("FindUser", mock.Anything, int64(7)).Return(user, nil).Once()
				n.On("NotifyUser", mock.Anything, int64(100500), mock.AnythingOfType("string")).
					Return(errors.New("telegram is down")).Once()
				n.On("NotifyOperator", mock.Anything, mock.AnythingOfType("string")).Return(nil).Once()
			},
			expectedResult: ResultActivated,
		},
		{
			name: "gateway says pending - still pending",
			setupMocks: func(r *MockRepository, p *MockProvider, _ *MockNotifier) {
				r.On("FindSubscription", mock.Anything, int64(42)).Return(awaiting(), nil).Once()
				p.On("GetPayment", mock.Anything, "pay-1").
					Return(&paymentprovider.PaymentInfo{ID: "pay-1", Status: paymentprovider.StatusPending}, nil).Once()
			},
			expectedResult: ResultStillPending,
		},
		{
			name: "gateway says waiting_for_capture - still pending",
			setupMocks: func(r *MockRepository, p *MockProvider, _ *MockNotifier) {
				r.On("FindSubscription", mock.Anything, int64(42)).Return(awaiting(), nil).Once()
				p.On("GetPayment", mock.Anything, "pay-1").
					Return(&paymentprovider.PaymentInfo{ID: "pay-1", Status: paymentprovider.StatusWaitingForCapture}, nil).Once()
			},
			expectedResult: ResultStillPending,
		},
		{
			name: "gateway says canceled - subscription marked failed",
			setupMocks: func(r *MockRepository, p *MockProvider, _ *MockNotifier) {
				r.On("FindSubscription", mock.Anything, int64(42)).Return(awaiting(), nil).Once()
				p.On("GetPayment", mock.Anything, "pay-1").
					Return(&paymentprovider.PaymentInfo{ID: "pay-1", Status: paymentprovider.StatusCanceled}, nil).Once()
				r.On("MarkPaymentFailed", mock.Anything, int64(42)).Return(1, nil).Once()
			},
			expectedResult: ResultFailed,
		},
		{
			name: "gateway unavailable twice - still pending",
			setupMocks: func(r *MockRepository, p *MockProvider, _ *MockNotifier) {
				r.On("FindSubscription", mock.Anything, int64(42)).Return(awaiting(), nil).Once()
				p.On("GetPayment", mock.Anything, "pay-1").
					Return(nil, paymentprovider.ErrUnavailable).Twice()
			},
			expectedResult: ResultStillPending,
		},
		{
			name: "gateway unavailable once - retry succeeds",
			setupMocks: func(r *MockRepository, p *MockProvider, n *MockNotifier) {
				r.On("FindSubscription", mock.Anything, int64(42)).Return(awaiting(), nil).Once()
				p.On("GetPayment", mock.Anything, "pay-1").
					Return(nil, paymentprovider.ErrUnavailable).Once()
				p.On("GetPayment", mock.Anything, "pay-1").
					Return(&paymentprovider.PaymentInfo{ID: "pay-1", Status: paymentprovider.StatusSucceeded, Paid: true}, nil).Once()
				r.On("ActivateSubscription", mock.Anything, int64(42), testNow, testNow.Add(720*time.Hour)).
					Return(1, nil).Once()
				r.On("FindUser", mock.Anything, int64(7)).Return(user, nil).Once()
				n.On("NotifyUser", mock.Anything, int64(100500), mock.AnythingOfType("string")).Return(nil).Once()
				n.On("NotifyOperator", mock.Anything, mock.AnythingOfType("string")).Return(nil).Once()
			},
			expectedResult: ResultActivated,
		},
		{
			name: "activation write error",
			setupMocks: func(r *MockRepository, p *MockProvider, _ *MockNotifier) {
				r.On("FindSubscription", mock.Anything, int64(42)).Return(awaiting(), nil).Once()
				p.On("GetPayment", mock.Anything, "pay-1").
					Return(&paymentprovider.PaymentInfo{ID: "pay-1", Status: paymentprovider.StatusSucceeded, Paid: true}, nil).Once()
				r.On("ActivateSubscription", mock.Anything, int64(42), testNow, testNow.Add(720*time.Hour)).
					Return(0, errors.New("db error")).Once()
			},
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockRepository)
			provider := new(MockProvider)
			notifier := new(MockNotifier)
			service := newTestService(repo, provider, notifier)

			tt.setupMocks(repo, provider, notifier)

			result, err := service.ConfirmPayment(context.Background(), 42)

			if tt.expectedError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.expectedResult, result)
			}

			repo.AssertExpectations(t)
			provider.AssertExpectations(t)
			notifier.AssertExpectations(t)
		})
	}
}

func TestService_ConfirmByPaymentID(t *testing.T) {
	tests := []struct {
		name           string
		paymentID      string
		setupMocks     func(*MockRepository, *MockProvider)
		expectedResult Result
	}{
		{
			name:      "unknown payment id",
			paymentID: "pay-missing",
			setupMocks: func(r *MockRepository, _ *MockProvider) {
				r.On("FindSubscriptionByPaymentID", mock.Anything, "pay-missing").
					Return(nil, repository.ErrSubscriptionNotFound).Once()
			},
			expectedResult: ResultNotFound,
		},
		{
			name:      "already active subscription",
			paymentID: "pay-1",
			setupMocks: func(r *MockRepository, _ *MockProvider) {
				r.On("FindSubscriptionByPaymentID", mock.Anything, "pay-1").
					Return(&models.Subscription{ID: 42, Status: models.StatusActive}, nil).Once()
			},
			expectedResult: ResultActivated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockRepository)
			provider := new(MockProvider)
			notifier := new(MockNotifier)
			service := newTestService(repo, provider, notifier)

			tt.setupMocks(repo, provider)

			result, err := service.ConfirmByPaymentID(context.Background(), tt.paymentID)

			assert.NoError(t, err)
			assert.Equal(t, tt.expectedResult, result)

			repo.AssertExpectations(t)
			provider.AssertExpectations(t)
		})
	}
}

func TestService_Cancel(t *testing.T) {
	tests := []struct {
		name          string
		setupMocks    func(*MockRepository)
		expectedError error
	}{
		{
			name: "success",
			setupMocks: func(r *MockRepository) {
				r.On("CancelSubscription", mock.Anything, int64(42)).Return(1, nil).Once()
			},
		},
		{
			name: "terminal subscription is not cancelable",
			setupMocks: func(r *MockRepository) {
				r.On("CancelSubscription", mock.Anything, int64(42)).Return(0, nil).Once()
			},
			expectedError: ErrNotCancelable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockRepository)
			service := newTestService(repo, new(MockProvider), new(MockNotifier))

			tt.setupMocks(repo)

			err := service.Cancel(context.Background(), 42)

			if tt.expectedError != nil {
				assert.ErrorIs(t, err, tt.expectedError)
			} else {
				assert.NoError(t, err)
			}

			repo.AssertExpectations(t)
		})
	}
}
