// Package engine предоставляет маршруты для основного приложения.
package engine

import (
	"log/slog"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dentalclub/subscription-engine/internal/http-server/handlers/health"
	"github.com/dentalclub/subscription-engine/internal/http-server/handlers/paymentwebhook"
	"github.com/dentalclub/subscription-engine/internal/services/reconciler"
	"github.com/dentalclub/subscription-engine/internal/storage/repository"
)

// RegisterRoutes регистрирует все маршруты приложения.
func RegisterRoutes(r chi.Router, logger *slog.Logger, db *repository.Storage,
	reconcilerService *reconciler.Service, webhookSecret string) {
	r.Use(
		middleware.RequestID,
		middleware.Logger,
		middleware.Recoverer,
		middleware.URLFormat,
	)

	r.Route("/api/v1", func(r chi.Router) {
		// Webhook endpoint (аутентификация подписью)
		r.Post("/payments/webhook", paymentwebhook.New(logger, reconcilerService, webhookSecret).ServeHTTP)
	})

	r.Get("/health", health.New(logger, db).ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())
}
