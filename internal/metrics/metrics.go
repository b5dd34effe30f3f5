// Package metrics регистрирует счётчики prometheus для движка подписок.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActivationsTotal — количество успешных активаций подписок.
	ActivationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subscription_activations_total",
		Help: "Number of subscriptions activated after payment confirmation.",
	})

	// ExpirationsTotal — количество подписок, переведённых в expired свипом.
	ExpirationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subscription_expirations_total",
		Help: "Number of subscriptions expired by the expiry sweep.",
	})

	// RemindersPublishedTotal — количество напоминаний, опубликованных в очередь.
	RemindersPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subscription_reminders_published_total",
		Help: "Number of expiry reminders published to the notifications queue.",
	})

	// SweepErrorsTotal — ошибки фоновых задач по типу задачи.
	SweepErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subscription_sweep_errors_total",
		Help: "Number of errors encountered by background sweeps.",
	}, []string{"sweep"})

	// NotifyFailuresTotal — количество неудачных доставок уведомлений.
	NotifyFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subscription_notify_failures_total",
		Help: "Number of failed notification deliveries.",
	})
)
