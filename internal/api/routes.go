package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthChecker is a dependency probed by /health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ConnectionChecker reports whether a long-lived connection is up.
type ConnectionChecker interface {
	Healthy() bool
}

// PendingCounter reports queued work for /health.
type PendingCounter interface {
	Pending() int
}

// Health bundles what /health reports on. Nil members are skipped.
type Health struct {
	Store      HealthChecker
	NATS       ConnectionChecker
	Scheduler  PendingCounter
	Dispatcher PendingCounter
}

func RegisterRoutes(app *fiber.App, health Health,
	marketplace *MarketplaceHandler,
	notifications *NotificationHandler,
	preferences *PreferencesHandler,
) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/health", health.handle)

	v1 := app.Group("/api/v1")
	v1.Post("/rfqs", marketplace.OpenRFQ)
	v1.Get("/rfqs/:rfqId", marketplace.GetRFQ)
	v1.Post("/rfqs/:rfqId/cancel", marketplace.CancelRFQ)
	v1.Get("/rfqs/:rfqId/quotes", marketplace.ListQuotes)
	v1.Post("/rfqs/:rfqId/quotes", marketplace.SubmitQuote)
	v1.Get("/quotes/:quoteId", marketplace.GetQuote)
	v1.Post("/quotes/:quoteId/accept", marketplace.AcceptQuote)
	v1.Post("/quotes/:quoteId/reject", marketplace.RejectQuote)

	if notifications != nil {
		v1.Post("/admin/notifications/test", notifications.SendTest)
	}
	if preferences != nil {
		v1.Get("/recipients/:recipientId/preferences", preferences.Get)
		v1.Put("/recipients/:recipientId/preferences", preferences.Put)
	}
}

func (h Health) handle(c *fiber.Ctx) error {
	checks := map[string]string{}
	status := "ok"
	code := fiber.StatusOK

	if h.NATS != nil {
		checks["nats"] = "ok"
		if !h.NATS.Healthy() {
			checks["nats"] = "disconnected"
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		}
	}

	if h.Store != nil {
		checks["store"] = "ok"
		healthCtx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := h.Store.HealthCheck(healthCtx); err != nil {
			checks["store"] = err.Error()
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		}
	}

	body := fiber.Map{
		"status": status,
		"checks": checks,
	}
	if h.Scheduler != nil {
		body["scheduled_expiries"] = h.Scheduler.Pending()
	}
	if h.Dispatcher != nil {
		body["queued_notifications"] = h.Dispatcher.Pending()
	}
	return c.Status(code).JSON(body)
}
