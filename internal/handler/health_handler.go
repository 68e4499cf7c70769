package handler

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/redis/go-redis/v9"
)

const readinessTimeout = 2 * time.Second

// Broker reports the message broker connection state. *queue.RabbitMQ implements it.
type Broker interface {
	IsConnected() bool
}

func RegisterHealthRoutes(app fiber.Router, sqlDB *sql.DB, rdb *redis.Client, broker Broker) {
	app.Get("/livez", LivezHandler())
	app.Get("/readyz", ReadyzHandler(sqlDB, rdb, broker))
}

// RegisterMetricsRoute exposes a Prometheus handler at /metrics.
func RegisterMetricsRoute(app fiber.Router, metrics http.Handler) {
	app.Get("/metrics", adaptor.HTTPHandler(metrics))
}

func LivezHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "ok",
		})
	}
}

// ReadyzHandler checks every backing store. A nil broker is not checked.
func ReadyzHandler(sqlDB *sql.DB, rdb *redis.Client, broker Broker) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), readinessTimeout)
		defer cancel()

		checks := fiber.Map{
			"postgres": checkStatus(sqlDB.PingContext(ctx)),
			"redis":    checkStatus(rdb.Ping(ctx).Err()),
		}
		if broker != nil {
			checks["rabbitmq"] = "ok"
			if !broker.IsConnected() {
				checks["rabbitmq"] = "down"
			}
		}

		status := "ready"
		statusCode := fiber.StatusOK
		for _, v := range checks {
			if v != "ok" {
				status = "not_ready"
				statusCode = fiber.StatusServiceUnavailable
				break
			}
		}

		return c.Status(statusCode).JSON(fiber.Map{
			"status": status,
			"checks": checks,
		})
	}
}

func checkStatus(err error) string {
	if err != nil {
		return "down"
	}
	return "ok"
}
