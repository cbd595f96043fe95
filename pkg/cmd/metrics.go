package cmd

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/dukex/dmflow/pkg/metrics"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler exposes the registry of m in the prometheus text format.
func MetricsHandler(m *metrics.Metrics) fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
}

// ServeMetrics runs a /metrics listener until ctx is done. A zero port does nothing.
func ServeMetrics(ctx context.Context, logger *slog.Logger, m *metrics.Metrics, port int) {
	if port == 0 {
		return
	}

	app := fiber.New()
	app.Get("/metrics", MetricsHandler(m))

	go func() {
		<-ctx.Done()

		err := app.Shutdown()
		if err != nil {
			logger.Error("Failed to stop metrics listener", "error", err)
		}
	}()

	go func() {
		err := app.Listen(":" + strconv.Itoa(port))
		if err != nil {
			logger.Error("Metrics listener stopped", "error", err)
		}
	}()
}
