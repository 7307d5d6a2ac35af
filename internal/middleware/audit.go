package middleware

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Audit emits one structured log line per request. Session and wallet ids
// from the route are attached so billing calls can be traced end to end.
func Audit(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		attrs := []any{
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Int("status", c.Response().StatusCode()),
			slog.Duration("duration", time.Since(start)),
		}
		if requestID := RequestIDFrom(c); requestID != "" {
			attrs = append(attrs, slog.String("request_id", requestID))
		}
		if id := c.Params("id"); id != "" {
			attrs = append(attrs, slog.String("session_id", id))
		}
		if id := c.Params("walletId"); id != "" {
			attrs = append(attrs, slog.String("wallet_id", id))
		}
		if key := c.Get(idempotencyKeyHeader); key != "" {
			attrs = append(attrs, slog.String("idempotency_key", key))
			if string(c.Response().Header.Peek(replayedHeader)) == "true" {
				attrs = append(attrs, slog.Bool("replayed", true))
			}
		}
		switch {
		case err != nil:
			attrs = append(attrs, slog.Any("error", err))
			logger.Error("request failed", attrs...)
		case c.Response().StatusCode() >= fiber.StatusInternalServerError:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
		return err
	}
}
