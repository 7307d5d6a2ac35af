package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/pulsepay/pulsepay/internal/payments"
)

// RegisterPaymentRoutes wires refund and adjustment endpoints.
func RegisterPaymentRoutes(r fiber.Router, h *payments.Handler, idempotency fiber.Handler) {
	r.Post("/sessions/:id/refund", idempotency, h.Refund)
	r.Post("/wallets/:walletId/adjust", idempotency, h.Adjust)
}
