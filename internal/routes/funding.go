package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/pulsepay/pulsepay/internal/funding"
)

// RegisterFundingRoutes wires card top-up and withdrawal endpoints.
func RegisterFundingRoutes(r fiber.Router, h *funding.Handler, idempotency fiber.Handler) {
	r.Post("/wallets/:walletId/topup", idempotency, h.TopUp)
	r.Post("/wallets/:walletId/withdraw", idempotency, h.Withdraw)
}
