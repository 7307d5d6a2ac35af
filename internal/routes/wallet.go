package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/pulsepay/pulsepay/internal/wallet"
)

// RegisterWalletRoutes wires wallet-related endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler) {
	r.Post("/wallets", h.Create)
	r.Get("/wallets/:walletId", h.Get)
	r.Get("/wallets/:walletId/balance", h.Balance)
	r.Get("/wallets/:walletId/transactions", h.Transactions)
	r.Get("/wallets/:walletId/history", h.History)
	r.Post("/wallets/:walletId/suspend", h.Suspend)
	r.Post("/wallets/:walletId/activate", h.Activate)
}
