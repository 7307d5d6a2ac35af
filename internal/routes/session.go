package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/pulsepay/pulsepay/internal/session"
)

// RegisterSessionRoutes wires the stream session lifecycle. Start, bill and
// end move money and require an Idempotency-Key.
func RegisterSessionRoutes(r fiber.Router, h *session.Handler, idempotency, startLimit fiber.Handler) {
	r.Post("/sessions/start", startLimit, idempotency, h.Start)
	r.Get("/sessions/:id", h.Get)
	r.Get("/sessions/:id/entries", h.Entries)
	r.Post("/sessions/:id/bill", idempotency, h.Bill)
	r.Post("/sessions/:id/end", idempotency, h.End)
	r.Post("/sessions/:id/pause", h.Pause)
	r.Post("/sessions/:id/resume", h.Resume)
	r.Post("/sessions/:id/reconcile", h.Reconcile)

	r.Get("/wallets/:walletId/sessions/active", h.Active)
	r.Get("/wallets/:walletId/sessions", h.History)
}
