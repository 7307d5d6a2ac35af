package session

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/pulsepay/pulsepay/internal/ledger"
)

// Handler exposes stream session endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a session handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type startRequest struct {
	WalletID     string `json:"wallet_id"`
	PayerAddress string `json:"payer_address"`
	ServiceID    string `json:"service_id"`
}

type sessionResponse struct {
	ID            string        `json:"id"`
	PayerWalletID string        `json:"payer_wallet_id"`
	PayeeWalletID string        `json:"payee_wallet_id"`
	ServiceID     string        `json:"service_id"`
	StoreID       string        `json:"store_id"`
	RatePerSecond int64         `json:"rate_per_second"`
	Reason        ledger.Reason `json:"reason"`
	Status        Status        `json:"status"`
	StartedAt     time.Time     `json:"started_at"`
	LastBilledAt  time.Time     `json:"last_billed_at"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
	TotalAmount   int64         `json:"total_amount_transferred"`
	TotalSeconds  int64         `json:"total_duration_seconds"`
	FlowRef       string        `json:"flow_ref,omitempty"`
	EndReason     EndReason     `json:"end_reason,omitempty"`
	RailDivergent bool          `json:"rail_divergent,omitempty"`
}

func toResponse(s Session) sessionResponse {
	return sessionResponse{
		ID:            s.ID,
		PayerWalletID: s.PayerWalletID,
		PayeeWalletID: s.PayeeWalletID,
		ServiceID:     s.ServiceID,
		StoreID:       s.StoreID,
		RatePerSecond: s.RatePerSecond,
		Reason:        s.Reason,
		Status:        s.Status,
		StartedAt:     s.StartedAt,
		LastBilledAt:  s.LastBilledAt,
		EndedAt:       s.EndedAt,
		TotalAmount:   s.TotalAmount,
		TotalSeconds:  s.TotalSeconds,
		FlowRef:       s.FlowRef,
		EndReason:     s.EndReason,
		RailDivergent: s.RailDivergent,
	}
}

// Start opens a session for the payer against a service.
func (h *Handler) Start(c *fiber.Ctx) error {
	var req startRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.ServiceID == "" {
		return fiber.NewError(http.StatusBadRequest, "service_id is required")
	}
	sess, err := h.service.Start(c.UserContext(), StartInput{
		PayerWalletID: req.WalletID,
		PayerAddress:  req.PayerAddress,
		ServiceID:     req.ServiceID,
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(toResponse(sess))
}

// Get returns a session.
func (h *Handler) Get(c *fiber.Ctx) error {
	sess, err := h.service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(sess))
}

// Active returns the wallet's active session.
func (h *Handler) Active(c *fiber.Ctx) error {
	sess, err := h.service.ActiveForWallet(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(sess))
}

// History lists the wallet's sessions, newest first.
func (h *Handler) History(c *fiber.Ctx) error {
	page := ledger.Page{Limit: c.QueryInt("limit", defaultHistoryLimit), Offset: c.QueryInt("skip", 0)}
	sessions, total, err := h.service.History(c.UserContext(), c.Params("walletId"), page)
	if err != nil {
		return mapError(err)
	}
	data := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		data = append(data, toResponse(s))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"count": len(data), "total": total, "data": data})
}

// Bill runs one settlement tick.
func (h *Handler) Bill(c *fiber.Ctx) error {
	res, err := h.service.Bill(c.UserContext(), c.Params("id"))
	body := fiber.Map{
		"session_id":               res.SessionID,
		"billed_amount":            res.Amount,
		"billed_seconds":           res.Seconds,
		"total_amount_transferred": res.TotalAmount,
		"total_duration_seconds":   res.TotalSeconds,
		"status":                   res.Status,
		"ended":                    res.Ended,
	}
	if errors.Is(err, ErrInsufficientBalance) {
		body["error"] = err.Error()
		return c.Status(http.StatusPaymentRequired).JSON(body)
	}
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(body)
}

// End terminates a session.
func (h *Handler) End(c *fiber.Ctx) error {
	res, err := h.service.End(c.UserContext(), c.Params("id"))
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"session":           toResponse(res.Session),
		"total_amount":      res.Session.TotalAmount,
		"total_seconds":     res.Session.TotalSeconds,
		"ended_at":          res.Session.EndedAt,
		"final_amount":      res.FinalAmount,
		"final_seconds":     res.FinalSeconds,
		"shortfall_dropped": res.ShortfallDropped,
	})
}

// Pause stops billing on an ACTIVE session.
func (h *Handler) Pause(c *fiber.Ctx) error {
	sess, err := h.service.Pause(c.UserContext(), c.Params("id"))
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(sess))
}

// Resume restarts billing on a PAUSED session.
func (h *Handler) Resume(c *fiber.Ctx) error {
	sess, err := h.service.Resume(c.UserContext(), c.Params("id"))
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(sess))
}

// Reconcile checks the session against the payment rail.
func (h *Handler) Reconcile(c *fiber.Ctx) error {
	res, err := h.service.Reconcile(c.UserContext(), c.Params("id"))
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"session":   toResponse(res.Session),
		"status":    res.Session.Status,
		"rail_rate": res.RailRate,
		"action":    res.Action,
	})
}

// Entries lists the ledger entries the session produced.
func (h *Handler) Entries(c *fiber.Ctx) error {
	entries, err := h.service.Entries(c.UserContext(), c.Params("id"))
	if err != nil {
		return mapError(err)
	}
	data := make([]fiber.Map, 0, len(entries))
	for _, e := range entries {
		data = append(data, fiber.Map{
			"id":            e.ID,
			"wallet_id":     e.WalletID,
			"direction":     e.Direction,
			"amount":        e.Amount,
			"reason":        e.Reason,
			"balance_after": e.BalanceAfter,
			"timestamp":     e.CreatedAt,
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"count": len(data), "data": data})
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrValidation):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrWalletSuspended):
		return fiber.NewError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrSessionConflict), errors.Is(err, ledger.ErrStaleCursor):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrServiceInactive):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrInsufficientBalance):
		return fiber.NewError(http.StatusPaymentRequired, err.Error())
	case errors.Is(err, ErrAlreadyEnded), errors.Is(err, ErrNotActive), errors.Is(err, ErrInvalidTransition):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotRailBacked):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrRail):
		return fiber.NewError(http.StatusBadGateway, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
