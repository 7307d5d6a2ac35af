package wallet

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/pulsepay/pulsepay/internal/ledger"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// walletResponse never carries the sealed credential.
type walletResponse struct {
	ID              string    `json:"id"`
	OwnerType       OwnerType `json:"owner_type"`
	OwnerID         string    `json:"owner_id"`
	Balance         int64     `json:"balance"`
	LockedBalance   int64     `json:"locked_balance"`
	Available       int64     `json:"available_balance"`
	Currency        string    `json:"currency"`
	Status          Status    `json:"status"`
	ActiveSessionID string    `json:"active_session_id,omitempty"`
	RailAddress     string    `json:"rail_address,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func toResponse(w Wallet) walletResponse {
	return walletResponse{
		ID:              w.ID,
		OwnerType:       w.OwnerType,
		OwnerID:         w.OwnerID,
		Balance:         w.Balance,
		LockedBalance:   w.LockedBalance,
		Available:       w.Available(),
		Currency:        w.Currency,
		Status:          w.Status,
		ActiveSessionID: w.ActiveSessionID,
		RailAddress:     w.RailAddress,
		CreatedAt:       w.CreatedAt,
	}
}

type entryResponse struct {
	ID           string            `json:"id"`
	SessionID    string            `json:"session_id,omitempty"`
	Direction    ledger.Direction  `json:"direction"`
	Amount       int64             `json:"amount"`
	Reason       ledger.Reason     `json:"reason"`
	BalanceAfter int64             `json:"balance_after"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

func toEntryResponses(entries []ledger.Entry) []entryResponse {
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse{
			ID:           e.ID,
			SessionID:    e.SessionID,
			Direction:    e.Direction,
			Amount:       e.Amount,
			Reason:       e.Reason,
			BalanceAfter: e.BalanceAfter,
			Metadata:     e.Metadata,
			Timestamp:    e.CreatedAt,
		})
	}
	return out
}

type createRequest struct {
	OwnerType      OwnerType `json:"owner_type"`
	OwnerID        string    `json:"owner_id"`
	Currency       string    `json:"currency"`
	RailAddress    string    `json:"rail_address"`
	RailPrivateKey string    `json:"rail_private_key"`
}

// Create provisions a wallet.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	w, err := h.service.Create(c.UserContext(), CreateInput{
		OwnerType:      req.OwnerType,
		OwnerID:        req.OwnerID,
		Currency:       req.Currency,
		RailAddress:    req.RailAddress,
		RailPrivateKey: req.RailPrivateKey,
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(toResponse(w))
}

// Get returns wallet metadata.
func (h *Handler) Get(c *fiber.Ctx) error {
	w, err := h.service.Get(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(w))
}

// Balance returns the wallet balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	balance, err := h.service.Balance(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"wallet_id":         balance.WalletID,
		"balance":           balance.Balance,
		"locked_balance":    balance.Locked,
		"available_balance": balance.Available,
		"currency":          balance.Currency,
		"timestamp":         balance.AsOf,
	})
}

// Transactions pages through ledger entries newest first.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	page := ledger.Page{Limit: c.QueryInt("limit", defaultPageSize), Offset: c.QueryInt("skip", 0)}
	entries, total, err := h.service.Transactions(c.UserContext(), c.Params("walletId"), page)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"count": len(entries),
		"total": total,
		"data":  toEntryResponses(entries),
	})
}

// History returns entries in an optional [from, to] RFC3339 window, oldest first.
func (h *Handler) History(c *fiber.Ctx) error {
	from, err := parseTime(c.Query("from"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid from")
	}
	to, err := parseTime(c.Query("to"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid to")
	}
	entries, err := h.service.History(c.UserContext(), c.Params("walletId"), from, to)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"count": len(entries), "data": toEntryResponses(entries)})
}

// Suspend marks the wallet SUSPENDED.
func (h *Handler) Suspend(c *fiber.Ctx) error {
	w, err := h.service.Suspend(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(w))
}

// Activate marks the wallet ACTIVE.
func (h *Handler) Activate(c *fiber.Ctx) error {
	w, err := h.service.Activate(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(w))
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalid), errors.Is(err, ErrNoSealer):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrExists):
		return fiber.NewError(http.StatusConflict, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
