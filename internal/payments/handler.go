package payments

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/pulsepay/pulsepay/internal/ledger"
	"github.com/pulsepay/pulsepay/internal/session"
	"github.com/pulsepay/pulsepay/internal/wallet"
)

// Handler exposes refund and adjustment endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type refundRequest struct {
	Amount     int64  `json:"amount"`
	ClientTxID string `json:"client_tx_id"`
	Note       string `json:"note"`
}

type adjustRequest struct {
	Direction  string `json:"direction"`
	Amount     int64  `json:"amount"`
	ClientTxID string `json:"client_tx_id"`
	Note       string `json:"note"`
}

// Refund returns part or all of a session's charges to the payer.
func (h *Handler) Refund(c *fiber.Ctx) error {
	var req refundRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	res, err := h.service.Refund(c.UserContext(), RefundInput{
		SessionID:  c.Params("id"),
		Amount:     req.Amount,
		ClientTxID: req.ClientTxID,
		Note:       req.Note,
	})
	if err != nil {
		return mapError(err)
	}

	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"transaction_id": res.TransactionID,
		"session_id":     res.SessionID,
		"amount":         res.Amount,
		"refunded_total": res.Refunded,
		"payer_balance":  res.PayerBalance,
		"payee_balance":  res.PayeeBalance,
		"completed_at":   res.CompletedAt.Format(time.RFC3339Nano),
	})
}

// Adjust posts an operator correction to a wallet.
func (h *Handler) Adjust(c *fiber.Ctx) error {
	var req adjustRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	entry, err := h.service.Adjust(c.UserContext(), AdjustInput{
		WalletID:   c.Params("walletId"),
		Direction:  ledger.Direction(strings.ToUpper(req.Direction)),
		Amount:     req.Amount,
		ClientTxID: req.ClientTxID,
		Note:       req.Note,
	})
	if err != nil {
		return mapError(err)
	}

	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"entry_id":      entry.ID,
		"direction":     entry.Direction,
		"amount":        entry.Amount,
		"balance_after": entry.BalanceAfter,
		"created_at":    entry.CreatedAt.Format(time.RFC3339Nano),
	})
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ledger.ErrInvalidAmount):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrNotFound), errors.Is(err, wallet.ErrNotFound), errors.Is(err, ledger.ErrWalletNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrRefundExceedsCharged):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fiber.NewError(http.StatusPaymentRequired, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
