package funding

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/pulsepay/pulsepay/internal/ledger"
	"github.com/pulsepay/pulsepay/internal/wallet"
)

// Handler exposes HTTP endpoints for wallet funding.
type Handler struct {
	service *Service
}

// NewHandler constructs a funding handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// TopUp credits a wallet from a card.
func (h *Handler) TopUp(c *fiber.Ctx) error {
	var req TopUpRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	result, err := h.service.TopUp(c.UserContext(), TopUpInput{
		WalletID:   c.Params("walletId"),
		Amount:     req.Amount,
		ClientTxID: req.ClientTxID,
		CardNumber: req.CardNumber,
		Expiry:     req.Expiry,
		CVV:        req.CVV,
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(toResponse(result))
}

// Withdraw debits a wallet to a card.
func (h *Handler) Withdraw(c *fiber.Ctx) error {
	var req WithdrawRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	result, err := h.service.Withdraw(c.UserContext(), WithdrawInput{
		WalletID:   c.Params("walletId"),
		Amount:     req.Amount,
		ClientTxID: req.ClientTxID,
		CardNumber: req.CardNumber,
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(toResponse(result))
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ledger.ErrInvalidAmount):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, wallet.ErrNotFound), errors.Is(err, ledger.ErrWalletNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrWalletSuspended):
		return fiber.NewError(http.StatusForbidden, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fiber.NewError(http.StatusPaymentRequired, err.Error())
	case errors.Is(err, ErrDeclined):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}

func toResponse(result Result) FundingResponse {
	return FundingResponse{
		EntryID:           result.EntryID,
		Status:            result.Status,
		WalletBalance:     result.WalletBalance,
		AcquirerReference: result.AcquirerReference,
		CompletedAt:       result.CompletedAt,
	}
}
