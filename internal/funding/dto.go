package funding

import "time"

// TopUpRequest funds a wallet from a card.
type TopUpRequest struct {
	CardNumber string `json:"card_number"`
	Expiry     string `json:"expiry"`
	CVV        string `json:"cvv"`
	Amount     int64  `json:"amount"`
	ClientTxID string `json:"client_tx_id"`
}

// WithdrawRequest pushes wallet funds to a card.
type WithdrawRequest struct {
	CardNumber string `json:"card_number"`
	Amount     int64  `json:"amount"`
	ClientTxID string `json:"client_tx_id"`
}

// FundingResponse is the API view of a funding result.
type FundingResponse struct {
	EntryID           string    `json:"entry_id"`
	Status            string    `json:"status"`
	WalletBalance     int64     `json:"wallet_balance"`
	AcquirerReference string    `json:"acquirer_reference"`
	CompletedAt       time.Time `json:"completed_at"`
}
