package dto

type CreateJobRequest struct {
	DealID      *string `json:"deal_id,omitempty"`
	AgencyID    string  `json:"agency_id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Amount      string  `json:"amount"`             // decimal string, e.g. "1000.00"
	Currency    string  `json:"currency,omitempty"` // если пусто, берём DEFAULT_CURRENCY
}
