package models

import (
	"time"

	"github.com/google/uuid"
)

// AgencyAccount mirrors the processor's view of an agency's connected account.
type AgencyAccount struct {
	AgencyID           uuid.UUID `json:"agency_id"`
	ProcessorAccountID string    `json:"processor_account_id"`
	PayoutsEnabled     bool      `json:"payouts_enabled"`
	ChargesEnabled     bool      `json:"charges_enabled"`
	UpdatedAt          time.Time `json:"updated_at"`
}
