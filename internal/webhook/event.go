package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agency-marketplace/backend/internal/apperr"
	"github.com/google/uuid"
)

// Processor event types
const (
	TypePaymentSucceeded = "payment_intent.succeeded"
	TypePaymentFailed    = "payment_intent.payment_failed"
	TypeTransferPaid     = "transfer.paid"
	TypeTransferFailed   = "transfer.failed"
	TypeChargeRefunded   = "charge.refunded"
	TypeAccountUpdated   = "account.updated"
)

// Event is the closed set of processor events. Every variant is a struct
// in this package; anything not recognised decodes to Unknown.
type Event interface {
	EventMeta() Meta
	// JobRef is the job the event refers to, if any.
	JobRef() *uuid.UUID
}

// Meta is the envelope shared by all events.
type Meta struct {
	ID      string
	Type    string
	Created time.Time
}

type PaymentSucceeded struct {
	Meta
	PaymentIntentID string
	ChargeID        string
	AmountMinor     int64
	Currency        string
	JobID           uuid.UUID
}

type PaymentFailed struct {
	Meta
	PaymentIntentID string
	AmountMinor     int64
	Currency        string
	JobID           uuid.UUID
	FailureMessage  string
}

type TransferPaid struct {
	Meta
	TransferID  string
	AmountMinor int64
	Currency    string
	JobID       uuid.UUID
}

type TransferFailed struct {
	Meta
	TransferID     string
	AmountMinor    int64
	Currency       string
	JobID          uuid.UUID
	FailureMessage string
}

type ChargeRefunded struct {
	Meta
	ChargeID        string
	PaymentIntentID string
	AmountRefunded  int64
	JobID           uuid.UUID
}

type AccountUpdated struct {
	Meta
	AccountID      string
	AgencyID       *uuid.UUID
	PayoutsEnabled bool
	ChargesEnabled bool
}

// Unknown is any event type this service does not act on.
type Unknown struct {
	Meta
}

func (m Meta) EventMeta() Meta { return m }

func (e PaymentSucceeded) JobRef() *uuid.UUID { return &e.JobID }
func (e PaymentFailed) JobRef() *uuid.UUID    { return &e.JobID }
func (e TransferPaid) JobRef() *uuid.UUID     { return &e.JobID }
func (e TransferFailed) JobRef() *uuid.UUID   { return &e.JobID }
func (e ChargeRefunded) JobRef() *uuid.UUID   { return &e.JobID }
func (e AccountUpdated) JobRef() *uuid.UUID   { return nil }
func (e Unknown) JobRef() *uuid.UUID          { return nil }

type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type metadata struct {
	JobID    string `json:"job_id"`
	AgencyID string `json:"agency_id"`
}

type paymentIntentObject struct {
	ID               string   `json:"id"`
	Amount           int64    `json:"amount"`
	Currency         string   `json:"currency"`
	LatestCharge     string   `json:"latest_charge"`
	Metadata         metadata `json:"metadata"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type transferObject struct {
	ID             string   `json:"id"`
	Amount         int64    `json:"amount"`
	Currency       string   `json:"currency"`
	Metadata       metadata `json:"metadata"`
	FailureMessage string   `json:"failure_message"`
}

type chargeObject struct {
	ID             string   `json:"id"`
	PaymentIntent  string   `json:"payment_intent"`
	AmountRefunded int64    `json:"amount_refunded"`
	Refunded       bool     `json:"refunded"`
	Metadata       metadata `json:"metadata"`
}

type accountObject struct {
	ID             string   `json:"id"`
	PayoutsEnabled bool     `json:"payouts_enabled"`
	ChargesEnabled bool     `json:"charges_enabled"`
	Metadata       metadata `json:"metadata"`
}

// Decode parses a raw, already-verified payload into one Event variant.
// Known types are checked against their required fields; a known type with a
// bad object is ErrMalformedEvent rather than Unknown.
func Decode(payload []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, malformed("envelope: %v", err)
	}
	if strings.TrimSpace(env.ID) == "" {
		return nil, malformed("event id is missing")
	}
	if strings.TrimSpace(env.Type) == "" {
		return nil, malformed("event type is missing")
	}

	meta := Meta{ID: env.ID, Type: env.Type, Created: time.Unix(env.Created, 0).UTC()}

	switch env.Type {
	case TypePaymentSucceeded, TypePaymentFailed:
		var obj paymentIntentObject
		if err := decodeObject(env, &obj); err != nil {
			return nil, err
		}
		if obj.ID == "" {
			return nil, malformed("%s: payment intent id is missing", env.Type)
		}
		jobID, err := requireJobID(env.Type, obj.Metadata)
		if err != nil {
			return nil, err
		}
		if env.Type == TypePaymentFailed {
			ev := PaymentFailed{Meta: meta, PaymentIntentID: obj.ID, AmountMinor: obj.Amount, Currency: upper(obj.Currency), JobID: jobID}
			if obj.LastPaymentError != nil {
				ev.FailureMessage = obj.LastPaymentError.Message
			}
			return ev, nil
		}
		if obj.Amount <= 0 {
			return nil, malformed("%s: amount must be positive", env.Type)
		}
		return PaymentSucceeded{
			Meta:            meta,
			PaymentIntentID: obj.ID,
			ChargeID:        obj.LatestCharge,
			AmountMinor:     obj.Amount,
			Currency:        upper(obj.Currency),
			JobID:           jobID,
		}, nil

	case TypeTransferPaid, TypeTransferFailed:
		var obj transferObject
		if err := decodeObject(env, &obj); err != nil {
			return nil, err
		}
		if obj.ID == "" {
			return nil, malformed("%s: transfer id is missing", env.Type)
		}
		jobID, err := requireJobID(env.Type, obj.Metadata)
		if err != nil {
			return nil, err
		}
		if env.Type == TypeTransferFailed {
			return TransferFailed{Meta: meta, TransferID: obj.ID, AmountMinor: obj.Amount, Currency: upper(obj.Currency), JobID: jobID, FailureMessage: obj.FailureMessage}, nil
		}
		return TransferPaid{Meta: meta, TransferID: obj.ID, AmountMinor: obj.Amount, Currency: upper(obj.Currency), JobID: jobID}, nil

	case TypeChargeRefunded:
		var obj chargeObject
		if err := decodeObject(env, &obj); err != nil {
			return nil, err
		}
		if obj.ID == "" {
			return nil, malformed("%s: charge id is missing", env.Type)
		}
		jobID, err := requireJobID(env.Type, obj.Metadata)
		if err != nil {
			return nil, err
		}
		return ChargeRefunded{Meta: meta, ChargeID: obj.ID, PaymentIntentID: obj.PaymentIntent, AmountRefunded: obj.AmountRefunded, JobID: jobID}, nil

	case TypeAccountUpdated:
		var obj accountObject
		if err := decodeObject(env, &obj); err != nil {
			return nil, err
		}
		if obj.ID == "" {
			return nil, malformed("%s: account id is missing", env.Type)
		}
		ev := AccountUpdated{Meta: meta, AccountID: obj.ID, PayoutsEnabled: obj.PayoutsEnabled, ChargesEnabled: obj.ChargesEnabled}
		if obj.Metadata.AgencyID != "" {
			id, err := uuid.Parse(obj.Metadata.AgencyID)
			if err != nil {
				return nil, malformed("%s: invalid agency_id", env.Type)
			}
			ev.AgencyID = &id
		}
		return ev, nil

	default:
		return Unknown{Meta: meta}, nil
	}
}

func decodeObject(env envelope, dst any) error {
	if len(env.Data.Object) == 0 {
		return malformed("%s: data.object is missing", env.Type)
	}
	if err := json.Unmarshal(env.Data.Object, dst); err != nil {
		return malformed("%s: %v", env.Type, err)
	}
	return nil
}

func requireJobID(eventType string, md metadata) (uuid.UUID, error) {
	if md.JobID == "" {
		return uuid.Nil, malformed("%s: metadata.job_id is missing", eventType)
	}
	id, err := uuid.Parse(md.JobID)
	if err != nil {
		return uuid.Nil, malformed("%s: invalid metadata.job_id", eventType)
	}
	return id, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperr.ErrMalformedEvent, fmt.Sprintf(format, args...))
}

func upper(s string) string {
	return strings.ToUpper(s)
}
