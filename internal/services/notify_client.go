package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agency-marketplace/backend/internal/events"
	"go.uber.org/zap"
)

// NotifyClient forwards job events to the notification service, which owns
// delivery channels (email, push) and templates.
type NotifyClient struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

func NewNotifyClient(baseURL string, log *zap.Logger) *NotifyClient {
	return &NotifyClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log,
	}
}

type notification struct {
	Type    string         `json:"type"`
	UserIDs []string       `json:"user_ids"`
	Text    string         `json:"text"`
	Payload map[string]any `json:"payload"`
}

// Forward posts one event. Events without recipients are skipped.
func (c *NotifyClient) Forward(ctx context.Context, event events.Event) error {
	parties := event.Parties()
	if len(parties) == 0 {
		return nil
	}

	body, err := json.Marshal(notification{
		Type:    event.Type,
		UserIDs: parties,
		Text:    NotificationText(event),
		Payload: event.Payload,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/notify", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("notify service returned %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}

// NotificationText renders a short human message for an event.
func NotificationText(event events.Event) string {
	jobID := event.StringField("job_id")
	switch event.Type {
	case events.EventJobStatusChanged:
		old := event.StringField("old_status")
		if old == "" {
			return fmt.Sprintf("Job %s created", jobID)
		}
		return fmt.Sprintf("Job %s moved from %s to %s", jobID, old, event.StringField("new_status"))
	case events.EventPaymentFailed:
		return fmt.Sprintf("Payment for job %s failed: %s", jobID, event.StringField("reason"))
	case events.EventPayoutFailed:
		return fmt.Sprintf("Payout for job %s failed and will be retried: %s", jobID, event.StringField("reason"))
	case events.EventPayoutEscalated:
		return fmt.Sprintf("Payout for job %s needs operator attention", jobID)
	default:
		return fmt.Sprintf("Event: %s", event.Type)
	}
}
