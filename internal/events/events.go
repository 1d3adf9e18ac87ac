package events

import "context"

// StreamJobs is the Redis channel carrying job lifecycle events.
const StreamJobs = "events:job"

// Event types
const (
	EventJobStatusChanged = "job_status_changed"
	EventPaymentFailed    = "payment_failed"
	EventPayoutFailed     = "payout_failed"
	EventPayoutEscalated  = "payout_escalated"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}

// JobStatusChanged is the notification contract: job id, old status, new status.
func JobStatusChanged(jobID, oldStatus, newStatus string, parties ...string) Event {
	return Event{
		Type: EventJobStatusChanged,
		Payload: map[string]any{
			"job_id":     jobID,
			"old_status": oldStatus,
			"new_status": newStatus,
			"parties":    parties,
		},
	}
}

// StringField reads a string payload field, tolerating a missing key.
func (e Event) StringField(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// Parties returns the user ids the event should be delivered to.
// After a JSON round trip the slice arrives as []any.
func (e Event) Parties() []string {
	switch v := e.Payload["parties"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, p := range v {
			if s, ok := p.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
