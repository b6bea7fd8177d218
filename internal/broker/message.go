package broker

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the enriched notification request carried on the wire.
// Field names follow the admission request.
type Message struct {
	ID          string         `json:"id"`
	UserID      string         `json:"userId"`
	Type        string         `json:"type"`
	TemplateID  string         `json:"template_id"`
	Variables   map[string]any `json:"variables"`
	Priority    string         `json:"priority,omitempty"`
	ScheduledAt string         `json:"scheduledAt,omitempty"`
	RetryCount  int            `json:"retryCount,omitempty"`
	PublishedAt string         `json:"publishedAt,omitempty"`
}

// Dead-letter fields added to the original payload.
const (
	FieldError         = "error"
	FieldFailedAt      = "failed_at"
	FieldOriginalQueue = "original_queue"
	fieldRawPayload    = "payload"
)

// DeadLetterBody builds the failed.queue payload: every field of the original
// message plus error, failed_at and original_queue. A body that is not a JSON
// object is kept verbatim under "payload".
func DeadLetterBody(original []byte, cause error, queue string, failedAt time.Time) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(original, &fields); err != nil || fields == nil {
		raw, mErr := json.Marshal(string(original))
		if mErr != nil {
			return nil, fmt.Errorf("encode raw payload: %w", mErr)
		}
		fields = map[string]json.RawMessage{fieldRawPayload: raw}
	}

	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}

	for key, val := range map[string]string{
		FieldError:         reason,
		FieldFailedAt:      failedAt.UTC().Format(time.RFC3339Nano),
		FieldOriginalQueue: queue,
	} {
		encoded, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		fields[key] = encoded
	}

	return json.Marshal(fields)
}
