package broker

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadLetterBody_KeepsOriginalFields(t *testing.T) {
	original := []byte(`{"id":"n-1","type":"email","template_id":"welcome","variables":{"name":"Ada"},"custom":42}`)
	failedAt := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)

	body, err := DeadLetterBody(original, errors.New("smtp 421"), "email.queue", failedAt)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))

	assert.Equal(t, "n-1", got["id"])
	assert.Equal(t, float64(42), got["custom"], "unknown fields survive")
	assert.Equal(t, map[string]any{"name": "Ada"}, got["variables"])
	assert.Equal(t, "smtp 421", got[FieldError])
	assert.Equal(t, "2026-05-04T03:02:01Z", got[FieldFailedAt])
	assert.Equal(t, "email.queue", got[FieldOriginalQueue])
}

func TestDeadLetterBody_NonObjectPayload(t *testing.T) {
	body, err := DeadLetterBody([]byte("not json"), errors.New("decode"), "push.queue", time.Now())
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "not json", got["payload"])
	assert.Equal(t, "push.queue", got[FieldOriginalQueue])
}
