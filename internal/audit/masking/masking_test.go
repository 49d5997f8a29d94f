package masking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeRedactsDeniedFields(t *testing.T) {
	out := Sanitize(map[string]any{
		"order_id":    "o-1",
		"license_key": "SECRET-CODE",
		"API-Key":     "abc123",
		"Card Number": "4111111111111111",
		"signature":   "deadbeef",
	})

	assert.Equal(t, "o-1", out["order_id"])
	assert.Equal(t, "[REDACTED]", out["license_key"])
	assert.Equal(t, "[REDACTED]", out["API-Key"])
	assert.Equal(t, "[REDACTED]", out["Card Number"])
	assert.Equal(t, "[REDACTED]", out["signature"])
}

func TestSanitizeRecursesNestedStructures(t *testing.T) {
	out := Sanitize(map[string]any{
		"meta": map[string]any{
			"password": "hunter2",
			"locale":   "en",
		},
		"attempts": []any{
			map[string]any{"token": "t-1", "status": "failed"},
		},
	})

	meta := out["meta"].(map[string]any)
	assert.Equal(t, "[REDACTED]", meta["password"])
	assert.Equal(t, "en", meta["locale"])

	attempts := out["attempts"].([]any)
	first := attempts[0].(map[string]any)
	assert.Equal(t, "[REDACTED]", first["token"])
	assert.Equal(t, "failed", first["status"])
}

func TestSanitizeEmptyPayload(t *testing.T) {
	assert.Nil(t, Sanitize(nil))
	assert.Nil(t, Sanitize(map[string]any{}))
}

func TestTruncateLargePayload(t *testing.T) {
	payload := map[string]any{
		"blob": strings.Repeat("x", MaxPayloadBytes+1),
	}

	out := Truncate(payload)
	assert.Equal(t, true, out["_truncated"])
	assert.Greater(t, out["_original_size"].(int), MaxPayloadBytes)
}

func TestTruncateSmallPayloadUnchanged(t *testing.T) {
	payload := map[string]any{"note": "small"}
	assert.Equal(t, payload, Truncate(payload))
}
