package masking

import (
	"encoding/json"
	"strings"
)

const redactedToken = "[REDACTED]"

// MaxPayloadBytes is the serialized-size ceiling for audit payloads.
// Larger payloads are replaced with a truncation marker, never dropped.
const MaxPayloadBytes = 10 * 1024

// denied lists field names whose values are always redacted before
// persistence, regardless of caller intent. Matching is case-insensitive
// and ignores separators, so "apiKey", "api_key" and "API-KEY" all match.
var denied = map[string]struct{}{
	"password":      {},
	"passwd":        {},
	"secret":        {},
	"token":         {},
	"accesstoken":   {},
	"refreshtoken":  {},
	"apikey":        {},
	"authorization": {},
	"cardnumber":    {},
	"pan":           {},
	"cvv":           {},
	"cvc":           {},
	"otp":           {},
	"pin":           {},
	"privatekey":    {},
	"licensekey":    {},
	"plaintext":     {},
	"signature":     {},
}

// Sanitize returns a copy of the payload with deny-listed field values
// redacted recursively.
func Sanitize(input map[string]any) map[string]any {
	if len(input) == 0 {
		return nil
	}

	out := make(map[string]any, len(input))
	for key, value := range input {
		trimmed := strings.TrimSpace(key)
		if trimmed == "" {
			continue
		}
		if isDenied(trimmed) {
			out[trimmed] = redactedToken
			continue
		}
		out[trimmed] = sanitizeValue(value)
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

// Truncate replaces payloads whose JSON encoding exceeds MaxPayloadBytes
// with an explicit marker carrying the original size.
func Truncate(payload map[string]any) map[string]any {
	if len(payload) == 0 {
		return payload
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return map[string]any{"_unserializable": true}
	}
	if len(encoded) <= MaxPayloadBytes {
		return payload
	}
	return map[string]any{
		"_truncated":     true,
		"_original_size": len(encoded),
	}
}

func sanitizeValue(value any) any {
	switch cast := value.(type) {
	case map[string]any:
		return Sanitize(cast)
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, sanitizeValue(item))
		}
		return out
	default:
		return value
	}
}

func isDenied(key string) bool {
	normalized := strings.ToLower(key)
	normalized = strings.NewReplacer("_", "", "-", "", " ", "").Replace(normalized)
	_, ok := denied[normalized]
	return ok
}
