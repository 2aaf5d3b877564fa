package oauth

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var sensitiveFields = []string{"access_token", "refresh_token", "id_token", "code", "code_verifier"}

// redactJSON masks token fields in a token-endpoint body for debug logging.
// Bodies that are not JSON are dropped entirely.
func redactJSON(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if !gjson.ValidBytes(body) {
		return "[non-json body omitted]"
	}
	out := body
	for _, field := range sensitiveFields {
		if !gjson.GetBytes(out, field).Exists() {
			continue
		}
		next, err := sjson.SetBytes(out, field, "[REDACTED]")
		if err != nil {
			return "[body omitted]"
		}
		out = next
	}
	return string(out)
}
