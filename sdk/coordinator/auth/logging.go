package auth

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Structured field keys for coordinator logging. Credential values never appear in any field.
const (
	FieldProvider     = "provider"
	FieldKind         = "kind"
	FieldCount        = "count"
	FieldAgentID      = "agent_id"
	FieldReason       = "reason"
	FieldDuration     = "duration"
	FieldHTTPStatus   = "http_status"
	FieldFromProvider = "from_provider"
	FieldToProvider   = "to_provider"
	FieldAttempt      = "attempt"
	FieldPercentage   = "percentage"
	FieldThreshold    = "threshold"
	FieldExpiresAt    = "expires_at"
	FieldAllocated    = "allocated"
	FieldConsumed     = "consumed"
	FieldLimit        = "limit"
	FieldErrorCode    = "error_code"
)

// logProviderSelected logs when a provider is chosen for a call.
func logProviderSelected(provider, reason string) {
	log.WithFields(log.Fields{
		FieldProvider: provider,
		FieldReason:   reason,
	}).Debug("Provider selected")
}

// logProviderBlocked logs when a provider is marked unavailable.
func logProviderBlocked(provider, reason string, httpStatus int, duration time.Duration) {
	log.WithFields(log.Fields{
		FieldProvider:   provider,
		FieldReason:     reason,
		FieldHTTPStatus: httpStatus,
		FieldDuration:   duration.String(),
	}).Debug("Provider blocked")
}

// logProviderRecovered logs when a previously blocked provider becomes available.
func logProviderRecovered(provider string) {
	log.WithField(FieldProvider, provider).Debug("Provider recovered")
}

// logProviderFallback logs when a call falls back to another provider.
func logProviderFallback(fromProvider, toProvider, reason string) {
	log.WithFields(log.Fields{
		FieldFromProvider: fromProvider,
		FieldToProvider:   toProvider,
		FieldReason:       reason,
	}).Info("Provider fallback triggered")
}

// logTransientRetry logs a same-provider retry after a transient failure.
func logTransientRetry(provider string, attempt int, wait time.Duration, err error) {
	log.WithFields(log.Fields{
		FieldProvider:  provider,
		FieldAttempt:   attempt,
		FieldDuration:  wait.String(),
		FieldErrorCode: string(CodeOf(err)),
	}).Debug("Retrying after transient failure")
}

// logTokenRefreshed logs a successful OAuth refresh.
func logTokenRefreshed(provider string, expiresAt time.Time) {
	log.WithFields(log.Fields{
		FieldProvider:  provider,
		FieldExpiresAt: expiresAt.Format(time.RFC3339),
	}).Info("OAuth token refreshed")
}

// logAllocation logs a quota ledger change.
func logAllocation(action, agentID, provider string, allocated, consumed, limit int64) {
	log.WithFields(log.Fields{
		FieldAgentID:   agentID,
		FieldProvider:  provider,
		FieldAllocated: allocated,
		FieldConsumed:  consumed,
		FieldLimit:     limit,
	}).Debugf("Quota %s", action)
}
