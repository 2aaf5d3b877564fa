package auth

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// ProviderSwitch describes a change of provider during a call or by operator request.
type ProviderSwitch struct {
	From   string    `json:"from,omitempty"`
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// QuotaWarning describes a provider crossing a usage threshold.
type QuotaWarning struct {
	Provider   string    `json:"provider"`
	Percentage float64   `json:"percentage"`
	Threshold  float64   `json:"threshold"`
	Used       int64     `json:"used"`
	Limit      int64     `json:"limit"`
	At         time.Time `json:"at"`
}

// TokenRefreshed describes a completed OAuth refresh.
type TokenRefreshed struct {
	Provider  string    `json:"provider"`
	ExpiresAt time.Time `json:"expires_at"`
	At        time.Time `json:"at"`
}

// AuthenticationFailed describes a provider whose credential was rejected.
type AuthenticationFailed struct {
	Provider string    `json:"provider"`
	Code     ErrorCode `json:"code"`
	At       time.Time `json:"at"`
}

// Hook receives coordinator notifications for an external observability layer.
// Implementations must not block.
type Hook interface {
	OnProviderSwitched(ctx context.Context, ev ProviderSwitch)
	OnQuotaWarning(ctx context.Context, ev QuotaWarning)
	OnTokenRefreshed(ctx context.Context, ev TokenRefreshed)
	OnAuthenticationFailed(ctx context.Context, ev AuthenticationFailed)
}

// NoopHook provides optional hook defaults.
type NoopHook struct{}

// OnProviderSwitched implements Hook.
func (NoopHook) OnProviderSwitched(context.Context, ProviderSwitch) {}

// OnQuotaWarning implements Hook.
func (NoopHook) OnQuotaWarning(context.Context, QuotaWarning) {}

// OnTokenRefreshed implements Hook.
func (NoopHook) OnTokenRefreshed(context.Context, TokenRefreshed) {}

// OnAuthenticationFailed implements Hook.
func (NoopHook) OnAuthenticationFailed(context.Context, AuthenticationFailed) {}

// LogHook writes every notification to logrus.
type LogHook struct{}

// OnProviderSwitched implements Hook.
func (LogHook) OnProviderSwitched(_ context.Context, ev ProviderSwitch) {
	log.WithFields(log.Fields{
		FieldFromProvider: ev.From,
		FieldToProvider:   ev.To,
		FieldReason:       ev.Reason,
	}).Info("provider switched")
}

// OnQuotaWarning implements Hook.
func (LogHook) OnQuotaWarning(_ context.Context, ev QuotaWarning) {
	log.WithFields(log.Fields{
		FieldProvider:   ev.Provider,
		FieldPercentage: ev.Percentage,
		FieldThreshold:  ev.Threshold,
		FieldConsumed:   ev.Used,
		FieldLimit:      ev.Limit,
	}).Warn("quota threshold crossed")
}

// OnTokenRefreshed implements Hook.
func (LogHook) OnTokenRefreshed(_ context.Context, ev TokenRefreshed) {
	logTokenRefreshed(ev.Provider, ev.ExpiresAt)
}

// OnAuthenticationFailed implements Hook.
func (LogHook) OnAuthenticationFailed(_ context.Context, ev AuthenticationFailed) {
	log.WithFields(log.Fields{
		FieldProvider:  ev.Provider,
		FieldErrorCode: string(ev.Code),
	}).Warn("authentication failed")
}

// MultiHook fans a notification out to several hooks.
type MultiHook []Hook

// OnProviderSwitched implements Hook.
func (m MultiHook) OnProviderSwitched(ctx context.Context, ev ProviderSwitch) {
	for _, h := range m {
		h.OnProviderSwitched(ctx, ev)
	}
}

// OnQuotaWarning implements Hook.
func (m MultiHook) OnQuotaWarning(ctx context.Context, ev QuotaWarning) {
	for _, h := range m {
		h.OnQuotaWarning(ctx, ev)
	}
}

// OnTokenRefreshed implements Hook.
func (m MultiHook) OnTokenRefreshed(ctx context.Context, ev TokenRefreshed) {
	for _, h := range m {
		h.OnTokenRefreshed(ctx, ev)
	}
}

// OnAuthenticationFailed implements Hook.
func (m MultiHook) OnAuthenticationFailed(ctx context.Context, ev AuthenticationFailed) {
	for _, h := range m {
		h.OnAuthenticationFailed(ctx, ev)
	}
}
