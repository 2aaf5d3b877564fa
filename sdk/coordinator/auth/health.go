package auth

import (
	"sync"
	"time"
)

const (
	authFailureCooldown = 2 * time.Hour
	transientBaseDelay  = 5 * time.Second
	transientMaxDelay   = 5 * time.Minute
)

// HealthState holds runtime availability for a provider. It is never persisted.
type HealthState struct {
	// Unavailable flags the provider as skipped by selection until NextRetryAfter.
	Unavailable bool `json:"unavailable"`
	// Reason is a short machine-readable cause such as "quota" or "unauthorized".
	Reason string `json:"reason,omitempty"`
	// NextRetryAfter is the earliest time the provider is selectable again.
	NextRetryAfter time.Time `json:"next_retry_after,omitempty"`
	// BackoffLevel grows with repeated quota or transient failures.
	BackoffLevel int `json:"backoff_level"`
	// LastCode is the taxonomy code of the last failure.
	LastCode ErrorCode `json:"last_code,omitempty"`
	// LastStatus is the upstream HTTP status of the last failure.
	LastStatus int       `json:"last_status,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Clone creates a copy of the state.
func (h *HealthState) Clone() *HealthState {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}

// Available reports whether the provider may be selected at now.
func (h *HealthState) Available(now time.Time) bool {
	if h == nil || !h.Unavailable {
		return true
	}
	return !h.NextRetryAfter.IsZero() && !now.Before(h.NextRetryAfter)
}

// HealthTracker records per-provider availability from call outcomes.
type HealthTracker struct {
	mu     sync.RWMutex
	states map[string]*HealthState
	now    func() time.Time
}

// NewHealthTracker constructs an empty tracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{states: make(map[string]*HealthState), now: time.Now}
}

// Get returns a copy of the provider's state, or nil when none is recorded.
func (t *HealthTracker) Get(provider string) *HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.states[normalizeProvider(provider)].Clone()
}

// Available reports whether provider may be selected now.
func (t *HealthTracker) Available(provider string) bool {
	t.mu.RLock()
	state := t.states[normalizeProvider(provider)]
	t.mu.RUnlock()
	return state.Available(t.now())
}

// MarkSuccess clears any failure state for provider.
func (t *HealthTracker) MarkSuccess(provider string) {
	key := normalizeProvider(provider)
	t.mu.Lock()
	state, ok := t.states[key]
	if ok {
		delete(t.states, key)
	}
	t.mu.Unlock()
	if ok && state.Unavailable {
		logProviderRecovered(key)
	}
}

// MarkFailure records a classified failure. resetAt, when in the future, bounds
// a quota cooldown; otherwise repeated quota failures back off exponentially.
func (t *HealthTracker) MarkFailure(provider string, class FailureClass, err error, resetAt time.Time) {
	if class == FailureFatal {
		return
	}
	key := normalizeProvider(provider)
	now := t.now()
	status := statusCodeFromError(err)

	t.mu.Lock()
	state, ok := t.states[key]
	if !ok {
		state = &HealthState{}
		t.states[key] = state
	}
	state.Unavailable = true
	state.UpdatedAt = now
	state.LastCode = CodeOf(err)
	state.LastStatus = status

	switch class {
	case FailureAuth:
		state.Reason = "unauthorized"
		if status == 402 || status == 403 {
			state.Reason = "payment_required"
		}
		state.NextRetryAfter = now.Add(authFailureCooldown)
	case FailureQuota:
		state.Reason = "quota"
		if resetAt.After(now) {
			state.NextRetryAfter = resetAt
		} else {
			cooldown, next := nextQuotaCooldown(state.BackoffLevel)
			state.NextRetryAfter = now.Add(cooldown)
			state.BackoffLevel = next
		}
	case FailureTransient:
		state.Reason = "server_error"
		state.NextRetryAfter = now.Add(backoffDelay(transientBaseDelay, state.BackoffLevel, transientMaxDelay))
		state.BackoffLevel++
	}
	reason, until := state.Reason, state.NextRetryAfter
	t.mu.Unlock()

	logProviderBlocked(key, reason, status, until.Sub(now))
}

// Clear forgets the provider's state, for example after a new login.
func (t *HealthTracker) Clear(provider string) {
	t.MarkSuccess(provider)
}

// Snapshot returns copies of every recorded state.
func (t *HealthTracker) Snapshot() map[string]*HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]*HealthState, len(t.states))
	for k, v := range t.states {
		out[k] = v.Clone()
	}
	return out
}
