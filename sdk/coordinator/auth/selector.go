package auth

import (
	"sort"
	"strings"
)

// PreferenceAuto is the textual form of automatic selection.
const PreferenceAuto = "auto"

// Preference selects a specific provider or lets the selector decide.
// The zero value is automatic selection.
type Preference struct {
	provider string
}

// Auto returns the automatic preference.
func Auto() Preference { return Preference{} }

// Specific returns a preference for provider.
func Specific(provider string) Preference {
	return Preference{provider: normalizeProvider(provider)}
}

// ParsePreference parses "auto" or a provider name.
func ParsePreference(s string) Preference {
	s = normalizeProvider(s)
	if s == "" || s == PreferenceAuto {
		return Auto()
	}
	return Preference{provider: s}
}

// IsAuto reports whether the preference is automatic.
func (p Preference) IsAuto() bool { return p.provider == "" }

// Provider returns the preferred provider, or "" for automatic selection.
func (p Preference) Provider() string { return p.provider }

func (p Preference) String() string {
	if p.IsAuto() {
		return PreferenceAuto
	}
	return p.provider
}

// ProviderState is the selection-relevant view of a provider at decision time.
type ProviderState struct {
	Subscription  *SubscriptionInfo
	QuotaExceeded bool
	Unavailable   bool
}

func (s ProviderState) exceeded() bool {
	if s.QuotaExceeded {
		return true
	}
	// A zero limit means the provider did not report one.
	return s.Subscription != nil && s.Subscription.UsageLimit > 0 && s.Subscription.IsExceeded()
}

// Selector picks a provider for a call. Select has no side effects besides logging.
type Selector struct {
	// ProviderOrder breaks ties within a selection group. Unlisted providers follow in name order.
	ProviderOrder []string
}

// Select returns the provider to use for pref given the current credentials and
// provider states, skipping providers in excluded.
//
// Automatic selection order:
//  1. OAuth providers on the highest known subscription tier among candidates
//  2. API-key providers, then well-known token providers
//  3. Remaining OAuth providers regardless of tier
//
// A specific preference is honoured when the provider is eligible, otherwise it
// degrades to automatic selection over the remaining providers.
func (s *Selector) Select(pref Preference, creds map[string]Credential, states map[string]ProviderState, excluded map[string]struct{}) (string, error) {
	eligible := func(provider string) bool {
		if _, ok := creds[provider]; !ok {
			return false
		}
		if _, skip := excluded[provider]; skip {
			return false
		}
		st := states[provider]
		return !st.Unavailable && !st.exceeded()
	}

	if !pref.IsAuto() {
		if eligible(pref.provider) {
			logProviderSelected(pref.provider, "preferred")
			return pref.provider, nil
		}
	}

	var oauth, apiKeys, wellKnown []string
	for provider, cred := range creds {
		if !eligible(provider) {
			continue
		}
		switch cred.Kind() {
		case KindOAuth:
			oauth = append(oauth, provider)
		case KindAPIKey:
			apiKeys = append(apiKeys, provider)
		case KindWellKnown:
			wellKnown = append(wellKnown, provider)
		}
	}

	best := -1
	for _, provider := range oauth {
		if sub := states[provider].Subscription; sub != nil {
			if r := TierRank(sub.Tier); r > best {
				best = r
			}
		}
	}
	var topTier, rest []string
	for _, provider := range oauth {
		sub := states[provider].Subscription
		if sub != nil && TierRank(sub.Tier) == best {
			topTier = append(topTier, provider)
		} else {
			rest = append(rest, provider)
		}
	}

	groups := []struct {
		reason    string
		providers []string
	}{
		{"top_tier_oauth", topTier},
		{"api_key", apiKeys},
		{"well_known", wellKnown},
		{"oauth", rest},
	}
	for _, g := range groups {
		if len(g.providers) == 0 {
			continue
		}
		s.sortByOrder(g.providers)
		logProviderSelected(g.providers[0], g.reason)
		return g.providers[0], nil
	}
	return "", &Error{Code: CodeNoProviderAvailable, Message: ErrNoProviderAvailable.Message}
}

func (s *Selector) sortByOrder(providers []string) {
	rank := make(map[string]int, len(s.ProviderOrder))
	for i, p := range s.ProviderOrder {
		key := strings.ToLower(strings.TrimSpace(p))
		if _, dup := rank[key]; !dup {
			rank[key] = i
		}
	}
	sort.Slice(providers, func(i, j int) bool {
		ri, okI := rank[providers[i]]
		rj, okJ := rank[providers[j]]
		switch {
		case okI && okJ && ri != rj:
			return ri < rj
		case okI != okJ:
			return okI
		}
		return providers[i] < providers[j]
	})
}
