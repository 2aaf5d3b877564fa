package auth

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind identifies a credential variant.
type Kind string

const (
	KindAPIKey    Kind = "api_key"
	KindOAuth     Kind = "oauth"
	KindWellKnown Kind = "well_known"
)

const redacted = "[REDACTED]"

// Credential is the closed set of credential variants held per provider.
// The unexported marker keeps the set closed to this package; switch over
// *APIKeyCredential, *OAuthCredential and *WellKnownCredential.
//
// Values are immutable once stored. Refresh replaces an OAuth credential with
// a new value rather than mutating it.
type Credential interface {
	Kind() Kind
	String() string
	isCredential()
}

// APIKeyCredential is a static provider API key.
type APIKeyCredential struct {
	Key string
}

// OAuthCredential is an OAuth access/refresh token pair.
type OAuthCredential struct {
	Access    string
	Refresh   string
	ExpiresAt time.Time
	Scope     string
}

// WellKnownCredential is a token sourced from a well-known environment variable.
type WellKnownCredential struct {
	EnvVar string
	Token  string
}

func (*APIKeyCredential) isCredential()    {}
func (*OAuthCredential) isCredential()     {}
func (*WellKnownCredential) isCredential() {}

// Kind implements Credential.
func (*APIKeyCredential) Kind() Kind { return KindAPIKey }

// Kind implements Credential.
func (*OAuthCredential) Kind() Kind { return KindOAuth }

// Kind implements Credential.
func (*WellKnownCredential) Kind() Kind { return KindWellKnown }

// String redacts the key.
func (c *APIKeyCredential) String() string { return "api_key{" + redacted + "}" }

// GoString redacts the key for %#v.
func (c *APIKeyCredential) GoString() string { return c.String() }

// MarshalJSON never emits the key. Persistence uses EncodeRecord.
func (c *APIKeyCredential) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"type": string(KindAPIKey), "key": redacted})
}

// String redacts token material but keeps the expiry, which is not secret.
func (c *OAuthCredential) String() string {
	return fmt.Sprintf("oauth{access:%s refresh:%t expires_at:%s}", redacted, c.Refresh != "", c.ExpiresAt.Format(time.RFC3339))
}

// GoString redacts token material for %#v.
func (c *OAuthCredential) GoString() string { return c.String() }

// MarshalJSON never emits token material.
func (c *OAuthCredential) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":        string(KindOAuth),
		"access":      redacted,
		"has_refresh": c.Refresh != "",
		"expires_at":  c.ExpiresAt,
		"scope":       c.Scope,
	})
}

// HasRefreshToken reports whether a refresh token is present.
func (c *OAuthCredential) HasRefreshToken() bool {
	return c != nil && strings.TrimSpace(c.Refresh) != ""
}

// TimeToExpiry returns the remaining validity at now. It is negative when expired.
func (c *OAuthCredential) TimeToExpiry(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// Expired reports whether the access token is expired at now.
func (c *OAuthCredential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// WithTokens returns a copy carrying a replacement token pair.
// An empty refresh keeps the current refresh token.
func (c *OAuthCredential) WithTokens(access, refresh string, expiresAt time.Time) *OAuthCredential {
	next := *c
	next.Access = access
	if refresh != "" {
		next.Refresh = refresh
	}
	next.ExpiresAt = expiresAt
	return &next
}

// String redacts the token but keeps the variable name.
func (c *WellKnownCredential) String() string {
	return "well_known{" + c.EnvVar + ":" + redacted + "}"
}

// GoString redacts the token for %#v.
func (c *WellKnownCredential) GoString() string { return c.String() }

// MarshalJSON never emits the token.
func (c *WellKnownCredential) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"type": string(KindWellKnown), "env_var": c.EnvVar, "token": redacted})
}

// Record is the persisted representation of a credential. It holds secret
// values and must only be handed to a Persister.
type Record struct {
	Type      Kind       `json:"type"`
	Key       string     `json:"key,omitempty"`
	Access    string     `json:"access,omitempty"`
	Refresh   string     `json:"refresh,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Scope     string     `json:"scope,omitempty"`
	EnvVar    string     `json:"env_var,omitempty"`
	Token     string     `json:"token,omitempty"`
}

// EncodeRecord converts a credential into its persisted form.
func EncodeRecord(c Credential) (Record, error) {
	switch v := c.(type) {
	case *APIKeyCredential:
		return Record{Type: KindAPIKey, Key: v.Key}, nil
	case *OAuthCredential:
		expires := v.ExpiresAt.UTC()
		return Record{Type: KindOAuth, Access: v.Access, Refresh: v.Refresh, ExpiresAt: &expires, Scope: v.Scope}, nil
	case *WellKnownCredential:
		return Record{Type: KindWellKnown, EnvVar: v.EnvVar, Token: v.Token}, nil
	case nil:
		return Record{}, fmt.Errorf("credential is nil")
	default:
		return Record{}, fmt.Errorf("unsupported credential type %T", c)
	}
}

// Decode converts a persisted record back into a credential.
func (r Record) Decode() (Credential, error) {
	switch r.Type {
	case KindAPIKey:
		if r.Key == "" {
			return nil, fmt.Errorf("api_key record has empty key")
		}
		return &APIKeyCredential{Key: r.Key}, nil
	case KindOAuth:
		if r.Access == "" {
			return nil, fmt.Errorf("oauth record has empty access token")
		}
		c := &OAuthCredential{Access: r.Access, Refresh: r.Refresh, Scope: r.Scope}
		if r.ExpiresAt != nil {
			c.ExpiresAt = r.ExpiresAt.UTC()
		}
		return c, nil
	case KindWellKnown:
		if r.EnvVar == "" || r.Token == "" {
			return nil, fmt.Errorf("well_known record requires env_var and token")
		}
		return &WellKnownCredential{EnvVar: r.EnvVar, Token: r.Token}, nil
	default:
		return nil, fmt.Errorf("unknown credential type %q", r.Type)
	}
}

// MarshalCredential encodes a credential to its persisted JSON form.
func MarshalCredential(c Credential) ([]byte, error) {
	rec, err := EncodeRecord(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

// UnmarshalCredential decodes a persisted JSON record.
func UnmarshalCredential(data []byte) (Credential, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// json syntax errors quote offsets, not content
		return nil, fmt.Errorf("decode credential record: %w", err)
	}
	return rec.Decode()
}

// secretValue returns the bearer value usable without refresh, if any.
func secretValue(c Credential) (string, bool) {
	switch v := c.(type) {
	case *APIKeyCredential:
		return v.Key, true
	case *WellKnownCredential:
		return v.Token, true
	default:
		return "", false
	}
}
