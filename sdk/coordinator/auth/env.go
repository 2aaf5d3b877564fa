package auth

import (
	"context"
	"strconv"
	"strings"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Environment variables exported to an agent process.
const (
	EnvProvider         = "AUTHCOORD_PROVIDER"
	EnvSubscriptionTier = "AUTHCOORD_SUBSCRIPTION_TIER"
	EnvQuotaAllocated   = "AUTHCOORD_QUOTA_ALLOCATED"
	EnvAgentID          = "AUTHCOORD_AGENT_ID"
	EnvSessionID        = "AUTHCOORD_SESSION_ID"
	EnvInstallationID   = "AUTHCOORD_INSTALLATION_ID"
)

const installationAppID = "authcoord"

// Environment returns the variables handed to an agent process for provider.
// An empty provider selects one with the default preference. Refresh tokens are never exported.
func (c *Coordinator) Environment(ctx context.Context, agentID, provider string) (map[string]string, error) {
	provider = normalizeProvider(provider)
	if provider == "" {
		selected, err := c.SelectProvider(c.Preference())
		if err != nil {
			return nil, err
		}
		provider = selected
	}
	cred, ok := c.store.Get(provider)
	if !ok {
		return nil, NewError(ErrNoCredentials, provider, nil)
	}
	token, err := c.lifecycle.GetValidToken(ctx, provider)
	if err != nil {
		return nil, err
	}

	env := map[string]string{
		EnvProvider:  provider,
		EnvAgentID:   agentID,
		EnvSessionID: uuid.NewString(),
	}
	env[c.credentialEnvName(provider, cred)] = token
	if sub := c.subs.Get(provider); sub != nil && sub.Tier != "" {
		env[EnvSubscriptionTier] = sub.Tier
	}
	if alloc, ok := c.quota.Allocation(agentID, provider); ok {
		env[EnvQuotaAllocated] = strconv.FormatInt(alloc.AllocatedTokens, 10)
	}
	if id := c.installation(); id != "" {
		env[EnvInstallationID] = id
	}
	return env, nil
}

func (c *Coordinator) credentialEnvName(provider string, cred Credential) string {
	settings := c.providers[provider]
	base := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(provider))
	switch v := cred.(type) {
	case *WellKnownCredential:
		return v.EnvVar
	case *OAuthCredential:
		if settings.TokenEnv != "" {
			return settings.TokenEnv
		}
		return base + "_OAUTH_TOKEN"
	default:
		if settings.APIKeyEnv != "" {
			return settings.APIKeyEnv
		}
		return base + "_API_KEY"
	}
}

func (c *Coordinator) installation() string {
	c.envOnce.Do(func() {
		id, err := machineid.ProtectedID(installationAppID)
		if err != nil {
			log.WithError(err).Debug("machine id unavailable")
			return
		}
		c.installationID = id
	})
	return c.installationID
}
