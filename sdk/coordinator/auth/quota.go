package auth

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	defaultOrphanTimeout = 30 * time.Minute
	defaultSweepInterval = time.Minute
)

var defaultWarningThresholds = []float64{80, 95}

var errNegativeTokens = errors.New("auth: token amount must not be negative")

// AgentQuotaAllocation is an agent's share of a provider's usage limit.
type AgentQuotaAllocation struct {
	ID              string    `json:"id"`
	AgentID         string    `json:"agent_id"`
	ProviderID      string    `json:"provider_id"`
	AllocatedTokens int64     `json:"allocated_tokens"`
	ConsumedTokens  int64     `json:"consumed_tokens"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
}

// Committed is the amount the allocation holds against the provider limit.
func (a AgentQuotaAllocation) Committed() int64 {
	if a.ConsumedTokens > a.AllocatedTokens {
		return a.ConsumedTokens
	}
	return a.AllocatedTokens
}

// Remaining is the part of the reservation not yet consumed.
func (a AgentQuotaAllocation) Remaining() int64 {
	if r := a.AllocatedTokens - a.ConsumedTokens; r > 0 {
		return r
	}
	return 0
}

// QuotaUsage is a point-in-time view of one provider ledger.
type QuotaUsage struct {
	Provider    string `json:"provider"`
	Limit       int64  `json:"limit"`
	Committed   int64  `json:"committed"`
	Consumed    int64  `json:"consumed"`
	Allocations int    `json:"allocations"`
}

// QuotaConfig tunes the quota coordinator.
type QuotaConfig struct {
	// OrphanTimeout reclaims allocations idle for longer than this.
	OrphanTimeout time.Duration
	// SweepInterval is the period of the background sweeper.
	SweepInterval time.Duration
	// WarningThresholds are usage percentages in (0,100] that emit quota warnings.
	WarningThresholds []float64
}

func (c QuotaConfig) withDefaults() QuotaConfig {
	if c.OrphanTimeout <= 0 {
		c.OrphanTimeout = defaultOrphanTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if len(c.WarningThresholds) == 0 {
		c.WarningThresholds = defaultWarningThresholds
	}
	thresholds := append([]float64(nil), c.WarningThresholds...)
	sort.Float64s(thresholds)
	c.WarningThresholds = thresholds
	return c
}

// ledger is the exclusive accounting unit for one provider.
type ledger struct {
	mu     sync.Mutex
	limit  int64
	allocs map[string]*AgentQuotaAllocation
	// warned is the number of warning thresholds currently crossed.
	warned int
}

func (l *ledger) committed() int64 {
	var total int64
	for _, a := range l.allocs {
		total += a.Committed()
	}
	return total
}

func (l *ledger) consumed() int64 {
	var total int64
	for _, a := range l.allocs {
		total += a.ConsumedTokens
	}
	return total
}

// QuotaCoordinator divides each provider's usage limit between agents.
// Every check-and-update happens inside one critical section of the provider ledger,
// so the sum of committed usage never exceeds the limit.
// Providers without a registered limit are unmetered.
type QuotaCoordinator struct {
	mu      sync.Mutex
	ledgers map[string]*ledger
	cfg     QuotaConfig
	hook    Hook
	now     func() time.Time
}

// NewQuotaCoordinator constructs a coordinator with no limits registered.
func NewQuotaCoordinator(cfg QuotaConfig, hook Hook) *QuotaCoordinator {
	if hook == nil {
		hook = NoopHook{}
	}
	return &QuotaCoordinator{
		ledgers: make(map[string]*ledger),
		cfg:     cfg.withDefaults(),
		hook:    hook,
		now:     time.Now,
	}
}

func (q *QuotaCoordinator) ledgerFor(provider string) *ledger {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.ledgers[provider]
	if !ok {
		l = &ledger{allocs: make(map[string]*AgentQuotaAllocation)}
		q.ledgers[provider] = l
	}
	return l
}

// lookup returns the provider's ledger without creating one.
func (q *QuotaCoordinator) lookup(provider string) (*ledger, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.ledgers[provider]
	return l, ok
}

// SetLimit registers the usage limit for provider. A limit of zero or less removes metering.
func (q *QuotaCoordinator) SetLimit(ctx context.Context, provider string, limit int64) {
	provider = normalizeProvider(provider)
	l := q.ledgerFor(provider)
	l.mu.Lock()
	l.limit = limit
	warning := q.evaluateWarnings(provider, l)
	l.mu.Unlock()
	q.emitWarning(ctx, warning)
}

// Limit returns the registered limit for provider, or 0 when unmetered.
func (q *QuotaCoordinator) Limit(provider string) int64 {
	l, ok := q.lookup(normalizeProvider(provider))
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// Allocate reserves requested tokens for agent on provider. A second call for the
// same pair tops up the existing allocation. Nothing is granted when the request
// does not fit entirely.
func (q *QuotaCoordinator) Allocate(ctx context.Context, agentID, provider string, requested int64) (AgentQuotaAllocation, error) {
	if requested < 0 {
		return AgentQuotaAllocation{}, errNegativeTokens
	}
	provider = normalizeProvider(provider)
	l := q.ledgerFor(provider)
	now := q.now()

	l.mu.Lock()
	total := l.committed()
	if l.limit > 0 && requested > l.limit-total {
		limit := l.limit
		l.mu.Unlock()
		return AgentQuotaAllocation{}, &QuotaExceededError{Provider: provider, Current: total, Limit: limit}
	}
	alloc, ok := l.allocs[agentID]
	if ok {
		alloc.AllocatedTokens = alloc.Committed() + requested
		alloc.LastActivity = now
	} else {
		alloc = &AgentQuotaAllocation{
			ID:              uuid.NewString(),
			AgentID:         agentID,
			ProviderID:      provider,
			AllocatedTokens: requested,
			CreatedAt:       now,
			LastActivity:    now,
		}
		l.allocs[agentID] = alloc
	}
	out := *alloc
	limit := l.limit
	warning := q.evaluateWarnings(provider, l)
	l.mu.Unlock()

	logAllocation("allocated", agentID, provider, out.AllocatedTokens, out.ConsumedTokens, limit)
	q.emitWarning(ctx, warning)
	return out, nil
}

// Consume records usage against the agent's allocation. Usage that would push the
// provider past its limit is rejected and not applied.
func (q *QuotaCoordinator) Consume(ctx context.Context, agentID, provider string, amount int64) error {
	if amount < 0 {
		return errNegativeTokens
	}
	provider = normalizeProvider(provider)
	l, ok := q.lookup(provider)
	if !ok {
		return NewError(ErrAllocationNotFound, provider, nil)
	}

	l.mu.Lock()
	alloc, ok := l.allocs[agentID]
	if !ok {
		l.mu.Unlock()
		return NewError(ErrAllocationNotFound, provider, nil)
	}
	total := l.committed()
	before := alloc.Committed()
	after := alloc.AllocatedTokens
	if c := alloc.ConsumedTokens + amount; c > after {
		after = c
	}
	if l.limit > 0 && total-before+after > l.limit {
		limit := l.limit
		l.mu.Unlock()
		return &QuotaExceededError{Provider: provider, Current: total, Limit: limit}
	}
	alloc.ConsumedTokens += amount
	alloc.LastActivity = q.now()
	consumed, allocated, limit := alloc.ConsumedTokens, alloc.AllocatedTokens, l.limit
	warning := q.evaluateWarnings(provider, l)
	l.mu.Unlock()

	logAllocation("consumed", agentID, provider, allocated, consumed, limit)
	q.emitWarning(ctx, warning)
	return nil
}

// Release removes the agent's allocation regardless of its balance.
// It reports whether an allocation existed.
func (q *QuotaCoordinator) Release(ctx context.Context, agentID, provider string) bool {
	provider = normalizeProvider(provider)
	l, ok := q.lookup(provider)
	if !ok {
		return false
	}
	l.mu.Lock()
	alloc, ok := l.allocs[agentID]
	if ok {
		delete(l.allocs, agentID)
		q.evaluateWarnings(provider, l)
	}
	l.mu.Unlock()
	if ok {
		logAllocation("released", agentID, provider, alloc.AllocatedTokens, alloc.ConsumedTokens, 0)
	}
	return ok
}

// Allocation returns a copy of the agent's allocation on provider.
func (q *QuotaCoordinator) Allocation(agentID, provider string) (AgentQuotaAllocation, bool) {
	l, ok := q.lookup(normalizeProvider(provider))
	if !ok {
		return AgentQuotaAllocation{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	alloc, ok := l.allocs[agentID]
	if !ok {
		return AgentQuotaAllocation{}, false
	}
	return *alloc, true
}

// Usage returns a snapshot of provider's ledger.
func (q *QuotaCoordinator) Usage(provider string) QuotaUsage {
	provider = normalizeProvider(provider)
	l, ok := q.lookup(provider)
	if !ok {
		return QuotaUsage{Provider: provider}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return QuotaUsage{
		Provider:    provider,
		Limit:       l.limit,
		Committed:   l.committed(),
		Consumed:    l.consumed(),
		Allocations: len(l.allocs),
	}
}

// Exceeded reports whether a metered provider has no remaining capacity.
func (q *QuotaCoordinator) Exceeded(provider string) bool {
	u := q.Usage(provider)
	return u.Limit > 0 && u.Committed >= u.Limit
}

// Sweep reclaims allocations idle since before now minus the orphan timeout.
// It returns the number of allocations removed.
func (q *QuotaCoordinator) Sweep(now time.Time) int {
	cutoff := now.Add(-q.cfg.OrphanTimeout)
	q.mu.Lock()
	ledgers := make(map[string]*ledger, len(q.ledgers))
	for k, v := range q.ledgers {
		ledgers[k] = v
	}
	q.mu.Unlock()

	removed := 0
	for provider, l := range ledgers {
		l.mu.Lock()
		for agentID, alloc := range l.allocs {
			if alloc.LastActivity.Before(cutoff) {
				delete(l.allocs, agentID)
				removed++
				log.WithFields(log.Fields{
					FieldAgentID:  agentID,
					FieldProvider: provider,
					FieldReason:   "orphaned",
				}).Info("quota allocation reclaimed")
			}
		}
		q.evaluateWarnings(provider, l)
		l.mu.Unlock()
	}
	return removed
}

// StartSweeper runs Sweep on the configured interval until ctx is done.
func (q *QuotaCoordinator) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(q.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.Sweep(q.now())
			}
		}
	}()
}

// evaluateWarnings must be called with l.mu held. It returns a warning when usage
// crossed a higher threshold than previously reported.
func (q *QuotaCoordinator) evaluateWarnings(provider string, l *ledger) *QuotaWarning {
	if l.limit <= 0 {
		l.warned = 0
		return nil
	}
	used := l.committed()
	pct := float64(used) / float64(l.limit) * 100
	crossed := 0
	for _, th := range q.cfg.WarningThresholds {
		if pct >= th {
			crossed++
		}
	}
	prev := l.warned
	l.warned = crossed
	if crossed <= prev || crossed == 0 {
		return nil
	}
	return &QuotaWarning{
		Provider:   provider,
		Percentage: pct,
		Threshold:  q.cfg.WarningThresholds[crossed-1],
		Used:       used,
		Limit:      l.limit,
		At:         q.now(),
	}
}

func (q *QuotaCoordinator) emitWarning(ctx context.Context, w *QuotaWarning) {
	if w == nil {
		return
	}
	q.hook.OnQuotaWarning(ctx, *w)
}
