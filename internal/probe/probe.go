// Package probe periodically re-tests providers that are marked unavailable or
// unauthenticated so they can recover without waiting for a real call.
package probe

import (
	"context"
	"sync"
	"time"

	"github.com/KingInYellow18/code-sub001/internal/config"
	"github.com/KingInYellow18/code-sub001/sdk/coordinator/auth"
	log "github.com/sirupsen/logrus"
)

const probeSpacing = 500 * time.Millisecond

// Target is the coordinator surface the probe needs.
type Target interface {
	Status(ctx context.Context) auth.Status
	TestProvider(ctx context.Context, provider string) auth.TestResult
}

// Manager runs the probe loop.
type Manager struct {
	target  Target
	spacing time.Duration
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewManager creates a probe manager for target.
func NewManager(target Target) *Manager {
	return &Manager{target: target, spacing: probeSpacing}
}

// Start begins probing every cfg.Interval. It is a no-op when probing is disabled or already running.
func (m *Manager) Start(ctx context.Context, cfg config.ProbeConfig) {
	if m == nil || m.target == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	if !cfg.Enabled || cfg.Interval <= 0 {
		log.Debug("probe: feature disabled")
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.RunOnce(ctx)
			}
		}
	}()
	log.Infof("probe: started (interval: %v)", cfg.Interval)
}

// Stop ends the loop and waits for an in-flight pass to finish.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
	log.Debug("probe: stopped")
}

// RunOnce tests every provider that currently reports a failure reason or is not
// authenticated, and returns the results.
func (m *Manager) RunOnce(ctx context.Context) []auth.TestResult {
	var results []auth.TestResult
	for i, ps := range m.target.Status(ctx).Providers {
		if ps.Reason == "" && ps.Authenticated {
			continue
		}
		if i > 0 && m.spacing > 0 {
			select {
			case <-ctx.Done():
				return results
			case <-time.After(m.spacing):
			}
		}
		result := m.target.TestProvider(ctx, ps.Name)
		entry := log.WithFields(log.Fields{
			auth.FieldProvider: ps.Name,
			auth.FieldReason:   ps.Reason,
		})
		if result.Success {
			entry.Info("probe: provider recovered")
		} else {
			entry.WithField(auth.FieldErrorCode, result.Code).Debug("probe: provider still failing")
		}
		results = append(results, result)
	}
	return results
}
