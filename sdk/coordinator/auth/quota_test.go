package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestQuotaAllocate_ExhaustedProvider(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQuotaCoordinator(QuotaConfig{}, nil)
	q.SetLimit(ctx, "claude", 10000)

	if _, err := q.Allocate(ctx, "agent-a", "claude", 10000); err != nil {
		t.Fatalf("Allocate(A) error = %v", err)
	}
	_, err := q.Allocate(ctx, "agent-b", "claude", 1)
	var qe *QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("Allocate(B) error = %v, want QuotaExceededError", err)
	}
	if qe.Current != 10000 || qe.Limit != 10000 {
		t.Errorf("QuotaExceeded{Current:%d Limit:%d}, want {10000 10000}", qe.Current, qe.Limit)
	}
	if _, ok := q.Allocation("agent-b", "claude"); ok {
		t.Error("rejected allocation should not be recorded")
	}
}

func TestQuotaAllocate_ConcurrentNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	const limit = 10000
	q := NewQuotaCoordinator(QuotaConfig{}, nil)
	q.SetLimit(ctx, "claude", limit)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := int64(0)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agent := fmt.Sprintf("agent-%d", i)
			if _, err := q.Allocate(ctx, agent, "claude", 150); err != nil {
				if !errors.Is(err, ErrQuotaExceeded) {
					t.Errorf("Allocate() unexpected error = %v", err)
				}
				return
			}
			mu.Lock()
			granted += 150
			mu.Unlock()
			// consume part of the reservation, occasionally overrunning it
			_ = q.Consume(ctx, agent, "claude", int64(100+i%100))
		}(i)
	}
	wg.Wait()

	usage := q.Usage("claude")
	if usage.Committed > limit {
		t.Fatalf("committed usage %d exceeds limit %d", usage.Committed, limit)
	}
	if usage.Consumed > limit {
		t.Fatalf("consumed usage %d exceeds limit %d", usage.Consumed, limit)
	}
	if granted > limit {
		t.Fatalf("granted %d exceeds limit %d", granted, limit)
	}
}

func TestQuotaReleaseThenAllocate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQuotaCoordinator(QuotaConfig{}, nil)
	q.SetLimit(ctx, "claude", 100)

	if _, err := q.Allocate(ctx, "a", "claude", 100); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if err := q.Consume(ctx, "a", "claude", 40); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if !q.Release(ctx, "a", "claude") {
		t.Fatal("Release() = false, want true")
	}
	alloc, err := q.Allocate(ctx, "b", "claude", 100)
	if err != nil {
		t.Fatalf("Allocate after release error = %v", err)
	}
	if alloc.AllocatedTokens != 100 || alloc.ID == "" {
		t.Errorf("allocation = %+v, want 100 tokens with an id", alloc)
	}
}

func TestQuotaConsume(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQuotaCoordinator(QuotaConfig{}, nil)
	q.SetLimit(ctx, "claude", 100)

	if err := q.Consume(ctx, "ghost", "claude", 1); !errors.Is(err, ErrAllocationNotFound) {
		t.Fatalf("Consume without allocation error = %v, want ErrAllocationNotFound", err)
	}

	if _, err := q.Allocate(ctx, "a", "claude", 50); err != nil {
		t.Fatalf("Allocate(a) error = %v", err)
	}
	if _, err := q.Allocate(ctx, "b", "claude", 40); err != nil {
		t.Fatalf("Allocate(b) error = %v", err)
	}
	// a may overrun its own reservation while capacity remains
	if err := q.Consume(ctx, "a", "claude", 60); err != nil {
		t.Fatalf("Consume(a, 60) error = %v", err)
	}
	if err := q.Consume(ctx, "a", "claude", 1); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Consume past limit error = %v, want ErrQuotaExceeded", err)
	}
	alloc, _ := q.Allocation("a", "claude")
	if alloc.ConsumedTokens != 60 {
		t.Errorf("ConsumedTokens = %d, want 60 (rejected consume must not apply)", alloc.ConsumedTokens)
	}
}

func TestQuotaAllocate_TopUp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQuotaCoordinator(QuotaConfig{}, nil)
	q.SetLimit(ctx, "claude", 100)

	first, _ := q.Allocate(ctx, "a", "claude", 30)
	second, err := q.Allocate(ctx, "a", "claude", 20)
	if err != nil {
		t.Fatalf("top-up error = %v", err)
	}
	if second.ID != first.ID || second.AllocatedTokens != 50 {
		t.Errorf("top-up = %+v, want same id with 50 tokens", second)
	}
	if u := q.Usage("claude"); u.Allocations != 1 || u.Committed != 50 {
		t.Errorf("usage = %+v, want one allocation committing 50", u)
	}
}

func TestQuotaUnmeteredProvider(t *testing.T) {
	t.Parallel()

	q := NewQuotaCoordinator(QuotaConfig{}, nil)
	if _, err := q.Allocate(context.Background(), "a", "openai", 1<<40); err != nil {
		t.Fatalf("unmetered Allocate error = %v", err)
	}
	if q.Exceeded("openai") {
		t.Error("unmetered provider reported as exceeded")
	}
}

func TestQuotaSweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQuotaCoordinator(QuotaConfig{OrphanTimeout: time.Minute}, nil)
	start := time.Now()
	q.now = func() time.Time { return start }
	q.SetLimit(ctx, "claude", 100)
	_, _ = q.Allocate(ctx, "idle", "claude", 60)

	q.now = func() time.Time { return start.Add(50 * time.Second) }
	_, _ = q.Allocate(ctx, "busy", "claude", 10)

	if n := q.Sweep(start.Add(90 * time.Second)); n != 1 {
		t.Fatalf("Sweep() removed %d, want 1", n)
	}
	if _, ok := q.Allocation("idle", "claude"); ok {
		t.Error("idle allocation survived sweep")
	}
	if _, ok := q.Allocation("busy", "claude"); !ok {
		t.Error("active allocation was swept")
	}
}

func TestQuotaWarnings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	hook := &recordingHook{}
	q := NewQuotaCoordinator(QuotaConfig{WarningThresholds: []float64{95, 80}}, hook)
	q.SetLimit(ctx, "claude", 100)

	_, _ = q.Allocate(ctx, "a", "claude", 50)
	if hook.count("warning") != 0 {
		t.Fatal("warning emitted below threshold")
	}
	_, _ = q.Allocate(ctx, "b", "claude", 30)
	_, _ = q.Allocate(ctx, "c", "claude", 5)
	_, _ = q.Allocate(ctx, "d", "claude", 10)
	warnings := hook.warnings()
	if len(warnings) != 2 {
		t.Fatalf("warnings = %d, want 2", len(warnings))
	}
	if warnings[0].Threshold != 80 || warnings[1].Threshold != 95 {
		t.Errorf("thresholds = %v, %v; want 80, 95", warnings[0].Threshold, warnings[1].Threshold)
	}

	q.Release(ctx, "b", "claude")
	_, _ = q.Allocate(ctx, "e", "claude", 30)
	warnings = hook.warnings()
	if len(warnings) != 3 {
		t.Fatalf("warnings after drop and re-cross = %d, want 3", len(warnings))
	}
	if warnings[2].Threshold != 95 {
		t.Errorf("re-cross threshold = %v, want 95", warnings[2].Threshold)
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	n, err := EstimateTokens("hello world")
	if err != nil {
		t.Fatalf("EstimateTokens() error = %v", err)
	}
	if n <= 0 {
		t.Errorf("EstimateTokens() = %d, want > 0", n)
	}
	if n, _ := EstimateTokens(""); n != 0 {
		t.Errorf("EstimateTokens(\"\") = %d, want 0", n)
	}
}

func TestQuotaReadsDoNotCreateLedgers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewQuotaCoordinator(QuotaConfig{}, nil)

	for i := 0; i < 50; i++ {
		name := fmt.Sprintf("unknown-%d", i)
		if u := q.Usage(name); u.Limit != 0 || u.Committed != 0 || u.Provider != name {
			t.Fatalf("Usage(%s) = %+v", name, u)
		}
		if q.Limit(name) != 0 || q.Exceeded(name) {
			t.Fatalf("unknown provider %s should be unmetered", name)
		}
		if _, ok := q.Allocation("agent", name); ok {
			t.Fatalf("Allocation(%s) reported an allocation", name)
		}
		if err := q.Consume(ctx, "agent", name, 1); !errors.Is(err, ErrAllocationNotFound) {
			t.Fatalf("Consume(%s) error = %v, want allocation not found", name, err)
		}
		if q.Release(ctx, "agent", name) {
			t.Fatalf("Release(%s) = true", name)
		}
	}

	q.mu.Lock()
	n := len(q.ledgers)
	q.mu.Unlock()
	if n != 0 {
		t.Fatalf("ledgers = %d, want 0 after read-only calls", n)
	}
}
