package engage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temsan/reLove-communication-bot-sub000/internal/models"
	"github.com/temsan/reLove-communication-bot-sub000/internal/storage"
)

func testPolicy(maxPerDay int, kinds ...models.TriggerKind) models.EngagementPolicy {
	return models.EngagementPolicy{
		MaxPerDay:      maxPerDay,
		WindowStartMin: 8 * 60,  // 08:00
		WindowEndMin:   22 * 60, // 22:00
		Timezone:       "UTC",
		EnabledKinds:   kinds,
	}
}

func newGate(t *testing.T, store *storage.MemoryStorage, policy models.EngagementPolicy) *Gate {
	t.Helper()
	require.NoError(t, store.SavePolicy(context.Background(), policy))
	return NewGate(NewPolicyCache(store, 5*time.Minute), store)
}

func executedTrigger(t *testing.T, store *storage.MemoryStorage, userID int64, at time.Time) {
	t.Helper()
	ctx := context.Background()
	trigger := &models.Trigger{
		ID:          uuid.New().String(),
		UserID:      userID,
		Kind:        models.TriggerInactivity,
		State:       models.TriggerPending,
		ScheduledAt: at,
		CreatedAt:   at,
	}
	require.NoError(t, store.CreateTrigger(ctx, trigger))
	require.NoError(t, store.MarkTriggerExecuted(ctx, trigger.ID, "text", at))
}

func pendingTrigger(userID int64, kind models.TriggerKind) *models.Trigger {
	return &models.Trigger{
		ID:     uuid.New().String(),
		UserID: userID,
		Kind:   kind,
		State:  models.TriggerPending,
	}
}

func TestGateRejectsOverDailyCap(t *testing.T) {
	store := storage.NewMemoryStorage()
	gate := newGate(t, store, testPolicy(2, models.TriggerInactivity))

	now := time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC)
	executedTrigger(t, store, 1, now.Add(-4*time.Hour))
	executedTrigger(t, store, 1, now.Add(-2*time.Hour))

	decision, err := gate.Allow(context.Background(), pendingTrigger(1, models.TriggerInactivity), now)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonDailyCap, decision.Reason)
}

func TestGateCapIsPerCalendarDay(t *testing.T) {
	store := storage.NewMemoryStorage()
	gate := newGate(t, store, testPolicy(2, models.TriggerInactivity))

	// Both executions happened yesterday; today the counter is clean.
	now := time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC)
	executedTrigger(t, store, 1, now.Add(-20*time.Hour))
	executedTrigger(t, store, 1, now.Add(-18*time.Hour))

	decision, err := gate.Allow(context.Background(), pendingTrigger(1, models.TriggerInactivity), now)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestGateRejectsOutsideWindow(t *testing.T) {
	store := storage.NewMemoryStorage()
	gate := newGate(t, store, testPolicy(2, models.TriggerInactivity))

	now := time.Date(2026, 8, 28, 23, 0, 0, 0, time.UTC)
	decision, err := gate.Allow(context.Background(), pendingTrigger(1, models.TriggerInactivity), now)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonOutsideWindow, decision.Reason)
}

// The window is a closed interval: a check at exactly window_end passes.
func TestGateAllowsAtWindowEnd(t *testing.T) {
	store := storage.NewMemoryStorage()
	gate := newGate(t, store, testPolicy(2, models.TriggerInactivity))

	now := time.Date(2026, 8, 28, 22, 0, 0, 0, time.UTC)
	decision, err := gate.Allow(context.Background(), pendingTrigger(1, models.TriggerInactivity), now)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, ReasonNone, decision.Reason)
}

func TestGateRejectsDisabledKind(t *testing.T) {
	store := storage.NewMemoryStorage()
	gate := newGate(t, store, testPolicy(2, models.TriggerInactivity))

	now := time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC)
	decision, err := gate.Allow(context.Background(), pendingTrigger(1, models.TriggerAvoidance), now)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonKindDisabled, decision.Reason)
}

// The cap check runs before the window check, which runs before the kind
// check, so a trigger failing all three reports the cap.
func TestGateRejectionOrder(t *testing.T) {
	store := storage.NewMemoryStorage()
	gate := newGate(t, store, testPolicy(1, models.TriggerInactivity))

	now := time.Date(2026, 8, 28, 23, 30, 0, 0, time.UTC)
	executedTrigger(t, store, 1, now.Add(-time.Hour))

	decision, err := gate.Allow(context.Background(), pendingTrigger(1, models.TriggerAvoidance), now)
	require.NoError(t, err)
	assert.Equal(t, ReasonDailyCap, decision.Reason)

	// Under the cap, the window rejects before the kind check.
	decision, err = gate.Allow(context.Background(), pendingTrigger(2, models.TriggerAvoidance), now)
	require.NoError(t, err)
	assert.Equal(t, ReasonOutsideWindow, decision.Reason)
}

func TestGateAllowsWithinAllLimits(t *testing.T) {
	store := storage.NewMemoryStorage()
	gate := newGate(t, store, testPolicy(2, models.TriggerInactivity, models.TriggerCheckin))

	now := time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC)
	executedTrigger(t, store, 1, now.Add(-3*time.Hour))

	decision, err := gate.Allow(context.Background(), pendingTrigger(1, models.TriggerCheckin), now)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, ReasonNone, decision.Reason)
}

func TestWithinWindow(t *testing.T) {
	// ordinary window, closed on both ends
	assert.True(t, withinWindow(540, 1260, 840))
	assert.True(t, withinWindow(540, 1260, 540))
	assert.True(t, withinWindow(540, 1260, 1260))
	assert.False(t, withinWindow(540, 1260, 300))
	assert.False(t, withinWindow(540, 1260, 1261))
	assert.False(t, withinWindow(540, 1260, 1380))
	// wrap-around window 22:00-02:00, both ends closed too
	assert.True(t, withinWindow(1320, 120, 1380))
	assert.True(t, withinWindow(1320, 120, 60))
	assert.True(t, withinWindow(1320, 120, 1320))
	assert.True(t, withinWindow(1320, 120, 120))
	assert.False(t, withinWindow(1320, 120, 600))
	// degenerate window is always open
	assert.True(t, withinWindow(600, 600, 0))
}

type countingPolicySource struct {
	policy models.EngagementPolicy
	calls  int
}

func (s *countingPolicySource) GetPolicy(ctx context.Context) (models.EngagementPolicy, error) {
	s.calls++
	return s.policy, nil
}

func TestPolicyCacheTTL(t *testing.T) {
	source := &countingPolicySource{policy: testPolicy(2, models.TriggerInactivity)}
	cache := NewPolicyCache(source, 5*time.Minute)

	current := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return current }

	ctx := context.Background()
	_, err := cache.Get(ctx)
	require.NoError(t, err)
	_, err = cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, source.calls)

	// TTL expiry forces a refetch.
	current = current.Add(6 * time.Minute)
	_, err = cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)
}

func TestPolicyCacheInvalidate(t *testing.T) {
	source := &countingPolicySource{policy: testPolicy(2, models.TriggerInactivity)}
	cache := NewPolicyCache(source, 5*time.Minute)

	ctx := context.Background()
	_, err := cache.Get(ctx)
	require.NoError(t, err)

	cache.Invalidate()

	_, err = cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)
}
