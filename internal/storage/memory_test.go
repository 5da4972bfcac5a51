package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temsan/reLove-communication-bot-sub000/internal/models"
)

func newTrigger(userID int64, kind models.TriggerKind, at time.Time) *models.Trigger {
	return &models.Trigger{
		ID:          string(kind) + "-" + at.Format(time.RFC3339Nano),
		UserID:      userID,
		Kind:        kind,
		State:       models.TriggerPending,
		ScheduledAt: at,
		CreatedAt:   at,
	}
}

func TestTriggerLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	now := time.Now()

	trigger := newTrigger(1, models.TriggerInactivity, now)
	require.NoError(t, store.CreateTrigger(ctx, trigger))

	due, err := store.ListDueTriggers(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, store.MarkTriggerExecuted(ctx, trigger.ID, "привет", now))

	// Terminal states never change again.
	assert.ErrorIs(t, store.MarkTriggerExecuted(ctx, trigger.ID, "ещё раз", now), ErrTriggerFinal)
	assert.ErrorIs(t, store.MarkTriggerFailed(ctx, trigger.ID, "oops", now), ErrTriggerFinal)

	due, err = store.ListDueTriggers(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestCreateTriggerRejectsDuplicateOpen(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	now := time.Now()

	first := newTrigger(1, models.TriggerInactivity, now)
	require.NoError(t, store.CreateTrigger(ctx, first))

	dup := newTrigger(1, models.TriggerInactivity, now.Add(time.Second))
	assert.ErrorIs(t, store.CreateTrigger(ctx, dup), ErrDuplicateOpenTrigger)

	// A different kind for the same user is fine.
	other := newTrigger(1, models.TriggerCheckin, now)
	require.NoError(t, store.CreateTrigger(ctx, other))

	// Once the first is terminal a new one of that kind may be created.
	require.NoError(t, store.MarkTriggerFailed(ctx, first.ID, "delivery down", now))
	again := newTrigger(1, models.TriggerInactivity, now.Add(time.Minute))
	require.NoError(t, store.CreateTrigger(ctx, again))
}

func TestCountExecutedSince(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	now := time.Now()

	old := newTrigger(7, models.TriggerInactivity, now.Add(-48*time.Hour))
	require.NoError(t, store.CreateTrigger(ctx, old))
	require.NoError(t, store.MarkTriggerExecuted(ctx, old.ID, "a", now.Add(-48*time.Hour)))

	recent := newTrigger(7, models.TriggerInactivity, now)
	require.NoError(t, store.CreateTrigger(ctx, recent))
	require.NoError(t, store.MarkTriggerExecuted(ctx, recent.ID, "b", now))

	count, err := store.CountExecutedSince(ctx, 7, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = store.CountExecutedSince(ctx, 7, now.Add(-72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestAddStageTransitionSyncsUserStage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	now := time.Now()

	user := &models.User{ID: 3, ChatID: 3, CreatedAt: now}
	require.NoError(t, store.SaveUser(ctx, user))

	first := &models.StageTransition{
		ID:        "tr-1",
		UserID:    3,
		Stage:     models.StageCallToAdventure,
		CreatedAt: now,
	}
	require.NoError(t, store.AddStageTransition(ctx, first))

	loaded, err := store.GetUser(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, loaded.CurrentStage)
	assert.Equal(t, models.StageCallToAdventure, *loaded.CurrentStage)

	prev := models.StageCallToAdventure
	second := &models.StageTransition{
		ID:            "tr-2",
		UserID:        3,
		Stage:         models.StageRefusal,
		PreviousStage: &prev,
		CreatedAt:     now.Add(time.Minute),
	}
	require.NoError(t, store.AddStageTransition(ctx, second))

	loaded, err = store.GetUser(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, loaded.CurrentStage)
	assert.Equal(t, models.StageRefusal, *loaded.CurrentStage)

	history, err := store.ListUserTransitions(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	// Most recent first.
	assert.Equal(t, models.StageRefusal, history[0].Stage)
}

func TestListIdleSessions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	now := time.Now()

	idle := &models.Session{UserID: 1, ChatID: 1, Active: true, UpdatedAt: now.Add(-36 * time.Hour)}
	fresh := &models.Session{UserID: 2, ChatID: 2, Active: true, UpdatedAt: now.Add(-time.Hour)}
	inactive := &models.Session{UserID: 3, ChatID: 3, Active: false, UpdatedAt: now.Add(-90 * time.Hour)}
	require.NoError(t, store.SaveSession(ctx, idle))
	require.NoError(t, store.SaveSession(ctx, fresh))
	require.NoError(t, store.SaveSession(ctx, inactive))

	found, err := store.ListIdleSessions(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, int64(1), found[0].UserID)
}

func TestUpdateUserMarkersMerges(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	require.NoError(t, store.SaveUser(ctx, &models.User{ID: 5, ChatID: 5, Markers: map[string]string{"a": "1"}}))
	require.NoError(t, store.UpdateUserMarkers(ctx, 5, map[string]string{"b": "2"}))

	user, err := store.GetUser(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "1", user.Markers["a"])
	assert.Equal(t, "2", user.Markers["b"])

	assert.ErrorIs(t, store.UpdateUserMarkers(ctx, 99, map[string]string{"x": "y"}), ErrNotFound)
}
