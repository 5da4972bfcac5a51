package profile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temsan/reLove-communication-bot-sub000/internal/models"
	"github.com/temsan/reLove-communication-bot-sub000/internal/storage"
	"go.uber.org/zap"
)

type stubGenerator struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, prompt string) (string, error)
}

func (g *stubGenerator) Generate(ctx context.Context, prompt, systemPrompt string, maxTokens int) (string, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return g.fn(ctx, prompt)
}

func (g *stubGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func seedActiveUser(t *testing.T, store storage.Storage, userID int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.SaveUser(ctx, &models.User{ID: userID, ChatID: userID, CreatedAt: time.Now()}))
	require.NoError(t, store.SaveSession(ctx, &models.Session{
		UserID: userID,
		ChatID: userID,
		Messages: []models.ChatMessage{
			{Role: models.RoleUser, Content: "Мне надоела моя работа, хочу всё поменять", CreatedAt: time.Now()},
			{Role: models.RoleAssistant, Content: "Что именно тянет тебя к переменам?", CreatedAt: time.Now()},
		},
		Active:    true,
		UpdatedAt: time.Now(),
	}))
}

func newTestPipeline(store storage.Storage, generator *stubGenerator, config Config) *Pipeline {
	return NewPipeline(store, generator, config, zap.NewNop())
}

func TestUpdateProfileRichSuccessPersistsMarkers(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	seedActiveUser(t, store, 1)

	generator := &stubGenerator{fn: func(ctx context.Context, prompt string) (string, error) {
		return `{"summary": "Назревает смена работы", "streams": ["карьера", "смелость"], "changes": "впервые назвал желание вслух"}`, nil
	}}
	pipeline := newTestPipeline(store, generator, Config{Strategy: StrategyHybrid, Timeout: time.Second, MaxTokens: 400})

	result, err := pipeline.UpdateProfile(ctx, 1)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, StrategyRich, result.Strategy)
	assert.Equal(t, "Назревает смена работы", result.Summary)
	assert.Equal(t, []string{"карьера", "смелость"}, result.Tags)

	user, err := store.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Назревает смена работы", user.Markers[models.MarkerProfileSummary])
	assert.Equal(t, "карьера,смелость", user.Markers[models.MarkerProfileTags])
	assert.Equal(t, string(StrategyRich), user.Markers[models.MarkerProfileStrategy])
	assert.NotEmpty(t, user.Markers[models.MarkerProfileUpdatedAt])
}

func TestUpdateProfileHybridFallsBackOnTimeout(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	seedActiveUser(t, store, 1)

	generator := &stubGenerator{fn: func(ctx context.Context, prompt string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	timeout := 40 * time.Millisecond
	pipeline := newTestPipeline(store, generator, Config{Strategy: StrategyHybrid, Timeout: timeout, MaxTokens: 400})

	result, err := pipeline.UpdateProfile(ctx, 1)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, StrategyBasic, result.Strategy)
	assert.NotEmpty(t, result.Summary)
	assert.GreaterOrEqual(t, result.Elapsed, timeout)
}

func TestUpdateProfileHybridFallsBackOnUnparsableReply(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	seedActiveUser(t, store, 1)

	generator := &stubGenerator{fn: func(ctx context.Context, prompt string) (string, error) {
		return "Не могу составить профиль.", nil
	}}
	pipeline := newTestPipeline(store, generator, Config{Strategy: StrategyHybrid, Timeout: time.Second})

	result, err := pipeline.UpdateProfile(ctx, 1)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, StrategyBasic, result.Strategy)
}

// A pure rich configuration reports the failure instead of falling back.
func TestUpdateProfileRichOnlyReportsFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	seedActiveUser(t, store, 1)

	generator := &stubGenerator{fn: func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("api unavailable")
	}}
	pipeline := newTestPipeline(store, generator, Config{Strategy: StrategyRich, Timeout: time.Second})

	result, err := pipeline.UpdateProfile(ctx, 1)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, StrategyRich, result.Strategy)
	assert.Error(t, result.Err)

	user, err := store.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, user.Markers[models.MarkerProfileSummary])
}

func TestUpdateProfileBasicIsDeterministic(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	seedActiveUser(t, store, 7)

	generator := &stubGenerator{fn: func(ctx context.Context, prompt string) (string, error) {
		t.Fatal("basic strategy must not call the generator")
		return "", nil
	}}
	pipeline := newTestPipeline(store, generator, Config{Strategy: StrategyBasic})

	first, err := pipeline.UpdateProfile(ctx, 7)
	require.NoError(t, err)
	require.True(t, first.Success)

	for i := 0; i < 5; i++ {
		again, err := pipeline.UpdateProfile(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, first.Summary, again.Summary)
		assert.Equal(t, first.Tags, again.Tags)
	}
	assert.Zero(t, generator.callCount())
}

func TestUpdateProfileNoActivityUsesBasic(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.SaveUser(ctx, &models.User{ID: 1, ChatID: 1, CreatedAt: time.Now()}))

	generator := &stubGenerator{fn: func(ctx context.Context, prompt string) (string, error) {
		return `{"summary": "не должно вызываться"}`, nil
	}}
	pipeline := newTestPipeline(store, generator, Config{Strategy: StrategyHybrid, Timeout: time.Second})

	result, err := pipeline.UpdateProfile(ctx, 1)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, StrategyBasic, result.Strategy)
	assert.Zero(t, generator.callCount())
}

func TestUpdateProfileDeduplicatesConcurrentRuns(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	seedActiveUser(t, store, 1)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	generator := &stubGenerator{fn: func(ctx context.Context, prompt string) (string, error) {
		close(entered)
		<-proceed
		return `{"summary": "готово"}`, nil
	}}
	pipeline := newTestPipeline(store, generator, Config{Strategy: StrategyHybrid, Timeout: time.Minute})

	type outcome struct {
		result UpdateResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := pipeline.UpdateProfile(ctx, 1)
		done <- outcome{result, err}
	}()

	<-entered
	_, err := pipeline.UpdateProfile(ctx, 1)
	assert.ErrorIs(t, err, ErrUpdateInProgress)

	close(proceed)
	first := <-done
	require.NoError(t, first.err)
	assert.True(t, first.result.Success)
	assert.Equal(t, 1, generator.callCount())
}
