package profile

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/temsan/reLove-communication-bot-sub000/internal/llm"
	"github.com/temsan/reLove-communication-bot-sub000/internal/models"
	"github.com/temsan/reLove-communication-bot-sub000/internal/storage"
	"go.uber.org/zap"
)

// Strategy names one computation path for deriving a user profile.
type Strategy string

const (
	// StrategyRich runs the full generation-backed analysis.
	StrategyRich Strategy = "rich"
	// StrategyBasic picks a deterministic template by a stable hash of
	// the user id; the same user always gets the same template.
	StrategyBasic Strategy = "basic"
	// StrategyHybrid tries rich first and falls back to basic on any
	// failure.
	StrategyHybrid Strategy = "hybrid"
)

// ErrUpdateInProgress is returned when an update for the same user is
// already running; the new request is a no-op, not queued.
var ErrUpdateInProgress = errors.New("profile update already in progress")

// UpdateResult reports which strategy actually produced the profile.
type UpdateResult struct {
	Strategy Strategy
	Success  bool
	Summary  string
	Tags     []string
	Elapsed  time.Duration
	Err      error
}

type Config struct {
	// Strategy selects the computation path (rich, basic or hybrid).
	Strategy Strategy
	// Timeout bounds the rich generation call.
	Timeout time.Duration
	// MaxTokens for the rich generation call.
	MaxTokens int
}

const richSystemPrompt = `Ты анализируешь путь человека в методологии reLove. По его последним сообщениям и переходам между этапами составь краткий профиль. Ответь JSON-объектом вида {"summary": "...", "streams": ["...", "..."], "changes": "..."} где summary — 1-2 предложения о состоянии человека, streams — 2-4 ключевые темы, changes — что изменилось за последнее время.`

// basicTemplates is the fixed table the deterministic strategy selects
// from. Index is a stable hash of the user id, so repeated runs for the
// same user yield the same template.
var basicTemplates = []ParsedProfile{
	{
		Summary: "Идёт в своём темпе, осваивается на текущем этапе пути.",
		Streams: []string{"самонаблюдение", "устойчивость"},
	},
	{
		Summary: "Ищет опору и ясность, много размышляет о следующем шаге.",
		Streams: []string{"поиск опоры", "выбор"},
	},
	{
		Summary: "Открыт к диалогу, постепенно углубляется в работу с собой.",
		Streams: []string{"открытость", "глубина"},
	},
	{
		Summary: "Проживает непростой участок пути, важна бережная поддержка.",
		Streams: []string{"поддержка", "проживание"},
	},
	{
		Summary: "Закрепляет найденное, возвращается к важным темам по кругу.",
		Streams: []string{"интеграция", "возвращение к темам"},
	},
}

// Pipeline recomputes derived user profiles with graceful degradation.
type Pipeline struct {
	store     storage.Storage
	generator llm.Generator
	config    Config
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	inflight map[int64]struct{}
}

func NewPipeline(store storage.Storage, generator llm.Generator, config Config, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:     store,
		generator: generator,
		config:    config,
		logger:    logger,
		now:       time.Now,
		inflight:  make(map[int64]struct{}),
	}
}

// UpdateProfile recomputes the profile for one user. A second call for the
// same user while one is running returns ErrUpdateInProgress without doing
// any work.
func (p *Pipeline) UpdateProfile(ctx context.Context, userID int64) (UpdateResult, error) {
	if !p.acquire(userID) {
		return UpdateResult{}, ErrUpdateInProgress
	}
	defer p.release(userID)

	start := p.now()
	result := p.run(ctx, userID)
	result.Elapsed = p.now().Sub(start)

	if result.Success {
		if err := p.persist(ctx, userID, result); err != nil {
			p.logger.Error("Failed to persist profile",
				zap.Error(err),
				zap.Int64("user_id", userID))
			result.Success = false
			result.Err = err
		}
	}

	p.logger.Info("Profile update finished",
		zap.Int64("user_id", userID),
		zap.String("strategy", string(result.Strategy)),
		zap.Bool("success", result.Success),
		zap.Duration("elapsed", result.Elapsed))
	return result, nil
}

// acquire registers the user as in flight. The deferred release guarantees
// a crashed update cannot leak a permanent in-progress marker.
func (p *Pipeline) acquire(userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, running := p.inflight[userID]; running {
		return false
	}
	p.inflight[userID] = struct{}{}
	return true
}

func (p *Pipeline) release(userID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, userID)
}

// run tries strategies sequentially; the fallback decision depends on the
// outcome of the preceding attempt, so the chain is never concurrent.
func (p *Pipeline) run(ctx context.Context, userID int64) UpdateResult {
	if p.config.Strategy == StrategyBasic {
		return p.runBasic(userID)
	}

	activity := p.gatherActivity(ctx, userID)
	if activity == "" {
		// No recent signals to analyze; rich has nothing to work with.
		return p.runBasic(userID)
	}

	result := p.runRich(ctx, userID, activity)
	if result.Success {
		return result
	}
	if p.config.Strategy == StrategyHybrid {
		p.logger.Warn("Rich profile analysis failed, falling back",
			zap.Int64("user_id", userID),
			zap.Error(result.Err))
		return p.runBasic(userID)
	}
	return result
}

func (p *Pipeline) runRich(ctx context.Context, userID int64, activity string) UpdateResult {
	genCtx := ctx
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	reply, err := p.generator.Generate(genCtx, activity, richSystemPrompt, p.config.MaxTokens)
	if err != nil {
		return UpdateResult{Strategy: StrategyRich, Err: fmt.Errorf("rich analysis: %w", err)}
	}

	parsed, ok := ParseResponse(reply)
	if !ok {
		return UpdateResult{Strategy: StrategyRich, Err: fmt.Errorf("rich analysis: unparsable response")}
	}

	return UpdateResult{
		Strategy: StrategyRich,
		Success:  true,
		Summary:  parsed.Summary,
		Tags:     parsed.Streams,
	}
}

func (p *Pipeline) runBasic(userID int64) UpdateResult {
	template := basicTemplates[templateIndex(userID)]
	return UpdateResult{
		Strategy: StrategyBasic,
		Success:  true,
		Summary:  template.Summary,
		Tags:     append([]string(nil), template.Streams...),
	}
}

// templateIndex hashes the user id with FNV-1a for a stable selection.
func templateIndex(userID int64) int {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d", userID)
	return int(h.Sum32() % uint32(len(basicTemplates)))
}

// gatherActivity collects recent conversation turns and stage transitions
// as analysis input. An empty string means no usable signals.
func (p *Pipeline) gatherActivity(ctx context.Context, userID int64) string {
	var b strings.Builder

	if session, err := p.store.GetSession(ctx, userID); err == nil {
		for _, msg := range session.LastMessages(10) {
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
		}
	}

	if transitions, err := p.store.ListUserTransitions(ctx, userID, 3); err == nil && len(transitions) > 0 {
		b.WriteString("\nПереходы между этапами:\n")
		for _, tr := range transitions {
			if tr.PreviousStage != nil {
				fmt.Fprintf(&b, "%s -> %s\n", *tr.PreviousStage, tr.Stage)
			} else {
				fmt.Fprintf(&b, "начало -> %s\n", tr.Stage)
			}
		}
	}

	return strings.TrimSpace(b.String())
}

func (p *Pipeline) persist(ctx context.Context, userID int64, result UpdateResult) error {
	markers := map[string]string{
		models.MarkerProfileSummary:   result.Summary,
		models.MarkerProfileTags:      strings.Join(result.Tags, ","),
		models.MarkerProfileStrategy:  string(result.Strategy),
		models.MarkerProfileUpdatedAt: p.now().UTC().Format(time.RFC3339),
	}
	return p.store.UpdateUserMarkers(ctx, userID, markers)
}
