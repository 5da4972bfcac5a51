package stage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/temsan/reLove-communication-bot-sub000/internal/llm"
	"github.com/temsan/reLove-communication-bot-sub000/internal/models"
	"github.com/temsan/reLove-communication-bot-sub000/internal/storage"
	"go.uber.org/zap"
)

type TrackerConfig struct {
	// EvaluateEvery samples stage evaluation every Nth user turn, to bound
	// generation cost. Zero or negative disables sampling (every turn).
	EvaluateEvery int
	// MaxTokens for the classification call.
	MaxTokens int
}

const classifySystemPrompt = `Ты — классификатор этапов пути героя в методологии reLove. Тебе дают текущий этап человека и его последние сообщения. Ответь ТОЛЬКО названием этапа из предложенного списка, без пояснений.`

// Tracker re-evaluates a user's journey stage from recent conversation and
// records confirmed transitions.
type Tracker struct {
	store     storage.Storage
	generator llm.Generator
	config    TrackerConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewTracker(store storage.Storage, generator llm.Generator, config TrackerConfig, logger *zap.Logger) *Tracker {
	return &Tracker{
		store:     store,
		generator: generator,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

// ShouldEvaluate reports whether the given user-turn count lands on an
// evaluation sample.
func (t *Tracker) ShouldEvaluate(turnCount int) bool {
	if t.config.EvaluateEvery <= 1 {
		return true
	}
	return turnCount > 0 && turnCount%t.config.EvaluateEvery == 0
}

// Evaluate classifies the user's stage from recent history and appends a
// StageTransition on a genuine change. An unparsable classifier reply is
// discarded and the stage left untouched; it is never treated as a reset.
// A user on the final stage is never re-classified.
func (t *Tracker) Evaluate(ctx context.Context, userID int64, history []models.ChatMessage) error {
	user, err := t.store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	// The final stage is terminal: the journey does not move automatically
	// past it, so there is nothing to classify.
	if user.CurrentStage != nil && user.CurrentStage.Final() {
		return nil
	}

	prompt := buildClassificationPrompt(user.CurrentStage, history)
	reply, err := t.generator.Generate(ctx, prompt, classifySystemPrompt, t.config.MaxTokens)
	if err != nil {
		return fmt.Errorf("classify stage: %w", err)
	}

	parsed, ok := models.ParseStage(reply)
	if !ok {
		t.logger.Debug("Unparsable stage reply, keeping current stage",
			zap.Int64("user_id", userID),
			zap.String("reply", reply))
		return nil
	}

	if user.CurrentStage != nil && *user.CurrentStage == parsed {
		return nil
	}

	transition := &models.StageTransition{
		ID:            uuid.New().String(),
		UserID:        userID,
		Stage:         parsed,
		PreviousStage: user.CurrentStage,
		CreatedAt:     t.now(),
	}
	if err := t.store.AddStageTransition(ctx, transition); err != nil {
		return fmt.Errorf("record transition: %w", err)
	}

	t.logger.Info("Stage transition recorded",
		zap.Int64("user_id", userID),
		zap.String("stage", string(parsed)),
		zap.String("previous", previousLabel(user.CurrentStage)))
	return nil
}

func buildClassificationPrompt(current *models.Stage, history []models.ChatMessage) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Текущий этап: %s\n\n", previousLabel(current))

	b.WriteString("Возможные этапы:\n")
	for _, stage := range models.Stages {
		fmt.Fprintf(&b, "- %s: %s\n", stage, stage.Title())
	}

	b.WriteString("\nПоследние сообщения:\n")
	for _, msg := range history {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}

	b.WriteString("\nКакой этап пути у человека сейчас? Ответь названием этапа.")
	return b.String()
}

func previousLabel(stage *models.Stage) string {
	if stage == nil {
		return "не определён"
	}
	return string(*stage)
}
