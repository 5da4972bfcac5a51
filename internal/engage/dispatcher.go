package engage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/temsan/reLove-communication-bot-sub000/internal/llm"
	"github.com/temsan/reLove-communication-bot-sub000/internal/models"
	"github.com/temsan/reLove-communication-bot-sub000/internal/storage"
	"go.uber.org/zap"
)

// Sender is the message-delivery collaborator.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

type DispatcherConfig struct {
	// Interval is how often the dispatch loop polls for due triggers.
	Interval time.Duration
	// ItemTimeout bounds one trigger's generation and delivery so a slow
	// item cannot stall the whole batch.
	ItemTimeout time.Duration
	// MaxTokens for proactive message generation.
	MaxTokens int
}

const proactiveSystemPrompt = `Ты — тёплый, внимательный проводник reLove. Ты сопровождаешь человека по этапам его внутреннего путешествия (путь героя). Пиши по-русски, коротко (2-4 предложения), бережно, без давления и без морализаторства. Не упоминай, что ты бот или что сообщение автоматическое.`

// Dispatcher is the only component allowed to move a trigger out of the
// pending state.
type Dispatcher struct {
	store     storage.Storage
	gate      *Gate
	generator llm.Generator
	sender    Sender
	config    DispatcherConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewDispatcher(store storage.Storage, gate *Gate, generator llm.Generator, sender Sender, config DispatcherConfig, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		gate:      gate,
		generator: generator,
		sender:    sender,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

// Run executes the dispatch loop until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started",
		zap.Duration("interval", d.config.Interval))

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	d.Dispatch(ctx)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case <-ticker.C:
			d.Dispatch(ctx)
		}
	}
}

// Dispatch processes every due pending trigger once. One trigger's failure
// never stops the rest of the batch.
func (d *Dispatcher) Dispatch(ctx context.Context) {
	now := d.now()
	due, err := d.store.ListDueTriggers(ctx, now)
	if err != nil {
		d.logger.Error("Failed to list due triggers", zap.Error(err))
		return
	}

	for _, trigger := range due {
		if ctx.Err() != nil {
			return
		}
		itemCtx, cancel := context.WithTimeout(ctx, d.config.ItemTimeout)
		d.dispatchOne(itemCtx, trigger, now)
		cancel()
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, trigger *models.Trigger, now time.Time) {
	log := d.logger.With(
		zap.String("trigger_id", trigger.ID),
		zap.Int64("user_id", trigger.UserID),
		zap.String("kind", string(trigger.Kind)))

	decision, err := d.gate.Allow(ctx, trigger, now)
	if err != nil {
		// Gate errors leave the trigger pending; next tick retries.
		log.Error("Gate check failed", zap.Error(err))
		return
	}
	if !decision.Allowed {
		// Deferral, not failure: the trigger stays pending.
		log.Debug("Trigger deferred", zap.String("reason", string(decision.Reason)))
		return
	}

	user, err := d.store.GetUser(ctx, trigger.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			d.markFailed(ctx, trigger, "user not found", log)
			return
		}
		log.Error("Failed to load user", zap.Error(err))
		return
	}

	text, err := d.composeMessage(ctx, trigger, user)
	if err != nil {
		d.markFailed(ctx, trigger, fmt.Sprintf("generation: %v", err), log)
		return
	}

	// Delivery happens before the trigger is marked executed, so a trigger
	// never reads as sent when the message did not go out.
	if err := d.sender.Send(ctx, user.ChatID, text); err != nil {
		d.markFailed(ctx, trigger, fmt.Sprintf("delivery: %v", err), log)
		return
	}

	if err := d.store.MarkTriggerExecuted(ctx, trigger.ID, text, d.now()); err != nil {
		log.Error("Failed to mark trigger executed", zap.Error(err))
		return
	}
	log.Info("Proactive message sent")
}

// markFailed moves a trigger to its terminal failed state. Failed triggers
// are never retried automatically; re-firing is an operator action.
func (d *Dispatcher) markFailed(ctx context.Context, trigger *models.Trigger, reason string, log *zap.Logger) {
	if err := d.store.MarkTriggerFailed(ctx, trigger.ID, reason, d.now()); err != nil {
		log.Error("Failed to mark trigger failed", zap.Error(err))
		return
	}
	log.Warn("Trigger failed", zap.String("reason", reason))
}

func (d *Dispatcher) composeMessage(ctx context.Context, trigger *models.Trigger, user *models.User) (string, error) {
	var b strings.Builder
	b.WriteString(kindInstruction(trigger.Kind))
	b.WriteString("\n\n")

	if user.CurrentStage != nil {
		fmt.Fprintf(&b, "Текущий этап пути: %s.\n", user.CurrentStage.Title())
	} else {
		b.WriteString("Этап пути ещё не определён.\n")
	}

	if session, err := d.store.GetSession(ctx, user.ID); err == nil {
		recent := session.LastMessages(6)
		if len(recent) > 0 {
			b.WriteString("Недавний диалог:\n")
			for _, msg := range recent {
				fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
			}
		}
	}

	text, err := d.generator.Generate(ctx, b.String(), proactiveSystemPrompt, d.config.MaxTokens)
	if err != nil {
		return "", err
	}
	return text, nil
}

// kindInstruction maps each trigger kind to its message brief. The switch
// is exhaustive over models.TriggerKind; a new kind must be handled here.
func kindInstruction(kind models.TriggerKind) string {
	switch kind {
	case models.TriggerInactivity:
		return "Человек давно не выходил на связь. Напиши мягкое сообщение, чтобы вернуть его к разговору: спроси, как он, без упрёков за молчание."
	case models.TriggerMilestone:
		return "Человек только что перешёл на новый этап пути. Поздравь его с этим шагом и коротко подсвети, что этот этап может принести."
	case models.TriggerAvoidance:
		return "Человек, похоже, избегает темы: отвечает коротко и уклончиво. Бережно предложи вернуться к важному, дай понять, что спешить некуда."
	case models.TriggerCheckin:
		return "Пришло время планового чек-ина. Спроси, что изменилось с прошлого разговора, и предложи один небольшой вопрос для размышления."
	default:
		return "Напиши короткое тёплое сообщение поддержки."
	}
}
