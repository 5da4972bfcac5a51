package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/temsan/reLove-communication-bot-sub000/internal/engage"
	"github.com/temsan/reLove-communication-bot-sub000/internal/llm"
	"github.com/temsan/reLove-communication-bot-sub000/internal/models"
	"github.com/temsan/reLove-communication-bot-sub000/internal/profile"
	"github.com/temsan/reLove-communication-bot-sub000/internal/stage"
	"github.com/temsan/reLove-communication-bot-sub000/internal/storage"
	"go.uber.org/zap"
)

const companionSystemPrompt = `Ты — тёплый проводник reLove, сопровождаешь человека по этапам пути героя. Отвечай по-русски, живо и бережно, задавай не больше одного вопроса за раз. Не ставь диагнозы, не дави и не читай лекций.`

// sessionTurnsKey stores the user-turn counter used for stage sampling.
const sessionTurnsKey = "user_turns"

type Config struct {
	ReplyMaxTokens int
	HistoryLimit   int
}

type Bot struct {
	api       *tgbotapi.BotAPI
	storage   storage.Storage
	generator llm.Generator
	tracker   *stage.Tracker
	pipeline  *profile.Pipeline
	detector  *engage.Detector
	config    Config
	logger    *zap.Logger
}

func New(token string, storage storage.Storage, generator llm.Generator, tracker *stage.Tracker, pipeline *profile.Pipeline, detector *engage.Detector, config Config, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &Bot{
		api:       api,
		storage:   storage,
		generator: generator,
		tracker:   tracker,
		pipeline:  pipeline,
		detector:  detector,
		config:    config,
		logger:    logger,
	}, nil
}

// API exposes the underlying client so main can build the dispatcher's
// sender from the same connection.
func (b *Bot) API() *tgbotapi.BotAPI {
	return b.api
}

func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			go b.handleMessage(ctx, update.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}

	text := message.Text
	if message.Caption != "" {
		text = message.Caption
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	user, err := b.ensureUser(ctx, message.From.ID, message.Chat.ID)
	if err != nil {
		b.logger.Error("Failed to load user",
			zap.Error(err),
			zap.Int64("user_id", message.From.ID))
		b.sendErrorMessage(message.Chat.ID, "Что-то пошло не так, попробуй ещё раз.")
		return
	}

	session, turns, err := b.recordUserTurn(ctx, user, text)
	if err != nil {
		b.logger.Error("Failed to record turn",
			zap.Error(err),
			zap.Int64("user_id", user.ID))
		b.sendErrorMessage(message.Chat.ID, "Что-то пошло не так, попробуй ещё раз.")
		return
	}

	reply, err := b.composeReply(ctx, user, session)
	if err != nil {
		b.logger.Error("Failed to compose reply",
			zap.Error(err),
			zap.Int64("user_id", user.ID))
		b.sendErrorMessage(message.Chat.ID, "Не получилось ответить. Попробуй написать ещё раз чуть позже.")
		return
	}

	session.Messages = append(session.Messages, models.ChatMessage{
		Role:      models.RoleAssistant,
		Content:   reply,
		CreatedAt: time.Now(),
	})
	session.UpdatedAt = time.Now()
	if err := b.storage.SaveSession(ctx, session); err != nil {
		b.logger.Error("Failed to save session",
			zap.Error(err),
			zap.Int64("user_id", user.ID))
	}

	b.sendMessage(message.Chat.ID, reply)

	// Avoidance detection runs on every turn; stage evaluation and the
	// profile refresh are sampled every Nth turn to bound generation cost.
	b.detector.DetectAvoidance(ctx, session)

	if b.tracker.ShouldEvaluate(turns) {
		if err := b.tracker.Evaluate(ctx, user.ID, session.LastMessages(b.config.HistoryLimit)); err != nil {
			b.logger.Error("Stage evaluation failed",
				zap.Error(err),
				zap.Int64("user_id", user.ID))
		}
		go b.refreshProfile(user.ID)
	}
}

func (b *Bot) recordUserTurn(ctx context.Context, user *models.User, text string) (*models.Session, int, error) {
	now := time.Now()

	session, err := b.storage.GetSession(ctx, user.ID)
	if errors.Is(err, storage.ErrNotFound) {
		session = &models.Session{
			UserID: user.ID,
			ChatID: user.ChatID,
			Data:   map[string]string{},
			Active: true,
		}
	} else if err != nil {
		return nil, 0, err
	}
	if session.Data == nil {
		session.Data = map[string]string{}
	}

	session.Messages = append(session.Messages, models.ChatMessage{
		Role:      models.RoleUser,
		Content:   text,
		CreatedAt: now,
	})
	session.Active = true
	session.UpdatedAt = now

	turns, _ := strconv.Atoi(session.Data[sessionTurnsKey])
	turns++
	session.Data[sessionTurnsKey] = strconv.Itoa(turns)

	if err := b.storage.SaveSession(ctx, session); err != nil {
		return nil, 0, err
	}
	if err := b.storage.TouchUser(ctx, user.ID, now); err != nil {
		b.logger.Error("Failed to touch user",
			zap.Error(err),
			zap.Int64("user_id", user.ID))
	}
	return session, turns, nil
}

func (b *Bot) composeReply(ctx context.Context, user *models.User, session *models.Session) (string, error) {
	var p strings.Builder
	if user.CurrentStage != nil {
		fmt.Fprintf(&p, "Этап пути собеседника: %s.\n\n", user.CurrentStage.Title())
	}
	p.WriteString("Диалог:\n")
	for _, msg := range session.LastMessages(b.config.HistoryLimit) {
		fmt.Fprintf(&p, "%s: %s\n", msg.Role, msg.Content)
	}
	p.WriteString("\nОтветь собеседнику.")

	return b.generator.Generate(ctx, p.String(), companionSystemPrompt, b.config.ReplyMaxTokens)
}

func (b *Bot) refreshProfile(userID int64) {
	// Detached from the chat turn: runs with its own context so a closed
	// update loop does not cancel an in-flight profile write.
	result, err := b.pipeline.UpdateProfile(context.Background(), userID)
	if errors.Is(err, profile.ErrUpdateInProgress) {
		return
	}
	if err != nil {
		b.logger.Error("Profile update failed",
			zap.Error(err),
			zap.Int64("user_id", userID))
		return
	}
	if !result.Success {
		b.logger.Warn("Profile update produced no result",
			zap.Int64("user_id", userID),
			zap.String("strategy", string(result.Strategy)))
	}
}

func (b *Bot) ensureUser(ctx context.Context, userID, chatID int64) (*models.User, error) {
	user, err := b.storage.GetUser(ctx, userID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	user = &models.User{
		ID:         userID,
		ChatID:     chatID,
		Markers:    map[string]string{},
		LastSeenAt: now,
		CreatedAt:  now,
	}
	if err := b.storage.SaveUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		b.handleStart(ctx, message)
	case "help":
		b.handleHelp(message)
	case "stage":
		b.handleStage(ctx, message)
	case "profile":
		b.handleProfile(ctx, message)
	case "checkin":
		b.handleCheckin(ctx, message)
	default:
		b.sendMessage(message.Chat.ID, "Не знаю такой команды. Посмотри /help.")
	}
}

func (b *Bot) handleStart(ctx context.Context, message *tgbotapi.Message) {
	if _, err := b.ensureUser(ctx, message.From.ID, message.Chat.ID); err != nil {
		b.logger.Error("Failed to register user",
			zap.Error(err),
			zap.Int64("user_id", message.From.ID))
		b.sendErrorMessage(message.Chat.ID, "Не получилось начать. Попробуй ещё раз.")
		return
	}

	welcome := `Привет! Я проводник reLove 🌱
Я буду рядом на твоём пути героя: помогу замечать, где ты сейчас, и бережно напомню о себе, если ты надолго пропадёшь.

Просто пиши мне, как пишешь близкому человеку.
/help — что я умею.`

	b.sendMessage(message.Chat.ID, welcome)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Что я умею:
/start — начать путь
/help — эта справка
/stage — твой текущий этап и последние переходы
/profile — что я о тебе понял
/checkin — попросить внеплановый чек-ин

Я сам напишу тебе, если ты давно не появлялся, прошёл новый этап или тебе может быть нужна поддержка.`

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleStage(ctx context.Context, message *tgbotapi.Message) {
	user, err := b.ensureUser(ctx, message.From.ID, message.Chat.ID)
	if err != nil {
		b.sendErrorMessage(message.Chat.ID, "Не получилось достать твой этап.")
		return
	}

	if user.CurrentStage == nil {
		b.sendMessage(message.Chat.ID, "Твой этап пока не определён — продолжим разговор, и он проявится.")
		return
	}

	response := fmt.Sprintf("*Твой этап:* %s\n", escapeMarkdown(user.CurrentStage.Title()))

	transitions, err := b.storage.ListUserTransitions(ctx, user.ID, 3)
	if err == nil && len(transitions) > 0 {
		response += "\n*Последние переходы:*\n"
		for _, tr := range transitions {
			from := "начало"
			if tr.PreviousStage != nil {
				from = string(*tr.PreviousStage)
			}
			response += escapeMarkdown(fmt.Sprintf("%s → %s (%s)\n",
				from, tr.Stage, tr.CreatedAt.Format("02.01.2006")))
		}
	}

	msg := tgbotapi.NewMessage(message.Chat.ID, response)
	msg.ParseMode = "MarkdownV2"
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send stage message",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
	}
}

func (b *Bot) handleProfile(ctx context.Context, message *tgbotapi.Message) {
	user, err := b.ensureUser(ctx, message.From.ID, message.Chat.ID)
	if err != nil {
		b.sendErrorMessage(message.Chat.ID, "Не получилось достать твой профиль.")
		return
	}

	summary := user.Markers[models.MarkerProfileSummary]
	if summary == "" {
		b.sendMessage(message.Chat.ID, "Я пока мало о тебе знаю. Поговорим — и профиль появится.")
		return
	}

	response := fmt.Sprintf("*Что я понял:* %s\n", escapeMarkdown(summary))
	if tags := user.Markers[models.MarkerProfileTags]; tags != "" {
		response += fmt.Sprintf("*Темы:* %s\n", escapeMarkdown(tags))
	}

	msg := tgbotapi.NewMessage(message.Chat.ID, response)
	msg.ParseMode = "MarkdownV2"
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send profile message",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
	}
}

func (b *Bot) handleCheckin(ctx context.Context, message *tgbotapi.Message) {
	user, err := b.ensureUser(ctx, message.From.ID, message.Chat.ID)
	if err != nil {
		b.sendErrorMessage(message.Chat.ID, "Не получилось запланировать чек-ин.")
		return
	}

	trigger := &models.Trigger{
		ID:          uuid.New().String(),
		UserID:      user.ID,
		Kind:        models.TriggerCheckin,
		State:       models.TriggerPending,
		ScheduledAt: time.Now(),
		CreatedAt:   time.Now(),
	}
	err = b.storage.CreateTrigger(ctx, trigger)
	if errors.Is(err, storage.ErrDuplicateOpenTrigger) {
		b.sendMessage(message.Chat.ID, "Чек-ин уже запланирован — я скоро напишу.")
		return
	}
	if err != nil {
		b.logger.Error("Failed to create checkin trigger",
			zap.Error(err),
			zap.Int64("user_id", user.ID))
		b.sendErrorMessage(message.Chat.ID, "Не получилось запланировать чек-ин.")
		return
	}

	b.sendMessage(message.Chat.ID, "Принято, я напишу тебе в ближайшее подходящее время.")
}

// escapeMarkdown escapes special characters for MarkdownV2
func escapeMarkdown(text string) string {
	specialChars := []string{"_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, "⚠️ "+text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send error message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}
