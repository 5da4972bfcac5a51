package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/temsan/reLove-communication-bot-sub000/internal/bot"
	"github.com/temsan/reLove-communication-bot-sub000/internal/engage"
	"github.com/temsan/reLove-communication-bot-sub000/internal/llm"
	"github.com/temsan/reLove-communication-bot-sub000/internal/models"
	"github.com/temsan/reLove-communication-bot-sub000/internal/profile"
	"github.com/temsan/reLove-communication-bot-sub000/internal/stage"
	"github.com/temsan/reLove-communication-bot-sub000/internal/storage"
	"github.com/temsan/reLove-communication-bot-sub000/pkg/config"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", "config.yaml"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage")
		dbConfig := storage.DatabaseConfig{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			DBName:      cfg.Database.DBName,
			SSLMode:     cfg.Database.SSLMode,
			UseInMemory: cfg.Database.UseInMemory,
		}
		store, err = storage.NewPostgresStorage(dbConfig, logger)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	// Config is the authoritative policy source: every boot writes it over
	// whatever is stored. Runtime SavePolicy changes last until the next
	// restart.
	policy, err := policyFromConfig(cfg.Engagement)
	if err != nil {
		logger.Fatal("Invalid engagement policy", zap.Error(err))
	}
	if err := store.SavePolicy(ctx, policy); err != nil {
		logger.Fatal("Failed to save engagement policy", zap.Error(err))
	}

	// Initialize the generation collaborator
	generator := llm.NewOpenAIGenerator(
		cfg.OpenAI.APIKey,
		cfg.OpenAI.Model,
		cfg.OpenAI.Temperature,
		cfg.OpenAI.Timeout,
		logger,
	)

	// Engagement engine
	policyCache := engage.NewPolicyCache(store, cfg.Engagement.PolicyCacheTTL)
	gate := engage.NewGate(policyCache, store)

	phrases := cfg.Avoidance.Phrases
	if len(phrases) == 0 {
		phrases = engage.DefaultDenialPhrases
	}
	heuristic := engage.NewLexiconHeuristic(cfg.Avoidance.MinLength, phrases)

	detector := engage.NewDetector(store, heuristic, engage.DetectorConfig{
		InactivityThreshold: cfg.Engagement.InactivityThreshold,
		CheckinInterval:     cfg.Engagement.CheckinInterval,
		MilestoneWindow:     cfg.Engagement.MilestoneWindow,
		SweepInterval:       cfg.Engagement.DetectorInterval,
	}, logger)

	tracker := stage.NewTracker(store, generator, stage.TrackerConfig{
		EvaluateEvery: cfg.Stage.EvaluateEvery,
		MaxTokens:     cfg.Stage.MaxTokens,
	}, logger)

	pipeline := profile.NewPipeline(store, generator, profile.Config{
		Strategy:  profile.Strategy(cfg.Profile.Strategy),
		Timeout:   cfg.Profile.Timeout,
		MaxTokens: cfg.Profile.MaxTokens,
	}, logger)

	// Initialize bot
	b, err := bot.New(cfg.Telegram.Token, store, generator, tracker, pipeline, detector, bot.Config{
		ReplyMaxTokens: cfg.Bot.ReplyMaxTokens,
		HistoryLimit:   cfg.Bot.HistoryLimit,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create bot", zap.Error(err))
	}

	dispatcher := engage.NewDispatcher(store, gate, generator, bot.NewTelegramSender(b.API()), engage.DispatcherConfig{
		Interval:    cfg.Engagement.DispatcherInterval,
		ItemTimeout: cfg.Engagement.ItemTimeout,
		MaxTokens:   cfg.Engagement.ProactiveMaxTokens,
	}, logger)

	// Start background loops
	go detector.Run(ctx)
	go dispatcher.Run(ctx)

	// Start the bot
	if err := b.Start(ctx); err != nil {
		logger.Fatal("Bot error", zap.Error(err))
	}
}

func policyFromConfig(cfg config.EngagementConfig) (models.EngagementPolicy, error) {
	start, err := config.ParseClock(cfg.WindowStart)
	if err != nil {
		return models.EngagementPolicy{}, err
	}
	end, err := config.ParseClock(cfg.WindowEnd)
	if err != nil {
		return models.EngagementPolicy{}, err
	}

	kinds := make([]models.TriggerKind, 0, len(cfg.EnabledKinds))
	for _, k := range cfg.EnabledKinds {
		kind := models.TriggerKind(k)
		if kind.Valid() {
			kinds = append(kinds, kind)
		}
	}

	return models.EngagementPolicy{
		MaxPerDay:      cfg.MaxPerDay,
		WindowStartMin: start,
		WindowEndMin:   end,
		Timezone:       cfg.Timezone,
		EnabledKinds:   kinds,
	}, nil
}
