package engage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/temsan/reLove-communication-bot-sub000/internal/models"
	"github.com/temsan/reLove-communication-bot-sub000/internal/storage"
	"go.uber.org/zap"
)

type DetectorConfig struct {
	// InactivityThreshold is how long an active session may sit untouched
	// before an inactivity trigger is proposed.
	InactivityThreshold time.Duration
	// CheckinInterval is how long after the last executed check-in (or
	// registration) a new scheduled check-in is proposed.
	CheckinInterval time.Duration
	// MilestoneWindow is how far back the sweep looks for fresh stage
	// transitions.
	MilestoneWindow time.Duration
	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration
}

// Detector examines activity signals and proposes triggers. It never sends
// anything itself; proposals are rows the dispatcher picks up later.
type Detector struct {
	store     storage.Storage
	heuristic Heuristic
	config    DetectorConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewDetector(store storage.Storage, heuristic Heuristic, config DetectorConfig, logger *zap.Logger) *Detector {
	return &Detector{
		store:     store,
		heuristic: heuristic,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

// Run executes the sweep on a fixed interval until ctx is cancelled.
// It fires once immediately to catch anything missed while down.
func (d *Detector) Run(ctx context.Context) {
	d.logger.Info("detector sweep started",
		zap.Duration("interval", d.config.SweepInterval))

	ticker := time.NewTicker(d.config.SweepInterval)
	defer ticker.Stop()

	d.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("detector sweep stopped")
			return
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep runs every detection rule once. Rule failures are logged and do
// not abort the remaining rules.
func (d *Detector) Sweep(ctx context.Context) {
	now := d.now()

	if err := d.DetectInactivity(ctx, now); err != nil {
		d.logger.Error("Inactivity detection failed", zap.Error(err))
	}
	if err := d.DetectMilestones(ctx, now); err != nil {
		d.logger.Error("Milestone detection failed", zap.Error(err))
	}
	if err := d.DetectCheckins(ctx, now); err != nil {
		d.logger.Error("Check-in detection failed", zap.Error(err))
	}
}

// DetectInactivity proposes an inactivity trigger for every user whose
// active session has been idle past the threshold.
func (d *Detector) DetectInactivity(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-d.config.InactivityThreshold)
	sessions, err := d.store.ListIdleSessions(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, session := range sessions {
		d.propose(ctx, session.UserID, models.TriggerInactivity, now)
	}
	return nil
}

// DetectMilestones proposes a milestone trigger for every user with a
// stage transition inside the recent window. A transition that already
// produced an executed trigger is skipped, so one transition cannot
// congratulate twice while it is still inside the window.
func (d *Detector) DetectMilestones(ctx context.Context, now time.Time) error {
	transitions, err := d.store.ListTransitionsSince(ctx, now.Add(-d.config.MilestoneWindow))
	if err != nil {
		return err
	}

	for _, transition := range transitions {
		if d.milestoneAlreadyFired(ctx, transition) {
			continue
		}
		d.propose(ctx, transition.UserID, models.TriggerMilestone, now)
	}
	return nil
}

func (d *Detector) milestoneAlreadyFired(ctx context.Context, transition *models.StageTransition) bool {
	last, err := d.store.LastExecutedTrigger(ctx, transition.UserID, models.TriggerMilestone)
	if err != nil {
		return false
	}
	return !last.CreatedAt.Before(transition.CreatedAt)
}

// DetectCheckins proposes a scheduled check-in for every user whose last
// executed check-in (or registration, if none) is older than the interval.
func (d *Detector) DetectCheckins(ctx context.Context, now time.Time) error {
	users, err := d.store.ListUsers(ctx)
	if err != nil {
		return err
	}

	for _, user := range users {
		since := user.CreatedAt
		last, err := d.store.LastExecutedTrigger(ctx, user.ID, models.TriggerCheckin)
		if err == nil && last.ExecutedAt != nil {
			since = *last.ExecutedAt
		} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
			d.logger.Error("Failed to load last check-in",
				zap.Error(err),
				zap.Int64("user_id", user.ID))
			continue
		}

		if now.Sub(since) >= d.config.CheckinInterval {
			d.propose(ctx, user.ID, models.TriggerCheckin, now)
		}
	}
	return nil
}

// DetectAvoidance runs the heuristic over the session's last user turns and
// proposes an avoidance trigger on a flag. Called inline by the chat-turn
// handler, not from the sweep.
func (d *Detector) DetectAvoidance(ctx context.Context, session *models.Session) {
	var userTurns []models.ChatMessage
	for i := len(session.Messages) - 1; i >= 0 && len(userTurns) < 3; i-- {
		if session.Messages[i].Role == models.RoleUser {
			userTurns = append([]models.ChatMessage{session.Messages[i]}, userTurns...)
		}
	}

	if !d.heuristic.Avoidant(userTurns) {
		return
	}
	d.propose(ctx, session.UserID, models.TriggerAvoidance, d.now())
}

// propose creates a pending trigger unless an open one of the same kind
// already exists. Detection and creation are not atomic across sweeps, so
// a duplicate insert is treated as a benign race, not an error.
func (d *Detector) propose(ctx context.Context, userID int64, kind models.TriggerKind, at time.Time) {
	open, err := d.store.HasOpenTrigger(ctx, userID, kind)
	if err != nil {
		d.logger.Error("Failed to check open triggers",
			zap.Error(err),
			zap.Int64("user_id", userID),
			zap.String("kind", string(kind)))
		return
	}
	if open {
		return
	}

	trigger := &models.Trigger{
		ID:          uuid.New().String(),
		UserID:      userID,
		Kind:        kind,
		State:       models.TriggerPending,
		ScheduledAt: at,
		CreatedAt:   at,
	}
	if err := d.store.CreateTrigger(ctx, trigger); err != nil {
		if errors.Is(err, storage.ErrDuplicateOpenTrigger) {
			d.logger.Debug("Trigger already proposed",
				zap.Int64("user_id", userID),
				zap.String("kind", string(kind)))
			return
		}
		d.logger.Error("Failed to create trigger",
			zap.Error(err),
			zap.Int64("user_id", userID),
			zap.String("kind", string(kind)))
		return
	}

	d.logger.Info("Trigger proposed",
		zap.Int64("user_id", userID),
		zap.String("kind", string(kind)))
}
