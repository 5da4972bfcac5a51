package storage

import (
	"context"
	"errors"
	"time"

	"github.com/temsan/reLove-communication-bot-sub000/internal/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrTriggerFinal is returned when marking a trigger that already
	// reached a terminal state; terminal triggers never change again.
	ErrTriggerFinal = errors.New("trigger already in terminal state")
	// ErrDuplicateOpenTrigger is returned by CreateTrigger when a
	// non-executed trigger of the same kind already exists for the user.
	ErrDuplicateOpenTrigger = errors.New("open trigger of this kind already exists for user")
)

type Storage interface {
	// Users
	GetUser(ctx context.Context, id int64) (*models.User, error)
	SaveUser(ctx context.Context, user *models.User) error
	ListUsers(ctx context.Context) ([]*models.User, error)
	UpdateUserMarkers(ctx context.Context, userID int64, markers map[string]string) error
	TouchUser(ctx context.Context, userID int64, at time.Time) error

	// Sessions
	GetSession(ctx context.Context, userID int64) (*models.Session, error)
	SaveSession(ctx context.Context, session *models.Session) error
	ListIdleSessions(ctx context.Context, before time.Time) ([]*models.Session, error)

	// Triggers. CreateTrigger enforces the one-open-trigger-per-kind
	// invariant inside the write so concurrent sweeps cannot double-insert.
	// The Mark methods transition pending triggers only.
	CreateTrigger(ctx context.Context, trigger *models.Trigger) error
	GetTrigger(ctx context.Context, id string) (*models.Trigger, error)
	HasOpenTrigger(ctx context.Context, userID int64, kind models.TriggerKind) (bool, error)
	ListDueTriggers(ctx context.Context, now time.Time) ([]*models.Trigger, error)
	MarkTriggerExecuted(ctx context.Context, id string, sentText string, at time.Time) error
	MarkTriggerFailed(ctx context.Context, id string, reason string, at time.Time) error
	CountExecutedSince(ctx context.Context, userID int64, since time.Time) (int, error)
	LastExecutedTrigger(ctx context.Context, userID int64, kind models.TriggerKind) (*models.Trigger, error)

	// Stage transitions. AddStageTransition also updates the user's
	// current stage in the same unit of work.
	AddStageTransition(ctx context.Context, transition *models.StageTransition) error
	ListTransitionsSince(ctx context.Context, since time.Time) ([]*models.StageTransition, error)
	ListUserTransitions(ctx context.Context, userID int64, limit int) ([]*models.StageTransition, error)

	// Engagement policy
	GetPolicy(ctx context.Context) (models.EngagementPolicy, error)
	SavePolicy(ctx context.Context, policy models.EngagementPolicy) error

	Close() error
}
