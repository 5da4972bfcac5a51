package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/temsan/reLove-communication-bot-sub000/internal/models"
)

// MemoryStorage is a mutex-guarded in-memory Storage used for tests and
// local runs without a database.
type MemoryStorage struct {
	mu          sync.RWMutex
	users       map[int64]*models.User
	sessions    map[int64]*models.Session
	triggers    map[string]*models.Trigger
	transitions []*models.StageTransition
	policy      models.EngagementPolicy
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:    make(map[int64]*models.User),
		sessions: make(map[int64]*models.Session),
		triggers: make(map[string]*models.Trigger),
		policy: models.EngagementPolicy{
			MaxPerDay:      2,
			WindowStartMin: 9 * 60,
			WindowEndMin:   21 * 60,
			Timezone:       "Europe/Moscow",
			EnabledKinds:   models.AllTriggerKinds,
		},
	}
}

func cloneUser(u *models.User) *models.User {
	c := *u
	if u.Markers != nil {
		c.Markers = make(map[string]string, len(u.Markers))
		for k, v := range u.Markers {
			c.Markers[k] = v
		}
	}
	if u.CurrentStage != nil {
		stage := *u.CurrentStage
		c.CurrentStage = &stage
	}
	return &c
}

func cloneSession(s *models.Session) *models.Session {
	c := *s
	c.Messages = append([]models.ChatMessage(nil), s.Messages...)
	if s.Data != nil {
		c.Data = make(map[string]string, len(s.Data))
		for k, v := range s.Data {
			c.Data[k] = v
		}
	}
	return &c
}

func cloneTrigger(t *models.Trigger) *models.Trigger {
	c := *t
	if t.ExecutedAt != nil {
		at := *t.ExecutedAt
		c.ExecutedAt = &at
	}
	return &c
}

func cloneTransition(t *models.StageTransition) *models.StageTransition {
	c := *t
	if t.PreviousStage != nil {
		stage := *t.PreviousStage
		c.PreviousStage = &stage
	}
	return &c
}

func (s *MemoryStorage) GetUser(ctx context.Context, id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if user, exists := s.users[id]; exists {
		return cloneUser(user), nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) SaveUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[user.ID] = cloneUser(user)
	return nil
}

func (s *MemoryStorage) ListUsers(ctx context.Context) ([]*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]*models.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, cloneUser(u))
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *MemoryStorage) UpdateUserMarkers(ctx context.Context, userID int64, markers map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[userID]
	if !exists {
		return ErrNotFound
	}
	if user.Markers == nil {
		user.Markers = make(map[string]string, len(markers))
	}
	for k, v := range markers {
		user.Markers[k] = v
	}
	return nil
}

func (s *MemoryStorage) TouchUser(ctx context.Context, userID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[userID]
	if !exists {
		return ErrNotFound
	}
	user.LastSeenAt = at
	return nil
}

func (s *MemoryStorage) GetSession(ctx context.Context, userID int64) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if session, exists := s.sessions[userID]; exists {
		return cloneSession(session), nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) SaveSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.UserID] = cloneSession(session)
	return nil
}

func (s *MemoryStorage) ListIdleSessions(ctx context.Context, before time.Time) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var idle []*models.Session
	for _, session := range s.sessions {
		if session.Active && session.UpdatedAt.Before(before) {
			idle = append(idle, cloneSession(session))
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].UserID < idle[j].UserID })
	return idle, nil
}

func (s *MemoryStorage) CreateTrigger(ctx context.Context, trigger *models.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.triggers {
		if t.UserID == trigger.UserID && t.Kind == trigger.Kind && !t.State.Terminal() {
			return ErrDuplicateOpenTrigger
		}
	}

	saved := cloneTrigger(trigger)
	if saved.State == "" {
		saved.State = models.TriggerPending
	}
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = time.Now()
	}
	s.triggers[saved.ID] = saved
	return nil
}

func (s *MemoryStorage) GetTrigger(ctx context.Context, id string) (*models.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, exists := s.triggers[id]; exists {
		return cloneTrigger(t), nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) HasOpenTrigger(ctx context.Context, userID int64, kind models.TriggerKind) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.triggers {
		if t.UserID == userID && t.Kind == kind && !t.State.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStorage) ListDueTriggers(ctx context.Context, now time.Time) ([]*models.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*models.Trigger
	for _, t := range s.triggers {
		if t.State == models.TriggerPending && !t.ScheduledAt.After(now) {
			due = append(due, cloneTrigger(t))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	return due, nil
}

func (s *MemoryStorage) MarkTriggerExecuted(ctx context.Context, id string, sentText string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.triggers[id]
	if !exists {
		return ErrNotFound
	}
	if t.State.Terminal() {
		return ErrTriggerFinal
	}
	t.State = models.TriggerExecuted
	t.SentText = sentText
	executed := at
	t.ExecutedAt = &executed
	return nil
}

func (s *MemoryStorage) MarkTriggerFailed(ctx context.Context, id string, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.triggers[id]
	if !exists {
		return ErrNotFound
	}
	if t.State.Terminal() {
		return ErrTriggerFinal
	}
	t.State = models.TriggerFailed
	t.Error = reason
	executed := at
	t.ExecutedAt = &executed
	return nil
}

func (s *MemoryStorage) CountExecutedSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, t := range s.triggers {
		if t.UserID == userID && t.State == models.TriggerExecuted &&
			t.ExecutedAt != nil && !t.ExecutedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStorage) LastExecutedTrigger(ctx context.Context, userID int64, kind models.TriggerKind) (*models.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last *models.Trigger
	for _, t := range s.triggers {
		if t.UserID != userID || t.Kind != kind || t.State != models.TriggerExecuted || t.ExecutedAt == nil {
			continue
		}
		if last == nil || t.ExecutedAt.After(*last.ExecutedAt) {
			last = t
		}
	}
	if last == nil {
		return nil, ErrNotFound
	}
	return cloneTrigger(last), nil
}

func (s *MemoryStorage) AddStageTransition(ctx context.Context, transition *models.StageTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := cloneTransition(transition)
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = time.Now()
	}
	s.transitions = append(s.transitions, saved)

	if user, exists := s.users[transition.UserID]; exists {
		stage := transition.Stage
		user.CurrentStage = &stage
	}
	return nil
}

func (s *MemoryStorage) ListTransitionsSince(ctx context.Context, since time.Time) ([]*models.StageTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recent []*models.StageTransition
	for _, t := range s.transitions {
		if !t.CreatedAt.Before(since) {
			recent = append(recent, cloneTransition(t))
		}
	}
	return recent, nil
}

func (s *MemoryStorage) ListUserTransitions(ctx context.Context, userID int64, limit int) ([]*models.StageTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var mine []*models.StageTransition
	for i := len(s.transitions) - 1; i >= 0 && len(mine) < limit; i-- {
		if s.transitions[i].UserID == userID {
			mine = append(mine, cloneTransition(s.transitions[i]))
		}
	}
	return mine, nil
}

func (s *MemoryStorage) GetPolicy(ctx context.Context) (models.EngagementPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	policy := s.policy
	policy.EnabledKinds = append([]models.TriggerKind(nil), s.policy.EnabledKinds...)
	return policy, nil
}

func (s *MemoryStorage) SavePolicy(ctx context.Context, policy models.EngagementPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	policy.EnabledKinds = append([]models.TriggerKind(nil), policy.EnabledKinds...)
	s.policy = policy
	return nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
