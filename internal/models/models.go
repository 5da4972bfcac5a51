package models

import "time"

// User represents a bot user and their position in the journey
type User struct {
	ID           int64             `json:"id"`
	ChatID       int64             `json:"chat_id"`
	CurrentStage *Stage            `json:"current_stage,omitempty"`
	Markers      map[string]string `json:"markers"`
	LastSeenAt   time.Time         `json:"last_seen_at"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Marker keys written by the profile pipeline.
const (
	MarkerProfileSummary   = "profile.summary"
	MarkerProfileTags      = "profile.tags"
	MarkerProfileStrategy  = "profile.strategy"
	MarkerProfileUpdatedAt = "profile.updated_at"
)

// StageTransition is an append-only audit record of a confirmed stage change.
type StageTransition struct {
	ID            string    `json:"id"`
	UserID        int64     `json:"user_id"`
	Stage         Stage     `json:"stage"`
	PreviousStage *Stage    `json:"previous_stage,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type TriggerKind string

const (
	TriggerInactivity TriggerKind = "inactivity"
	TriggerMilestone  TriggerKind = "milestone"
	TriggerAvoidance  TriggerKind = "avoidance"
	TriggerCheckin    TriggerKind = "checkin"
)

// AllTriggerKinds lists every kind the dispatcher knows how to handle.
var AllTriggerKinds = []TriggerKind{
	TriggerInactivity,
	TriggerMilestone,
	TriggerAvoidance,
	TriggerCheckin,
}

func (k TriggerKind) Valid() bool {
	switch k {
	case TriggerInactivity, TriggerMilestone, TriggerAvoidance, TriggerCheckin:
		return true
	}
	return false
}

type TriggerState string

const (
	TriggerPending  TriggerState = "pending"
	TriggerExecuted TriggerState = "executed"
	TriggerFailed   TriggerState = "failed"
)

// Terminal reports whether a trigger in this state may never change again.
func (s TriggerState) Terminal() bool {
	return s == TriggerExecuted || s == TriggerFailed
}

// Trigger is a scheduled, policy-gated candidate for a proactive message.
type Trigger struct {
	ID          string       `json:"id"`
	UserID      int64        `json:"user_id"`
	Kind        TriggerKind  `json:"kind"`
	State       TriggerState `json:"state"`
	ScheduledAt time.Time    `json:"scheduled_at"`
	SentText    string       `json:"sent_text,omitempty"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	ExecutedAt  *time.Time   `json:"executed_at,omitempty"`
}

// EngagementPolicy limits how often and when proactive messages may go out.
// WindowStartMin and WindowEndMin are minutes from midnight in Timezone;
// a window with start > end wraps past midnight, start == end means always open.
type EngagementPolicy struct {
	MaxPerDay      int           `json:"max_per_day"`
	WindowStartMin int           `json:"window_start_min"`
	WindowEndMin   int           `json:"window_end_min"`
	Timezone       string        `json:"timezone"`
	EnabledKinds   []TriggerKind `json:"enabled_kinds"`
}

func (p EngagementPolicy) KindEnabled(kind TriggerKind) bool {
	for _, k := range p.EnabledKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// ChatMessage is a single turn in a conversation session.
type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session holds a user's ordered message history and session-scoped data.
type Session struct {
	UserID    int64             `json:"user_id"`
	ChatID    int64             `json:"chat_id"`
	Messages  []ChatMessage     `json:"messages"`
	Data      map[string]string `json:"data"`
	Active    bool              `json:"active"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// LastMessages returns up to n most recent messages in chronological order.
func (s *Session) LastMessages(n int) []ChatMessage {
	if len(s.Messages) <= n {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}
