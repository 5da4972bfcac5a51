package engage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/temsan/reLove-communication-bot-sub000/internal/models"
	"github.com/temsan/reLove-communication-bot-sub000/internal/storage"
)

// RejectReason identifies which policy check refused a trigger. Checks are
// evaluated in a fixed order (cap, then window, then kind) so the reported
// reason is deterministic.
type RejectReason string

const (
	ReasonNone          RejectReason = ""
	ReasonDailyCap      RejectReason = "daily_cap"
	ReasonOutsideWindow RejectReason = "outside_window"
	ReasonKindDisabled  RejectReason = "kind_disabled"
)

// Decision is the gate's answer for one trigger. A rejection is a deferral,
// not a failure: the trigger stays pending and is retried on a later tick.
type Decision struct {
	Allowed bool
	Reason  RejectReason
}

// PolicySource is the configuration-read collaborator.
type PolicySource interface {
	GetPolicy(ctx context.Context) (models.EngagementPolicy, error)
}

// PolicyCache wraps a PolicySource with a short TTL so the gate does not
// hit storage on every check. Invalidate drops the cached copy when a
// config-changed signal arrives; the TTL covers everything else.
type PolicyCache struct {
	source PolicySource
	ttl    time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	cached    models.EngagementPolicy
	fetchedAt time.Time
}

func NewPolicyCache(source PolicySource, ttl time.Duration) *PolicyCache {
	return &PolicyCache{
		source: source,
		ttl:    ttl,
		now:    time.Now,
	}
}

func (c *PolicyCache) Get(ctx context.Context) (models.EngagementPolicy, error) {
	c.mu.RLock()
	if !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.ttl {
		policy := c.cached
		c.mu.RUnlock()
		return policy, nil
	}
	c.mu.RUnlock()

	policy, err := c.source.GetPolicy(ctx)
	if err != nil {
		return models.EngagementPolicy{}, fmt.Errorf("load policy: %w", err)
	}

	c.mu.Lock()
	c.cached = policy
	c.fetchedAt = c.now()
	c.mu.Unlock()
	return policy, nil
}

func (c *PolicyCache) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

// Gate decides whether a trigger may fire right now under the engagement
// policy. It is a pure decision point: it never mutates trigger state.
type Gate struct {
	policies *PolicyCache
	store    storage.Storage
}

func NewGate(policies *PolicyCache, store storage.Storage) *Gate {
	return &Gate{
		policies: policies,
		store:    store,
	}
}

func (g *Gate) Allow(ctx context.Context, trigger *models.Trigger, now time.Time) (Decision, error) {
	policy, err := g.policies.Get(ctx)
	if err != nil {
		return Decision{}, err
	}

	loc, err := time.LoadLocation(policy.Timezone)
	if err != nil {
		loc = time.UTC
	}
	localNow := now.In(loc)

	// 1. Daily cap, counted from midnight in the policy's time zone.
	dayStart := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), 0, 0, 0, 0, loc)
	executed, err := g.store.CountExecutedSince(ctx, trigger.UserID, dayStart)
	if err != nil {
		return Decision{}, fmt.Errorf("count executed triggers: %w", err)
	}
	if executed >= policy.MaxPerDay {
		return Decision{Reason: ReasonDailyCap}, nil
	}

	// 2. Allowed time-of-day window.
	minute := localNow.Hour()*60 + localNow.Minute()
	if !withinWindow(policy.WindowStartMin, policy.WindowEndMin, minute) {
		return Decision{Reason: ReasonOutsideWindow}, nil
	}

	// 3. Kind enabled.
	if !policy.KindEnabled(trigger.Kind) {
		return Decision{Reason: ReasonKindDisabled}, nil
	}

	return Decision{Allowed: true}, nil
}

// withinWindow treats the window as closed on both ends, so a check at
// exactly window_end passes. Wrap-around windows (start > end) span
// midnight; start == end means the window is always open.
func withinWindow(start, end, minute int) bool {
	switch {
	case start == end:
		return true
	case start < end:
		return minute >= start && minute <= end
	default:
		return minute >= start || minute <= end
	}
}
