package enforce

import (
	"sync"
	"time"

	"flowguard/internal/model"

	"github.com/sirupsen/logrus"
)

// Dispatcher pushes effective actions toward the data plane. Both
// operations are idempotent: applying the action already in place and
// clearing an identity with nothing applied are no-ops.
type Dispatcher interface {
	ApplyAction(identity model.FlowIdentity, action model.PolicyAction, priority int) error
	ClearAction(identity model.FlowIdentity) error
}

// LogDispatcher is the default data-plane adapter. It records the
// intended state and logs every transition; a real deployment swaps in
// an adapter speaking to the switch fabric.
type LogDispatcher struct {
	mu      sync.Mutex
	applied map[string]model.PolicyAction
	logger  *logrus.Logger
}

func NewLogDispatcher(logger *logrus.Logger) *LogDispatcher {
	return &LogDispatcher{
		applied: make(map[string]model.PolicyAction),
		logger:  logger,
	}
}

func (d *LogDispatcher) ApplyAction(identity model.FlowIdentity, action model.PolicyAction, priority int) error {
	key := identity.Key()
	d.mu.Lock()
	current, ok := d.applied[key]
	if ok && current == action {
		d.mu.Unlock()
		return nil
	}
	d.applied[key] = action
	d.mu.Unlock()

	d.logger.Infof("[Enforce] Apply %s for %s (priority %d)", action, identity, priority)
	return nil
}

func (d *LogDispatcher) ClearAction(identity model.FlowIdentity) error {
	key := identity.Key()
	d.mu.Lock()
	_, ok := d.applied[key]
	if ok {
		delete(d.applied, key)
	}
	d.mu.Unlock()

	if ok {
		d.logger.Infof("[Enforce] Clear action for %s", identity)
	}
	return nil
}

// AppliedAction returns the action currently in place for an identity.
func (d *LogDispatcher) AppliedAction(identity model.FlowIdentity) (model.PolicyAction, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	action, ok := d.applied[identity.Key()]
	return action, ok
}

// AppliedCount returns the number of identities with an action in place.
func (d *LogDispatcher) AppliedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.applied)
}

// FailureFunc receives enforcement failures after retries are exhausted.
type FailureFunc func(failure *model.EnforcementFailure)

// Retrier wraps a Dispatcher with bounded retries. A failed apply keeps
// the intent pending and surfaces an EnforcementFailure through the
// failure callback; the decision that produced it is never rolled back.
type Retrier struct {
	next      Dispatcher
	attempts  int
	delay     time.Duration
	onFailure FailureFunc
	onRetry   func()

	mu      sync.Mutex
	pending map[string]pendingIntent

	logger *logrus.Logger
}

type pendingIntent struct {
	identity model.FlowIdentity
	action   model.PolicyAction
	priority int
	clear    bool
}

func NewRetrier(next Dispatcher, attempts int, delay time.Duration, onFailure FailureFunc, logger *logrus.Logger) *Retrier {
	if attempts <= 0 {
		attempts = 3
	}
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	return &Retrier{
		next:      next,
		attempts:  attempts,
		delay:     delay,
		onFailure: onFailure,
		pending:   make(map[string]pendingIntent),
		logger:    logger,
	}
}

// OnRetry registers a callback invoked before every retry attempt.
func (r *Retrier) OnRetry(fn func()) {
	r.onRetry = fn
}

func (r *Retrier) ApplyAction(identity model.FlowIdentity, action model.PolicyAction, priority int) error {
	err := r.withRetries(identity, action, func() error {
		return r.next.ApplyAction(identity, action, priority)
	})
	r.recordOutcome(identity, pendingIntent{identity: identity, action: action, priority: priority}, err)
	return err
}

func (r *Retrier) ClearAction(identity model.FlowIdentity) error {
	err := r.withRetries(identity, model.ActionNone, func() error {
		return r.next.ClearAction(identity)
	})
	r.recordOutcome(identity, pendingIntent{identity: identity, clear: true}, err)
	return err
}

func (r *Retrier) withRetries(identity model.FlowIdentity, action model.PolicyAction, op func() error) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt < r.attempts {
			r.logger.Warnf("[Enforce] Attempt %d/%d for %s failed, retrying: %v",
				attempt, r.attempts, identity, err)
			if r.onRetry != nil {
				r.onRetry()
			}
			time.Sleep(r.delay * time.Duration(attempt))
		}
	}
	failure := &model.EnforcementFailure{
		Identity: identity,
		Action:   action,
		Attempts: r.attempts,
		Err:      err,
	}
	r.logger.Errorf("[Enforce] Giving up on %s after %d attempts: %v", identity, r.attempts, err)
	if r.onFailure != nil {
		r.onFailure(failure)
	}
	return failure
}

// recordOutcome keeps failed intents pending for Resync and clears them
// on success.
func (r *Retrier) recordOutcome(identity model.FlowIdentity, intent pendingIntent, err error) {
	key := identity.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.pending[key] = intent
		return
	}
	delete(r.pending, key)
}

// Resync retries every pending intent once. Returns how many remain.
func (r *Retrier) Resync() int {
	r.mu.Lock()
	intents := make([]pendingIntent, 0, len(r.pending))
	for _, intent := range r.pending {
		intents = append(intents, intent)
	}
	r.mu.Unlock()

	for _, intent := range intents {
		if intent.clear {
			_ = r.ClearAction(intent.identity)
			continue
		}
		_ = r.ApplyAction(intent.identity, intent.action, intent.priority)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// PendingCount returns the number of intents awaiting a successful apply.
func (r *Retrier) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
