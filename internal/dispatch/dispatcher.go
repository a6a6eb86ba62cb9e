// Package dispatch fans a due post out to its destinations, records one
// delivery attempt per destination, and commits the post's resulting
// lifecycle state.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"postq/internal/adapter"
	"postq/internal/eventbus"
	"postq/internal/post"
	"postq/internal/store"
	logx "postq/pkg/logx"
)

type Dispatcher struct {
	store store.Store
	reg   *adapter.Registry
	retry RetryPolicy
	log   logx.Logger
	bus   eventbus.Bus

	now func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(st store.Store, reg *adapter.Registry, retry RetryPolicy, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		store: st,
		reg:   reg,
		retry: retry.withDefaults(),
		log:   log,
		bus:   bus,
		now:   time.Now,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetClock overrides the time source. Tests use this to drive retry
// schedules with a fake clock.
func (d *Dispatcher) SetClock(now func() time.Time) {
	if now != nil {
		d.now = now
	}
}

// PostEvent is the bus payload for post lifecycle events.
type PostEvent struct {
	PostID      string     `json:"post_id"`
	State       post.State `json:"state,omitempty"`
	DueAt       time.Time  `json:"due_at,omitempty"`
	Destination string     `json:"destination,omitempty"`
	Outcome     string     `json:"outcome,omitempty"`
}

// Dispatch claims a due post and attempts delivery. Losing the claim race
// (another worker, another process, a racing cancel) is not an error: the
// post is someone else's responsibility now.
func (d *Dispatcher) Dispatch(ctx context.Context, p post.Post) error {
	now := d.now()
	err := d.store.Transition(ctx, p.ID, post.StateScheduled, post.StateDispatching, now)
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		d.log.Debug("claim lost", logx.String("post", p.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim %s: %w", p.ID, err)
	}
	d.publish("post.claimed", PostEvent{PostID: p.ID})
	return d.resolve(ctx, p)
}

// destProgress is what the attempt history tells us about one destination.
type destProgress struct {
	attempts int
	firstAt  time.Time
	last     post.Outcome
}

func (d *Dispatcher) resolve(ctx context.Context, p post.Post) error {
	history, err := d.store.AttemptsFor(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("load attempts for %s: %w", p.ID, err)
	}
	progress := map[string]*destProgress{}
	for _, dest := range p.Destinations {
		progress[dest] = &destProgress{}
	}
	for _, a := range history {
		pr, ok := progress[a.Destination]
		if !ok {
			continue
		}
		pr.attempts++
		if pr.firstAt.IsZero() || a.AttemptedAt.Before(pr.firstAt) {
			pr.firstAt = a.AttemptedAt
		}
		pr.last = a.Outcome
	}

	// Attempt every destination that is neither resolved nor out of budget.
	// Each attempt is appended before the post-level transition below, so a
	// crash in between leaves a resumable Dispatching row, never lost work.
	for _, dest := range p.Destinations {
		pr := progress[dest]
		if pr.last.Resolved() {
			continue
		}
		if d.retry.Exhausted(pr.attempts, pr.firstAt, d.now()) {
			continue
		}

		attempt := post.DeliveryAttempt{
			PostID:        p.ID,
			Destination:   dest,
			AttemptNumber: pr.attempts + 1,
			AttemptedAt:   d.now(),
		}

		pub, ok := d.reg.Lookup(dest)
		if !ok {
			attempt.Outcome = post.OutcomePermanentFailure
			attempt.Reason = "unknown destination"
			d.log.Warn("no adapter registered", logx.String("post", p.ID), logx.String("dest", dest))
		} else {
			extID, pubErr := publishSafe(ctx, pub, p.Content)
			switch {
			case pubErr == nil:
				attempt.Outcome = post.OutcomeSuccess
				attempt.ExternalID = extID
			case adapter.Classify(pubErr) == adapter.FailurePermanent:
				attempt.Outcome = post.OutcomePermanentFailure
				attempt.Reason = pubErr.Error()
			default:
				attempt.Outcome = post.OutcomeTransientFailure
				attempt.Reason = pubErr.Error()
			}
		}

		if err := d.store.AppendAttempt(ctx, attempt); err != nil {
			// Leave the post in Dispatching; the reclaim pass will resume it.
			return fmt.Errorf("append attempt for %s/%s: %w", p.ID, dest, err)
		}
		d.publish("attempt.recorded", PostEvent{
			PostID: p.ID, Destination: dest, Outcome: string(attempt.Outcome),
		})
		if attempt.Outcome != post.OutcomeSuccess {
			d.log.Debug("attempt failed",
				logx.String("post", p.ID), logx.String("dest", dest),
				logx.Int("attempt", attempt.AttemptNumber),
				logx.String("outcome", string(attempt.Outcome)),
				logx.String("reason", attempt.Reason))
		}

		pr.attempts++
		if pr.firstAt.IsZero() {
			pr.firstAt = attempt.AttemptedAt
		}
		pr.last = attempt.Outcome
	}

	return d.commitState(ctx, p, progress)
}

// commitState computes the post's resulting state from per-destination
// progress and commits it. Destinations still failing transiently with
// retry budget left keep the post Scheduled with a backoff due-time;
// exhausted ones count as permanent for state computation while their
// attempt records stay transient for audit.
func (d *Dispatcher) commitState(ctx context.Context, p post.Post, progress map[string]*destProgress) error {
	now := d.now()
	var succeeded, failed, retrying int
	nextDue := time.Time{}

	for _, dest := range p.Destinations {
		pr := progress[dest]
		switch {
		case pr.last == post.OutcomeSuccess:
			succeeded++
		case pr.last == post.OutcomePermanentFailure:
			failed++
		case d.retry.Exhausted(pr.attempts, pr.firstAt, now):
			failed++
		default:
			retrying++
			due := now.Add(d.backoff(pr.attempts + 1))
			if nextDue.IsZero() || due.Before(nextDue) {
				nextDue = due
			}
		}
	}

	if retrying > 0 {
		if err := d.store.Reschedule(ctx, p.ID, nextDue, now); err != nil {
			return fmt.Errorf("reschedule %s: %w", p.ID, err)
		}
		d.publish("post.rescheduled", PostEvent{PostID: p.ID, DueAt: nextDue})
		d.log.Debug("rescheduled for retry", logx.String("post", p.ID),
			logx.Time("due", nextDue), logx.Int("retrying", retrying))
		return nil
	}

	var target post.State
	var event string
	switch {
	case failed == 0:
		target, event = post.StateDelivered, "post.delivered"
	case succeeded > 0:
		target, event = post.StatePartiallyDelivered, "post.partial"
	default:
		target, event = post.StateFailed, "post.failed"
	}

	if err := d.store.Transition(ctx, p.ID, post.StateDispatching, target, now); err != nil {
		return fmt.Errorf("commit %s -> %s: %w", p.ID, target, err)
	}
	d.publish(event, PostEvent{PostID: p.ID, State: target})
	d.log.Info("dispatch finished", logx.String("post", p.ID),
		logx.String("state", string(target)),
		logx.Int("succeeded", succeeded), logx.Int("failed", failed))
	return nil
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	return d.retry.Delay(attempt, d.rng)
}

func (d *Dispatcher) publish(typ string, data PostEvent) {
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

// publishSafe guards against publisher panics: a misbehaving adapter
// degrades to a transient failure instead of crashing the worker.
func publishSafe(ctx context.Context, pub adapter.Publisher, content string) (extID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = adapter.Transientf("publisher panic: %v", r)
		}
	}()
	return pub.Publish(ctx, content)
}
