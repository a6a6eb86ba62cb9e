// Package scheduler runs the time-driven controller: it polls the store for
// due posts, expands recurring definitions into concrete instances, reclaims
// dispatches abandoned by crashed workers, and feeds due posts to a bounded
// worker pool for dispatch.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"postq/internal/dispatch"
	"postq/internal/eventbus"
	"postq/internal/post"
	rtsup "postq/internal/runtime/supervisor"
	"postq/internal/store"
	logx "postq/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config

	log   logx.Logger
	bus   eventbus.Bus
	store store.Store
	disp  *dispatch.Dispatcher

	// now is the injected time source; tests swap it for a fake clock.
	now func() time.Time

	q        chan post.Post
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	enqueued  uint64
	reclaimed uint64
	expanded  uint64
	dropped   uint64
}

func New(cfg Config, st store.Store, disp *dispatch.Dispatcher, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		log:   log,
		bus:   bus,
		store: st,
		disp:  disp,
		now:   time.Now,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the config. Worker/queue changes take effect via restart;
// interval and window changes are picked up on the next tick.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running {
		return
	}
	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is idempotent. The loop and its workers run under a supervisor so a
// panicking dispatch restarts the worker instead of killing the process.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}

	s.q = make(chan post.Post, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	queue := s.q
	stopCh := s.stopCh

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	sup.GoRestart("poll", func(c context.Context) error {
		s.pollLoop(c, stopCh)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("poll loop exited unexpectedly")
	})

	s.log.Info("scheduler started",
		logx.Int("workers", cfg.Workers),
		logx.Duration("poll_interval", cfg.PollInterval),
		logx.Duration("lookahead", cfg.Lookahead))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) pollLoop(ctx context.Context, stopCh <-chan struct{}) {
	// First tick immediately: a restart should not sit out a full interval
	// while due posts wait.
	s.tick(ctx)

	for {
		s.mu.Lock()
		interval := s.cfg.PollInterval
		s.mu.Unlock()

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-stopCh:
			t.Stop()
			return
		case <-t.C:
		}
		s.tick(ctx)
	}
}

// tick runs one polling cycle: reclaim abandoned dispatches, expand
// recurring definitions, then queue whatever is due. Each phase isolates
// its own errors; a failing store call skips the phase, not the loop.
func (s *Service) tick(ctx context.Context) {
	now := s.now()

	s.reclaimStale(ctx, now)
	s.expandRecurrences(ctx, now)
	s.enqueueDue(ctx, now)
}

// reclaimStale returns abandoned Dispatching posts to Scheduled with an
// immediate due-time. The conditional update makes the reclaim race-safe:
// whoever moves the row first owns the decision, everyone else conflicts
// and moves on. Re-dispatch then resumes from the recorded attempts, so
// already-resolved destinations are not re-published.
func (s *Service) reclaimStale(ctx context.Context, now time.Time) {
	s.mu.Lock()
	staleAfter := s.cfg.StaleAfter
	s.mu.Unlock()

	stale, err := s.store.FindStaleDispatching(ctx, now.Add(-staleAfter))
	if err != nil {
		s.log.Warn("stale dispatch query failed", logx.Err(err))
		return
	}
	for _, p := range stale {
		err := s.store.Reschedule(ctx, p.ID, now, now)
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			s.log.Warn("reclaim failed", logx.String("post", p.ID), logx.Err(err))
			continue
		}
		atomic.AddUint64(&s.reclaimed, 1)
		s.log.Warn("reclaimed abandoned dispatch",
			logx.String("post", p.ID), logx.Time("stuck_since", p.LastTransitionAt))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "post.reclaimed", Data: dispatch.PostEvent{PostID: p.ID}})
		}
	}
}

func (s *Service) enqueueDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	batch := s.cfg.DueBatch
	queue := s.q
	s.mu.Unlock()
	if queue == nil {
		return
	}

	due, err := s.store.FindDue(ctx, now, batch)
	if err != nil {
		s.log.Warn("due query failed", logx.Err(err))
		return
	}
	for _, p := range due {
		select {
		case queue <- p:
			atomic.AddUint64(&s.enqueued, 1)
		default:
			// Queue full: the post stays Scheduled and due, the next tick
			// will offer it again.
			atomic.AddUint64(&s.dropped, 1)
			s.log.Debug("dispatch queue full", logx.String("post", p.ID))
			return
		}
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan post.Post) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case p, ok := <-queue:
			if !ok {
				return
			}
			if err := s.disp.Dispatch(ctx, p); err != nil {
				// Per-post isolation: log and keep consuming. An abandoned
				// Dispatching row is picked up by the reclaim pass.
				s.log.Error("dispatch failed", logx.String("post", p.ID), logx.Err(err))
			}
		}
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:   cfg.Enabled,
		Running:   running,
		Workers:   cfg.Workers,
		Enqueued:  atomic.LoadUint64(&s.enqueued),
		Reclaimed: atomic.LoadUint64(&s.reclaimed),
		Expanded:  atomic.LoadUint64(&s.expanded),
		Dropped:   atomic.LoadUint64(&s.dropped),
	}
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}
	return snap
}
